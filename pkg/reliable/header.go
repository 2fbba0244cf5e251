package reliable

import "encoding/binary"

// Regular header layout (spec §4.10 "Header compression"):
//
//	byte 0: flags
//	  bit 0 = 0 (regular packet, distinguishes it from a fragment header)
//	  bit 1 = 1 if ack is encoded as a 1-byte seq-ack delta, 0 if a full
//	          2-byte ack follows
//	  bits 2..5 = one bit per ack_bits byte (4 bytes, LSB first): 1 means
//	          that byte is carried explicitly because it isn't 0xFF, 0 means
//	          it was omitted and reconstructs to 0xFF
//	seq:    2 bytes, little-endian
//	ack:    1 byte (seq-ack, when bit 1 set) or 2 bytes little-endian
//	ack_bits: 0..4 bytes, only those flagged present in the header byte
//
// regularHeaderMaxLen bounds the header at its largest (no compression
// applied): 1 flags + 2 seq + 2 ack + 4 ack_bits.
const regularHeaderMaxLen = 1 + 2 + 2 + 4

const (
	flagFragment  = 1 << 0
	flagShortAck  = 1 << 1
	flagBitsShift = 2
)

type regularHeader struct {
	seq     uint16
	ack     uint16
	ackBits uint32
}

func encodeRegularHeader(seq, ack uint16, bits uint32) []byte {
	var flags byte
	delta := int(seq) - int(ack)
	shortAck := delta >= 0 && delta <= 255
	if shortAck {
		flags |= flagShortAck
	}

	var present [4]bool
	for i := 0; i < 4; i++ {
		b := byte(bits >> uint(i*8))
		if b != 0xFF {
			present[i] = true
			flags |= 1 << uint(flagBitsShift+i)
		}
	}

	out := make([]byte, 1, regularHeaderMaxLen)
	out[0] = flags
	out = binary.LittleEndian.AppendUint16(out, seq)
	if shortAck {
		out = append(out, byte(delta))
	} else {
		out = binary.LittleEndian.AppendUint16(out, ack)
	}
	for i := 0; i < 4; i++ {
		if present[i] {
			out = append(out, byte(bits>>uint(i*8)))
		}
	}
	return out
}

func decodeRegularHeaderBytes(buf []byte) (regularHeader, int, error) {
	if len(buf) < 3 {
		return regularHeader{}, 0, ErrInvalidPacket
	}
	flags := buf[0]
	seq := binary.LittleEndian.Uint16(buf[1:3])
	off := 3

	var ack uint16
	if flags&flagShortAck != 0 {
		if len(buf) < off+1 {
			return regularHeader{}, 0, ErrInvalidPacket
		}
		ack = seq - uint16(buf[off])
		off++
	} else {
		if len(buf) < off+2 {
			return regularHeader{}, 0, ErrInvalidPacket
		}
		ack = binary.LittleEndian.Uint16(buf[off:])
		off += 2
	}

	var bits uint32
	for i := 0; i < 4; i++ {
		if flags&(1<<uint(flagBitsShift+i)) != 0 {
			if len(buf) < off+1 {
				return regularHeader{}, 0, ErrInvalidPacket
			}
			bits |= uint32(buf[off]) << uint(i*8)
			off++
		} else {
			bits |= 0xFF << uint(i*8)
		}
	}

	return regularHeader{seq: seq, ack: ack, ackBits: bits}, off, nil
}

func decodeRegularHeader(buf []byte) (regularHeader, error) {
	h, _, err := decodeRegularHeaderBytes(buf)
	return h, err
}

func encodeRegular(seq, ack uint16, bits uint32, payload []byte) []byte {
	h := encodeRegularHeader(seq, ack, bits)
	out := make([]byte, 0, len(h)+len(payload))
	out = append(out, h...)
	out = append(out, payload...)
	return out
}

func decodeRegular(buf []byte) (regularHeader, []byte, error) {
	h, n, err := decodeRegularHeaderBytes(buf)
	if err != nil {
		return regularHeader{}, nil, err
	}
	return h, buf[n:], nil
}

// Fragment header layout (spec §4.10 "recv", fragment branch):
//
//	byte 0: flags, bit 0 = 1
//	seq:    2 bytes, little-endian — the message sequence all fragments share
//	id:     1 byte — this fragment's index
//	total:  1 byte — total fragment count for the message
//	if id == 0, the regular header for the reassembled message follows
//	immediately, then fragment body bytes.
const fragmentHeaderLen = 1 + 2 + 1 + 1

type fragmentHeader struct {
	seq   uint16
	id    uint8
	total uint8
}

func encodeFragment(seq uint16, id, total uint8, regular, body []byte) []byte {
	out := make([]byte, 0, fragmentHeaderLen+len(regular)+len(body))
	out = append(out, flagFragment)
	out = binary.LittleEndian.AppendUint16(out, seq)
	out = append(out, id, total)
	out = append(out, regular...)
	out = append(out, body...)
	return out
}

func decodeFragment(buf []byte) (fragmentHeader, []byte, []byte, error) {
	if len(buf) < fragmentHeaderLen {
		return fragmentHeader{}, nil, nil, ErrInvalidFragment
	}
	h := fragmentHeader{
		seq:   binary.LittleEndian.Uint16(buf[1:3]),
		id:    buf[3],
		total: buf[4],
	}
	rest := buf[fragmentHeaderLen:]
	if h.id != 0 {
		return h, nil, rest, nil
	}
	rh, n, err := decodeRegularHeaderBytes(rest)
	_ = rh
	if err != nil {
		return fragmentHeader{}, nil, nil, err
	}
	return h, rest[:n], rest[n:], nil
}
