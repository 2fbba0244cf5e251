package wire

import "encoding/binary"

// Request is the decoded form of the fixed MTU-sized Request packet (spec
// §4.5.1): the client's first flight, carrying the sealed PrivateToken
// verbatim.
type Request struct {
	Version       [13]byte
	ProtocolID    uint64
	Expire        uint64
	Nonce         [XNonceSize]byte
	SealedPrivate [PrivateLen]byte
}

func (*Request) isPacket() {}

// EncodeRequest writes the fixed MTU-byte Request packet wire layout.
func EncodeRequest(r *Request) *[MTU]byte {
	var buf [MTU]byte
	buf[reqPrefixOff] = byte(KindRequest) << 6
	copy(buf[reqVersionOff:], r.Version[:])
	binary.LittleEndian.PutUint64(buf[reqProtocolIDOff:], r.ProtocolID)
	binary.LittleEndian.PutUint64(buf[reqExpireOff:], r.Expire)
	copy(buf[reqNonceOff:], r.Nonce[:])
	// buf[reqReservedOff:reqReservedOff+reqReservedLen] stays zero.
	copy(buf[reqSealedTokenOff:], r.SealedPrivate[:])
	return &buf
}

// decodeRequest parses a buffer already confirmed to be MTU bytes long with
// prefix byte 0.
func decodeRequest(buf *[MTU]byte) *Request {
	r := &Request{
		ProtocolID: binary.LittleEndian.Uint64(buf[reqProtocolIDOff:]),
		Expire:     binary.LittleEndian.Uint64(buf[reqExpireOff:]),
	}
	copy(r.Version[:], buf[reqVersionOff:reqVersionOff+13])
	copy(r.Nonce[:], buf[reqNonceOff:reqNonceOff+XNonceSize])
	copy(r.SealedPrivate[:], buf[reqSealedTokenOff:reqSealedTokenOff+PrivateLen])
	return r
}
