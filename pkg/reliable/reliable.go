// Package reliable implements an ordered-delivery, fragmenting layer on top
// of an already-authenticated datagram channel (spec §4.10). It never
// touches cryptography or addresses; callers feed it decrypted Payload
// bodies and get back raw bytes to seal and send.
package reliable

import (
	"errors"

	"github.com/velanet/dgram/pkg/seqbuf"
)

const (
	ackBits        = 32 // width of the acknowledgement bitmap
	sendBufferSize = 256
	recvBufferSize = 256
	fragBufferSize = 64

	regularPrefix  = 0
	fragmentPrefix = 1
)

// Config tunes fragmentation and header compression thresholds.
type Config struct {
	FragmentAbove int // payloads larger than this are split into fragments
	FragmentSize  int // bytes per fragment
	MaxFragments  int // a message spanning more fragments than this is rejected
}

// DefaultConfig mirrors netcode-style reliability defaults: fragments stay
// well under typical path MTUs, and a message may span up to 64 of them
// (the most the reassembly bitmap tracks).
var DefaultConfig = Config{
	FragmentAbove: 1024,
	FragmentSize:  1024,
	MaxFragments:  64,
}

var (
	ErrPacketTooLarge  = errors.New("reliable: payload exceeds MaxFragments*FragmentSize")
	ErrInvalidFragment = errors.New("reliable: malformed fragment header")
	ErrInvalidPacket   = errors.New("reliable: malformed packet header")
)

type sentRecord struct {
	size int
	time int64
	acked bool
}

type reassembly struct {
	total   int
	have    uint64 // bitmap of received fragment ids; a message of more than 64 fragments never completes
	buf     []byte
	size    int    // actual reassembled length; grows as fragments arrive
	regular []byte // fragment 0's embedded regular header, once seen
}

// Endpoint is one direction-agnostic reliability session. A client and a
// server each own one per logical connection.
type Endpoint struct {
	cfg Config

	localSeq uint16
	sendBuf  *seqbuf.Buffer[sentRecord]
	recvBuf  *seqbuf.Buffer[struct{}]
	reasm    *seqbuf.Buffer[*reassembly]

	Counters Counters
}

// Counters tracks per-event totals and smoothed rate estimates (spec §4.10
// "Counters").
type Counters struct {
	PacketsSent, PacketsRecv, PacketsAcked   uint64
	PacketsStale, PacketsInvalid             uint64
	FragmentsSent, FragmentsRecv             uint64
	FragmentsInvalid, PacketsTooLarge        uint64

	RTT               float64 // milliseconds, EWMA factor ~0.0025
	PacketLoss        float64 // percent; not computed by Endpoint, stays 0
	SentBandwidthKbps float64
	RecvBandwidthKbps float64
	AckedBandwidthKbps float64
}

const ewmaFactor = 0.0025

func ewma(old, sample float64) float64 {
	return old*(1-ewmaFactor) + sample*ewmaFactor
}

// New creates an Endpoint with cfg.
func New(cfg Config) *Endpoint {
	return &Endpoint{
		cfg:     cfg,
		sendBuf: seqbuf.New[sentRecord](sendBufferSize),
		recvBuf: seqbuf.New[struct{}](recvBufferSize),
		reasm:   seqbuf.New[*reassembly](fragBufferSize),
	}
}

// Send turns payload into one or more wire-ready byte slices. A payload at
// or below cfg.FragmentAbove produces exactly one regular packet; a larger
// payload is split into fragments (spec §4.10 "send").
func (e *Endpoint) Send(payload []byte, now int64) ([][]byte, error) {
	seq := e.localSeq
	e.localSeq++

	ack, bits := e.recvBuf.GenerateAckBits(ackBits)
	e.sendBuf.Insert(uint32(seq), sentRecord{size: len(payload), time: now})

	if len(payload) <= e.cfg.FragmentAbove {
		e.Counters.PacketsSent++
		e.Counters.SentBandwidthKbps = ewma(e.Counters.SentBandwidthKbps, float64(len(payload)+regularHeaderMaxLen)*8/1000)
		return [][]byte{encodeRegular(seq, uint16(ack), bits, payload)}, nil
	}

	total := (len(payload) + e.cfg.FragmentSize - 1) / e.cfg.FragmentSize
	if total > e.cfg.MaxFragments {
		e.Counters.PacketsTooLarge++
		return nil, ErrPacketTooLarge
	}

	out := make([][]byte, 0, total)
	for id := 0; id < total; id++ {
		start := id * e.cfg.FragmentSize
		end := start + e.cfg.FragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		var regular []byte
		if id == 0 {
			regular = encodeRegularHeader(seq, uint16(ack), bits)
		}
		out = append(out, encodeFragment(seq, uint8(id), uint8(total), regular, payload[start:end]))
		e.Counters.FragmentsSent++
	}
	e.Counters.PacketsSent++
	return out, nil
}

// Recv decodes raw, which must be either a regular or fragment packet, and
// reassembles fragmented messages. onProcess is invoked with each
// completed message's sequence and body exactly once; if it returns false
// the message is treated as rejected and not recorded as received (spec
// §4.10 "recv").
func (e *Endpoint) Recv(raw []byte, now int64, onProcess func(seq uint16, payload []byte) bool) error {
	if len(raw) < 1 {
		e.Counters.PacketsInvalid++
		return ErrInvalidPacket
	}
	if raw[0]&1 == fragmentPrefix {
		return e.recvFragment(raw, now, onProcess)
	}
	return e.recvRegular(raw, now, onProcess)
}

func (e *Endpoint) recvRegular(raw []byte, now int64, onProcess func(seq uint16, payload []byte) bool) error {
	h, body, err := decodeRegular(raw)
	if err != nil {
		e.Counters.PacketsInvalid++
		return err
	}
	e.deliver(h.seq, h.ack, h.ackBits, body, now, onProcess)
	return nil
}

func (e *Endpoint) deliver(seq, ack uint16, bits uint32, body []byte, now int64, onProcess func(seq uint16, payload []byte) bool) {
	if e.recvBuf.Exists(uint32(seq)) {
		e.Counters.PacketsStale++
		return
	}
	accepted := onProcess(seq, body)
	if !accepted {
		return
	}
	e.recvBuf.Insert(uint32(seq), struct{}{})
	e.Counters.PacketsRecv++
	e.Counters.RecvBandwidthKbps = ewma(e.Counters.RecvBandwidthKbps, float64(len(body)+regularHeaderMaxLen)*8/1000)

	for i := 0; i < ackBits; i++ {
		if bits&(1<<uint(i)) == 0 {
			continue
		}
		ackedSeq := uint32(ack) - uint32(i)
		if rec, ok := e.sendBuf.FindPtr(ackedSeq); ok && !rec.acked {
			rec.acked = true
			e.Counters.PacketsAcked++
			rtt := float64(now - rec.time)
			e.Counters.RTT = ewma(e.Counters.RTT, rtt)
			e.Counters.AckedBandwidthKbps = ewma(e.Counters.AckedBandwidthKbps, float64(rec.size+regularHeaderMaxLen)*8/1000)
		}
	}
}

func (e *Endpoint) recvFragment(raw []byte, now int64, onProcess func(seq uint16, payload []byte) bool) error {
	fh, regular, body, err := decodeFragment(raw)
	if err != nil {
		e.Counters.FragmentsInvalid++
		return err
	}
	if int(fh.total) > e.cfg.MaxFragments {
		e.Counters.FragmentsInvalid++
		return ErrInvalidFragment
	}

	slot, ok := e.reasm.FindPtr(uint32(fh.seq))
	if !ok || *slot == nil {
		r := &reassembly{
			total: int(fh.total),
			buf:   make([]byte, int(fh.total)*e.cfg.FragmentSize),
		}
		e.reasm.Insert(uint32(fh.seq), r)
		slot, _ = e.reasm.FindPtr(uint32(fh.seq))
	}
	r := *slot
	off := int(fh.id) * e.cfg.FragmentSize
	copy(r.buf[off:], body)
	end := off + len(body)
	if end > r.size {
		r.size = end
	}
	if int(fh.id) < 64 {
		r.have |= 1 << uint(fh.id)
	}
	if fh.id == 0 {
		r.regular = regular
	}
	e.Counters.FragmentsRecv++

	want := uint64(1)<<uint(r.total) - 1
	if r.total > 64 || r.have&want != want {
		return nil
	}

	if r.regular == nil {
		e.Counters.FragmentsInvalid++
		return ErrInvalidFragment
	}
	h, err := decodeRegularHeader(r.regular)
	if err != nil {
		e.Counters.FragmentsInvalid++
		return err
	}
	e.reasm.Remove(uint32(fh.seq))
	e.deliver(h.seq, h.ack, h.ackBits, r.buf[:r.size], now, onProcess)
	return nil
}
