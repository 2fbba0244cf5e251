package wire

import (
	"encoding/binary"
	"errors"

	"github.com/velanet/dgram/pkg/aead"
)

// Packet is the decoded form of any wire packet. Decode returns one of
// *Request, *Disconnect, *Challenge, or *Payload; callers type-switch on it
// rather than going through any dynamic dispatch (spec §9 design note).
type Packet interface {
	isPacket()
}

// Disconnect carries no body.
type Disconnect struct {
	Sequence uint64
}

func (*Disconnect) isPacket() {}

// Challenge carries a sealed ChallengeToken plus the server's challenge
// sequence used to derive its nonce. The same shape is used for both the
// server's Challenge packet and the client's Response packet (spec §4.5.1).
type Challenge struct {
	Sequence     uint64
	ChallengeSeq uint64
	SealedToken  [ChallengeLen]byte
}

func (*Challenge) isPacket() {}

// Payload carries application bytes, or none at all (a KeepAlive).
type Payload struct {
	Sequence uint64
	Body     []byte
}

func (*Payload) isPacket() {}

// ErrShortBuffer is returned when a buffer is too small to be any valid
// packet.
var ErrShortBuffer = errors.New("wire: buffer too short")

// ErrReservedBitsSet is returned in strict mode (the mode this
// implementation uses; see SPEC_FULL.md's Open Question Decisions) when the
// reserved 6 low bits of the prefix byte are non-zero.
var ErrReservedBitsSet = errors.New("wire: reserved prefix bits set")

// ErrBadChallengeBody is returned when a Challenge/Response packet's
// decrypted body is not exactly ChallengeLen+8 bytes.
var ErrBadChallengeBody = errors.New("wire: malformed challenge body")

// ErrAuthFailed is returned when the AEAD tag does not verify.
var ErrAuthFailed = aead.ErrAuthFailed

const encryptedMinLen = HeaderLen + TagSize // 21, empty body

// associatedData builds ad = version || protocol_id || prefix (22 bytes),
// per spec §4.5.2 step 3.
func associatedData(version [13]byte, protocolID uint64, prefix byte) []byte {
	ad := make([]byte, 13+8+1)
	copy(ad, version[:])
	binary.LittleEndian.PutUint64(ad[13:], protocolID)
	ad[21] = prefix
	return ad
}

// sequenceNonce zero-pads the low 32 bits of seq (the part carried in the
// header) little-endian into a 12-byte nonce (spec §4.5.2 step 4).
func sequenceNonce(seq uint64) [NonceSize]byte {
	var n [NonceSize]byte
	binary.LittleEndian.PutUint32(n[:4], uint32(seq))
	return n
}

// encodeEncrypted is the shared encode path for every non-Request packet
// kind (spec §4.5.2).
func encodeEncrypted(kind Kind, seq uint64, body []byte, version [13]byte, protocolID uint64, key [aead.KeySize]byte) []byte {
	out := make([]byte, HeaderLen+len(body)+TagSize)
	prefix := byte(kind) << 6
	out[0] = prefix
	binary.LittleEndian.PutUint32(out[1:5], uint32(seq))
	copy(out[HeaderLen:], body)

	ad := associatedData(version, protocolID, prefix)
	nonce := sequenceNonce(seq)
	tag := aead.Seal(out[HeaderLen:HeaderLen+len(body)], ad, nonce, key)
	copy(out[HeaderLen+len(body):], tag[:])
	return out
}

// EncodeDisconnect encodes a Disconnect packet (empty ciphertext).
func EncodeDisconnect(seq uint64, version [13]byte, protocolID uint64, key [aead.KeySize]byte) []byte {
	return encodeEncrypted(KindDisconnect, seq, nil, version, protocolID, key)
}

// EncodeChallenge encodes a Challenge (or Response) packet: ciphertext is
// the sealed ChallengeToken followed by the 8-byte challenge sequence (spec
// §4.5.1).
func EncodeChallenge(seq uint64, challengeSeq uint64, sealed *[ChallengeLen]byte, version [13]byte, protocolID uint64, key [aead.KeySize]byte) []byte {
	body := make([]byte, ChallengeLen+8)
	copy(body, sealed[:])
	binary.LittleEndian.PutUint64(body[ChallengeLen:], challengeSeq)
	return encodeEncrypted(KindChallenge, seq, body, version, protocolID, key)
}

// EncodePayload encodes a Payload packet. A nil or empty payload produces a
// KeepAlive.
func EncodePayload(seq uint64, payload []byte, version [13]byte, protocolID uint64, key [aead.KeySize]byte) []byte {
	return encodeEncrypted(KindPayload, seq, payload, version, protocolID, key)
}

// Decode parses buf into a Packet. If buf is exactly MTU bytes and its
// prefix byte is KindRequest, it is decoded as a Request (no decryption
// needed — the sealed PrivateToken is opened separately by the caller, who
// is the only one who may hold the private key). Otherwise it is decoded and
// authenticated as an encrypted packet under key (spec §4.5.3).
func Decode(buf []byte, version [13]byte, protocolID uint64, key [aead.KeySize]byte) (Packet, error) {
	if len(buf) < 1 {
		return nil, ErrShortBuffer
	}
	prefix := buf[0]
	kind := Kind(prefix >> 6)
	if prefix == 0 && len(buf) == MTU {
		var arr [MTU]byte
		copy(arr[:], buf)
		r := decodeRequest(&arr)
		return r, nil
	}
	if len(buf) < encryptedMinLen {
		return nil, ErrShortBuffer
	}
	if prefix&0x3F != 0 {
		return nil, ErrReservedBitsSet
	}

	seq := uint64(binary.LittleEndian.Uint32(buf[1:5]))
	bodyLen := len(buf) - HeaderLen - TagSize
	body := make([]byte, bodyLen)
	copy(body, buf[HeaderLen:HeaderLen+bodyLen])
	var tag [TagSize]byte
	copy(tag[:], buf[len(buf)-TagSize:])

	ad := associatedData(version, protocolID, prefix)
	nonce := sequenceNonce(seq)
	if err := aead.Open(body, ad, tag, nonce, key); err != nil {
		return nil, ErrAuthFailed
	}

	switch kind {
	case KindDisconnect:
		return &Disconnect{Sequence: seq}, nil
	case KindChallenge:
		if len(body) != ChallengeLen+8 {
			return nil, ErrBadChallengeBody
		}
		c := &Challenge{Sequence: seq, ChallengeSeq: binary.LittleEndian.Uint64(body[ChallengeLen:])}
		copy(c.SealedToken[:], body[:ChallengeLen])
		return c, nil
	case KindPayload:
		return &Payload{Sequence: seq, Body: body}, nil
	default:
		return nil, ErrShortBuffer
	}
}
