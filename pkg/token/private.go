package token

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/velanet/dgram/pkg/aead"
)

// Private is the decoded form of a PrivateToken (spec §3, §4.4): the
// per-session keys and application data the authority hands the client,
// forwarded opaquely to the server inside the Request packet.
type Private struct {
	ClientID  uint64
	Timeout   uint32 // seconds
	ClientKey [aead.KeySize]byte
	ServerKey [aead.KeySize]byte
	Data      [PrivateDataLen]byte // application-defined, e.g. server address list
	User      [UserDataLen]byte    // application-defined
}

// ErrAuthFailed is returned when a sealed token fails to authenticate.
var ErrAuthFailed = aead.ErrAuthFailed

// GeneratePrivate creates a fresh Private token with newly generated keys.
// data and user are copied (and zero-padded/truncated) into the fixed-size
// fields.
func GeneratePrivate(clientID uint64, timeout uint32, data, user []byte) *Private {
	p := &Private{
		ClientID:  clientID,
		Timeout:   timeout,
		ClientKey: aead.GenerateKey(),
		ServerKey: aead.GenerateKey(),
	}
	copy(p.Data[:], data)
	copy(p.User[:], user)
	return p
}

// marshal writes the unsealed record layout into a fresh 1024-byte buffer
// (hmac bytes left zero).
func (p *Private) marshal() *[PrivateLen]byte {
	var buf [PrivateLen]byte
	binary.LittleEndian.PutUint64(buf[PrivateClientIDOff:], p.ClientID)
	binary.LittleEndian.PutUint32(buf[PrivateTimeoutOff:], p.Timeout)
	copy(buf[PrivateClientKeyOff:], p.ClientKey[:])
	copy(buf[PrivateServerKeyOff:], p.ServerKey[:])
	copy(buf[PrivateDataOff:], p.Data[:])
	copy(buf[PrivateUserOff:], p.User[:])
	return &buf
}

func unmarshalPrivate(buf *[PrivateLen]byte) *Private {
	p := &Private{
		ClientID: binary.LittleEndian.Uint64(buf[PrivateClientIDOff:]),
		Timeout:  binary.LittleEndian.Uint32(buf[PrivateTimeoutOff:]),
	}
	copy(p.ClientKey[:], buf[PrivateClientKeyOff:PrivateClientKeyOff+KeyLen])
	copy(p.ServerKey[:], buf[PrivateServerKeyOff:PrivateServerKeyOff+KeyLen])
	copy(p.Data[:], buf[PrivateDataOff:PrivateDataOff+PrivateDataLen])
	copy(p.User[:], buf[PrivateUserOff:PrivateUserOff+UserDataLen])
	return p
}

// privateAD builds the associated data for sealing/opening a PrivateToken:
// version || protocol_id || expire_timestamp, little-endian (spec §4.4).
func privateAD(version [VersionLen]byte, protocolID uint64, expire uint64) []byte {
	ad := make([]byte, VersionLen+8+8)
	copy(ad, version[:])
	binary.LittleEndian.PutUint64(ad[VersionLen:], protocolID)
	binary.LittleEndian.PutUint64(ad[VersionLen+8:], expire)
	return ad
}

// Seal marshals p and seals it in place, returning the full 1024-byte sealed
// record (ciphertext plus trailing 16-byte tag). The sealed region is every
// byte except the trailing hmac (spec §4.4: "sealed as a whole buffer, all
// bytes except the trailing hmac").
func (p *Private) Seal(version [VersionLen]byte, protocolID uint64, expire uint64, nonce [aead.XNonceSize]byte, key [aead.KeySize]byte) *[PrivateLen]byte {
	buf := p.marshal()
	ad := privateAD(version, protocolID, expire)
	tag := aead.SealX(buf[:PrivateHMACOff], ad, nonce, key)
	copy(buf[PrivateHMACOff:], tag[:])
	return buf
}

// OpenPrivate opens a sealed 1024-byte PrivateToken record in place and
// returns the decoded fields.
func OpenPrivate(buf *[PrivateLen]byte, version [VersionLen]byte, protocolID uint64, expire uint64, nonce [aead.XNonceSize]byte, key [aead.KeySize]byte) (*Private, error) {
	var tag [aead.TagSize]byte
	copy(tag[:], buf[PrivateHMACOff:])
	ad := privateAD(version, protocolID, expire)
	if err := aead.OpenX(buf[:PrivateHMACOff], ad, tag, nonce, key); err != nil {
		return nil, ErrAuthFailed
	}
	return unmarshalPrivate(buf), nil
}

// RandomNonceX returns a fresh random 24-byte extended nonce, used once per
// issued PublicToken to seal its embedded PrivateToken.
func RandomNonceX() [aead.XNonceSize]byte {
	var n [aead.XNonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		panic("token: failed to read random bytes: " + err.Error())
	}
	return n
}

var errShortBuffer = errors.New("token: buffer too short")
