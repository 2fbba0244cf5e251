package token

import (
	"encoding/binary"

	"github.com/velanet/dgram/pkg/aead"
)

// Challenge is the decoded form of a ChallengeToken (spec §3, §4.4): a
// short, server-sealed proof handed back to the client in the Challenge
// packet and echoed in the Response packet to bind it to this handshake.
type Challenge struct {
	ClientID uint64
	User     [UserDataLen]byte
}

// ChallengeNonce derives the 12-byte nonce for sealing a ChallengeToken from
// the server's monotonically increasing challenge sequence (spec §4.4: "nonce
// is seq little-endian zero-padded to 12 bytes").
func ChallengeNonce(seq uint64) [aead.NonceSize]byte {
	var n [aead.NonceSize]byte
	binary.LittleEndian.PutUint64(n[:8], seq)
	return n
}

func (c *Challenge) marshal() *[ChallengeLen]byte {
	var buf [ChallengeLen]byte
	binary.LittleEndian.PutUint64(buf[ChallengeClientIDOff:], c.ClientID)
	copy(buf[ChallengeUserOff:], c.User[:])
	return &buf
}

func unmarshalChallenge(buf *[ChallengeLen]byte) *Challenge {
	c := &Challenge{
		ClientID: binary.LittleEndian.Uint64(buf[ChallengeClientIDOff:]),
	}
	copy(c.User[:], buf[ChallengeUserOff:ChallengeUserOff+UserDataLen])
	return c
}

// Seal marshals and seals c, sealing every byte except the trailing 16-byte
// hmac. There is no associated data.
func (c *Challenge) Seal(seq uint64, key [aead.KeySize]byte) *[ChallengeLen]byte {
	buf := c.marshal()
	nonce := ChallengeNonce(seq)
	tag := aead.Seal(buf[:ChallengeHMACOff], nil, nonce, key)
	copy(buf[ChallengeHMACOff:], tag[:])
	return buf
}

// OpenChallenge opens a sealed 300-byte ChallengeToken record in place.
func OpenChallenge(buf *[ChallengeLen]byte, seq uint64, key [aead.KeySize]byte) (*Challenge, error) {
	var tag [aead.TagSize]byte
	copy(tag[:], buf[ChallengeHMACOff:])
	nonce := ChallengeNonce(seq)
	if err := aead.Open(buf[:ChallengeHMACOff], nil, tag, nonce, key); err != nil {
		return nil, ErrAuthFailed
	}
	return unmarshalChallenge(buf), nil
}
