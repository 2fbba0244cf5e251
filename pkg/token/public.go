package token

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/velanet/dgram/pkg/aead"
)

// Version is the fixed 13-byte ASCII protocol identifier compared by both
// ends of the handshake (spec §6's VERSION constant). Clients and servers
// reject a mismatch outright.
var Version = mustVersion("dgram/1.0\x00\x00\x00\x00")

func mustVersion(s string) (v [VersionLen]byte) {
	if len(s) != VersionLen {
		panic("token: version string must be exactly 13 bytes")
	}
	copy(v[:], s)
	return
}

// ErrVersionMismatch is returned by Validate when a PublicToken names a
// different protocol version than this build.
var ErrVersionMismatch = errors.New("token: version mismatch")

// ErrInvalidTimestamps is returned when create_timestamp > expire_timestamp.
var ErrInvalidTimestamps = errors.New("token: create_timestamp after expire_timestamp")

// ErrKeyMismatch is returned when a PublicToken's key copies don't match the
// keys inside its sealed PrivateToken (spec §3 invariant).
var ErrKeyMismatch = errors.New("token: public token key copies do not match sealed private token")

// Public is the decoded form of a PublicToken (spec §3): the envelope an
// out-of-band authority hands to a client, bundling the keys the client will
// use plus the sealed PrivateToken it must forward to the server unchanged.
type Public struct {
	Version         [VersionLen]byte
	ProtocolID      uint64
	CreateTimestamp uint64
	ExpireTimestamp uint64
	TimeoutSeconds  uint32
	Nonce           [aead.XNonceSize]byte
	ClientKey       [aead.KeySize]byte
	ServerKey       [aead.KeySize]byte
	SealedPrivate   [PrivateLen]byte
	Data            [PublicDataLen]byte
}

// GeneratePublic issues a fresh PublicToken: it builds a new PrivateToken
// (with fresh client/server keys), seals it under the authority's
// privateKey, and wraps it with the envelope fields a client needs (spec
// §4.4 PublicToken::generate). Only a server holding privateKey can ever
// open what is sealed here — the anti-confused-deputy invariant spec §4.4
// names.
func GeneratePublic(clientID, protocolID uint64, expireSecs, timeoutSecs uint32, data, user []byte, privateKey [aead.KeySize]byte) *Public {
	priv := GeneratePrivate(clientID, timeoutSecs, data, user)

	create := uint64(unixTime())
	expire := create + uint64(expireSecs)
	nonce := RandomNonceX()

	sealed := priv.Seal(Version, protocolID, expire, nonce, privateKey)

	pub := &Public{
		Version:         Version,
		ProtocolID:      protocolID,
		CreateTimestamp: create,
		ExpireTimestamp: expire,
		TimeoutSeconds:  timeoutSecs,
		Nonce:           nonce,
		ClientKey:       priv.ClientKey,
		ServerKey:       priv.ServerKey,
	}
	copy(pub.Data[:], data)
	pub.SealedPrivate = *sealed
	return pub
}

// Marshal writes the PublicToken's 2048-byte wire layout.
func (p *Public) Marshal() *[PublicLen]byte {
	var buf [PublicLen]byte
	copy(buf[PublicVersionOff:], p.Version[:])
	binary.LittleEndian.PutUint64(buf[PublicProtocolIDOff:], p.ProtocolID)
	binary.LittleEndian.PutUint64(buf[PublicCreateTimestampOff:], p.CreateTimestamp)
	binary.LittleEndian.PutUint64(buf[PublicExpireTimestampOff:], p.ExpireTimestamp)
	binary.LittleEndian.PutUint32(buf[PublicTimeoutSecondsOff:], p.TimeoutSeconds)
	copy(buf[PublicNonceOff:], p.Nonce[:])
	copy(buf[PublicClientKeyOff:], p.ClientKey[:])
	copy(buf[PublicServerKeyOff:], p.ServerKey[:])
	copy(buf[PublicPrivateDataOff:], p.SealedPrivate[:])
	copy(buf[PublicDataOff:], p.Data[:])
	return &buf
}

// UnmarshalPublic decodes (but does not validate) a 2048-byte PublicToken.
func UnmarshalPublic(buf *[PublicLen]byte) *Public {
	p := &Public{
		ProtocolID:      binary.LittleEndian.Uint64(buf[PublicProtocolIDOff:]),
		CreateTimestamp: binary.LittleEndian.Uint64(buf[PublicCreateTimestampOff:]),
		ExpireTimestamp: binary.LittleEndian.Uint64(buf[PublicExpireTimestampOff:]),
		TimeoutSeconds:  binary.LittleEndian.Uint32(buf[PublicTimeoutSecondsOff:]),
	}
	copy(p.Version[:], buf[PublicVersionOff:PublicVersionOff+VersionLen])
	copy(p.Nonce[:], buf[PublicNonceOff:PublicNonceOff+aead.XNonceSize])
	copy(p.ClientKey[:], buf[PublicClientKeyOff:PublicClientKeyOff+KeyLen])
	copy(p.ServerKey[:], buf[PublicServerKeyOff:PublicServerKeyOff+KeyLen])
	copy(p.SealedPrivate[:], buf[PublicPrivateDataOff:PublicPrivateDataOff+PrivateLen])
	copy(p.Data[:], buf[PublicDataOff:PublicDataOff+PublicDataLen])
	return p
}

// Validate checks the PublicToken's local sanity invariants (spec §3):
// version matches, create_timestamp <= expire_timestamp. It does not open
// the sealed private token (the server does that, since only the server
// holds the private key).
func (p *Public) Validate() error {
	if p.Version != Version {
		return ErrVersionMismatch
	}
	if p.CreateTimestamp > p.ExpireTimestamp {
		return ErrInvalidTimestamps
	}
	return nil
}

// OpenPrivate opens this PublicToken's embedded PrivateToken under the
// server's private key, and verifies the anti-confused-deputy invariant
// that the key copies carried alongside match the keys sealed inside.
func (p *Public) OpenPrivate(privateKey [aead.KeySize]byte) (*Private, error) {
	buf := p.SealedPrivate
	priv, err := OpenPrivate(&buf, p.Version, p.ProtocolID, p.ExpireTimestamp, p.Nonce, privateKey)
	if err != nil {
		return nil, err
	}
	if priv.ClientKey != p.ClientKey || priv.ServerKey != p.ServerKey {
		return nil, ErrKeyMismatch
	}
	return priv, nil
}

func unixTime() int64 {
	return time.Now().Unix()
}
