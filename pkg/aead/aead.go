// Package aead implements the authenticated-encryption facade used for every
// sealed thing on the wire: packets (12-byte nonce, ChaCha20-Poly1305) and
// tokens (24-byte nonce, XChaCha20-Poly1305).
//
// Seal overwrites m with ciphertext of the same length and returns the
// detached tag; Open overwrites c with plaintext on success and leaves it
// unspecified on failure. Buffers are handled the way the teacher's in-place
// packet crypto in pkg/nspkt/r2crypto.go does it, without relying on the
// underlying AEAD being able to grow its destination slice in place.
package aead

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sizes, in bytes, of the primitives this package wraps.
const (
	KeySize    = chacha20poly1305.KeySize    // 32
	TagSize    = chacha20poly1305.Overhead   // 16
	NonceSize  = chacha20poly1305.NonceSize  // 12
	XNonceSize = chacha20poly1305.NonceSizeX // 24
)

// ErrAuthFailed is returned by Open when the tag does not verify. The caller
// must not rely on the contents of the buffer in this case.
var ErrAuthFailed = errors.New("aead: authentication failed")

// GenerateKey returns a fresh random 32-byte key.
func GenerateKey() (k [KeySize]byte) {
	if _, err := rand.Read(k[:]); err != nil {
		panic("aead: failed to read random bytes: " + err.Error())
	}
	return
}

// Seal encrypts m in place using the 12-byte-nonce ChaCha20-Poly1305
// construction and returns the 16-byte authentication tag. ad may be nil.
func Seal(m []byte, ad []byte, n [NonceSize]byte, k [KeySize]byte) [TagSize]byte {
	c, err := chacha20poly1305.New(k[:])
	if err != nil {
		panic("aead: " + err.Error())
	}
	sealed := c.Seal(nil, n[:], m, ad)
	copy(m, sealed[:len(m)])
	var tag [TagSize]byte
	copy(tag[:], sealed[len(m):])
	return tag
}

// Open decrypts c in place given its detached tag t. On success c now holds
// the plaintext. On failure, ErrAuthFailed is returned and c is left
// unspecified.
func Open(c []byte, ad []byte, t [TagSize]byte, n [NonceSize]byte, k [KeySize]byte) error {
	a, err := chacha20poly1305.New(k[:])
	if err != nil {
		panic("aead: " + err.Error())
	}
	return openInto(a, c, ad, t, n[:])
}

// SealX is the extended-nonce (24-byte, XChaCha20-Poly1305) analogue of Seal,
// used only for sealing tokens.
func SealX(m []byte, ad []byte, n [XNonceSize]byte, k [KeySize]byte) [TagSize]byte {
	c, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		panic("aead: " + err.Error())
	}
	sealed := c.Seal(nil, n[:], m, ad)
	copy(m, sealed[:len(m)])
	var tag [TagSize]byte
	copy(tag[:], sealed[len(m):])
	return tag
}

// OpenX is the extended-nonce analogue of Open.
func OpenX(c []byte, ad []byte, t [TagSize]byte, n [XNonceSize]byte, k [KeySize]byte) error {
	a, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		panic("aead: " + err.Error())
	}
	return openInto(a, c, ad, t, n[:])
}

func openInto(a interface {
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}, c []byte, ad []byte, t [TagSize]byte, n []byte) error {
	sealed := make([]byte, 0, len(c)+TagSize)
	sealed = append(sealed, c...)
	sealed = append(sealed, t[:]...)
	pt, err := a.Open(sealed[:0], n, sealed, ad)
	if err != nil {
		return ErrAuthFailed
	}
	copy(c, pt)
	return nil
}
