package aead

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	k := GenerateKey()
	var n [NonceSize]byte
	n[0] = 7

	orig := []byte("hello from the replay window")
	m := append([]byte(nil), orig...)
	ad := []byte("associated-data")

	tag := Seal(m, ad, n, k)
	if bytes.Equal(m, orig) {
		t.Fatalf("Seal did not mutate buffer")
	}

	if err := Open(m, ad, tag, n, k); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(m, orig) {
		t.Fatalf("round trip mismatch: got %q want %q", m, orig)
	}
}

func TestOpenRejectsTamperedTag(t *testing.T) {
	k := GenerateKey()
	var n [NonceSize]byte
	m := []byte("payload")
	ad := []byte("ad")

	tag := Seal(m, ad, n, k)
	tag[0] ^= 0xFF

	if err := Open(m, ad, tag, n, k); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestOpenRejectsTamperedAD(t *testing.T) {
	k := GenerateKey()
	var n [NonceSize]byte
	m := []byte("payload")

	tag := Seal(m, []byte("ad-one"), n, k)
	if err := Open(m, []byte("ad-two"), tag, n, k); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	k := GenerateKey()
	var n [NonceSize]byte
	m := []byte("payload!")
	ad := []byte("ad")

	tag := Seal(m, ad, n, k)
	m[0] ^= 0xFF

	if err := Open(m, ad, tag, n, k); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestXSealOpenRoundTrip(t *testing.T) {
	k := GenerateKey()
	var n [XNonceSize]byte
	n[23] = 1

	orig := []byte("a 1024-byte private token would go here")
	m := append([]byte(nil), orig...)
	ad := []byte("version||protocol_id||expire")

	tag := SealX(m, ad, n, k)
	if err := OpenX(m, ad, tag, n, k); err != nil {
		t.Fatalf("OpenX: %v", err)
	}
	if !bytes.Equal(m, orig) {
		t.Fatalf("round trip mismatch: got %q want %q", m, orig)
	}
}

func TestEmptyPlaintext(t *testing.T) {
	k := GenerateKey()
	var n [NonceSize]byte
	m := []byte{}
	tag := Seal(m, nil, n, k)
	if err := Open(m, nil, tag, n, k); err != nil {
		t.Fatalf("Open empty: %v", err)
	}
}

func TestDifferentKeysDontMatch(t *testing.T) {
	k1, k2 := GenerateKey(), GenerateKey()
	var n [NonceSize]byte
	m := []byte("secret")
	tag := Seal(m, nil, n, k1)
	if err := Open(m, nil, tag, n, k2); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}
