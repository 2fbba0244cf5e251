package transport

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestMemorySendRecvRoundTrip(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.NewTransport(netip.MustParseAddrPort("10.0.0.1:1000"))
	b := net.NewTransport(netip.MustParseAddrPort("10.0.0.2:2000"))

	if _, err := a.SendTo([]byte("hi"), b.LocalAddr()); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	buf := make([]byte, 16)
	n, from, err := b.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("hi")) {
		t.Fatalf("payload = %q, want %q", buf[:n], "hi")
	}
	if from != a.LocalAddr() {
		t.Fatalf("from = %v, want %v", from, a.LocalAddr())
	}
}

func TestMemoryRecvWouldBlockWhenEmpty(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.NewTransport(netip.MustParseAddrPort("10.0.0.1:1000"))

	buf := make([]byte, 16)
	if _, _, err := a.RecvFrom(buf); err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}

func TestMemorySendToUnknownPeerIsNoop(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.NewTransport(netip.MustParseAddrPort("10.0.0.1:1000"))

	unknown := netip.MustParseAddrPort("10.0.0.9:9999")
	if _, err := a.SendTo([]byte("x"), unknown); err != nil {
		t.Fatalf("SendTo to unknown peer should not itself error, got %v", err)
	}
}

func TestMemoryCloseRejectsFurtherIO(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.NewTransport(netip.MustParseAddrPort("10.0.0.1:1000"))
	a.Close()

	if _, err := a.SendTo([]byte("x"), netip.MustParseAddrPort("10.0.0.2:2000")); err != ErrClosed {
		t.Fatalf("expected ErrClosed from SendTo after Close, got %v", err)
	}
	if _, _, err := a.RecvFrom(make([]byte, 4)); err != ErrClosed {
		t.Fatalf("expected ErrClosed from RecvFrom after Close, got %v", err)
	}
}
