package server

import (
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/velanet/dgram/pkg/aead"
	"github.com/velanet/dgram/pkg/client"
	"github.com/velanet/dgram/pkg/token"
	"github.com/velanet/dgram/pkg/transport"
)

var testVersion = [13]byte{'d', 'g', 'r', 'a', 'm', '/', '1', '.', '0', 0, 0, 0, 0}

const testProtocolID = 0x1122334455667788

type harness struct {
	net        *transport.MemoryNetwork
	srv        *Server
	serverAddr netip.AddrPort
	privateKey [aead.KeySize]byte
}

func newHandshakeHarness(t *testing.T, capacity int) (*harness, *client.Client) {
	t.Helper()
	net := transport.NewMemoryNetwork()
	serverAddr := netip.MustParseAddrPort("10.0.0.2:2000")
	clientAddr := netip.MustParseAddrPort("10.0.0.1:1000")

	serverTransport := net.NewTransport(serverAddr)
	clientTransport := net.NewTransport(clientAddr)

	privateKey := aead.GenerateKey()
	challengeKey := aead.GenerateKey()

	srv := New(Config{
		Transport:    serverTransport,
		ProtocolID:   testProtocolID,
		Version:      testVersion,
		PrivateKey:   privateKey,
		ChallengeKey: challengeKey,
		LocalAddr:    serverAddr,
		Capacity:     capacity,
		Logger:       zerolog.Nop(),
	})

	addrs, err := token.EncodeAddrList([]netip.AddrPort{serverAddr})
	if err != nil {
		t.Fatalf("EncodeAddrList: %v", err)
	}
	pub := token.GeneratePublic(666, testProtocolID, 30, 5, addrs[:], []byte("player"), privateKey)
	pub.Version = testVersion

	c := client.New(clientTransport, testProtocolID, pub, zerolog.Nop())
	h := &harness{net: net, srv: srv, serverAddr: serverAddr, privateKey: privateKey}
	return h, c
}

func tick(srv *Server, c *client.Client, now time.Time) {
	c.Update(now)
	srv.Update(now)
}

func TestHandshakeHappyPath(t *testing.T) {
	h, c := newHandshakeHarness(t, 4)
	srv := h.srv

	var connected bool
	srv.callbacks.OnConnect = func(connID uint64, user [token.UserDataLen]byte) {
		connected = true
	}

	var received []byte
	srv.callbacks.OnReceive = func(connID uint64, seq uint64, payload []byte) {
		received = append([]byte(nil), payload...)
	}

	now := time.Now()
	if err := c.Connect(h.serverAddr, now); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for i := 0; i < 6 && c.State() != client.StateConnected; i++ {
		now = now.Add(150 * time.Millisecond)
		tick(srv, c, now)
	}

	if c.State() != client.StateConnected {
		t.Fatalf("client state = %v, want Connected", c.State())
	}
	if !connected {
		t.Fatalf("expected OnConnect to fire")
	}
	if srv.NumConnections() != 1 {
		t.Fatalf("NumConnections = %d, want 1", srv.NumConnections())
	}

	c.Send([]byte{1, 2, 3})
	now = now.Add(150 * time.Millisecond)
	tick(srv, c, now)

	if received == nil || received[0] != 1 || received[1] != 2 || received[2] != 3 {
		t.Fatalf("server received %v, want [1 2 3]", received)
	}
	if stats := srv.Stats(); stats.Connects != 1 {
		t.Fatalf("Stats().Connects = %d, want 1", stats.Connects)
	}
}

func TestDenialWhenFull(t *testing.T) {
	h, c1 := newHandshakeHarness(t, 1)
	srv := h.srv
	now := time.Now()
	c1.Connect(h.serverAddr, now)
	for i := 0; i < 6 && c1.State() != client.StateConnected; i++ {
		now = now.Add(150 * time.Millisecond)
		tick(srv, c1, now)
	}
	if c1.State() != client.StateConnected {
		t.Fatalf("first client failed to connect: state=%v", c1.State())
	}

	clientAddr2 := netip.MustParseAddrPort("10.0.0.3:3000")
	clientTransport2 := h.net.NewTransport(clientAddr2)

	addrs, _ := token.EncodeAddrList([]netip.AddrPort{h.serverAddr})
	pub2 := token.GeneratePublic(777, testProtocolID, 30, 5, addrs[:], nil, h.privateKey)
	pub2.Version = testVersion

	c2 := client.New(clientTransport2, testProtocolID, pub2, zerolog.Nop())
	c2.Connect(h.serverAddr, now)

	for i := 0; i < 6 && c2.State() != client.StateFailed; i++ {
		now = now.Add(150 * time.Millisecond)
		tick(srv, c2, now)
	}

	if c2.State() != client.StateFailed {
		t.Fatalf("second client state = %v, want Failed", c2.State())
	}
	if c2.FailReason() != client.ErrConnectionDenied {
		t.Fatalf("second client FailReason = %v, want ErrConnectionDenied", c2.FailReason())
	}
	if srv.NumConnections() != 1 {
		t.Fatalf("NumConnections = %d, want 1 (denied client must not be admitted)", srv.NumConnections())
	}
	if stats := srv.Stats(); stats.RejectedAtCapacity == 0 {
		t.Fatalf("Stats().RejectedAtCapacity = 0, want at least 1")
	}
}
