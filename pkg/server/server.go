// Package server implements the protocol's server-side connection table and
// lifecycle (spec §4.8): admission of new connections via the token
// handshake, data delivery, keep-alives, eviction, and graceful close.
package server

import (
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/velanet/dgram/pkg/aead"
	"github.com/velanet/dgram/pkg/incoming"
	"github.com/velanet/dgram/pkg/replay"
	"github.com/velanet/dgram/pkg/token"
	"github.com/velanet/dgram/pkg/transport"
	"github.com/velanet/dgram/pkg/wire"
)

// PacketSendDelta is the keep-alive cadence (spec §4.8.4).
const PacketSendDelta = 100 * time.Millisecond

// Callbacks are the application hooks the server invokes (spec §6 "Server
// callbacks exposed to the application").
type Callbacks struct {
	OnConnect    func(connID uint64, user [token.UserDataLen]byte)
	OnDisconnect func(connID uint64)
	OnReceive    func(connID uint64, seq uint64, payload []byte)
}

// Counters are cumulative rejection/lifecycle counts since New, plain fields
// shaped like pkg/reliable's Counters (and, ultimately, the teacher's
// Listener.metrics in pkg/nspkt/monitor.go) rather than a metrics-library
// counter, since these are single-owner, in-process stats the embedding
// application reads directly off the Server (SPEC_FULL.md §D item 1 names
// only a rejected-at-capacity count; the rest follow the same shape).
type Counters struct {
	Connects             uint64
	Disconnects          uint64
	RejectedAtCapacity   uint64
	RejectedBadToken     uint64
	RejectedDuplicateID  uint64
	RejectedReplayedHMAC uint64
}

// slot holds one connection's live state. Slots are reused by generation
// (spec §9 "Arena + index for connections") so eviction is O(1) and never
// invalidates another connection's index.
type slot struct {
	generation uint64
	used       bool

	connID  uint64
	addr    netip.AddrPort
	sendKey [aead.KeySize]byte // server -> client
	recvKey [aead.KeySize]byte // client -> server
	timeout time.Duration

	localSeq   uint64
	lastSendAt time.Time
	lastRecvAt time.Time

	recvProtect replay.Window
	user        [token.UserDataLen]byte
}

// Server owns the connection table, the pending-handshake (incoming)
// table, and the keys needed to admit new connections (spec §4.8.1).
type Server struct {
	logger    zerolog.Logger
	transport transport.Transport
	callbacks Callbacks

	protocolID  uint64
	version     [13]byte
	privateKey  [aead.KeySize]byte
	challengeKey [aead.KeySize]byte
	localAddr   netip.AddrPort

	capacity int
	slots    []slot
	byAddr   map[netip.AddrPort]int // -> slot index
	byID     map[uint64]int         // -> slot index
	nextConn uint64

	challengeSeq uint64
	incoming     *incoming.Table

	counters Counters
}

// Config collects the fixed parameters a Server is constructed with.
type Config struct {
	Transport    transport.Transport
	ProtocolID   uint64
	Version      [13]byte
	PrivateKey   [aead.KeySize]byte
	ChallengeKey [aead.KeySize]byte
	LocalAddr    netip.AddrPort
	Capacity     int
	Callbacks    Callbacks
	Logger       zerolog.Logger

	// MaxTokenHistory bounds the number of consumed-token HMACs the server
	// remembers to reject replays (spec §9 "Token-HMAC history bound"). Zero
	// selects DefaultMaxTokenHistory.
	MaxTokenHistory int
}

// DefaultMaxTokenHistory is used when Config.MaxTokenHistory is zero.
const DefaultMaxTokenHistory = 100_000

// New creates a Server ready to admit connections.
func New(cfg Config) *Server {
	maxTokenHistory := cfg.MaxTokenHistory
	if maxTokenHistory <= 0 {
		maxTokenHistory = DefaultMaxTokenHistory
	}
	return &Server{
		logger:       cfg.Logger,
		transport:    cfg.Transport,
		callbacks:    cfg.Callbacks,
		protocolID:   cfg.ProtocolID,
		version:      cfg.Version,
		privateKey:   cfg.PrivateKey,
		challengeKey: cfg.ChallengeKey,
		localAddr:    cfg.LocalAddr,
		capacity:     cfg.Capacity,
		slots:        make([]slot, cfg.Capacity),
		byAddr:       make(map[netip.AddrPort]int),
		byID:         make(map[uint64]int),
		incoming:     incoming.New(maxTokenHistory),
	}
}

// NumConnections reports the number of live connections.
func (s *Server) NumConnections() int {
	return len(s.byAddr)
}

// Stats returns a snapshot of the server's lifecycle/rejection counters.
func (s *Server) Stats() Counters {
	return s.counters
}

// Update drains the transport, processes every waiting packet, sends due
// keep-alives, and evicts timed-out connections. Call once per tick (spec
// §5 "one update() per tick").
func (s *Server) Update(now time.Time) {
	s.incoming.Update(uint64(now.Unix()))
	s.drain(now)
	s.tickConnections(now)
}

func (s *Server) drain(now time.Time) {
	buf := make([]byte, wire.MTU)
	for {
		n, addr, err := s.transport.RecvFrom(buf)
		if err != nil {
			return
		}
		s.handle(buf[:n], addr, now)
	}
}

func (s *Server) handle(raw []byte, addr netip.AddrPort, now time.Time) {
	if idx, ok := s.byAddr[addr]; ok {
		s.handleConnected(idx, raw, now)
		return
	}
	if len(raw) == wire.MTU {
		s.handleRequest(raw, addr, now)
		return
	}
	// Might be a Response from an address in the incoming table.
	if entry, ok := s.incoming.Find(addr, now.Unix()); ok {
		s.handleResponse(raw, addr, entry, now)
	}
}

// handleRequest implements admission (spec §4.8.2).
func (s *Server) handleRequest(raw []byte, addr netip.AddrPort, now time.Time) {
	pkt, err := wire.Decode(raw, s.version, s.protocolID, [aead.KeySize]byte{})
	if err != nil {
		return
	}
	req, ok := pkt.(*wire.Request)
	if !ok {
		return
	}
	if req.Version != s.version || req.ProtocolID != s.protocolID {
		return
	}
	if req.Expire <= uint64(now.Unix()) {
		return
	}

	sealed := req.SealedPrivate
	priv, err := token.OpenPrivate(&sealed, s.version, s.protocolID, req.Expire, req.Nonce, s.privateKey)
	if err != nil {
		s.counters.RejectedBadToken++
		return
	}

	present, err := token.ContainsAddr(priv.Data, s.localAddr)
	if err != nil || !present {
		s.counters.RejectedBadToken++
		return
	}

	if _, exists := s.byAddr[addr]; exists {
		return
	}
	if _, exists := s.byID[priv.ClientID]; exists {
		s.counters.RejectedDuplicateID++
		return
	}

	hmac := tokenHMAC(sealed)
	if !s.incoming.AddTokenHistory(hmac, addr, req.Expire, uint64(now.Unix())) {
		s.counters.RejectedReplayedHMAC++
		return
	}

	if len(s.byAddr) >= s.capacity {
		s.counters.RejectedAtCapacity++
		buf := wire.EncodeDisconnect(0, s.version, s.protocolID, priv.ServerKey)
		s.transport.SendTo(buf, addr)
		return
	}

	s.incoming.Insert(addr, req.Expire, priv.Timeout, priv.ClientKey, priv.ServerKey, now.Unix())

	seq := s.challengeSeq
	s.challengeSeq++
	ct := &token.Challenge{ClientID: priv.ClientID, User: priv.User}
	sealedChallenge := ct.Seal(seq, s.challengeKey)

	buf := wire.EncodeChallenge(0, seq, sealedChallenge, s.version, s.protocolID, priv.ServerKey)
	s.transport.SendTo(buf, addr)
}

// handleResponse implements handshake completion (spec §4.8.3).
func (s *Server) handleResponse(raw []byte, addr netip.AddrPort, entry incoming.Entry, now time.Time) {
	// The incoming table's SendKey is the client's PrivateToken.ClientKey:
	// the key the client sends the Response under (spec §4.8.3 step 1,
	// "decode using send_key from incoming table").
	pkt, err := wire.Decode(raw, s.version, s.protocolID, entry.SendKey)
	if err != nil {
		return
	}
	resp, ok := pkt.(*wire.Challenge)
	if !ok {
		return
	}

	sealed := resp.SealedToken
	ct, err := token.OpenChallenge(&sealed, resp.ChallengeSeq, s.challengeKey)
	if err != nil {
		return
	}

	if _, exists := s.byID[ct.ClientID]; exists {
		s.counters.RejectedDuplicateID++
		return
	}
	if len(s.byAddr) >= s.capacity {
		s.counters.RejectedAtCapacity++
		buf := wire.EncodeDisconnect(0, s.version, s.protocolID, entry.RecvKey)
		s.transport.SendTo(buf, addr)
		s.incoming.Remove(addr)
		return
	}

	idx := s.allocSlot()
	connID := s.nextConn
	s.nextConn++

	sl := &s.slots[idx]
	sl.used = true
	sl.connID = connID
	sl.addr = addr
	sl.sendKey = entry.RecvKey // PrivateToken.ServerKey: what the server sends under
	sl.recvKey = entry.SendKey // PrivateToken.ClientKey: what the server decodes incoming with
	sl.timeout = time.Duration(entry.Timeout) * time.Second
	sl.lastRecvAt = now
	sl.lastSendAt = time.Time{}
	sl.localSeq = 0
	sl.recvProtect = replay.Window{}
	sl.user = ct.User

	s.byAddr[addr] = idx
	s.byID[connID] = idx
	s.incoming.Remove(addr)

	s.sendKeepAlive(sl, now)
	s.counters.Connects++

	if s.callbacks.OnConnect != nil {
		s.callbacks.OnConnect(connID, ct.User)
	}
}

func (s *Server) allocSlot() int {
	for i := range s.slots {
		if !s.slots[i].used {
			return i
		}
	}
	s.slots = append(s.slots, slot{})
	return len(s.slots) - 1
}

// handleConnected implements data and lifecycle handling (spec §4.8.4).
func (s *Server) handleConnected(idx int, raw []byte, now time.Time) {
	sl := &s.slots[idx]
	pkt, err := wire.Decode(raw, s.version, s.protocolID, sl.recvKey)
	if err != nil {
		return
	}

	switch p := pkt.(type) {
	case *wire.Payload:
		if sl.recvProtect.AlreadyReceived(p.Sequence) {
			return
		}
		sl.lastRecvAt = now
		if len(p.Body) > 0 && s.callbacks.OnReceive != nil {
			s.callbacks.OnReceive(sl.connID, p.Sequence, p.Body)
		}
	case *wire.Disconnect:
		if sl.recvProtect.AlreadyReceived(p.Sequence) {
			return
		}
		s.removeSlot(idx)
	}
}

func (s *Server) tickConnections(now time.Time) {
	for i := range s.slots {
		sl := &s.slots[i]
		if !sl.used {
			continue
		}
		if now.Sub(sl.lastRecvAt) >= sl.timeout {
			s.removeSlot(i)
			continue
		}
		if sl.lastSendAt.IsZero() || now.Sub(sl.lastSendAt) >= PacketSendDelta {
			s.sendKeepAlive(sl, now)
		}
	}
}

func (s *Server) sendKeepAlive(sl *slot, now time.Time) {
	seq := sl.localSeq
	sl.localSeq++
	buf := wire.EncodePayload(seq, nil, s.version, s.protocolID, sl.sendKey)
	s.transport.SendTo(buf, sl.addr)
	sl.lastSendAt = now
}

func (s *Server) removeSlot(idx int) {
	sl := &s.slots[idx]
	connID := sl.connID
	addr := sl.addr
	delete(s.byAddr, addr)
	delete(s.byID, connID)
	sl.generation++
	sl.used = false
	s.counters.Disconnects++
	if s.callbacks.OnDisconnect != nil {
		s.callbacks.OnDisconnect(connID)
	}
}

// Send enqueues payload for delivery to connID. It is a no-op if connID is
// not currently connected. now should be the same clock the caller drives
// Update with, so lastSendAt stays comparable to Update's keep-alive cadence
// math even when the caller is not driven off the wall clock.
func (s *Server) Send(connID uint64, payload []byte, now time.Time) {
	idx, ok := s.byID[connID]
	if !ok {
		return
	}
	sl := &s.slots[idx]
	seq := sl.localSeq
	sl.localSeq++
	buf := wire.EncodePayload(seq, payload, s.version, s.protocolID, sl.sendKey)
	s.transport.SendTo(buf, sl.addr)
	sl.lastSendAt = now
}

// Close gracefully closes connID, sending NUM_DISCONNECT_PACKETS Disconnect
// packets before removing it (spec §4.8.5).
func (s *Server) Close(connID uint64) {
	idx, ok := s.byID[connID]
	if !ok {
		return
	}
	sl := &s.slots[idx]
	for i := 0; i < wire.NumDisconnectPackets; i++ {
		seq := sl.localSeq
		sl.localSeq++
		buf := wire.EncodeDisconnect(seq, s.version, s.protocolID, sl.sendKey)
		s.transport.SendTo(buf, sl.addr)
	}
	s.removeSlot(idx)
}

func tokenHMAC(sealed [token.PrivateLen]byte) [16]byte {
	var h [16]byte
	copy(h[:], sealed[token.PrivateHMACOff:token.PrivateHMACOff+16])
	return h
}
