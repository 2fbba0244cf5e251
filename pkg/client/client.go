// Package client implements the protocol's client-side state machine (spec
// §4.7): a token-authenticated handshake against a server, followed by a
// connected session carrying application payloads.
package client

import (
	"errors"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/velanet/dgram/pkg/aead"
	"github.com/velanet/dgram/pkg/replay"
	"github.com/velanet/dgram/pkg/token"
	"github.com/velanet/dgram/pkg/transport"
	"github.com/velanet/dgram/pkg/wire"
)

// State is one of the client's handshake/session states (spec §4.7.1).
type State int

const (
	StateDisconnected State = iota
	StateSendingRequest
	StateSendingResponse
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateSendingRequest:
		return "SendingRequest"
	case StateSendingResponse:
		return "SendingResponse"
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Error kinds reported by FailReason() when the client reaches StateFailed
// (spec §7).
var (
	ErrConnectTokenExpired        = errors.New("client: connect token expired")
	ErrInvalidConnectToken        = errors.New("client: invalid connect token")
	ErrConnectionTimedOut         = errors.New("client: connection timed out")
	ErrConnectionResponseTimedOut = errors.New("client: response timed out")
	ErrConnectionRequestTimedOut  = errors.New("client: request timed out")
	ErrConnectionDenied           = errors.New("client: connection denied")
)

// PacketSendDelta is how often the client retransmits its current
// handshake packet, or a KeepAlive once connected (spec §4.7.2).
const PacketSendDelta = 100 * time.Millisecond

// Client drives one connection attempt/session against a single server.
// It owns no goroutines: Update must be called periodically by the
// application (spec §5 "one update() per tick").
type Client struct {
	logger    zerolog.Logger
	transport transport.Transport

	protocolID uint64
	version    [13]byte

	pub        *token.Public
	serverAddr netip.AddrPort

	sendKey [aead.KeySize]byte // client -> server
	recvKey [aead.KeySize]byte // server -> client
	localSeq uint64

	state      State
	failReason error

	startTime    time.Time
	lastSendAt   time.Time
	lastRecvAt   time.Time
	expireAfter  time.Duration
	timeout      time.Duration

	challengeSealed [wire.ChallengeLen]byte
	challengeSeq    uint64

	recvProtect replay.Protection

	recvQueue [][]byte
}

// New creates a Client bound to transport t that will authenticate with
// pub under protocolID (spec §6 "new(protocol_id, token, bind_addr)"; the
// bind_addr itself is the caller's concern when constructing t).
func New(t transport.Transport, protocolID uint64, pub *token.Public, logger zerolog.Logger) *Client {
	return &Client{
		logger:      logger,
		transport:   t,
		protocolID:  protocolID,
		version:     pub.Version,
		pub:         pub,
		sendKey:     pub.ClientKey,
		recvKey:     pub.ServerKey,
		state:       StateDisconnected,
		expireAfter: time.Duration(pub.ExpireTimestamp-pub.CreateTimestamp) * time.Second,
		timeout:     time.Duration(pub.TimeoutSeconds) * time.Second,
		recvProtect: replay.NoProtection{},
	}
}

// State reports the client's current state.
func (c *Client) State() State { return c.state }

// FailReason reports why the client entered StateFailed. It is only
// meaningful when State() == StateFailed.
func (c *Client) FailReason() error { return c.failReason }

// Connect begins a handshake against serverAddr.
func (c *Client) Connect(serverAddr netip.AddrPort, now time.Time) error {
	if err := c.pub.Validate(); err != nil {
		c.fail(ErrInvalidConnectToken, now)
		return ErrInvalidConnectToken
	}
	c.serverAddr = serverAddr
	c.state = StateSendingRequest
	c.startTime = now
	c.lastRecvAt = now
	c.lastSendAt = time.Time{}
	return nil
}

func (c *Client) fail(err error, now time.Time) {
	c.state = StateFailed
	c.failReason = err
	c.logger.Debug().Err(err).Msg("client failed")
}

// isTerminal reports whether the state machine is no longer progressing.
func (c *Client) isTerminal() bool {
	return c.state == StateDisconnected || c.state == StateFailed
}

// Update drains the transport and advances timers. Call once per tick.
func (c *Client) Update(now time.Time) {
	if c.isTerminal() {
		return
	}

	if now.Sub(c.startTime) >= c.expireAfter {
		c.fail(ErrConnectTokenExpired, now)
		return
	}
	if now.Sub(c.lastRecvAt) >= c.timeout {
		switch c.state {
		case StateSendingRequest:
			c.fail(ErrConnectionRequestTimedOut, now)
		case StateSendingResponse:
			c.fail(ErrConnectionResponseTimedOut, now)
		default:
			c.fail(ErrConnectionTimedOut, now)
		}
		return
	}

	c.drain(now)
	if c.isTerminal() {
		return
	}
	c.sendCadence(now)
}

func (c *Client) drain(now time.Time) {
	buf := make([]byte, wire.MTU)
	for {
		n, _, err := c.transport.RecvFrom(buf)
		if err != nil {
			return
		}
		c.handle(buf[:n], now)
		if c.isTerminal() {
			return
		}
	}
}

func (c *Client) handle(raw []byte, now time.Time) {
	pkt, err := wire.Decode(raw, c.version, c.protocolID, c.recvKey)
	if err != nil {
		return // drop + (would) count; client has no counters wired yet
	}

	switch p := pkt.(type) {
	case *wire.Request:
		// A client never accepts a Request (spec §4.7.3).
		return
	case *wire.Disconnect:
		if c.recvProtect.AlreadyReceived(p.Sequence) {
			return
		}
		if c.state == StateSendingRequest || c.state == StateSendingResponse {
			c.fail(ErrConnectionDenied, now)
			return
		}
		if c.state == StateConnected {
			c.state = StateDisconnected
		}
	case *wire.Challenge:
		if c.state != StateSendingRequest {
			return
		}
		if c.recvProtect.AlreadyReceived(p.Sequence) {
			return
		}
		c.challengeSealed = p.SealedToken
		c.challengeSeq = p.ChallengeSeq
		c.state = StateSendingResponse
		c.lastRecvAt = now
	case *wire.Payload:
		if c.state != StateSendingResponse && c.state != StateConnected {
			return
		}
		if c.recvProtect.AlreadyReceived(p.Sequence) {
			return
		}
		if c.state == StateSendingResponse {
			c.state = StateConnected
			c.recvProtect = &replay.Window{}
		}
		c.lastRecvAt = now
		if len(p.Body) > 0 {
			c.recvQueue = append(c.recvQueue, append([]byte(nil), p.Body...))
		}
	}
}

func (c *Client) sendCadence(now time.Time) {
	if !c.lastSendAt.IsZero() && now.Sub(c.lastSendAt) < PacketSendDelta {
		return
	}
	switch c.state {
	case StateSendingRequest:
		c.sendRequest()
	case StateSendingResponse:
		c.sendResponse()
	case StateConnected:
		c.sendPayload(nil)
	}
	c.lastSendAt = now
}

func (c *Client) sendRequest() {
	req := &wire.Request{
		Version:       c.version,
		ProtocolID:    c.protocolID,
		Expire:        c.pub.ExpireTimestamp,
		Nonce:         c.pub.Nonce,
		SealedPrivate: c.pub.SealedPrivate,
	}
	buf := wire.EncodeRequest(req)
	c.transport.SendTo(buf[:], c.serverAddr)
}

func (c *Client) sendResponse() {
	seq := c.localSeq
	c.localSeq++
	buf := wire.EncodeChallenge(seq, c.challengeSeq, &c.challengeSealed, c.version, c.protocolID, c.sendKey)
	c.transport.SendTo(buf, c.serverAddr)
}

func (c *Client) sendPayload(payload []byte) {
	seq := c.localSeq
	c.localSeq++
	buf := wire.EncodePayload(seq, payload, c.version, c.protocolID, c.sendKey)
	c.transport.SendTo(buf, c.serverAddr)
}

// Send enqueues payload for delivery. It is best-effort: if the client is
// not Connected, the payload is silently dropped (spec §6 "drops if not
// Connected").
func (c *Client) Send(payload []byte) {
	if c.state != StateConnected {
		return
	}
	c.sendPayload(payload)
}

// Recv returns the next queued application payload, if any.
func (c *Client) Recv() ([]byte, bool) {
	if len(c.recvQueue) == 0 {
		return nil, false
	}
	p := c.recvQueue[0]
	c.recvQueue = c.recvQueue[1:]
	return p, true
}

// Close sends NUM_DISCONNECT_PACKETS Disconnect packets (tolerating packet
// loss) and returns to Disconnected (spec §4.7.1, §8.1 invariant 7). Outside
// StateConnected it sends nothing: a client still handshaking moves straight
// to Disconnected, and a Disconnected or Failed client is left as it is.
func (c *Client) Close() {
	if c.state != StateConnected {
		if c.state != StateDisconnected && c.state != StateFailed {
			c.state = StateDisconnected
		}
		return
	}
	for i := 0; i < wire.NumDisconnectPackets; i++ {
		seq := c.localSeq
		c.localSeq++
		buf := wire.EncodeDisconnect(seq, c.version, c.protocolID, c.sendKey)
		c.transport.SendTo(buf, c.serverAddr)
	}
	c.state = StateDisconnected
}
