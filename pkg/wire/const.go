// Package wire implements the on-the-wire packet codec (spec §4.5): the
// fixed-size Request packet and the variable-length encrypted packets
// (Challenge/Response, Payload/KeepAlive, Disconnect).
package wire

import (
	"github.com/velanet/dgram/pkg/aead"
	"github.com/velanet/dgram/pkg/token"
)

// Wire constants (spec §6).
const (
	MTU         = 1200
	HeaderLen   = 5 // prefix(1) + sequence(4)
	MaxPayload  = MTU - HeaderLen - aead.TagSize // 1179

	KeySize    = aead.KeySize
	TagSize    = aead.TagSize
	NonceSize  = aead.NonceSize
	XNonceSize = aead.XNonceSize

	PrivateLen   = token.PrivateLen
	ChallengeLen = token.ChallengeLen
	PublicLen    = token.PublicLen

	NumDisconnectPackets = 10
)

// Request packet layout (spec §4.5.1), total length frozen at MTU. The
// reserved split is documented in SPEC_FULL.md's Open Question Decisions.
const (
	reqPrefixOff     = 0
	reqVersionOff     = reqPrefixOff + 1
	reqProtocolIDOff  = reqVersionOff + token.VersionLen
	reqExpireOff      = reqProtocolIDOff + 8
	reqNonceOff       = reqExpireOff + 8
	reqReservedOff    = reqNonceOff + XNonceSize
	reqReservedLen    = 122
	reqSealedTokenOff = reqReservedOff + reqReservedLen
	// reqSealedTokenOff + PrivateLen must equal MTU.
)

// Kind is the packet kind encoded in the high 2 bits of the prefix byte of
// every encrypted packet (spec §4.5.1).
type Kind uint8

const (
	KindRequest    Kind = 0 // only used for the fixed-size Request packet
	KindDisconnect Kind = 1
	// KindChallenge is used both for the server's Challenge and the
	// client's Response packet; the two carry an identical wire shape and
	// are distinguished only by which side sent them (spec §4.5.1).
	KindChallenge Kind = 2
	// KindPayload is used both for application Payload packets and
	// KeepAlive (an empty-body Payload packet).
	KindPayload Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindDisconnect:
		return "Disconnect"
	case KindChallenge:
		return "Challenge"
	case KindPayload:
		return "Payload"
	default:
		return "Unknown"
	}
}
