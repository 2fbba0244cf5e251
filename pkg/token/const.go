// Package token implements the fixed-layout PrivateToken, ChallengeToken,
// and PublicToken records (spec §3, §4.4). Serialization is the memory
// layout itself — every field is written at a fixed offset with explicit
// reserved padding, the way the teacher's own fixed-size wire structures
// (pkg/nspkt's r2cb packet buffer) are laid out, rather than using a
// variable-length encoding inside a token.
package token

// Field widths shared across token types.
const (
	VersionLen  = 13
	KeyLen      = 32
	HMACLen     = 16
	UserDataLen = 256
)

// PrivateToken layout (spec §3): 1024 bytes total.
const (
	PrivateClientIDOff  = 0
	PrivateClientIDLen  = 8
	PrivateTimeoutOff   = PrivateClientIDOff + PrivateClientIDLen
	PrivateTimeoutLen   = 4
	PrivateReservedOff  = PrivateTimeoutOff + PrivateTimeoutLen
	PrivateReservedLen  = 52
	PrivateClientKeyOff = PrivateReservedOff + PrivateReservedLen
	PrivateServerKeyOff = PrivateClientKeyOff + KeyLen
	PrivateDataOff      = PrivateServerKeyOff + KeyLen
	PrivateDataLen      = 624
	PrivateUserOff      = PrivateDataOff + PrivateDataLen
	PrivateUserLen      = UserDataLen
	PrivateHMACOff      = PrivateUserOff + PrivateUserLen
	PrivateLen          = PrivateHMACOff + HMACLen // 1024
)

// ChallengeToken layout (spec §3): 300 bytes total.
const (
	ChallengeClientIDOff = 0
	ChallengeClientIDLen = 8
	ChallengeReservedOff = ChallengeClientIDOff + ChallengeClientIDLen
	ChallengeReservedLen = 20
	ChallengeUserOff     = ChallengeReservedOff + ChallengeReservedLen
	ChallengeUserLen     = UserDataLen
	ChallengeHMACOff     = ChallengeUserOff + ChallengeUserLen
	ChallengeLen         = ChallengeHMACOff + HMACLen // 300
)

// PublicToken layout (spec §3): 2048 bytes total. The reserved block is
// widened from the 255 bytes named in spec.md to 271 to land exactly on
// PublicLen; see SPEC_FULL.md's Open Question Decisions.
const (
	PublicVersionOff         = 0
	PublicProtocolIDOff      = PublicVersionOff + VersionLen
	PublicProtocolIDLen      = 8
	PublicCreateTimestampOff = PublicProtocolIDOff + PublicProtocolIDLen
	PublicTimestampLen       = 8
	PublicExpireTimestampOff = PublicCreateTimestampOff + PublicTimestampLen
	PublicTimeoutSecondsOff  = PublicExpireTimestampOff + PublicTimestampLen
	PublicTimeoutSecondsLen  = 4
	PublicReservedOff        = PublicTimeoutSecondsOff + PublicTimeoutSecondsLen
	PublicReservedLen        = 271
	PublicNonceOff           = PublicReservedOff + PublicReservedLen
	PublicNonceLen           = 24
	PublicClientKeyOff       = PublicNonceOff + PublicNonceLen
	PublicServerKeyOff       = PublicClientKeyOff + KeyLen
	PublicPrivateDataOff     = PublicServerKeyOff + KeyLen
	PublicPrivateDataLen     = PrivateLen
	PublicDataOff            = PublicPrivateDataOff + PublicPrivateDataLen
	PublicDataLen            = 624
	PublicLen                = PublicDataOff + PublicDataLen // 2048
)
