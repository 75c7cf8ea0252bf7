// Package handshake implements the SRT INDUCTION/CONCLUSION handshake FSM:
// SYN cookie minting and verification, the base handshake CIF,
// HSREQ/HSRSP/KMREQ/KMRSP extension pass-through, and the StreamID
// extension's "#!::k=v,..." syntax.
package handshake

import (
	"fmt"

	rerrors "github.com/alxayo/srt-relay/internal/errors"
)

// Handshake versions.
const (
	VersionInduction  uint32 = 4
	VersionConclusion uint32 = 5
)

// Handshake type codes carried in the CIF's HandshakeType field: 1 for
// induction and -1 for conclusion. A rejection carries the negated
// packet.RejectCode (-1001 and below, as unsigned two's complement).
const (
	HSTypeInduction  int32 = 1
	HSTypeConclusion int32 = -1 // per real SRT wire convention (-1 = DONE)
)

// ExtensionField is the magic value advertised by the server in INDUCTION
// responses.
const ExtensionField uint32 = 0x4A17

// CIFLen is the length in bytes of the fixed-size handshake CIF that
// precedes any extension blocks.
const CIFLen = 48

// Mode is the StreamID 'm' key: publish or request.
type Mode string

const (
	ModePublish Mode = "publish"
	ModeRequest Mode = "request"
)

// CIF is the fixed-size handshake control information field.
type CIF struct {
	Version         uint32
	EncryptionField uint16
	ExtensionField  uint16
	InitialSeqNo    uint32
	MTU             uint32
	FlowWindowSize  uint32
	HandshakeType   int32
	SRTSocketID     uint32
	SynCookie       uint32
	PeerIP          [4]uint32 // big-endian words; IPv4 uses only PeerIP[0]
}

// State represents the server-side handshake FSM progression.
type State int

const (
	StateInitial State = iota
	StateInduced
	StateConcluded
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateInduced:
		return "Induced"
	case StateConcluded:
		return "Concluded"
	case StateRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// errBadVersion builds the ParseError returned when a peer's handshake
// requests an unsupported version.
func errBadVersion(got uint32) error {
	return rerrors.NewParseError("handshake.version", fmt.Errorf("unsupported version %d", got))
}
