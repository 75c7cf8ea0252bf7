// Package packet implements bit-exact encode/decode of SRT control and data
// packet headers. It never returns a fatal error to its
// callers: malformed input yields a *errors.ParseError which the demux/conn
// layers turn into "drop the datagram, bump a metric".
package packet

import (
	"encoding/binary"
	stderrors "errors"
	"fmt"

	rerrors "github.com/alxayo/srt-relay/internal/errors"
)

// HeaderLen is the fixed 16-byte common header shared by data and control
// packets.
const HeaderLen = 16

// Position flags for data packets (PP field).
const (
	PosMiddle uint8 = 0b00
	PosFirst  uint8 = 0b10
	PosLast   uint8 = 0b01
	PosSolo   uint8 = 0b11
)

// ControlType enumerates the control packet types implemented.
type ControlType uint16

const (
	CtrlHandshake           ControlType = 0x0000
	CtrlKeepAlive           ControlType = 0x0001
	CtrlACK                 ControlType = 0x0002
	CtrlNAK                 ControlType = 0x0003
	CtrlCongestionWarning   ControlType = 0x0004
	CtrlShutdown            ControlType = 0x0005
	CtrlACKACK              ControlType = 0x0006
	CtrlDropReq             ControlType = 0x0007
	CtrlLightACK            ControlType = 0x0008
	CtrlUser                ControlType = 0x7FFF
)

func (c ControlType) String() string {
	switch c {
	case CtrlHandshake:
		return "HANDSHAKE"
	case CtrlKeepAlive:
		return "KEEPALIVE"
	case CtrlACK:
		return "ACK"
	case CtrlNAK:
		return "NAK"
	case CtrlCongestionWarning:
		return "CONGESTION_WARNING"
	case CtrlShutdown:
		return "SHUTDOWN"
	case CtrlACKACK:
		return "ACKACK"
	case CtrlDropReq:
		return "DROPREQ"
	case CtrlLightACK:
		return "LIGHT_ACK"
	case CtrlUser:
		return "USER"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04x)", uint16(c))
	}
}

// Sentinel wire-level decode errors. Decode and DecodeSocketID wrap
// ErrTruncated into *errors.ParseError so callers can still pattern-match
// with errors.Is; ErrBadVersion and ErrBadControlType are not returned by
// this package's decoders.
var (
	ErrTruncated      = stderrors.New("truncated packet")
	ErrBadVersion     = stderrors.New("bad handshake version")
	ErrBadControlType = stderrors.New("bad control type")
)

// Packet is the decoded form of either a data or a control packet. Exactly
// one of the data-specific or control-specific field groups is meaningful,
// selected by IsControl.
type Packet struct {
	IsControl bool

	// Data packet fields.
	SeqNo        uint32 // 31-bit, masked
	PosFlag      uint8  // PosFirst/PosMiddle/PosLast/PosSolo
	InOrder      bool
	EncFlag      uint8 // 2-bit KK field; 0 = unencrypted, pass-through otherwise
	Retransmit   bool
	MsgNo        uint32 // 26-bit

	// Control packet fields.
	CtrlType ControlType
	Subtype  uint16
	TypeInfo uint32

	// Shared fields.
	Timestamp    uint32
	DestSocketID uint32
	Payload      []byte // data payload, or control CIF body
}

// Decode parses the 16-byte common header plus trailing payload/body from
// b. It never allocates beyond the returned Packet; Payload aliases b.
func Decode(b []byte) (*Packet, error) {
	if len(b) < HeaderLen {
		return nil, rerrors.NewParseError("decode.header", ErrTruncated)
	}
	w0 := binary.BigEndian.Uint32(b[0:4])
	w1 := binary.BigEndian.Uint32(b[4:8])
	ts := binary.BigEndian.Uint32(b[8:12])
	dest := binary.BigEndian.Uint32(b[12:16])

	p := &Packet{Timestamp: ts, DestSocketID: dest, Payload: b[HeaderLen:]}

	if w0>>31 == 1 { // control packet
		p.IsControl = true
		p.CtrlType = ControlType((w0 >> 16) & 0x7FFF)
		p.Subtype = uint16(w0 & 0xFFFF)
		p.TypeInfo = w1
		return p, nil
	}

	// Data packet.
	p.SeqNo = w0 & 0x7FFFFFFF
	p.PosFlag = uint8(w1>>30) & 0b11
	p.InOrder = (w1>>29)&0b1 == 1
	p.EncFlag = uint8(w1>>27) & 0b11
	p.Retransmit = (w1>>26)&0b1 == 1
	p.MsgNo = w1 & 0x03FFFFFF
	return p, nil
}

// DecodeSocketID extracts only the destination SocketID field without
// decoding the rest of the packet, the fast path the UDP demultiplexer uses
// to route a datagram to its owning connection.
func DecodeSocketID(b []byte) (uint32, error) {
	if len(b) < HeaderLen {
		return 0, rerrors.NewParseError("decode.destsocketid", ErrTruncated)
	}
	return binary.BigEndian.Uint32(b[12:16]), nil
}

// IsControlDatagram reports whether the datagram's F bit marks it a control
// packet, again without a full decode.
func IsControlDatagram(b []byte) (bool, error) {
	if len(b) < 4 {
		return false, rerrors.NewParseError("decode.fbit", ErrTruncated)
	}
	return b[0]&0x80 != 0, nil
}

// Encode serializes p into buf, which must have capacity for HeaderLen plus
// len(p.Payload); Encode appends the payload and returns the full slice.
// Buf may be nil, in which case Encode allocates.
func Encode(p *Packet, buf []byte) []byte {
	out := buf[:0]
	if cap(out) < HeaderLen+len(p.Payload) {
		out = make([]byte, 0, HeaderLen+len(p.Payload))
	}
	var hdr [HeaderLen]byte

	var w0, w1 uint32
	if p.IsControl {
		w0 = 1<<31 | (uint32(p.CtrlType)&0x7FFF)<<16 | uint32(p.Subtype)
		w1 = p.TypeInfo
	} else {
		w0 = p.SeqNo & 0x7FFFFFFF
		w1 = uint32(p.PosFlag&0b11)<<30 | uint32(p.MsgNo)&0x03FFFFFF
		if p.InOrder {
			w1 |= 1 << 29
		}
		w1 |= uint32(p.EncFlag&0b11) << 27
		if p.Retransmit {
			w1 |= 1 << 26
		}
	}
	binary.BigEndian.PutUint32(hdr[0:4], w0)
	binary.BigEndian.PutUint32(hdr[4:8], w1)
	binary.BigEndian.PutUint32(hdr[8:12], p.Timestamp)
	binary.BigEndian.PutUint32(hdr[12:16], p.DestSocketID)

	out = append(out, hdr[:]...)
	out = append(out, p.Payload...)
	return out
}

// EncodeAppend is Encode with an explicit append-destination, useful for
// the UDP writer task assembling into a pooled buffer (bufpool).
func EncodeAppend(dst []byte, p *Packet) []byte {
	return append(dst, Encode(p, nil)...)
}
