package handshake

import (
	"encoding/binary"

	rerrors "github.com/alxayo/srt-relay/internal/errors"
	"github.com/alxayo/srt-relay/internal/srt/packet"
)

// Extension type codes.
const (
	ExtTypeHSREQ    uint16 = 1
	ExtTypeHSRSP    uint16 = 2
	ExtTypeKMREQ    uint16 = 3
	ExtTypeKMRSP    uint16 = 4
	ExtTypeStreamID uint16 = 5
)

// Extension is one length-prefixed extension block: a 2-byte type, a
// 2-byte length (in 32-bit words), then that many words of content.
type Extension struct {
	Type    uint16
	Content []byte // raw, word-aligned; callers interpret per Type
}

// EncodeExtensions serializes a sequence of extension blocks back-to-back.
func EncodeExtensions(exts []Extension) []byte {
	var out []byte
	for _, e := range exts {
		words := (len(e.Content) + 3) / 4
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], e.Type)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(words))
		out = append(out, hdr[:]...)
		padded := make([]byte, words*4)
		copy(padded, e.Content)
		out = append(out, padded...)
	}
	return out
}

// DecodeExtensions parses every extension block in b until exhausted.
func DecodeExtensions(b []byte) ([]Extension, error) {
	var out []Extension
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, rerrors.NewParseError("handshake.extension", packet.ErrTruncated)
		}
		typ := binary.BigEndian.Uint16(b[0:2])
		words := binary.BigEndian.Uint16(b[2:4])
		n := int(words) * 4
		if len(b) < 4+n {
			return nil, rerrors.NewParseError("handshake.extension", packet.ErrTruncated)
		}
		out = append(out, Extension{Type: typ, Content: b[4:4+n]})
		b = b[4+n:]
	}
	return out, nil
}

// HSReqFields is the shared content of HSREQ/HSRSP extensions: the peer's
// SRT version, feature flags, and TSBPD latency request in milliseconds.
type HSReqFields struct {
	SRTVersion  uint32
	SRTFlags    uint32
	LatencyMs   uint16
	PeerLatency uint16 // sender-side latency the peer is requesting of us
}

// EncodeHSReq serializes HSReqFields into a 12-byte extension content block.
func EncodeHSReq(f HSReqFields) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], f.SRTVersion)
	binary.BigEndian.PutUint32(b[4:8], f.SRTFlags)
	binary.BigEndian.PutUint16(b[8:10], f.LatencyMs)
	binary.BigEndian.PutUint16(b[10:12], f.PeerLatency)
	return b
}

// DecodeHSReq parses an HSREQ/HSRSP extension content block.
func DecodeHSReq(b []byte) (HSReqFields, error) {
	if len(b) < 12 {
		return HSReqFields{}, rerrors.NewParseError("handshake.hsreq", packet.ErrTruncated)
	}
	return HSReqFields{
		SRTVersion:  binary.BigEndian.Uint32(b[0:4]),
		SRTFlags:    binary.BigEndian.Uint32(b[4:8]),
		LatencyMs:   binary.BigEndian.Uint16(b[8:10]),
		PeerLatency: binary.BigEndian.Uint16(b[10:12]),
	}, nil
}

// KMExtension wraps a KMREQ/KMRSP body opaquely. Encryption key agreement
// is out of scope: the relay never parses the key material, only copies
// it between handshake messages.
type KMExtension struct {
	Raw []byte
}
