package handshake

import (
	"fmt"
	"strconv"
	"strings"

	rerrors "github.com/alxayo/srt-relay/internal/errors"
	"github.com/alxayo/srt-relay/internal/srt/packet"
)

// StreamID is the parsed "#!::k=v,..." payload carried in a type-5
// extension. r and s are hex-decoded into uint64 IDs; m
// selects the session's role.
type StreamID struct {
	ResourceID uint64
	SessionID  uint64
	Mode       Mode
}

const streamIDPrefix = "#!::"

// ParseStreamID decodes the extension content of a StreamID extension
// block. Required keys: r (hex resource id), s (hex session id), m
// (publish|request). Nested "#{...}" syntax and unknown m values are
// rejected with REJ_ROGUE.
func ParseStreamID(raw []byte) (StreamID, error) {
	s := string(raw)
	s = strings.TrimRight(s, "\x00")
	if !strings.HasPrefix(s, streamIDPrefix) {
		return StreamID{}, rerrors.NewHandshakeRejection("handshake.streamid",
			packet.RejRogue.String(), fmt.Errorf("missing %q prefix", streamIDPrefix))
	}
	body := s[len(streamIDPrefix):]
	if strings.Contains(body, "#{") {
		return StreamID{}, rerrors.NewHandshakeRejection("handshake.streamid",
			packet.RejRogue.String(), fmt.Errorf("nested extension syntax rejected"))
	}

	var id StreamID
	var haveR, haveS, haveM bool
	for _, pair := range strings.Split(body, ",") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return StreamID{}, rerrors.NewHandshakeRejection("handshake.streamid",
				packet.RejRogue.String(), fmt.Errorf("malformed key=value pair %q", pair))
		}
		key, val := kv[0], kv[1]
		switch key {
		case "r":
			v, err := strconv.ParseUint(val, 16, 64)
			if err != nil {
				return StreamID{}, rerrors.NewHandshakeRejection("handshake.streamid",
					packet.RejRogue.String(), fmt.Errorf("bad r value %q: %w", val, err))
			}
			id.ResourceID = v
			haveR = true
		case "s":
			v, err := strconv.ParseUint(val, 16, 64)
			if err != nil {
				return StreamID{}, rerrors.NewHandshakeRejection("handshake.streamid",
					packet.RejRogue.String(), fmt.Errorf("bad s value %q: %w", val, err))
			}
			id.SessionID = v
			haveS = true
		case "m":
			switch Mode(val) {
			case ModePublish, ModeRequest:
				id.Mode = Mode(val)
				haveM = true
			default:
				return StreamID{}, rerrors.NewHandshakeRejection("handshake.streamid",
					packet.RejRogue.String(), fmt.Errorf("unknown mode %q", val))
			}
		}
	}
	if !haveR || !haveS || !haveM {
		return StreamID{}, rerrors.NewHandshakeRejection("handshake.streamid",
			packet.RejRogue.String(), fmt.Errorf("missing required key(s) in streamid"))
	}
	return id, nil
}

// EncodeStreamID serializes a StreamID back into its wire syntax.
func EncodeStreamID(id StreamID) []byte {
	return []byte(fmt.Sprintf("%sr=%x,s=%x,m=%s", streamIDPrefix, id.ResourceID, id.SessionID, id.Mode))
}
