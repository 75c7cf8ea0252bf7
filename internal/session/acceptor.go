package session

import (
	"context"
	"net/netip"

	"github.com/alxayo/srt-relay/internal/srt/handshake"
)

// HandshakeAcceptor adapts a Registry to handshake.Acceptor, translating
// between the wire-layer StreamID type and the registry's Request type.
type HandshakeAcceptor struct {
	Registry Registry
}

// Accept implements handshake.Acceptor.
func (a HandshakeAcceptor) Accept(ctx context.Context, id handshake.StreamID, peer netip.AddrPort) (bool, string, error) {
	mode := ModeRequest
	if id.Mode == handshake.ModePublish {
		mode = ModePublish
	}
	decision, err := a.Registry.Admit(ctx, Request{
		ResourceID: id.ResourceID,
		SessionID:  id.SessionID,
		Mode:       mode,
		Peer:       peer,
	})
	if err != nil {
		return false, "", err
	}
	return decision.Allowed, decision.RejCode, nil
}
