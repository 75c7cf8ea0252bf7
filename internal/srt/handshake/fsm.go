package handshake

import (
	"context"
	"net/netip"

	rerrors "github.com/alxayo/srt-relay/internal/errors"
	"github.com/alxayo/srt-relay/internal/srt/packet"
)

// Acceptor is the boundary the FSM calls into to admit or reject a
// CONCLUSION request's StreamID. Tests
// substitute a mock implementation.
type Acceptor interface {
	Accept(ctx context.Context, id StreamID, peer netip.AddrPort) (ok bool, rejCode string, err error)
}

// FSM drives the server side of the two-round SRT handshake: a stateless
// INDUCTION reply carrying a SYN cookie, followed by a CONCLUSION request
// the FSM verifies and hands to an Acceptor.
type FSM struct {
	cookies *CookieMinter
	nowFn   func() int64
}

// NewFSM builds an FSM using secret to derive SYN cookies. nowFn supplies
// the current unix time; tests can inject a deterministic clock.
func NewFSM(secret []byte, nowFn func() int64) *FSM {
	return &FSM{cookies: NewCookieMinter(secret), nowFn: nowFn}
}

// Induce handles an INDUCTION request: it validates the CIF shape and
// version, echoes the client's initial sequence number, MTU and flow
// window, addresses the reply to the client's socket ID, and carries a
// cookie bound to the peer's address and the current time window. No
// server-side state is created.
func (f *FSM) Induce(req *packet.Packet, peer netip.AddrPort, serverSocketID uint32) (*packet.Packet, error) {
	cif, _, err := DecodeCIF(req.Payload)
	if err != nil {
		return nil, err
	}
	if cif.Version != VersionInduction && cif.Version != VersionConclusion {
		return nil, errBadVersion(cif.Version)
	}

	cookie := f.cookies.Mint(peer, f.nowFn())
	resp := CIF{
		Version:         VersionInduction,
		ExtensionField:  uint16(ExtensionField),
		InitialSeqNo:    cif.InitialSeqNo,
		MTU:             cif.MTU,
		FlowWindowSize:  cif.FlowWindowSize,
		HandshakeType:   HSTypeInduction,
		SRTSocketID:     serverSocketID,
		SynCookie:       cookie,
	}
	return &packet.Packet{
		IsControl:    true,
		CtrlType:     packet.CtrlHandshake,
		Timestamp:    req.Timestamp,
		DestSocketID: cif.SRTSocketID,
		Payload:      EncodeCIF(resp),
	}, nil
}

// ConclusionResult is the outcome of processing a CONCLUSION request.
type ConclusionResult struct {
	Response  *packet.Packet
	StreamID  StreamID
	ClientCIF CIF
	HSReq     HSReqFields
	Accepted  bool
}

// Conclude verifies the CONCLUSION request's SYN cookie and StreamID, asks
// acceptor to admit the (resource, session, mode) triple, and builds either
// an acceptance reply (HandshakeType HSTypeConclusion, HSRSP echoing
// latency) or a rejection reply (HandshakeType carrying the negative
// RejectCode).
func (f *FSM) Conclude(ctx context.Context, req *packet.Packet, peer netip.AddrPort, acceptor Acceptor, serverSocketID uint32) (ConclusionResult, error) {
	cif, rest, err := DecodeCIF(req.Payload)
	if err != nil {
		return ConclusionResult{}, err
	}
	if cif.Version != VersionConclusion {
		return ConclusionResult{}, errBadVersion(cif.Version)
	}
	if !f.cookies.Verify(peer, cif.SynCookie, f.nowFn()) {
		return f.reject(req, cif, packet.RejBadSecret), nil
	}

	exts, err := DecodeExtensions(rest)
	if err != nil {
		return ConclusionResult{}, err
	}

	var sid StreamID
	var haveStreamID bool
	var hsreq HSReqFields
	var km KMExtension
	var haveKM bool
	for _, e := range exts {
		switch e.Type {
		case ExtTypeStreamID:
			sid, err = ParseStreamID(e.Content)
			if err != nil {
				return f.reject(req, cif, packet.RejRogue), nil
			}
			haveStreamID = true
		case ExtTypeHSREQ:
			hsreq, _ = DecodeHSReq(e.Content)
		case ExtTypeKMREQ:
			km = KMExtension{Raw: e.Content}
			haveKM = true
		}
	}
	if !haveStreamID {
		return f.reject(req, cif, packet.RejRogue), nil
	}

	ok, rejCode, err := acceptor.Accept(ctx, sid, peer)
	if err != nil {
		return ConclusionResult{}, rerrors.NewInternalError("handshake.conclude", err)
	}
	if !ok {
		code := packet.RejBadSecret
		for _, c := range allRejectCodes {
			if c.String() == rejCode {
				code = c
				break
			}
		}
		return f.reject(req, cif, code), nil
	}

	respCIF := CIF{
		Version:        VersionConclusion,
		InitialSeqNo:   cif.InitialSeqNo,
		MTU:            cif.MTU,
		FlowWindowSize: cif.FlowWindowSize,
		HandshakeType:  HSTypeConclusion,
		SRTSocketID:    serverSocketID,
		SynCookie:      cif.SynCookie,
	}
	respExts := []Extension{
		{Type: ExtTypeHSRSP, Content: EncodeHSReq(hsreq)},
	}
	if haveKM {
		// Key material agreement is out of scope: the relay copies the
		// KMREQ body back verbatim as KMRSP rather than negotiating it.
		respExts = append(respExts, Extension{Type: ExtTypeKMRSP, Content: km.Raw})
	}
	payload := EncodeCIF(respCIF)
	payload = append(payload, EncodeExtensions(respExts)...)

	return ConclusionResult{
		Response: &packet.Packet{
			IsControl:    true,
			CtrlType:     packet.CtrlHandshake,
			Timestamp:    req.Timestamp,
			DestSocketID: cif.SRTSocketID,
			Payload:      payload,
		},
		StreamID:  sid,
		ClientCIF: cif,
		HSReq:     hsreq,
		Accepted:  true,
	}, nil
}

// RejectConclusion builds a CONCLUSION rejection reply carrying code. It
// lets a caller reject after Conclude already reported acceptance, for
// example when a duplicate-publisher race against the bus is lost only
// after the handshake itself was otherwise valid.
func (f *FSM) RejectConclusion(req *packet.Packet, cif CIF, code packet.RejectCode) *packet.Packet {
	return f.reject(req, cif, code).Response
}

func (f *FSM) reject(req *packet.Packet, cif CIF, code packet.RejectCode) ConclusionResult {
	respCIF := CIF{
		Version:       VersionConclusion,
		HandshakeType: -int32(code),
		SRTSocketID:   cif.SRTSocketID,
	}
	return ConclusionResult{
		Response: &packet.Packet{
			IsControl:    true,
			CtrlType:     packet.CtrlHandshake,
			Timestamp:    req.Timestamp,
			DestSocketID: cif.SRTSocketID,
			Payload:      EncodeCIF(respCIF),
		},
		Accepted: false,
	}
}

var allRejectCodes = []packet.RejectCode{
	packet.RejRogue, packet.RejBadSecret, packet.RejUnknown,
	packet.RejResource, packet.RejVersion, packet.RejSystem,
}
