// Package conn implements the per-connection state machine gluing the
// packet codec, handshake FSM, send/receive buffers, and timer wheel
// together: Induction -> Conclusion -> Running -> Shutdown
// -> Closed.
package conn

import (
	"context"
	"log/slog"
	"math"
	"net/netip"
	"strconv"
	"time"

	"github.com/eclesh/welford"

	"github.com/alxayo/srt-relay/internal/bus"
	rerrors "github.com/alxayo/srt-relay/internal/errors"
	"github.com/alxayo/srt-relay/internal/idalloc"
	"github.com/alxayo/srt-relay/internal/logger"
	"github.com/alxayo/srt-relay/internal/metrics"
	"github.com/alxayo/srt-relay/internal/srt/buffer"
	"github.com/alxayo/srt-relay/internal/srt/handshake"
	"github.com/alxayo/srt-relay/internal/srt/packet"
	"github.com/alxayo/srt-relay/internal/srt/seqno"
	"github.com/alxayo/srt-relay/internal/srt/timerwheel"
)

// defaultTSBPDLatencyMs is the negotiated latency budget when a peer's
// HSREQ omits one (or the CIF carries no HSREQ extension at all).
const defaultTSBPDLatencyMs uint16 = 120

// ackHistoryCapacity bounds how many outstanding ACKs a connection tracks
// send times for while awaiting their ACKACK echo. Entries older than this
// are evicted rather than kept forever if a peer never answers.
const ackHistoryCapacity = 64

// State is the connection's lifecycle stage.
type State int

const (
	StateInduction State = iota
	StateConclusion
	StateRunning
	StateShutdown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInduction:
		return "induction"
	case StateConclusion:
		return "conclusion"
	case StateRunning:
		return "running"
	case StateShutdown:
		return "shutdown"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// outboxCapacity bounds how many pending outbound packets a connection can
// accumulate before TrySendMessage starts reporting back-pressure.
const outboxCapacity = 256

// Deps bundles the collaborators a Conn needs but does not own.
type Deps struct {
	Acceptor handshake.Acceptor
	Bus      *bus.Bus
	Metrics  *metrics.Sink
	Log      *slog.Logger
	Now      func() time.Time
}

// Conn is one SRT connection: either a publisher (data flows in, is
// published to the bus) or a subscriber (data is received from the bus,
// flows out).
type Conn struct {
	deps Deps

	fsm   *handshake.FSM
	state State

	localSocketID uint32
	peerSocketID  uint32
	peerAddr      netip.AddrPort

	mode       handshake.Mode
	resourceID uint64
	sessionID  uint64

	send  *buffer.Send
	recv  *buffer.Recv
	wheel *timerwheel.Wheel

	nextMsgNo   uint32
	ackSeqNo    uint32
	nextSendSeq uint32

	rtt       *welford.Stats
	ackSentAt map[uint32]time.Time

	latencyMs                uint16
	tsbpdBase                time.Time
	dataPacketsSinceLightACK int
	shutdownTimeoutID        uint64
	shutdownAt               time.Time

	connID idalloc.ConnID

	outbox chan *packet.Packet

	closed bool
}

// New builds a connection in StateInduction, not yet bound to a peer
// socket ID (learned from the first handshake packet).
func New(localSocketID uint32, fsm *handshake.FSM, deps Deps) *Conn {
	return &Conn{
		deps:          deps,
		fsm:           fsm,
		state:         StateInduction,
		localSocketID: localSocketID,
		wheel:         timerwheel.New(),
		rtt:           welford.New(),
		ackSentAt:     make(map[uint32]time.Time),
		connID:        idalloc.NewConnID(),
		outbox:        make(chan *packet.Packet, outboxCapacity),
	}
}

// ConnID returns this connection's globally unique correlation ID, minted
// once at construction and stable for the connection's lifetime.
func (c *Conn) ConnID() string { return string(c.connID) }

// State returns the connection's current lifecycle stage.
func (c *Conn) State() State { return c.state }

// LocalSocketID returns this connection's SRT socket ID, used by the
// demultiplexer to route inbound datagrams.
func (c *Conn) LocalSocketID() uint32 { return c.localSocketID }

// PeerAddr returns the UDP address the demultiplexer should write outbound
// packets to.
func (c *Conn) PeerAddr() netip.AddrPort { return c.peerAddr }

// Outbox returns the channel the demultiplexer drains to write outbound
// packets to the socket.
func (c *Conn) Outbox() <-chan *packet.Packet { return c.outbox }

func (c *Conn) enqueue(p *packet.Packet) {
	select {
	case c.outbox <- p:
	default:
		// Outbox full: drop rather than block the caller. Control packets
		// are advisory and will be regenerated by the timer wheel.
	}
}

// HandleHandshake processes a HANDSHAKE control packet during Induction or
// Conclusion. It drives the FSM and transitions state on success.
func (c *Conn) HandleHandshake(ctx context.Context, p *packet.Packet, peer netip.AddrPort) error {
	c.peerAddr = peer
	now := c.deps.Now()

	switch c.state {
	case StateInduction:
		resp, err := c.fsm.Induce(p, peer, c.localSocketID)
		if err != nil {
			return err
		}
		cif, _, _ := handshake.DecodeCIF(p.Payload)
		c.peerSocketID = cif.SRTSocketID
		resp.DestSocketID = c.peerSocketID
		c.enqueue(resp)
		c.state = StateConclusion
		return nil

	case StateConclusion:
		result, err := c.fsm.Conclude(ctx, p, peer, c.deps.Acceptor, c.localSocketID)
		if err != nil {
			return err
		}
		if !result.Accepted {
			result.Response.DestSocketID = result.ClientCIF.SRTSocketID
			c.enqueue(result.Response)
			c.state = StateClosed
			return nil
		}
		c.peerSocketID = result.ClientCIF.SRTSocketID
		c.mode = result.StreamID.Mode
		c.resourceID = result.StreamID.ResourceID
		c.sessionID = result.StreamID.SessionID

		// A duplicate publisher race must be decided before the success
		// reply goes out: the loser gets REJ_RESOURCE instead of a false
		// CONCLUSION acceptance.
		if c.mode == handshake.ModePublish {
			if err := c.deps.Bus.Claim(c.resourceID, c.subscriberKey()); err != nil {
				rej := c.fsm.RejectConclusion(p, result.ClientCIF, packet.RejResource)
				rej.DestSocketID = result.ClientCIF.SRTSocketID
				c.enqueue(rej)
				c.state = StateClosed
				if c.deps.Metrics != nil {
					c.deps.Metrics.HandshakesTotal.WithLabelValues("rejected").Inc()
				}
				return err
			}
		}

		result.Response.DestSocketID = result.ClientCIF.SRTSocketID
		c.enqueue(result.Response)

		// Every connection uses fixed 8192-slot rings; the configured
		// latency and expected packet rate do not change this size.
		capacity := 8192
		c.send = buffer.NewSend(capacity, result.ClientCIF.InitialSeqNo)
		c.recv = buffer.NewRecv(capacity, result.ClientCIF.InitialSeqNo)
		c.nextSendSeq = result.ClientCIF.InitialSeqNo & seqno.SeqMask
		c.latencyMs = result.HSReq.LatencyMs
		if c.latencyMs == 0 {
			c.latencyMs = defaultTSBPDLatencyMs
		}
		c.tsbpdBase = now.Add(-time.Duration(p.Timestamp) * time.Microsecond)
		c.state = StateRunning
		c.schedulePeriodic(now)
		if c.deps.Metrics != nil {
			c.deps.Metrics.ConnectionsActive.Inc()
			c.deps.Metrics.HandshakesTotal.WithLabelValues("accepted").Inc()
		}
		sessionLog := logger.WithConn(logger.WithSession(c.deps.Log, c.resourceID, string(c.mode)), c.ConnID(), c.localSocketID, peer.String())
		if c.mode == handshake.ModeRequest {
			c.deps.Bus.Subscribe(c.resourceID, c.subscriberKey(), c)
			sessionLog.Info("subscriber joined")
		} else {
			sessionLog.Info("publisher claimed resource")
		}
		return nil

	default:
		return rerrors.NewInternalError("conn.handlehandshake", nil)
	}
}

func (c *Conn) subscriberKey() string {
	return strconv.FormatUint(uint64(c.localSocketID), 10)
}

// HandleData processes an inbound data packet: stores it in the receive
// ring and, once a packet is both contiguous and past its TSBPD deadline,
// hands it to release (publishers) which republishes onto the bus.
func (c *Conn) HandleData(p *packet.Packet) error {
	if c.state != StateRunning {
		return rerrors.NewInternalError("conn.handledata", nil)
	}
	now := c.deps.Now()
	c.touch(now)
	accepted, dup := c.recv.Put(p.SeqNo, p.Timestamp, p.Payload, now)
	if dup {
		return nil
	}
	if !accepted {
		if c.deps.Metrics != nil {
			c.deps.Metrics.PacketsDroppedTotal.WithLabelValues("late").Inc()
		}
		return nil
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.PacketsInTotal.WithLabelValues("data").Inc()
	}

	c.wheel.Schedule(timerwheel.KindTSBPD, uint64(p.SeqNo), c.tsbpdDeadline(p.Timestamp))
	c.dataPacketsSinceLightACK++
	if c.dataPacketsSinceLightACK >= timerwheel.LightACKEveryNPackets {
		c.dataPacketsSinceLightACK = 0
		c.wheel.Schedule(timerwheel.KindLightACK, 0, now)
	}

	c.releaseTSBPD(now)
	return nil
}

// tsbpdDeadline converts a data packet's wire timestamp into the wall-clock
// time it becomes eligible for delivery: the connection's time base, plus
// the timestamp offset, plus the negotiated latency budget.
func (c *Conn) tsbpdDeadline(ts uint32) time.Time {
	return c.tsbpdBase.Add(time.Duration(ts)*time.Microsecond + time.Duration(c.latencyMs)*time.Millisecond)
}

// releaseTSBPD delivers every packet at the head of the receive ring whose
// TSBPD deadline has passed, in sequence order. A gap at the delivery point
// is skipped once the next present packet's own deadline has already
// elapsed, since that gap can no longer be filled in time.
func (c *Conn) releaseTSBPD(now time.Time) {
	for {
		ts, payload, arrivedAt, ok := c.recv.PeekDeliverable()
		if ok {
			deadline := c.tsbpdDeadline(ts)
			if now.Before(deadline) {
				return
			}
			c.recv.Pop()
			c.deliverTSBPD(ts, payload, arrivedAt, now)
			continue
		}

		seq, nextTs, found := c.recv.NextPresent()
		if !found {
			return
		}
		if now.Before(c.tsbpdDeadline(nextTs)) {
			return
		}
		c.recv.Skip(seq)
		if c.deps.Metrics != nil {
			c.deps.Metrics.PacketsDroppedTotal.WithLabelValues("late").Inc()
		}
	}
}

func (c *Conn) deliverTSBPD(ts uint32, payload []byte, arrivedAt, now time.Time) {
	if c.mode == handshake.ModePublish {
		c.deps.Bus.Publish(c.resourceID, bus.Message{SeqNo: c.recv.DeliverPoint(), Timestamp: ts, Payload: payload})
	}
	if c.deps.Metrics != nil && !arrivedAt.IsZero() {
		c.deps.Metrics.TSBPDLatencyMicros.Observe(float64(now.Sub(arrivedAt).Microseconds()))
	}
}

// SendMessage implements bus.Sink: a subscriber connection receives a
// publisher's message and enqueues it for transmission. It never blocks:
// like TrySendMessage, it drops the message when the send ring or the
// bounded outbox is full.
func (c *Conn) SendMessage(m bus.Message) {
	c.TrySendMessage(m)
}

// TrySendMessage implements bus.TrySendMessage, giving the bus a
// non-blocking fast path and an accurate drop signal.
func (c *Conn) TrySendMessage(m bus.Message) bool {
	seq := c.nextSendSeq
	if c.send.Full(seq) {
		return false
	}
	c.send.Push(seq, c.nextMsgNo, packet.PosSolo, true, m.Timestamp, m.Payload)
	p := &packet.Packet{
		SeqNo:        seq,
		PosFlag:      packet.PosSolo,
		InOrder:      true,
		MsgNo:        c.nextMsgNo,
		Timestamp:    m.Timestamp,
		DestSocketID: c.peerSocketID,
		Payload:      m.Payload,
	}
	select {
	case c.outbox <- p:
		c.nextMsgNo++
		c.nextSendSeq = seqno.Add(c.nextSendSeq, 1)
		return true
	default:
		return false
	}
}

// NotifyShutdown implements bus.ShutdownNotifiable: a subscriber's
// publisher has gone away, so its own peer is told SHUTDOWN rather than
// left to discover a silently dead stream.
func (c *Conn) NotifyShutdown() {
	if c.state != StateRunning {
		return
	}
	now := c.deps.Now()
	c.enqueue(packet.EncodeShutdown(c.peerSocketID, tsFromNow(now)))
	c.beginShutdown(now)
}

// HandleControl processes ACK/ACKACK/NAK/KEEPALIVE/SHUTDOWN/DROPREQ
// control packets received while Running.
func (c *Conn) HandleControl(p *packet.Packet) error {
	if c.state != StateRunning {
		return nil
	}
	now := c.deps.Now()
	c.touch(now)
	switch p.CtrlType {
	case packet.CtrlACK:
		ack, err := packet.DecodeACK(p)
		if err != nil {
			return err
		}
		c.send.Ack(ack.NextSeqNo)
		resp := packet.EncodeACKACK(c.peerSocketID, tsFromNow(now), ack.AckSeqNo)
		c.enqueue(resp)
	case packet.CtrlACKACK:
		c.sampleRTT(p.TypeInfo, now)
	case packet.CtrlLightACK:
		next, err := packet.DecodeLightACK(p)
		if err != nil {
			return err
		}
		c.send.Ack(next)
	case packet.CtrlNAK:
		ranges, err := packet.DecodeNAK(p)
		if err != nil {
			return err
		}
		c.retransmit(ranges, now)
	case packet.CtrlKeepAlive:
		// no-op: touch() above already reset the shutdown-timeout deadline.
	case packet.CtrlShutdown:
		c.beginShutdown(now)
		return rerrors.NewPeerShutdown("conn.handlecontrol")
	case packet.CtrlDropReq:
		first, last, err := packet.DecodeDropReq(p)
		if err != nil {
			return err
		}
		if seqno.Cmp(first, c.recv.DeliverPoint()) <= 0 {
			c.recv.Skip(seqno.Add(last, 1))
		}
	}
	return nil
}

// sampleRTT resolves the ACK send time recorded for ackSeqNo and feeds the
// elapsed round trip into the running Welford estimator, discarding echoes
// for ACKs we no longer track.
func (c *Conn) sampleRTT(ackSeqNo uint32, now time.Time) {
	sentAt, ok := c.ackSentAt[ackSeqNo]
	if !ok {
		return
	}
	delete(c.ackSentAt, ackSeqNo)
	c.rtt.Add(float64(now.Sub(sentAt).Microseconds()))
	if c.deps.Metrics != nil {
		c.deps.Metrics.RTTMicros.WithLabelValues(c.ConnID()).Set(c.rtt.Mean())
	}
}

// currentACKFields builds the AckFields body for the next periodic ACK,
// carrying the smoothed RTT estimate sampled from prior ACKACK echoes.
func (c *Conn) currentACKFields() packet.AckFields {
	var rttMicros, rttVarMicros uint32
	if c.rtt.Count() > 0 {
		rttMicros = uint32(c.rtt.Mean())
		rttVarMicros = uint32(math.Sqrt(c.rtt.Variance()))
	}
	return packet.AckFields{
		AckSeqNo:     c.ackSeqNo,
		NextSeqNo:    c.recv.DeliverPoint(),
		RTTMicros:    rttMicros,
		RTTVarMicros: rttVarMicros,
	}
}

// evictOldestACKSample drops the earliest unanswered ACK send time once
// ackSentAt exceeds ackHistoryCapacity, so a peer that stops sending ACKACKs
// doesn't leak entries for the life of the connection.
func (c *Conn) evictOldestACKSample() {
	var oldestSeq uint32
	var oldestAt time.Time
	first := true
	for seq, at := range c.ackSentAt {
		if first || at.Before(oldestAt) {
			oldestSeq, oldestAt, first = seq, at, false
		}
	}
	if !first {
		delete(c.ackSentAt, oldestSeq)
	}
}

func (c *Conn) retransmit(ranges []packet.NakRange, now time.Time) {
	for _, r := range ranges {
		for seq := r.From; ; seq = seqno.Add(seq, 1) {
			payload, msgNo, posFlag, inOrder, ts, ok := c.send.Get(seq)
			if ok {
				c.enqueue(&packet.Packet{
					SeqNo: seq, PosFlag: posFlag, InOrder: inOrder, MsgNo: msgNo,
					Retransmit: true, Timestamp: ts, DestSocketID: c.peerSocketID, Payload: payload,
				})
				if c.deps.Metrics != nil {
					c.deps.Metrics.RetransmitsTotal.Inc()
				}
			}
			if seq == r.To {
				break
			}
		}
	}
}

func (c *Conn) schedulePeriodic(now time.Time) {
	c.wheel.Schedule(timerwheel.KindACK, 0, now.Add(timerwheel.ACKInterval))
	c.wheel.Schedule(timerwheel.KindKeepAlive, 0, now.Add(timerwheel.KeepAliveInterval))
	c.wheel.Schedule(timerwheel.KindNAK, 0, now.Add(c.nakInterval()))
	c.touch(now)
}

// nakInterval reports how long to wait before re-NAKing an unfilled gap:
// max(20ms, rtt + 4*rttvar), falling back to the floor until an RTT sample
// exists.
func (c *Conn) nakInterval() time.Duration {
	floor := timerwheel.NAKMinInterval
	if c.rtt.Count() == 0 {
		return floor
	}
	d := time.Duration(c.rtt.Mean()+4*math.Sqrt(c.rtt.Variance())) * time.Microsecond
	if d < floor {
		return floor
	}
	return d
}

// touch resets the shutdown-timeout deadline, called whenever any packet
// arrives while Running: the peer must be seen again within
// timerwheel.ShutdownTimeout or the connection moves to Shutdown.
func (c *Conn) touch(now time.Time) {
	if c.shutdownTimeoutID != 0 {
		c.wheel.Cancel(c.shutdownTimeoutID)
	}
	c.shutdownTimeoutID = c.wheel.Schedule(timerwheel.KindShutdownTimeout, 0, now.Add(timerwheel.ShutdownTimeout))
}

// beginShutdown moves a Running connection into Shutdown, to be finalized
// into Closed once the drain deadline passes in Tick.
func (c *Conn) beginShutdown(now time.Time) {
	if c.state != StateRunning {
		return
	}
	c.state = StateShutdown
	c.shutdownAt = now
}

// Tick drains due timer events and performs their work: periodic ACK,
// light ACK, NAK, keep-alive, TSBPD release, and shutdown handling.
func (c *Conn) Tick(now time.Time) {
	if c.state == StateShutdown {
		if now.Sub(c.shutdownAt) >= timerwheel.ShutdownDrainDeadline {
			c.state = StateClosed
		}
		return
	}
	if c.state != StateRunning {
		return
	}
	for _, ev := range c.wheel.Drain(now) {
		switch ev.Kind {
		case timerwheel.KindACK:
			c.ackSeqNo++
			ack := packet.EncodeACK(c.peerSocketID, tsFromNow(now), c.currentACKFields())
			c.enqueue(ack)
			c.ackSentAt[c.ackSeqNo] = now
			if len(c.ackSentAt) > ackHistoryCapacity {
				c.evictOldestACKSample()
			}
			c.wheel.Schedule(timerwheel.KindACK, 0, now.Add(timerwheel.ACKInterval))
		case timerwheel.KindLightACK:
			c.ackSeqNo++
			resp := packet.EncodeLightACK(c.peerSocketID, tsFromNow(now), c.ackSeqNo, c.recv.DeliverPoint())
			c.enqueue(resp)
		case timerwheel.KindNAK:
			if gaps := c.recv.Gaps(); len(gaps) > 0 {
				ranges := make([]packet.NakRange, len(gaps))
				for i, g := range gaps {
					ranges[i] = packet.NakRange{From: g.From, To: g.To}
				}
				c.enqueue(packet.EncodeNAK(c.peerSocketID, tsFromNow(now), ranges))
				if c.deps.Metrics != nil {
					c.deps.Metrics.NAKsSentTotal.Inc()
				}
			}
			c.wheel.Schedule(timerwheel.KindNAK, 0, now.Add(c.nakInterval()))
		case timerwheel.KindKeepAlive:
			c.enqueue(packet.EncodeKeepAlive(c.peerSocketID, tsFromNow(now)))
			c.wheel.Schedule(timerwheel.KindKeepAlive, 0, now.Add(timerwheel.KeepAliveInterval))
		case timerwheel.KindShutdownTimeout:
			c.beginShutdown(now)
		case timerwheel.KindTSBPD:
			c.releaseTSBPD(now)
		}
	}
}

// Close tears the connection down: releases its bus slot and marks it
// closed. Idempotent.
func (c *Conn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.deps.Bus != nil && c.resourceID != 0 {
		if c.mode == handshake.ModePublish {
			c.deps.Bus.Release(c.resourceID, c.subscriberKey())
		} else {
			c.deps.Bus.Unsubscribe(c.resourceID, c.subscriberKey())
		}
		if c.deps.Log != nil {
			logger.WithResource(c.deps.Log, c.resourceID).Info("connection closed", "mode", string(c.mode))
		}
	}
	// Only a connection that reached Running (and so allocated its rings)
	// was counted as active.
	if c.deps.Metrics != nil && c.send != nil {
		c.deps.Metrics.ConnectionsActive.Dec()
	}
	c.state = StateClosed
	close(c.outbox)
}

func tsFromNow(now time.Time) uint32 {
	return uint32(now.UnixMicro())
}
