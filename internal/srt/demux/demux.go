// Package demux implements the UDP demultiplexer: one
// owner of the listening socket, routing inbound datagrams to the
// connection identified by their destination SRT socket ID, and a single
// writer goroutine draining every connection's outbox onto the wire so
// socket writes are never contended.
package demux

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/alxayo/srt-relay/internal/bus"
	"github.com/alxayo/srt-relay/internal/idalloc"
	"github.com/alxayo/srt-relay/internal/logger"
	"github.com/alxayo/srt-relay/internal/metrics"
	"github.com/alxayo/srt-relay/internal/srt/conn"
	"github.com/alxayo/srt-relay/internal/srt/handshake"
	"github.com/alxayo/srt-relay/internal/srt/packet"
)

// readBufferSize is sized for the largest UDP datagram an SRT peer should
// ever send (far above the configured MTU, to tolerate jumbo frames).
const readBufferSize = 65536

// writeQueueCapacity bounds the demultiplexer's single outbound channel,
// fed by every connection's own outbox.
const writeQueueCapacity = 4096

// Demux owns the UDP socket and the registry of live connections, keyed by
// the local SRT socket ID assigned at induction.
type Demux struct {
	pc       net.PacketConn
	fsm      *handshake.FSM
	acceptor handshake.Acceptor
	bus      *bus.Bus
	met      *metrics.Sink
	log      *slog.Logger
	ids      *idalloc.SocketAllocator
	now      func() time.Time

	mu    sync.RWMutex
	conns map[uint32]*conn.Conn

	writeCh chan writeJob
}

type writeJob struct {
	pkt  *packet.Packet
	addr netip.AddrPort
}

// Options configures a new Demux.
type Options struct {
	PacketConn net.PacketConn
	FSM        *handshake.FSM
	Acceptor   handshake.Acceptor
	Bus        *bus.Bus
	Metrics    *metrics.Sink
	Log        *slog.Logger
	IDs        *idalloc.SocketAllocator
	Now        func() time.Time
}

// New builds a Demux bound to an already-listening PacketConn.
func New(opts Options) *Demux {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Demux{
		pc:       opts.PacketConn,
		fsm:      opts.FSM,
		acceptor: opts.Acceptor,
		bus:      opts.Bus,
		met:      opts.Metrics,
		log:      opts.Log,
		ids:      opts.IDs,
		now:      now,
		conns:    make(map[uint32]*conn.Conn),
		writeCh:  make(chan writeJob, writeQueueCapacity),
	}
}

func (d *Demux) connDeps() conn.Deps {
	return conn.Deps{
		Acceptor: d.acceptor,
		Bus:      d.bus,
		Metrics:  d.met,
		Log:      d.log,
		Now:      d.now,
	}
}

// Run drives the read loop, the write loop, and the per-connection timer
// ticks until ctx is canceled.
func (d *Demux) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); d.readLoop(ctx) }()
	go func() { defer wg.Done(); d.writeLoop(ctx) }()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case now := <-ticker.C:
			d.tickAll(now)
		}
	}
}

func (d *Demux) tickAll(now time.Time) {
	d.mu.RLock()
	conns := make([]*conn.Conn, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.RUnlock()
	for _, c := range conns {
		c.Tick(now)
		if c.State() == conn.StateClosed {
			d.removeConn(c.LocalSocketID())
		}
	}
}

func (d *Demux) readLoop(ctx context.Context) {
	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		// A short read deadline lets a canceled context stop the loop
		// promptly instead of blocking forever on a PacketConn with no
		// pending datagrams.
		_ = d.pc.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := d.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			continue
		}
		// Decoded payloads alias their input and connections keep them, so
		// each datagram gets its own copy of the reused read buffer.
		d.handleDatagram(ctx, append([]byte(nil), buf[:n]...), addr)
	}
}

func (d *Demux) handleDatagram(ctx context.Context, b []byte, addr net.Addr) {
	destID, err := packet.DecodeSocketID(b)
	if err != nil {
		if d.met != nil {
			d.met.PacketsDroppedTotal.WithLabelValues("malformed").Inc()
		}
		return
	}

	peer, ok := addrPortOf(addr)
	if !ok {
		return
	}

	p, err := packet.Decode(b)
	if err != nil {
		if d.met != nil {
			d.met.PacketsDroppedTotal.WithLabelValues("malformed").Inc()
		}
		return
	}

	if p.IsControl && p.CtrlType == packet.CtrlHandshake && destID == 0 {
		d.acceptHandshake(ctx, p, peer)
		return
	}

	d.mu.RLock()
	c, ok := d.conns[destID]
	d.mu.RUnlock()
	if !ok {
		if d.met != nil {
			d.met.PacketsDroppedTotal.WithLabelValues("unknown_socket").Inc()
		}
		return
	}

	if p.IsControl {
		if p.CtrlType == packet.CtrlHandshake {
			_ = c.HandleHandshake(ctx, p, peer)
		} else {
			_ = c.HandleControl(p)
		}
		if c.State() == conn.StateClosed {
			d.removeConn(destID)
		}
		return
	}
	_ = c.HandleData(p)
}

// acceptHandshake allocates a fresh connection for a socket-ID-0
// INDUCTION request, registers it, and feeds it the request.
func (d *Demux) acceptHandshake(ctx context.Context, p *packet.Packet, peer netip.AddrPort) {
	socketID := d.ids.Next()
	c := conn.New(socketID, d.fsm, d.connDeps())
	d.mu.Lock()
	d.conns[socketID] = c
	d.mu.Unlock()

	go d.pumpOutbox(c)

	if err := c.HandleHandshake(ctx, p, peer); err != nil {
		if d.log != nil {
			logger.WithConn(d.log, c.ConnID(), socketID, peer.String()).Warn("induction rejected", "err", err)
		}
		d.removeConn(socketID)
		return
	}
	if d.log != nil {
		logger.WithConn(d.log, c.ConnID(), socketID, peer.String()).Debug("induction accepted, awaiting conclusion")
	}
}

// pumpOutbox forwards one connection's outbound packets into the shared
// write queue until its outbox is closed.
func (d *Demux) pumpOutbox(c *conn.Conn) {
	for p := range c.Outbox() {
		select {
		case d.writeCh <- writeJob{pkt: p, addr: c.PeerAddr()}:
		default:
		}
	}
}

func (d *Demux) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.writeCh:
			wire := packet.Encode(job.pkt, nil)
			_, _ = d.pc.WriteTo(wire, net.UDPAddrFromAddrPort(job.addr))
		}
	}
}

func (d *Demux) removeConn(socketID uint32) {
	d.mu.Lock()
	c, ok := d.conns[socketID]
	delete(d.conns, socketID)
	d.mu.Unlock()
	if ok {
		c.Close()
		if d.log != nil {
			logger.WithConn(d.log, c.ConnID(), socketID, c.PeerAddr().String()).Debug("connection removed")
		}
	}
}

func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ap := udpAddr.AddrPort()
	return ap, true
}
