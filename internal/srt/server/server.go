// Package server wires the UDP demultiplexer, broadcast bus, session
// registry, and metrics sink into a single runnable relay: one listening
// socket, one connection handler per peer.
package server

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/alxayo/srt-relay/internal/bus"
	"github.com/alxayo/srt-relay/internal/config"
	"github.com/alxayo/srt-relay/internal/idalloc"
	"github.com/alxayo/srt-relay/internal/logger"
	"github.com/alxayo/srt-relay/internal/metrics"
	"github.com/alxayo/srt-relay/internal/session"
	"github.com/alxayo/srt-relay/internal/srt/demux"
	"github.com/alxayo/srt-relay/internal/srt/handshake"
)

// Server owns the relay's runtime: the UDP demultiplexer, the metrics HTTP
// endpoint, and their shared collaborators.
type Server struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Sink
	bus     *bus.Bus
	demux   *demux.Demux
	httpSrv *http.Server
}

// New constructs a Server from cfg and registry, ready to Run. registry
// backs the Session Registry boundary; pass a real
// authorization client in production and a mock in tests.
func New(cfg config.Config, registry session.Registry) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.Logger()
	met := metrics.New()
	b := bus.New(func(resourceID uint64) {
		met.BusFanoutDroppedTotal.WithLabelValues(fmt.Sprint(resourceID)).Inc()
	})

	pc, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", cfg.ListenAddr, err)
	}
	// Size the kernel socket buffers to hold MaxConnections times
	// latency_ms*expected_pps packets (config.SendBufferCapacity) of MTU
	// bytes each, so a scheduling hiccup on this
	// goroutine doesn't force the kernel to drop datagrams before readLoop
	// gets to them.
	socketBufBytes := cfg.SendBufferCapacity() * int(cfg.MTU) * cfg.MaxConnections
	if err := setSocketBuffers(pc, socketBufBytes); err != nil {
		log.Warn("server: failed to size UDP socket buffers", "err", err, "bytes", socketBufBytes)
	}

	fsm := handshake.NewFSM([]byte(cfg.CookieSecret), func() int64 { return time.Now().Unix() })
	acceptor := session.HandshakeAcceptor{Registry: registry}
	ids := idalloc.NewSocketAllocator(randomSeed())

	d := demux.New(demux.Options{
		PacketConn: pc,
		FSM:        fsm,
		Acceptor:   acceptor,
		Bus:        b,
		Metrics:    met,
		Log:        log,
		IDs:        ids,
	})

	mux := http.NewServeMux()
	mux.Handle("/v1/metrics", promhttp.HandlerFor(met.Registry, promhttp.HandlerOpts{}))

	return &Server{
		cfg:     cfg,
		log:     log,
		metrics: met,
		bus:     b,
		demux:   d,
		httpSrv: &http.Server{Addr: cfg.MetricsAddr, Handler: mux},
	}, nil
}

// Run blocks, serving UDP and the metrics endpoint until ctx is canceled
// or either component fails.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.demux.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		s.log.Info("metrics listening", "addr", s.cfg.MetricsAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	s.log.Info("srt relay listening", "addr", s.cfg.ListenAddr)
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// setSocketBuffers raises the kernel SO_RCVBUF/SO_SNDBUF on pc to n bytes.
// pc must be a *net.UDPConn (true for every net.ListenPacket("udp",...)
// result); other implementations are left untouched.
func setSocketBuffers(pc net.PacketConn, n int) error {
	if n <= 0 {
		return nil
	}
	sc, ok := pc.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, n); e != nil {
			setErr = e
			return
		}
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, n)
	})
	if err != nil {
		return err
	}
	return setErr
}

func randomSeed() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}
