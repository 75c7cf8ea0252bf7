package demux

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alxayo/srt-relay/internal/bus"
	"github.com/alxayo/srt-relay/internal/idalloc"
	"github.com/alxayo/srt-relay/internal/metrics"
	"github.com/alxayo/srt-relay/internal/srt/handshake"
	"github.com/alxayo/srt-relay/internal/srt/packet"
)

// fakePacketConn is an in-memory net.PacketConn: WriteTo appends to an
// outbound log instead of touching a real socket, and ReadFrom drains a
// channel the test feeds directly, so the demultiplexer can be exercised
// without opening a UDP port.
type fakePacketConn struct {
	in      chan fakeDatagram
	outMu   chan struct{}
	written []fakeDatagram
	closed  chan struct{}
}

type fakeDatagram struct {
	b    []byte
	addr net.Addr
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{in: make(chan fakeDatagram, 64), closed: make(chan struct{})}
}

func (f *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-f.in:
		n := copy(p, d.b)
		return n, d.addr, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	f.written = append(f.written, fakeDatagram{b: cp, addr: addr})
	return len(p), nil
}

func (f *fakePacketConn) Close() error                       { close(f.closed); return nil }
func (f *fakePacketConn) LocalAddr() net.Addr                { return &net.UDPAddr{} }
func (f *fakePacketConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakePacketConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakePacketConn) SetWriteDeadline(t time.Time) error { return nil }

type allowAllAcceptor struct{}

func (allowAllAcceptor) Accept(ctx context.Context, id handshake.StreamID, peer netip.AddrPort) (bool, string, error) {
	return true, "", nil
}

func TestDemuxHandshakeRoundTrip(t *testing.T) {
	pc := newFakePacketConn()
	fsm := handshake.NewFSM([]byte("secret"), func() int64 { return 1_700_000_000 })
	d := New(Options{
		PacketConn: pc,
		FSM:        fsm,
		Acceptor:   allowAllAcceptor{},
		Bus:        bus.New(nil),
		Metrics:    metrics.New(),
		IDs:        idalloc.NewSocketAllocator(0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer pc.Close()
	go d.Run(ctx)

	clientAddr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 6000}
	inductionReq := packet.Encode(&packet.Packet{
		IsControl: true,
		CtrlType:  packet.CtrlHandshake,
		Payload: handshake.EncodeCIF(handshake.CIF{
			Version:      handshake.VersionInduction,
			InitialSeqNo: 500,
			MTU:          1500,
		}),
	}, nil)
	pc.in <- fakeDatagram{b: inductionReq, addr: clientAddr}

	require.Eventually(t, func() bool {
		return len(pc.written) >= 1
	}, time.Second, time.Millisecond)

	resp, err := packet.Decode(pc.written[0].b)
	require.NoError(t, err)
	require.True(t, resp.IsControl)
	require.Equal(t, packet.CtrlHandshake, resp.CtrlType)
}
