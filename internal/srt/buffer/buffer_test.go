package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendPushGetAck(t *testing.T) {
	s := NewSend(16, 100)
	s.Push(100, 1, 0b11, true, 555, []byte("hello"))
	s.Push(101, 2, 0b11, true, 556, []byte("world"))

	payload, msgNo, _, _, ts, ok := s.Get(100)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), payload)
	require.Equal(t, uint32(1), msgNo)
	require.Equal(t, uint32(555), ts)

	s.Ack(101) // acknowledges seq 100 only
	_, _, _, _, _, ok = s.Get(100)
	require.False(t, ok)

	payload, _, _, _, _, ok = s.Get(101)
	require.True(t, ok)
	require.Equal(t, []byte("world"), payload)
	require.Equal(t, uint32(101), s.Base())
}

func TestSendFullDetection(t *testing.T) {
	s := NewSend(4, 0) // rounds to capacity 4
	require.Equal(t, 4, s.Cap())
	for i := uint32(0); i < 4; i++ {
		require.False(t, s.Full(i))
		s.Push(i, 1, 0b11, true, 0, []byte{byte(i)})
	}
	require.True(t, s.Full(4)) // wraps onto unacknowledged seq 0
	s.Ack(1)
	require.False(t, s.Full(4))
}

func TestRecvInOrderDelivery(t *testing.T) {
	r := NewRecv(16, 0)
	accepted, dup := r.Put(0, 10, []byte("a"), time.Time{})
	require.True(t, accepted)
	require.False(t, dup)

	accepted, dup = r.Put(1, 20, []byte("b"), time.Time{})
	require.True(t, accepted)
	require.False(t, dup)

	ts, payload, ok := r.Pop()
	require.True(t, ok)
	require.Equal(t, uint32(10), ts)
	require.Equal(t, []byte("a"), payload)

	ts, payload, ok = r.Pop()
	require.True(t, ok)
	require.Equal(t, []byte("b"), payload)
	require.Equal(t, uint32(20), ts)

	_, _, ok = r.Pop()
	require.False(t, ok)
}

func TestRecvDuplicateRejected(t *testing.T) {
	r := NewRecv(16, 0)
	r.Put(5, 1, []byte("x"), time.Time{})
	_, dup := r.Put(5, 1, []byte("x"), time.Time{})
	require.True(t, dup)
}

func TestRecvGapsReported(t *testing.T) {
	r := NewRecv(32, 0)
	r.Put(0, 1, []byte("a"), time.Time{})
	r.Put(3, 1, []byte("d"), time.Time{})
	r.Put(4, 1, []byte("e"), time.Time{})
	r.Put(7, 1, []byte("h"), time.Time{})

	gaps := r.Gaps()
	require.Equal(t, []NakRange{{From: 1, To: 2}, {From: 5, To: 6}}, gaps)
}

func TestRecvSkipAdvancesDeliverPoint(t *testing.T) {
	r := NewRecv(16, 0)
	r.Put(5, 1, []byte("x"), time.Time{})
	r.Skip(5)
	require.Equal(t, uint32(5), r.DeliverPoint())
	ts, payload, ok := r.Pop()
	require.True(t, ok)
	require.Equal(t, uint32(1), ts)
	require.Equal(t, []byte("x"), payload)
}

func TestRecvOutOfWindowRejected(t *testing.T) {
	r := NewRecv(8, 0)
	accepted, _ := r.Put(1000, 1, []byte("far"), time.Time{})
	require.False(t, accepted)
}

func TestRecvPeekDeliverableAndNextPresent(t *testing.T) {
	r := NewRecv(32, 0)
	now := time.Unix(1_700_000_000, 0)
	r.Put(0, 10, []byte("a"), now)
	r.Put(3, 40, []byte("d"), now)

	ts, payload, arrivedAt, ok := r.PeekDeliverable()
	require.True(t, ok)
	require.Equal(t, uint32(10), ts)
	require.Equal(t, []byte("a"), payload)
	require.Equal(t, now, arrivedAt)

	r.Pop()
	_, _, _, ok = r.PeekDeliverable()
	require.False(t, ok, "seq 1 is a gap")

	seq, ts, ok := r.NextPresent()
	require.True(t, ok)
	require.Equal(t, uint32(3), seq)
	require.Equal(t, uint32(40), ts)
}
