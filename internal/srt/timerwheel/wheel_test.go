package timerwheel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleOrdersByDeadline(t *testing.T) {
	w := New()
	base := time.Unix(1000, 0)
	w.Schedule(KindKeepAlive, 0, base.Add(3*time.Second))
	w.Schedule(KindACK, 0, base.Add(1*time.Second))
	w.Schedule(KindNAK, 7, base.Add(2*time.Second))

	next, ok := w.NextDeadline()
	require.True(t, ok)
	require.Equal(t, base.Add(1*time.Second), next)

	due := w.Drain(base.Add(1 * time.Second))
	require.Len(t, due, 1)
	require.Equal(t, KindACK, due[0].Kind)
	require.Equal(t, 2, w.Len())
}

func TestDrainReturnsAllExpiredInOrder(t *testing.T) {
	w := New()
	base := time.Unix(2000, 0)
	w.Schedule(KindTSBPD, 1, base.Add(1*time.Millisecond))
	w.Schedule(KindTSBPD, 2, base.Add(2*time.Millisecond))
	w.Schedule(KindShutdownTimeout, 0, base.Add(10*time.Second))

	due := w.Drain(base.Add(5 * time.Millisecond))
	require.Len(t, due, 2)
	require.Equal(t, uint64(1), due[0].Key)
	require.Equal(t, uint64(2), due[1].Key)
	require.Equal(t, 1, w.Len())
}

func TestCancelRemovesBeforeFiring(t *testing.T) {
	w := New()
	base := time.Unix(3000, 0)
	id := w.Schedule(KindNAK, 42, base.Add(1*time.Second))
	w.Schedule(KindKeepAlive, 0, base.Add(2*time.Second))
	w.Cancel(id)

	due := w.Drain(base.Add(3 * time.Second))
	require.Len(t, due, 1)
	require.Equal(t, KindKeepAlive, due[0].Kind)
}

func TestEmptyWheelHasNoNextDeadline(t *testing.T) {
	w := New()
	_, ok := w.NextDeadline()
	require.False(t, ok)
	require.Equal(t, 0, w.Len())
}
