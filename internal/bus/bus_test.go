package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu        sync.Mutex
	received  []Message
	accept    bool
	shutdowns int
}

func (f *fakeSink) SendMessage(m Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, m)
}

func (f *fakeSink) TrySendMessage(m Message) bool {
	if !f.accept {
		return false
	}
	f.SendMessage(m)
	return true
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func (f *fakeSink) NotifyShutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

func TestClaimSinglePublisher(t *testing.T) {
	b := New(nil)
	require.NoError(t, b.Claim(1, "pub-a"))
	require.Error(t, b.Claim(1, "pub-b"))
	require.NoError(t, b.Claim(1, "pub-a")) // re-claim by same publisher is fine
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(nil)
	require.NoError(t, b.Claim(1, "pub-a"))

	s1 := &fakeSink{accept: true}
	s2 := &fakeSink{accept: true}
	b.Subscribe(1, "sub-1", s1)
	b.Subscribe(1, "sub-2", s2)

	b.Publish(1, Message{SeqNo: 1, Payload: []byte("x")})

	require.Equal(t, 1, s1.count())
	require.Equal(t, 1, s2.count())
}

func TestPublishToUnknownResourceIsNoop(t *testing.T) {
	b := New(nil)
	require.NotPanics(t, func() {
		b.Publish(999, Message{SeqNo: 1})
	})
}

func TestTrySendMessageBackpressureCountsDrop(t *testing.T) {
	var dropped int
	var mu sync.Mutex
	b := New(func(resourceID uint64) {
		mu.Lock()
		dropped++
		mu.Unlock()
	})
	require.NoError(t, b.Claim(5, "pub"))
	slow := &fakeSink{accept: false}
	b.Subscribe(5, "slow-sub", slow)

	b.Publish(5, Message{SeqNo: 1})
	b.Publish(5, Message{SeqNo: 2})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, dropped)
	require.Equal(t, 0, slow.count())
}

func TestReleaseTearsDownEmptyStream(t *testing.T) {
	b := New(nil)
	require.NoError(t, b.Claim(2, "pub"))
	require.True(t, b.HasPublisher(2))

	b.Release(2, "pub")
	require.False(t, b.HasPublisher(2))

	// Stream should be fully gone, so a new publisher can claim cleanly.
	require.NoError(t, b.Claim(2, "other"))
}

func TestReleaseNotifiesAndEvictsSubscribers(t *testing.T) {
	b := New(nil)
	require.NoError(t, b.Claim(4, "pub"))
	sub := &fakeSink{accept: true}
	b.Subscribe(4, "sub", sub)
	require.Equal(t, 1, b.SubscriberCount(4))

	b.Release(4, "pub")

	require.Equal(t, 1, sub.shutdowns)
	require.Equal(t, 0, b.SubscriberCount(4))
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	b := New(nil)
	require.NoError(t, b.Claim(3, "pub"))
	sink := &fakeSink{accept: true}
	b.Subscribe(3, "sub", sink)
	require.Equal(t, 1, b.SubscriberCount(3))

	b.Unsubscribe(3, "sub")
	require.Equal(t, 0, b.SubscriberCount(3))
}

func TestSubscriberCountIsolatedPerResource(t *testing.T) {
	b := New(nil)
	b.Subscribe(10, "a", &fakeSink{accept: true})
	b.Subscribe(20, "b", &fakeSink{accept: true})

	require.Equal(t, 1, b.SubscriberCount(10))
	require.Equal(t, 1, b.SubscriberCount(20))
}
