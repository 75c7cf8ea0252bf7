// Package bus implements the broadcast bus: one publisher session per
// resource fanning its data out to many subscriber sessions. The bus holds
// no queues of its own: a message a subscriber's sink refuses is dropped
// (the new message; frames the sink already holds are kept) and counted
// through the onDrop hook. The map from resource ID to Stream is sharded by a
// hash of the resource ID so that unrelated streams never contend on the
// same lock.
package bus

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	rerrors "github.com/alxayo/srt-relay/internal/errors"
)

const shardCount = 64

// Message is one unit of fan-out: a data packet's payload plus the
// metadata a subscriber needs to re-pace delivery.
type Message struct {
	SeqNo     uint32
	Timestamp uint32
	Payload   []byte
}

// Sink receives fanned-out messages. A Sink that also implements
// TrySendMessage gets the non-blocking fast path; otherwise Bus calls
// SendMessage directly on the publisher's goroutine, so such a Sink must
// return promptly itself.
type Sink interface {
	SendMessage(m Message)
}

// TrySendMessage lets a Sink report back-pressure instead of blocking, so
// the bus can count a drop rather than stall the publisher goroutine.
type TrySendMessage interface {
	TrySendMessage(m Message) (accepted bool)
}

// ShutdownNotifiable lets a Sink learn that its publisher has gone away, so
// it can tell its own peer rather than leaving it to discover a silently
// dead stream.
type ShutdownNotifiable interface {
	NotifyShutdown()
}

// Stream is one resource's fan-out point: a single publisher slot and a
// set of subscriber sinks.
type Stream struct {
	mu          sync.RWMutex
	publisherID string
	subs        map[string]Sink
}

func newStream() *Stream {
	return &Stream{subs: make(map[string]Sink)}
}

// shard is one lock-protected partition of the resource map.
type shard struct {
	mu      sync.RWMutex
	streams map[uint64]*Stream
}

// Bus routes publisher messages to every subscriber of the same resource.
type Bus struct {
	shards [shardCount]*shard

	onDrop func(resourceID uint64) // optional metrics hook
}

// New builds an empty Bus. onDrop, if non-nil, is called once per message
// dropped from a subscriber's bounded queue.
func New(onDrop func(resourceID uint64)) *Bus {
	b := &Bus{onDrop: onDrop}
	for i := range b.shards {
		b.shards[i] = &shard{streams: make(map[uint64]*Stream)}
	}
	return b
}

func (b *Bus) shardFor(resourceID uint64) *shard {
	h := xxhash.Sum64(resourceID8(resourceID))
	return b.shards[h%shardCount]
}

func resourceID8(id uint64) []byte {
	return []byte{
		byte(id >> 56), byte(id >> 48), byte(id >> 40), byte(id >> 32),
		byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id),
	}
}

func (b *Bus) streamFor(resourceID uint64, createIfAbsent bool) *Stream {
	sh := b.shardFor(resourceID)
	sh.mu.RLock()
	s, ok := sh.streams[resourceID]
	sh.mu.RUnlock()
	if ok || !createIfAbsent {
		return s
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok = sh.streams[resourceID]; ok {
		return s
	}
	s = newStream()
	sh.streams[resourceID] = s
	return s
}

// Claim registers sessionID as the sole publisher of resourceID. It fails
// if another publisher already holds the slot.
func (b *Bus) Claim(resourceID uint64, sessionID string) error {
	s := b.streamFor(resourceID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publisherID != "" && s.publisherID != sessionID {
		return rerrors.NewSessionRejection("bus.claim", "REJ_RESOURCE", nil)
	}
	s.publisherID = sessionID
	return nil
}

// Release clears the publisher slot if sessionID currently holds it. Losing
// the publisher evicts every current subscriber from the Stream and, for
// any that implement ShutdownNotifiable, tells them their stream just
// ended; the Stream is then torn down since it has no publisher and no
// subscribers left.
func (b *Bus) Release(resourceID uint64, sessionID string) {
	sh := b.shardFor(resourceID)
	sh.mu.Lock()
	s, ok := sh.streams[resourceID]
	if !ok {
		sh.mu.Unlock()
		return
	}
	s.mu.Lock()
	wasPublisher := s.publisherID == sessionID
	if wasPublisher {
		s.publisherID = ""
	}
	var evicted []Sink
	if wasPublisher {
		evicted = make([]Sink, 0, len(s.subs))
		for id, sink := range s.subs {
			evicted = append(evicted, sink)
			delete(s.subs, id)
		}
	}
	empty := s.publisherID == "" && len(s.subs) == 0
	s.mu.Unlock()
	if empty {
		delete(sh.streams, resourceID)
	}
	sh.mu.Unlock()

	for _, sink := range evicted {
		if sn, ok := sink.(ShutdownNotifiable); ok {
			sn.NotifyShutdown()
		}
	}
}

// Subscribe attaches sink under subscriberID to resourceID's fan-out set.
func (b *Bus) Subscribe(resourceID uint64, subscriberID string, sink Sink) {
	s := b.streamFor(resourceID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[subscriberID] = sink
}

// Unsubscribe removes subscriberID's sink, tearing the Stream down if it
// was the last occupant.
func (b *Bus) Unsubscribe(resourceID uint64, subscriberID string) {
	sh := b.shardFor(resourceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.streams[resourceID]
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.subs, subscriberID)
	empty := s.publisherID == "" && len(s.subs) == 0
	s.mu.Unlock()
	if empty {
		delete(sh.streams, resourceID)
	}
}

// Publish fans m out to every current subscriber of resourceID. It
// snapshots the subscriber set under the Stream's read lock and releases
// it before doing any sink I/O, so a slow or misbehaving subscriber never
// blocks the registry.
func (b *Bus) Publish(resourceID uint64, m Message) {
	s := b.streamFor(resourceID, false)
	if s == nil {
		return
	}
	s.mu.RLock()
	sinks := make([]Sink, 0, len(s.subs))
	for _, sink := range s.subs {
		sinks = append(sinks, sink)
	}
	s.mu.RUnlock()

	for _, sink := range sinks {
		if ts, ok := sink.(TrySendMessage); ok {
			if !ts.TrySendMessage(m) && b.onDrop != nil {
				b.onDrop(resourceID)
			}
			continue
		}
		sink.SendMessage(m)
	}
}

// SubscriberCount reports the current number of subscribers for
// resourceID, for metrics and tests.
func (b *Bus) SubscriberCount(resourceID uint64) int {
	s := b.streamFor(resourceID, false)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// HasPublisher reports whether resourceID currently has a claimed
// publisher.
func (b *Bus) HasPublisher(resourceID uint64) bool {
	s := b.streamFor(resourceID, false)
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publisherID != ""
}
