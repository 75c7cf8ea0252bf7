// Package buffer implements the per-connection send and receive rings and
// the loss lists that drive retransmission and NAK generation. A buffer
// instance is owned by exactly one connection goroutine; the conn package
// is responsible for serializing access.
package buffer

import (
	"github.com/alxayo/srt-relay/internal/srt/seqno"
)

// sendEntry is one slot in the send ring.
type sendEntry struct {
	valid     bool
	seq       uint32
	msgNo     uint32
	posFlag   uint8
	inOrder   bool
	payload   []byte
	timestamp uint32 // original send timestamp, for RTT-independent reference
}

// Send is a sequence-indexed ring of unacknowledged outbound packets,
// holding as many packets as the capacity given to NewSend.
type Send struct {
	entries []sendEntry
	mask    uint32
	base    uint32 // oldest unacknowledged sequence number
}

// NewSend builds a send ring. capacity is rounded up to the next power of
// two; initialSeq is the first sequence number the ring will hold.
func NewSend(capacity int, initialSeq uint32) *Send {
	cap := nextPow2(capacity)
	return &Send{
		entries: make([]sendEntry, cap),
		mask:    uint32(cap - 1),
		base:    initialSeq & seqno.SeqMask,
	}
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Cap returns the ring's capacity in packets.
func (s *Send) Cap() int { return len(s.entries) }

// Push stores a freshly sent packet at seq, advancing the occupied window.
// Callers must ensure seq has not already wrapped past the ring's capacity
// relative to base; Full reports when the caller must wait for ACKs first.
func (s *Send) Push(seq, msgNo uint32, posFlag uint8, inOrder bool, timestamp uint32, payload []byte) {
	seq &= seqno.SeqMask
	idx := seq & s.mask
	s.entries[idx] = sendEntry{
		valid: true, seq: seq, msgNo: msgNo, posFlag: posFlag,
		inOrder: inOrder, payload: payload, timestamp: timestamp,
	}
}

// Full reports whether the ring has no free slot for the next sequence
// number after the highest one pushed, i.e. sending would overwrite an
// unacknowledged entry.
func (s *Send) Full(nextSeq uint32) bool {
	idx := nextSeq & s.mask
	return s.entries[idx].valid
}

// Get retrieves the stored payload for seq, for retransmission in response
// to a NAK. ok is false if seq has already been acknowledged and evicted,
// or was never sent.
func (s *Send) Get(seq uint32) (payload []byte, msgNo uint32, posFlag uint8, inOrder bool, timestamp uint32, ok bool) {
	e := s.entries[seq&s.mask]
	if !e.valid || e.seq != seq&seqno.SeqMask {
		return nil, 0, 0, false, 0, false
	}
	return e.payload, e.msgNo, e.posFlag, e.inOrder, e.timestamp, true
}

// Ack evicts every entry up to (but excluding) ackSeq, the cumulative
// acknowledgment point carried by a full ACK. It advances
// base to ackSeq.
func (s *Send) Ack(ackSeq uint32) {
	for seqno.Cmp(s.base, ackSeq) < 0 {
		idx := s.base & s.mask
		s.entries[idx] = sendEntry{}
		s.base = seqno.Add(s.base, 1)
	}
}

// Base returns the oldest unacknowledged sequence number.
func (s *Send) Base() uint32 { return s.base }
