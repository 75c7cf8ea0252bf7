package buffer

import (
	"time"

	"github.com/alxayo/srt-relay/internal/srt/seqno"
)

// recvEntry is one slot in the receive ring.
type recvEntry struct {
	valid     bool
	seq       uint32
	timestamp uint32
	arrivedAt time.Time
	payload   []byte
}

// Recv is a sequence-indexed ring of received-but-not-yet-delivered data
// packets, tracking the contiguous delivery point and the highest sequence
// number observed so gaps can be turned into NAKs.
type Recv struct {
	entries  []recvEntry
	mask     uint32
	deliver  uint32 // next sequence number to deliver, i.e. the ack point
	highest  uint32 // highest sequence number ever accepted
	gotFirst bool
}

// NewRecv builds a receive ring of the given capacity (rounded to the next
// power of two) expecting the stream to begin at initialSeq.
func NewRecv(capacity int, initialSeq uint32) *Recv {
	cap := nextPow2(capacity)
	return &Recv{
		entries: make([]recvEntry, cap),
		mask:    uint32(cap - 1),
		deliver: initialSeq & seqno.SeqMask,
	}
}

// Put inserts a received packet, recorded as having arrived at arrivedAt.
// dup reports whether seq had already been stored (a duplicate, to be
// dropped); accepted is false if seq falls outside the ring's current
// window and must be ignored.
func (r *Recv) Put(seq, timestamp uint32, payload []byte, arrivedAt time.Time) (accepted, dup bool) {
	seq &= seqno.SeqMask
	if !seqno.InWindow(seq, r.deliver, uint32(len(r.entries))) {
		return false, false
	}
	if !r.gotFirst {
		r.highest = seq
		r.gotFirst = true
	}
	idx := seq & r.mask
	if r.entries[idx].valid && r.entries[idx].seq == seq {
		return true, true
	}
	r.entries[idx] = recvEntry{valid: true, seq: seq, timestamp: timestamp, arrivedAt: arrivedAt, payload: payload}
	if seqno.Cmp(seq, r.highest) > 0 {
		r.highest = seq
	}
	return true, false
}

// Pop returns the packet at the current delivery point and advances it, if
// present. ok is false if that slot is still empty (a gap).
func (r *Recv) Pop() (timestamp uint32, payload []byte, ok bool) {
	idx := r.deliver & r.mask
	e := r.entries[idx]
	if !e.valid || e.seq != r.deliver {
		return 0, nil, false
	}
	r.entries[idx] = recvEntry{}
	r.deliver = seqno.Add(r.deliver, 1)
	return e.timestamp, e.payload, true
}

// PeekDeliverable reports the packet currently at the delivery point
// without removing it, along with the time it arrived. ok is false if that
// slot is still empty (a gap).
func (r *Recv) PeekDeliverable() (timestamp uint32, payload []byte, arrivedAt time.Time, ok bool) {
	idx := r.deliver & r.mask
	e := r.entries[idx]
	if !e.valid || e.seq != r.deliver {
		return 0, nil, time.Time{}, false
	}
	return e.timestamp, e.payload, e.arrivedAt, true
}

// NextPresent returns the sequence number and timestamp of the earliest
// stored entry at or after the delivery point, used to decide whether a gap
// at the delivery point has aged past its TSBPD deadline: if the packet
// immediately following the gap is already due, the gap itself can never be
// filled in time.
func (r *Recv) NextPresent() (seq, timestamp uint32, ok bool) {
	if seqno.Cmp(r.highest, r.deliver) < 0 {
		return 0, 0, false
	}
	span := seqno.Diff(r.highest, r.deliver)
	for i := int64(0); i <= span; i++ {
		s := seqno.Add(r.deliver, i)
		idx := s & r.mask
		if r.entries[idx].valid && r.entries[idx].seq == s {
			return s, r.entries[idx].timestamp, true
		}
	}
	return 0, 0, false
}

// DeliverPoint returns the next sequence number the connection is waiting
// to deliver (the cumulative ACK point).
func (r *Recv) DeliverPoint() uint32 { return r.deliver }

// Highest returns the highest sequence number ever accepted.
func (r *Recv) Highest() uint32 { return r.highest }

// Gaps reports every missing range between the delivery point and the
// highest observed sequence number, for NAK generation.
func (r *Recv) Gaps() []NakRange {
	var out []NakRange
	if seqno.Cmp(r.highest, r.deliver) < 0 {
		return nil
	}
	span := seqno.Diff(r.highest, r.deliver)
	var runStart uint32
	inRun := false
	for i := int64(0); i <= span; i++ {
		seq := seqno.Add(r.deliver, i)
		idx := seq & r.mask
		present := r.entries[idx].valid && r.entries[idx].seq == seq
		switch {
		case !present && !inRun:
			runStart = seq
			inRun = true
		case present && inRun:
			out = append(out, NakRange{From: runStart, To: seqno.Add(seq, -1) & seqno.SeqMask})
			inRun = false
		}
	}
	if inRun {
		out = append(out, NakRange{From: runStart, To: r.highest})
	}
	return out
}

// Skip advances the delivery point past an unrecoverable gap, used when a
// DROPREQ or a too-late packet forces the receiver to give up waiting.
// newBase becomes the new delivery point.
func (r *Recv) Skip(newBase uint32) {
	newBase &= seqno.SeqMask
	for seqno.Cmp(r.deliver, newBase) < 0 {
		idx := r.deliver & r.mask
		r.entries[idx] = recvEntry{}
		r.deliver = seqno.Add(r.deliver, 1)
	}
}

// NakRange mirrors packet.NakRange; kept local so that the buffer package
// does not import packet.
type NakRange struct {
	From, To uint32
}
