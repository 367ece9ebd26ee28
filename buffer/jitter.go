package buffer

import (
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/voicecore/transport"
)

// Stats holds a jitter buffer's counters. Snapshot values, safe to copy.
type Stats struct {
	Inserted   uint64 // packets accepted into a slot
	Evicted    uint64 // undelivered packets displaced by a newer sequence
	Duplicates uint64 // stale duplicates dropped on insert
	Expired    uint64 // packets discarded at drain for exceeding the latency budget
	Drained    uint64 // packets handed to the consumer
	Resident   int    // packets currently buffered
}

// Factory builds jitter buffers that share one latency/capacity profile.
type Factory struct {
	capacity   int
	maxLatency time.Duration
}

// NewFactory creates a factory for buffers of the given slot capacity and
// maximum tolerated packet age.
func NewFactory(capacity int, maxLatency time.Duration) *Factory {
	return &Factory{capacity: capacity, maxLatency: maxLatency}
}

// NewBuffer creates one jitter buffer with the factory's profile.
func (f *Factory) NewBuffer() *JitterBuffer {
	return New(f.capacity, f.maxLatency)
}

// JitterBuffer absorbs arrival-time variance for a single sender's stream.
//
// The ring holds at most capacity packets, slot index = sequence % capacity.
// A slot's resident packet is overwritten only by a higher sequence number;
// lower or equal sequences are counted as duplicates and dropped. Drain
// returns residents in ascending sequence order, discarding any whose age
// exceeds the latency budget.
//
// One producer inserts while one consumer drains; the buffer's own mutex is
// the only synchronization, so distinct buffers never contend.
type JitterBuffer struct {
	mu         sync.Mutex
	slots      []*transport.AudioPacket
	capacity   int
	maxLatency time.Duration

	inserted   uint64
	evicted    uint64
	duplicates uint64
	expired    uint64
	drained    uint64
	resident   int
}

// New creates a jitter buffer with the given slot capacity and maximum
// tolerated packet age.
func New(capacity int, maxLatency time.Duration) *JitterBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &JitterBuffer{
		slots:      make([]*transport.AudioPacket, capacity),
		capacity:   capacity,
		maxLatency: maxLatency,
	}
}

// Insert places the packet into its sequence slot.
//
// Returns true if the packet was stored, false if it was dropped as a stale
// duplicate. Displacing an undelivered older packet counts one eviction.
func (b *JitterBuffer) Insert(pkt *transport.AudioPacket) bool {
	idx := int(pkt.Header.Sequence) % b.capacity

	b.mu.Lock()
	defer b.mu.Unlock()

	resident := b.slots[idx]
	if resident != nil {
		if pkt.Header.Sequence <= resident.Header.Sequence {
			b.duplicates++
			return false
		}
		b.evicted++
		b.resident--
	}

	b.slots[idx] = pkt
	b.inserted++
	b.resident++
	return true
}

// Drain removes and returns all buffered packets in ascending sequence
// order. Packets older than the latency budget relative to nowMicros are
// discarded and counted as expired instead of returned.
func (b *JitterBuffer) Drain(nowMicros uint64) []*transport.AudioPacket {
	budget := uint64(b.maxLatency / time.Microsecond)

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*transport.AudioPacket
	for i, pkt := range b.slots {
		if pkt == nil {
			continue
		}
		b.slots[i] = nil
		b.resident--

		if nowMicros > pkt.Header.Timestamp && nowMicros-pkt.Header.Timestamp > budget {
			b.expired++
			continue
		}
		out = append(out, pkt)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Header.Sequence < out[j].Header.Sequence
	})

	b.drained += uint64(len(out))
	return out
}

// Len returns the number of packets currently buffered.
func (b *JitterBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resident
}

// Stats returns a snapshot of the buffer counters.
func (b *JitterBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Inserted:   b.inserted,
		Evicted:    b.evicted,
		Duplicates: b.duplicates,
		Expired:    b.expired,
		Drained:    b.drained,
		Resident:   b.resident,
	}
}

// NowMicros returns the current time in microseconds since the Unix epoch,
// the clock packet timestamps are measured against.
func NowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
