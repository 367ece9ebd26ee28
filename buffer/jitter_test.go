package buffer

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/voicecore/transport"
)

func audioPacket(seq uint32, ts uint64) *transport.AudioPacket {
	return &transport.AudioPacket{
		Header: transport.AudioHeader{
			Kind:       transport.PacketAudio,
			Sender:     uuid.UUID{1},
			Channel:    uuid.UUID{2},
			Sequence:   seq,
			Timestamp:  ts,
			SampleRate: 48000,
			Channels:   1,
		},
		Payload: []byte{byte(seq)},
	}
}

// TestInsertDrainOrdered returns packets in ascending sequence order
// regardless of insertion order.
func TestInsertDrainOrdered(t *testing.T) {
	buf := New(16, time.Second)
	now := NowMicros()

	for _, seq := range []uint32{3, 1, 4, 0, 2} {
		assert.True(t, buf.Insert(audioPacket(seq, now)))
	}
	require.Equal(t, 5, buf.Len())

	out := buf.Drain(now)
	require.Len(t, out, 5)
	for i, pkt := range out {
		assert.Equal(t, uint32(i), pkt.Header.Sequence)
	}
	assert.Equal(t, 0, buf.Len())
}

// TestOverflowEvictsOldest fills a buffer of capacity C with C+1 packets:
// the oldest unread packet is displaced and exactly one eviction is
// recorded.
func TestOverflowEvictsOldest(t *testing.T) {
	const capacity = 8
	buf := New(capacity, time.Second)
	now := NowMicros()

	for seq := uint32(0); seq <= capacity; seq++ {
		assert.True(t, buf.Insert(audioPacket(seq, now)))
	}

	stats := buf.Stats()
	assert.Equal(t, uint64(1), stats.Evicted)
	assert.Equal(t, capacity, stats.Resident)

	out := buf.Drain(now)
	require.Len(t, out, capacity)
	assert.Equal(t, uint32(1), out[0].Header.Sequence)
	assert.Equal(t, uint32(capacity), out[capacity-1].Header.Sequence)
}

// TestDuplicateDropped rejects a second packet with the same sequence.
func TestDuplicateDropped(t *testing.T) {
	buf := New(16, time.Second)
	now := NowMicros()

	require.True(t, buf.Insert(audioPacket(7, now)))
	assert.False(t, buf.Insert(audioPacket(7, now)))

	stats := buf.Stats()
	assert.Equal(t, uint64(1), stats.Duplicates)
	assert.Equal(t, 1, stats.Resident)
}

// TestStaleSequenceDropped rejects a wrapped-around older sequence that
// maps to an occupied slot.
func TestStaleSequenceDropped(t *testing.T) {
	buf := New(8, time.Second)
	now := NowMicros()

	require.True(t, buf.Insert(audioPacket(9, now)))
	// Sequence 1 maps to the same slot but is older.
	assert.False(t, buf.Insert(audioPacket(1, now)))

	out := buf.Drain(now)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(9), out[0].Header.Sequence)
}

// TestDrainExpiresOldPackets discards packets past the latency budget and
// counts them instead of returning them.
func TestDrainExpiresOldPackets(t *testing.T) {
	buf := New(16, 100*time.Millisecond)
	now := NowMicros()

	stale := now - uint64(200*time.Millisecond/time.Microsecond)
	require.True(t, buf.Insert(audioPacket(0, stale)))
	require.True(t, buf.Insert(audioPacket(1, now)))

	out := buf.Drain(now)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(1), out[0].Header.Sequence)

	stats := buf.Stats()
	assert.Equal(t, uint64(1), stats.Expired)
	assert.Equal(t, uint64(1), stats.Drained)
	assert.Equal(t, 0, stats.Resident)
}

// TestDrainEmpty returns nothing from an empty buffer.
func TestDrainEmpty(t *testing.T) {
	buf := New(16, time.Second)
	assert.Empty(t, buf.Drain(NowMicros()))
}

// TestFactoryProfile builds buffers sharing one capacity and latency
// profile.
func TestFactoryProfile(t *testing.T) {
	factory := NewFactory(4, time.Second)
	buf := factory.NewBuffer()
	now := NowMicros()

	for seq := uint32(0); seq < 10; seq++ {
		buf.Insert(audioPacket(seq, now))
	}
	assert.Equal(t, 4, buf.Len())
}

// TestMinimumCapacity clamps capacity to at least one slot.
func TestMinimumCapacity(t *testing.T) {
	buf := New(0, time.Second)
	now := NowMicros()

	assert.True(t, buf.Insert(audioPacket(0, now)))
	assert.Len(t, buf.Drain(now), 1)
}
