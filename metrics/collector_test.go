package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/voicecore/router"
	"github.com/opd-ai/voicecore/transport"
	"github.com/opd-ai/voicecore/worker"
)

// stubSource is a fixed-value metrics source for collector tests.
type stubSource struct {
	channels []router.ChannelStats
}

func (s *stubSource) TransportStats() transport.Stats {
	return transport.Stats{PacketsReceived: 10, PacketsSent: 8}
}

func (s *stubSource) PoolStats() worker.Stats {
	return worker.Stats{Submitted: 10, Executed: 9, Dropped: 1, Shards: 4}
}

func (s *stubSource) GlobalStats() router.GlobalStats {
	return router.GlobalStats{Channels: len(s.channels)}
}

func (s *stubSource) AllChannelStats() []router.ChannelStats { return s.channels }

func (s *stubSource) TrackedAddresses() int { return 3 }

func twoChannelSource() *stubSource {
	return &stubSource{channels: []router.ChannelStats{
		{Channel: uuid.New(), AvgLatencyMicros: 1000, LossRate: 0.01},
		{Channel: uuid.New(), AvgLatencyMicros: 3000, LossRate: 0.25},
	}}
}

// TestCollectSnapshot aggregates the per-channel figures into the snapshot
// summary.
func TestCollectSnapshot(t *testing.T) {
	c := NewCollector(time.Second, time.Hour, twoChannelSource())

	snap := c.Collect()

	assert.Equal(t, uint64(10), snap.Transport.PacketsReceived)
	assert.Equal(t, uint64(1), snap.Pool.Dropped)
	assert.Equal(t, 3, snap.TrackedAddresses)
	assert.Len(t, snap.Channels, 2)
	assert.InDelta(t, 2000.0, snap.AvgLatencyMicros, 0.001)
	assert.InDelta(t, 0.25, snap.WorstLossRate, 0.001)
}

// TestCollectNoChannels leaves the aggregates at zero.
func TestCollectNoChannels(t *testing.T) {
	c := NewCollector(time.Second, time.Hour, &stubSource{})

	snap := c.Collect()

	assert.Empty(t, snap.Channels)
	assert.Zero(t, snap.AvgLatencyMicros)
	assert.Zero(t, snap.WorstLossRate)
}

// TestLatest returns the most recent snapshot and reports absence before
// the first collection.
func TestLatest(t *testing.T) {
	c := NewCollector(time.Second, time.Hour, twoChannelSource())

	_, ok := c.Latest()
	assert.False(t, ok)

	snap := c.Collect()
	latest, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, snap.Timestamp, latest.Timestamp)
}

// TestHistoryOrderAndPruning retains snapshots in capture order and drops
// those past the retention window.
func TestHistoryOrderAndPruning(t *testing.T) {
	c := NewCollector(time.Second, 100*time.Millisecond, twoChannelSource())

	c.Collect()
	time.Sleep(5 * time.Millisecond)
	c.Collect()
	require.Len(t, c.History(), 2)

	history := c.History()
	assert.True(t, history[0].Timestamp.Before(history[1].Timestamp))

	time.Sleep(120 * time.Millisecond)
	c.Collect()

	history = c.History()
	require.Len(t, history, 1)
	_, ok := c.Latest()
	assert.True(t, ok)
}

// TestStartStopLifecycle runs the periodic loop and rejects a second Start.
func TestStartStopLifecycle(t *testing.T) {
	c := NewCollector(10*time.Millisecond, time.Hour, twoChannelSource())

	require.NoError(t, c.Start())
	assert.True(t, c.IsRunning())
	assert.ErrorIs(t, c.Start(), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		_, ok := c.Latest()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	c.Stop()
	assert.False(t, c.IsRunning())

	// Second Stop is a no-op.
	c.Stop()

	// Restart after Stop is allowed.
	require.NoError(t, c.Start())
	c.Stop()
}

// TestOnReport invokes the callback with every collected snapshot.
func TestOnReport(t *testing.T) {
	c := NewCollector(time.Second, time.Hour, twoChannelSource())

	var (
		mu       sync.Mutex
		reported []Snapshot
	)
	c.OnReport(func(snap Snapshot) {
		mu.Lock()
		reported = append(reported, snap)
		mu.Unlock()
	})

	c.Collect()
	time.Sleep(time.Millisecond)
	c.Collect()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	assert.Len(t, reported[0].Channels, 2)
}
