// Package metrics periodically aggregates router, transport, and worker
// counters into immutable snapshots for external reporting.
//
// The collector runs on its own ticker and keeps a bounded, time-pruned
// history window; read-only consumers poll Latest or History. Nothing on the
// packet path ever blocks on the collector.
//
// Example:
//
//	c := metrics.NewCollector(5*time.Second, time.Hour, source)
//	c.OnReport(func(s metrics.Snapshot) {
//	    fmt.Printf("channels=%d rx=%d\n", len(s.Channels), s.Transport.PacketsReceived)
//	})
//	if err := c.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Stop()
package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/huandu/skiplist"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicecore/router"
	"github.com/opd-ai/voicecore/transport"
	"github.com/opd-ai/voicecore/worker"
)

// ErrAlreadyRunning is returned when starting a collector that is running.
var ErrAlreadyRunning = errors.New("collector is already running")

// Source produces the raw counter state the collector snapshots. The Core
// façade implements it; tests supply stubs.
type Source interface {
	TransportStats() transport.Stats
	PoolStats() worker.Stats
	GlobalStats() router.GlobalStats
	AllChannelStats() []router.ChannelStats
	TrackedAddresses() int
}

// Snapshot is one immutable aggregation of every counter surface.
type Snapshot struct {
	Timestamp time.Time

	Transport transport.Stats
	Pool      worker.Stats
	Global    router.GlobalStats
	Channels  []router.ChannelStats

	TrackedAddresses int

	// Derived across channels.
	AvgLatencyMicros float64
	WorstLossRate    float64
}

// Collector owns the snapshot ticker and the retained history.
type Collector struct {
	interval  time.Duration
	retention time.Duration
	source    Source

	mu       sync.RWMutex
	running  bool
	latest   *Snapshot
	history  *skiplist.SkipList // keyed by capture time, UnixMicro
	callback func(Snapshot)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector creates a collector that snapshots source every interval and
// retains history for the retention window.
func NewCollector(interval, retention time.Duration, source Source) *Collector {
	return &Collector{
		interval:  interval,
		retention: retention,
		source:    source,
		history:   skiplist.New(skiplist.Int64),
	}
}

// OnReport registers a callback invoked with each new snapshot. Must be set
// before Start.
func (c *Collector) OnReport(fn func(Snapshot)) {
	c.mu.Lock()
	c.callback = fn
	c.mu.Unlock()
}

// Start launches the collection loop.
func (c *Collector) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop()

	logrus.WithFields(logrus.Fields{
		"interval":  c.interval,
		"retention": c.retention,
	}).Info("metrics collector started")
	return nil
}

func (c *Collector) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one snapshot immediately. Exposed so tests and shutdown
// paths can force a final aggregation without waiting for the ticker.
func (c *Collector) Collect() Snapshot {
	channels := c.source.AllChannelStats()

	snap := Snapshot{
		Timestamp:        time.Now(),
		Transport:        c.source.TransportStats(),
		Pool:             c.source.PoolStats(),
		Global:           c.source.GlobalStats(),
		Channels:         channels,
		TrackedAddresses: c.source.TrackedAddresses(),
	}

	if len(channels) > 0 {
		snap.AvgLatencyMicros = lo.SumBy(channels, func(cs router.ChannelStats) float64 {
			return cs.AvgLatencyMicros
		}) / float64(len(channels))
		snap.WorstLossRate = lo.MaxBy(channels, func(a, b router.ChannelStats) bool {
			return a.LossRate > b.LossRate
		}).LossRate
	}

	c.mu.Lock()
	c.latest = &snap
	c.history.Set(snap.Timestamp.UnixMicro(), snap)
	c.pruneLocked(snap.Timestamp)
	callback := c.callback
	c.mu.Unlock()

	if callback != nil {
		callback(snap)
	}
	return snap
}

// pruneLocked removes history entries older than the retention window.
// Caller holds the write lock.
func (c *Collector) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.retention).UnixMicro()
	for {
		front := c.history.Front()
		if front == nil || front.Key().(int64) >= cutoff {
			return
		}
		c.history.RemoveFront()
	}
}

// Latest returns the most recent snapshot, or false if none exists yet.
func (c *Collector) Latest() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return Snapshot{}, false
	}
	return *c.latest, true
}

// History returns the retained snapshots in capture order.
func (c *Collector) History() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Snapshot, 0, c.history.Len())
	for el := c.history.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(Snapshot))
	}
	return out
}

// IsRunning reports whether the collection loop is active.
func (c *Collector) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Stop halts collection. Safe to call twice.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done
	logrus.Info("metrics collector stopped")
}
