// Package voicecore implements the real-time audio transport core of a
// multi-user voice-chat service.
//
// The core accepts a continuous stream of audio datagrams from many
// simultaneous speakers, absorbs network jitter in per-sender buffers,
// resolves which listeners should receive each stream, mixes concurrent
// speakers into a single frame per listener, and forwards the result with
// minimal added delay. Loss, reordering, and duplication are tolerated and
// counted, never fatal; no in-flight packet error can take the transport
// loop down.
//
// Channel CRUD, authentication, signaling, and codec work live outside this
// module; the signaling layer drives membership through JoinChannel and
// LeaveChannel and reads counters through ChannelStats and GlobalStats.
//
// Example:
//
//	options := voicecore.NewOptions()
//	options.UDPAddr = "0.0.0.0:8082"
//
//	core, err := voicecore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := core.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer core.Stop()
//
//	core.JoinChannel(channelID, userID)
package voicecore

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicecore/buffer"
	"github.com/opd-ai/voicecore/config"
	"github.com/opd-ai/voicecore/membership"
	"github.com/opd-ai/voicecore/metrics"
	"github.com/opd-ai/voicecore/mixer"
	"github.com/opd-ai/voicecore/router"
	"github.com/opd-ai/voicecore/transport"
	"github.com/opd-ai/voicecore/worker"
)

// ErrAlreadyRunning is returned when starting a Core that is running.
var ErrAlreadyRunning = errors.New("core is already running")

// Options contains configuration for creating a Core instance.
type Options struct {
	UDPAddr       string
	MaxPacketSize int

	BufferSlots   int
	MaxLatency    time.Duration
	DrainInterval time.Duration

	WorkerCount int // 0 selects GOMAXPROCS
	QueueDepth  int

	AddrExpiry time.Duration

	// Loopback echoes a sender's own audio back to them. Test rigs only.
	Loopback bool

	// Normalization scales mixed output by voice count. Nil selects
	// mixer.InverseSqrt.
	Normalization mixer.NormalizationPolicy

	MetricsInterval  time.Duration
	MetricsRetention time.Duration
}

// NewOptions returns the defaults the service is load-tested with.
func NewOptions() *Options {
	return &Options{
		UDPAddr:          "0.0.0.0:8082",
		MaxPacketSize:    1400,
		BufferSlots:      1024,
		MaxLatency:       100 * time.Millisecond,
		DrainInterval:    20 * time.Millisecond,
		QueueDepth:       1000,
		AddrExpiry:       30 * time.Second,
		MetricsInterval:  5 * time.Second,
		MetricsRetention: time.Hour,
	}
}

// OptionsFromConfig maps an environment-loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) *Options {
	opts := NewOptions()
	opts.UDPAddr = cfg.Server.UDPAddr
	opts.MaxPacketSize = cfg.Audio.MaxPacketSize
	opts.BufferSlots = cfg.Audio.BufferSlots
	opts.MaxLatency = cfg.Audio.MaxLatency
	opts.DrainInterval = cfg.Audio.DrainInterval
	opts.WorkerCount = cfg.Server.WorkerCount
	opts.QueueDepth = cfg.Server.QueueDepth
	opts.AddrExpiry = cfg.Server.AddrExpiry
	opts.Loopback = cfg.Audio.LoopbackMode
	opts.MetricsInterval = cfg.Metrics.Interval
	opts.MetricsRetention = cfg.Metrics.Retention
	return opts
}

// Core wires the transport, registry, router, worker pool, and metrics
// collector into one running audio relay.
type Core struct {
	options *Options

	transport *transport.UDPTransport
	addrs     *transport.AddrBook
	registry  *membership.Registry
	router    *router.Router
	pool      *worker.Pool
	collector *metrics.Collector

	unreachableDrops atomic.Uint64

	running bool
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Core. The UDP socket is bound here; a bind failure is the
// only fatal startup error besides invalid options.
func New(options *Options) (*Core, error) {
	if options == nil {
		options = NewOptions()
	}

	tr, err := transport.NewUDPTransport(options.UDPAddr, options.MaxPacketSize)
	if err != nil {
		return nil, err
	}

	registry := membership.NewRegistry()
	mix := mixer.New(options.Normalization)
	buffers := buffer.NewFactory(options.BufferSlots, options.MaxLatency)

	ctx, cancel := context.WithCancel(context.Background())

	c := &Core{
		options:   options,
		transport: tr,
		addrs:     transport.NewAddrBook(options.AddrExpiry),
		registry:  registry,
		router:    router.New(registry, buffers, mix, options.Loopback),
		pool:      worker.NewPool(options.WorkerCount, options.QueueDepth),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.collector = metrics.NewCollector(options.MetricsInterval, options.MetricsRetention, c)

	c.registerHandlers()

	return c, nil
}

// registerHandlers wires each packet kind into the pipeline.
func (c *Core) registerHandlers() {
	for _, kind := range []transport.PacketKind{
		transport.PacketAudio,
		transport.PacketSilence,
		transport.PacketAudioStart,
		transport.PacketAudioStop,
	} {
		c.transport.RegisterHandler(kind, c.handleInbound)
	}

	// Sync is pure keep-alive: refresh the address book, route nothing.
	c.transport.RegisterHandler(transport.PacketSync, func(pkt *transport.AudioPacket, addr net.Addr) {
		c.addrs.Refresh(pkt.Header.Sender, addr)
	})
}

// handleInbound refreshes the sender's address and hands the packet to the
// worker pool, sharded by sender so one speaker's stream never reorders.
// A saturated shard drops the newest packet; the pool counts it.
func (c *Core) handleInbound(pkt *transport.AudioPacket, addr net.Addr) {
	c.addrs.Refresh(pkt.Header.Sender, addr)

	sender := pkt.Header.Sender
	_ = c.pool.Submit(sender[:], func() {
		deliveries, err := c.router.Ingest(pkt, buffer.NowMicros())
		if err != nil {
			logrus.WithError(err).Debug("packet dropped on ingest")
			return
		}
		c.deliver(deliveries)
	})
}

// deliver resolves each listener's address and sends. An unresolvable
// listener skips only that one send.
func (c *Core) deliver(deliveries []router.Delivery) {
	for _, d := range deliveries {
		addr, err := c.addrs.Resolve(d.Listener)
		if err != nil {
			c.unreachableDrops.Add(1)
			continue
		}
		if err := c.transport.Send(d.Packet, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"listener": d.Listener,
				"addr":     addr.String(),
			}).WithError(err).Debug("send failed")
		}
	}
}

// Start launches the receive loop, workers, drain ticker, address sweeper,
// and metrics collector.
func (c *Core) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}
	c.running = true

	c.pool.Start()
	c.transport.Start()

	c.wg.Add(2)
	go c.drainLoop()
	go c.sweepLoop()

	if err := c.collector.Start(); err != nil {
		return err
	}

	logrus.WithField("addr", c.transport.LocalAddr().String()).Info("voice core started")
	return nil
}

// drainLoop periodically drains every live channel through the pool, keyed
// by channel so a channel's mix always runs on one worker.
func (c *Core) drainLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.options.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			for _, channel := range c.router.Channels() {
				channel := channel
				_ = c.pool.Submit(channel[:], func() {
					c.deliver(c.router.Drain(channel, buffer.NowMicros()))
				})
			}
		}
	}
}

// sweepLoop reclaims expired address entries.
func (c *Core) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.options.AddrExpiry)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if removed := c.addrs.Sweep(); removed > 0 {
				logrus.WithField("removed", removed).Debug("expired client addresses")
			}
		}
	}
}

// JoinChannel adds a user to a channel. Called by the signaling layer.
func (c *Core) JoinChannel(channel, user uuid.UUID) {
	c.registry.Join(channel, user)
}

// LeaveChannel removes a user from a channel. The user's jitter buffer is
// torn down before this returns; packets still queued for that identity are
// discarded on dequeue with no send attempted.
func (c *Core) LeaveChannel(channel, user uuid.UUID) {
	c.registry.Leave(channel, user)
	c.router.RemoveUser(channel, user)
	if c.registry.MemberCount(channel) == 0 {
		c.router.RemoveChannel(channel)
	}
}

// RefreshAddress records a user's current address out of band, for
// collaborators that learn addresses through signaling instead of packets.
func (c *Core) RefreshAddress(user uuid.UUID, addr net.Addr) {
	c.addrs.Refresh(user, addr)
}

// ChannelStats returns the named channel's counter snapshot.
func (c *Core) ChannelStats(channel uuid.UUID) router.ChannelStats {
	return c.router.ChannelStats(channel)
}

// GlobalStats returns the aggregate across all channels.
func (c *Core) GlobalStats() router.GlobalStats {
	return c.router.GlobalStats()
}

// Metrics exposes the collector for read-only reporting consumers.
func (c *Core) Metrics() *metrics.Collector {
	return c.collector
}

// LocalAddr returns the bound UDP address.
func (c *Core) LocalAddr() net.Addr {
	return c.transport.LocalAddr()
}

// UnreachableDrops counts sends skipped for want of a fresh address.
func (c *Core) UnreachableDrops() uint64 {
	return c.unreachableDrops.Load()
}

// TransportStats implements metrics.Source.
func (c *Core) TransportStats() transport.Stats { return c.transport.Stats() }

// PoolStats implements metrics.Source.
func (c *Core) PoolStats() worker.Stats { return c.pool.Stats() }

// AllChannelStats implements metrics.Source's per-channel view.
func (c *Core) AllChannelStats() []router.ChannelStats {
	channels := c.router.Channels()
	out := make([]router.ChannelStats, 0, len(channels))
	for _, channel := range channels {
		out = append(out, c.router.ChannelStats(channel))
	}
	return out
}

// TrackedAddresses implements metrics.Source.
func (c *Core) TrackedAddresses() int { return c.addrs.Len() }

// Stop shuts the pipeline down: receive loop first, then workers, then the
// collector. Idempotent.
func (c *Core) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	_ = c.transport.Close()
	c.pool.Stop()
	c.wg.Wait()
	c.collector.Stop()

	logrus.Info("voice core stopped")
}
