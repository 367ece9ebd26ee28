package router

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicecore/buffer"
	"github.com/opd-ai/voicecore/membership"
	"github.com/opd-ai/voicecore/mixer"
	"github.com/opd-ai/voicecore/transport"
)

// ErrUnknownSender indicates a packet from a user who is not an active
// member of the target channel. The packet is dropped and counted; the
// condition is never fatal.
var ErrUnknownSender = errors.New("sender not active in channel")

const routerShards = 32

// Delivery is one output frame addressed to one listener.
type Delivery struct {
	Listener uuid.UUID
	Packet   *transport.AudioPacket
}

// senderState is one active sender's stream inside a channel.
type senderState struct {
	buf *buffer.JitterBuffer
}

// channelState is the per-channel audio state the router owns.
type channelState struct {
	mu      sync.Mutex
	senders map[uuid.UUID]*senderState

	packetsReceived uint64
	packetsRouted   uint64
	packetsDropped  uint64
	unknownSender   uint64
	bytesReceived   uint64

	// EWMA latency and RFC 3550 style jitter estimate, both microseconds.
	avgLatency  float64
	jitter      float64
	lastLatency float64
	outSeq      uint32
}

type routerShard struct {
	mu       sync.RWMutex
	channels map[uuid.UUID]*channelState
}

// Router resolves recipients for decoded packets and drains channel streams
// into per-listener frames.
type Router struct {
	registry *membership.Registry
	buffers  *buffer.Factory
	mix      *mixer.Mixer
	loopback bool

	shards [routerShards]*routerShard
}

// New creates a router over the given membership registry, jitter buffer
// profile, and mixer. loopback echoes a sender's own audio back to them,
// which exists for end-to-end testing only.
func New(registry *membership.Registry, buffers *buffer.Factory, mix *mixer.Mixer, loopback bool) *Router {
	r := &Router{
		registry: registry,
		buffers:  buffers,
		mix:      mix,
		loopback: loopback,
	}
	for i := range r.shards {
		r.shards[i] = &routerShard{channels: make(map[uuid.UUID]*channelState)}
	}
	return r
}

func (r *Router) shard(channel uuid.UUID) *routerShard {
	h := fnv.New32a()
	h.Write(channel[:])
	return r.shards[h.Sum32()%routerShards]
}

// state returns the channel's state, or nil if none exists.
func (r *Router) state(channel uuid.UUID) *channelState {
	s := r.shard(channel)
	s.mu.RLock()
	st := s.channels[channel]
	s.mu.RUnlock()
	return st
}

// ensureState creates the channel state on first sighting.
func (r *Router) ensureState(channel uuid.UUID) *channelState {
	s := r.shard(channel)
	s.mu.Lock()
	st, ok := s.channels[channel]
	if !ok {
		st = &channelState{senders: make(map[uuid.UUID]*senderState)}
		s.channels[channel] = st
		logrus.WithField("channel", channel).Debug("channel audio state created")
	}
	s.mu.Unlock()
	return st
}

// Ingest accepts one decoded packet from the receive path.
//
// Audio packets are buffered in the sender's jitter buffer. AudioStart
// pre-warms the sender's state and AudioStop retires it; both are returned
// as immediate control deliveries for the channel's other members. Silence
// refreshes activity only and is never buffered. A sender who is not an
// active channel member yields ErrUnknownSender; a channel with no members
// swallows the packet without error (teardown race with signaling).
func (r *Router) Ingest(pkt *transport.AudioPacket, nowMicros uint64) ([]Delivery, error) {
	hdr := &pkt.Header

	if r.registry.MemberCount(hdr.Channel) == 0 {
		return nil, nil
	}
	if !r.registry.IsActive(hdr.Channel, hdr.Sender) {
		st := r.state(hdr.Channel)
		if st != nil {
			st.mu.Lock()
			st.unknownSender++
			st.packetsDropped++
			st.mu.Unlock()
		}
		return nil, fmt.Errorf("%w: user %s in channel %s", ErrUnknownSender, hdr.Sender, hdr.Channel)
	}

	st := r.ensureState(hdr.Channel)
	st.mu.Lock()
	st.packetsReceived++
	st.bytesReceived += uint64(len(pkt.Payload))
	st.observeLatency(nowMicros, hdr.Timestamp)

	switch hdr.Kind {
	case transport.PacketAudio:
		sender, ok := st.senders[hdr.Sender]
		if !ok {
			sender = &senderState{buf: r.buffers.NewBuffer()}
			st.senders[hdr.Sender] = sender
		}
		st.mu.Unlock()
		sender.buf.Insert(pkt)
		return nil, nil

	case transport.PacketAudioStart:
		if _, ok := st.senders[hdr.Sender]; !ok {
			st.senders[hdr.Sender] = &senderState{buf: r.buffers.NewBuffer()}
		}
		st.mu.Unlock()
		return r.controlDeliveries(pkt), nil

	case transport.PacketAudioStop:
		delete(st.senders, hdr.Sender)
		st.mu.Unlock()
		return r.controlDeliveries(pkt), nil

	default:
		// Silence and Sync refresh liveness upstream; nothing to buffer.
		st.mu.Unlock()
		return nil, nil
	}
}

// controlDeliveries fans a control packet out to every member but the sender.
func (r *Router) controlDeliveries(pkt *transport.AudioPacket) []Delivery {
	members := r.registry.MembersOf(pkt.Header.Channel)
	var out []Delivery
	for _, member := range members {
		if member == pkt.Header.Sender && !r.loopback {
			continue
		}
		out = append(out, Delivery{Listener: member, Packet: pkt})
	}
	return out
}

// Drain empties the channel's ready packets and produces one delivery set.
//
// For each listener, frames from all other active senders in this tick are
// combined: a single contributing sender passes through unmixed and
// unmodified, multiple senders are mixed per aligned frame. Senders who left
// the channel since their packets were buffered have those packets discarded
// here, with no send attempted.
func (r *Router) Drain(channel uuid.UUID, nowMicros uint64) []Delivery {
	st := r.state(channel)
	if st == nil {
		return nil
	}

	members := r.registry.MembersOf(channel)
	if len(members) == 0 {
		r.RemoveChannel(channel)
		return nil
	}

	// Collect ready frames per sender, discarding retired identities.
	frames := make(map[uuid.UUID][]*transport.AudioPacket)
	st.mu.Lock()
	for sender, state := range st.senders {
		if !r.registry.IsActive(channel, sender) {
			drained := state.buf.Drain(nowMicros)
			st.packetsDropped += uint64(len(drained))
			delete(st.senders, sender)
			continue
		}
		if pkts := state.buf.Drain(nowMicros); len(pkts) > 0 {
			frames[sender] = pkts
		}
	}
	st.mu.Unlock()

	if len(frames) == 0 {
		return nil
	}

	var out []Delivery
	routed := uint64(0)

	for _, listener := range members {
		contributors := make([]uuid.UUID, 0, len(frames))
		for sender := range frames {
			if sender == listener && !r.loopback {
				continue
			}
			contributors = append(contributors, sender)
		}

		switch len(contributors) {
		case 0:
			continue
		case 1:
			// Pass-through: no mixing, no format conversion.
			for _, pkt := range frames[contributors[0]] {
				out = append(out, Delivery{Listener: listener, Packet: pkt})
				routed++
			}
		default:
			for _, pkt := range r.mixFrames(channel, st, frames, contributors, nowMicros) {
				out = append(out, Delivery{Listener: listener, Packet: pkt})
				routed++
			}
		}
	}

	st.mu.Lock()
	st.packetsRouted += routed
	st.mu.Unlock()

	return out
}

// mixFrames combines the tick's frames from the given contributors into
// mixed output packets, aligned by frame index within the tick.
func (r *Router) mixFrames(channel uuid.UUID, st *channelState, frames map[uuid.UUID][]*transport.AudioPacket, contributors []uuid.UUID, nowMicros uint64) []*transport.AudioPacket {
	depth := 0
	for _, sender := range contributors {
		if n := len(frames[sender]); n > depth {
			depth = n
		}
	}

	var out []*transport.AudioPacket
	for i := 0; i < depth; i++ {
		inputs := make([]mixer.Input, 0, len(contributors))
		var format *transport.AudioHeader
		for _, sender := range contributors {
			pkts := frames[sender]
			if i >= len(pkts) {
				continue
			}
			if format == nil {
				format = &pkts[i].Header
			}
			inputs = append(inputs, mixer.Input{Sender: sender, PCM: pkts[i].Payload})
		}

		mixed, _ := r.mix.Mix(inputs)
		if mixed == nil || format == nil {
			continue
		}

		st.mu.Lock()
		st.outSeq++
		seq := st.outSeq
		st.mu.Unlock()

		out = append(out, &transport.AudioPacket{
			Header: transport.AudioHeader{
				Kind:       transport.PacketAudio,
				Sender:     channel, // mixed frames carry the channel as origin
				Channel:    channel,
				Sequence:   seq,
				Timestamp:  nowMicros,
				SampleRate: format.SampleRate,
				Channels:   format.Channels,
			},
			Payload: mixed,
		})
	}

	return out
}

// observeLatency folds one latency sample into the channel's EWMA average
// and RFC 3550 style jitter estimate. Caller holds the channel lock.
func (st *channelState) observeLatency(nowMicros, captureMicros uint64) {
	if nowMicros <= captureMicros {
		return
	}
	sample := float64(nowMicros - captureMicros)

	if st.avgLatency == 0 {
		st.avgLatency = sample
	} else {
		st.avgLatency = st.avgLatency*0.9 + sample*0.1
	}

	if st.lastLatency != 0 {
		d := math.Abs(sample - st.lastLatency)
		st.jitter += (d - st.jitter) / 16
	}
	st.lastLatency = sample
}

// RemoveUser synchronously tears down the user's buffer in the channel and
// discards whatever it held. Called when the membership registry processes a
// leave; after it returns no further packets from or to that identity are
// processed.
func (r *Router) RemoveUser(channel, user uuid.UUID) {
	st := r.state(channel)
	if st == nil {
		return
	}
	st.mu.Lock()
	if sender, ok := st.senders[user]; ok {
		dropped := sender.buf.Len()
		st.packetsDropped += uint64(dropped)
		delete(st.senders, user)
	}
	st.mu.Unlock()
	r.mix.RemoveUser(user)
}

// RemoveChannel tears down the channel's entire audio state.
func (r *Router) RemoveChannel(channel uuid.UUID) {
	s := r.shard(channel)
	s.mu.Lock()
	st, ok := s.channels[channel]
	if ok {
		delete(s.channels, channel)
	}
	s.mu.Unlock()

	if ok {
		st.mu.Lock()
		st.senders = make(map[uuid.UUID]*senderState)
		st.mu.Unlock()
		logrus.WithField("channel", channel).Debug("channel audio state removed")
	}
}

// Channels returns the IDs of all channels with live audio state.
func (r *Router) Channels() []uuid.UUID {
	var out []uuid.UUID
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.channels {
			out = append(out, id)
		}
		s.mu.RUnlock()
	}
	return out
}
