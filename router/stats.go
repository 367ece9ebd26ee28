package router

import (
	"github.com/google/uuid"
)

// ChannelStats is an immutable snapshot of one channel's counters.
type ChannelStats struct {
	Channel       uuid.UUID
	Members       int
	ActiveSenders int

	PacketsReceived uint64
	PacketsRouted   uint64
	PacketsDropped  uint64
	UnknownSender   uint64
	BytesReceived   uint64

	// Aggregated over the channel's jitter buffers.
	Evicted    uint64
	Duplicates uint64
	Expired    uint64

	AvgLatencyMicros float64
	JitterMicros     float64
	LossRate         float64
}

// GlobalStats aggregates all channels.
type GlobalStats struct {
	Channels        int
	ActiveSenders   int
	PacketsReceived uint64
	PacketsRouted   uint64
	PacketsDropped  uint64
	BytesReceived   uint64
}

// ChannelStats snapshots the named channel. The zero value is returned for
// a channel without audio state.
func (r *Router) ChannelStats(channel uuid.UUID) ChannelStats {
	st := r.state(channel)
	if st == nil {
		return ChannelStats{Channel: channel}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	stats := ChannelStats{
		Channel:          channel,
		Members:          r.registry.MemberCount(channel),
		ActiveSenders:    len(st.senders),
		PacketsReceived:  st.packetsReceived,
		PacketsRouted:    st.packetsRouted,
		PacketsDropped:   st.packetsDropped,
		UnknownSender:    st.unknownSender,
		BytesReceived:    st.bytesReceived,
		AvgLatencyMicros: st.avgLatency,
		JitterMicros:     st.jitter,
	}

	for _, sender := range st.senders {
		bs := sender.buf.Stats()
		stats.Evicted += bs.Evicted
		stats.Duplicates += bs.Duplicates
		stats.Expired += bs.Expired
	}

	lost := stats.PacketsDropped + stats.Evicted + stats.Expired
	if stats.PacketsReceived > 0 {
		stats.LossRate = float64(lost) / float64(stats.PacketsReceived)
	}

	return stats
}

// GlobalStats snapshots the aggregate across every channel.
func (r *Router) GlobalStats() GlobalStats {
	var g GlobalStats
	for _, channel := range r.Channels() {
		cs := r.ChannelStats(channel)
		g.Channels++
		g.ActiveSenders += cs.ActiveSenders
		g.PacketsReceived += cs.PacketsReceived
		g.PacketsRouted += cs.PacketsRouted
		g.PacketsDropped += cs.PacketsDropped
		g.BytesReceived += cs.BytesReceived
	}
	return g
}
