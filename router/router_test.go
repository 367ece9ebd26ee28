package router

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/voicecore/buffer"
	"github.com/opd-ai/voicecore/membership"
	"github.com/opd-ai/voicecore/mixer"
	"github.com/opd-ai/voicecore/transport"
)

type routerFixture struct {
	registry *membership.Registry
	router   *Router
}

func newFixture(loopback bool) *routerFixture {
	registry := membership.NewRegistry()
	return &routerFixture{
		registry: registry,
		router:   New(registry, buffer.NewFactory(64, time.Second), mixer.New(nil), loopback),
	}
}

func voicePacket(channel, sender uuid.UUID, seq uint32, ts uint64, payload []byte) *transport.AudioPacket {
	return &transport.AudioPacket{
		Header: transport.AudioHeader{
			Kind:       transport.PacketAudio,
			Sender:     sender,
			Channel:    channel,
			Sequence:   seq,
			Timestamp:  ts,
			SampleRate: 48000,
			Channels:   1,
		},
		Payload: payload,
	}
}

func controlPacket(kind transport.PacketKind, channel, sender uuid.UUID, ts uint64) *transport.AudioPacket {
	return &transport.AudioPacket{
		Header: transport.AudioHeader{
			Kind:       kind,
			Sender:     sender,
			Channel:    channel,
			Timestamp:  ts,
			SampleRate: 48000,
			Channels:   1,
		},
	}
}

func deliveriesByListener(deliveries []Delivery) map[uuid.UUID][]*transport.AudioPacket {
	out := make(map[uuid.UUID][]*transport.AudioPacket)
	for _, d := range deliveries {
		out[d.Listener] = append(out[d.Listener], d.Packet)
	}
	return out
}

// TestIngestEmptyChannelSilentDrop swallows packets for channels with no
// members, without error.
func TestIngestEmptyChannelSilentDrop(t *testing.T) {
	f := newFixture(false)
	now := buffer.NowMicros()

	deliveries, err := f.router.Ingest(voicePacket(uuid.New(), uuid.New(), 0, now, []byte{1, 0}), now)

	assert.NoError(t, err)
	assert.Empty(t, deliveries)
}

// TestIngestUnknownSender rejects packets from non-members of a live
// channel.
func TestIngestUnknownSender(t *testing.T) {
	f := newFixture(false)
	channel := uuid.New()
	member, outsider := uuid.New(), uuid.New()
	f.registry.Join(channel, member)
	now := buffer.NowMicros()

	// Touch the channel so the drop is counted against its state.
	_, err := f.router.Ingest(voicePacket(channel, member, 0, now, []byte{1, 0}), now)
	require.NoError(t, err)

	_, err = f.router.Ingest(voicePacket(channel, outsider, 0, now, []byte{1, 0}), now)
	assert.ErrorIs(t, err, ErrUnknownSender)

	stats := f.router.ChannelStats(channel)
	assert.Equal(t, uint64(1), stats.UnknownSender)
	assert.Equal(t, uint64(1), stats.PacketsDropped)
}

// TestDrainPassThroughSingleSender hands a lone sender's packets to every
// other member unmodified.
func TestDrainPassThroughSingleSender(t *testing.T) {
	f := newFixture(false)
	channel := uuid.New()
	speaker, listener := uuid.New(), uuid.New()
	f.registry.Join(channel, speaker)
	f.registry.Join(channel, listener)
	now := buffer.NowMicros()

	pkt := voicePacket(channel, speaker, 3, now, []byte{0x10, 0x00})
	_, err := f.router.Ingest(pkt, now)
	require.NoError(t, err)

	byListener := deliveriesByListener(f.router.Drain(channel, now))

	require.Len(t, byListener[listener], 1)
	assert.True(t, pkt.Equal(byListener[listener][0]))
	// No self-echo.
	assert.Empty(t, byListener[speaker])
}

// TestDrainMixesConcurrentSenders gives each listener the combination of
// everyone else: with senders A and B and silent member D, D hears the
// A+B mix while A and B each hear the other unmixed.
func TestDrainMixesConcurrentSenders(t *testing.T) {
	f := newFixture(false)
	channel := uuid.New()
	a, b, d := uuid.New(), uuid.New(), uuid.New()
	for _, u := range []uuid.UUID{a, b, d} {
		f.registry.Join(channel, u)
	}
	now := buffer.NowMicros()

	pktA := voicePacket(channel, a, 5, now, []byte{0xE8, 0x03}) // 1000
	pktB := voicePacket(channel, b, 7, now, []byte{0xD0, 0x07}) // 2000
	_, err := f.router.Ingest(pktA, now)
	require.NoError(t, err)
	_, err = f.router.Ingest(pktB, now)
	require.NoError(t, err)

	byListener := deliveriesByListener(f.router.Drain(channel, now))

	// A and B hear each other's frame as-is.
	require.Len(t, byListener[a], 1)
	assert.True(t, pktB.Equal(byListener[a][0]))
	require.Len(t, byListener[b], 1)
	assert.True(t, pktA.Equal(byListener[b][0]))

	// D hears one mixed frame attributed to the channel itself.
	require.Len(t, byListener[d], 1)
	mixedPkt := byListener[d][0]
	assert.Equal(t, channel, mixedPkt.Header.Sender)
	assert.Equal(t, channel, mixedPkt.Header.Channel)
	assert.Equal(t, transport.PacketAudio, mixedPkt.Header.Kind)

	expected, _ := mixer.New(nil).Mix([]mixer.Input{
		{Sender: a, PCM: pktA.Payload},
		{Sender: b, PCM: pktB.Payload},
	})
	assert.Equal(t, expected, mixedPkt.Payload)
}

// TestDrainDiscardsAfterLeave drops packets buffered for a sender who left
// before the drain tick, with no delivery produced from them.
func TestDrainDiscardsAfterLeave(t *testing.T) {
	f := newFixture(false)
	channel := uuid.New()
	leaver, stayer := uuid.New(), uuid.New()
	f.registry.Join(channel, leaver)
	f.registry.Join(channel, stayer)
	now := buffer.NowMicros()

	_, err := f.router.Ingest(voicePacket(channel, leaver, 0, now, []byte{1, 0}), now)
	require.NoError(t, err)

	f.registry.Leave(channel, leaver)

	deliveries := f.router.Drain(channel, now)
	assert.Empty(t, deliveries)

	stats := f.router.ChannelStats(channel)
	assert.Equal(t, uint64(1), stats.PacketsDropped)
	assert.Equal(t, 0, stats.ActiveSenders)
}

// TestRemoveUserDiscardsBuffered tears down a user's buffer synchronously
// and counts whatever it still held.
func TestRemoveUserDiscardsBuffered(t *testing.T) {
	f := newFixture(false)
	channel := uuid.New()
	user, other := uuid.New(), uuid.New()
	f.registry.Join(channel, user)
	f.registry.Join(channel, other)
	now := buffer.NowMicros()

	for seq := uint32(0); seq < 3; seq++ {
		_, err := f.router.Ingest(voicePacket(channel, user, seq, now, []byte{1, 0}), now)
		require.NoError(t, err)
	}

	f.registry.Leave(channel, user)
	f.router.RemoveUser(channel, user)

	assert.Empty(t, f.router.Drain(channel, now))
	assert.Equal(t, uint64(3), f.router.ChannelStats(channel).PacketsDropped)
}

// TestAudioStartStopFanOut forwards stream control packets immediately to
// the other members and manages the sender's buffer state.
func TestAudioStartStopFanOut(t *testing.T) {
	f := newFixture(false)
	channel := uuid.New()
	speaker, listener := uuid.New(), uuid.New()
	f.registry.Join(channel, speaker)
	f.registry.Join(channel, listener)
	now := buffer.NowMicros()

	start := controlPacket(transport.PacketAudioStart, channel, speaker, now)
	deliveries, err := f.router.Ingest(start, now)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, listener, deliveries[0].Listener)
	assert.Equal(t, transport.PacketAudioStart, deliveries[0].Packet.Header.Kind)
	assert.Equal(t, 1, f.router.ChannelStats(channel).ActiveSenders)

	stop := controlPacket(transport.PacketAudioStop, channel, speaker, now)
	deliveries, err = f.router.Ingest(stop, now)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, listener, deliveries[0].Listener)
	assert.Equal(t, 0, f.router.ChannelStats(channel).ActiveSenders)
}

// TestSilenceNotBuffered refreshes activity without producing audio.
func TestSilenceNotBuffered(t *testing.T) {
	f := newFixture(false)
	channel := uuid.New()
	speaker, listener := uuid.New(), uuid.New()
	f.registry.Join(channel, speaker)
	f.registry.Join(channel, listener)
	now := buffer.NowMicros()

	deliveries, err := f.router.Ingest(controlPacket(transport.PacketSilence, channel, speaker, now), now)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
	assert.Empty(t, f.router.Drain(channel, now))
}

// TestLoopbackEchoesSender returns the sender's own audio when loopback is
// enabled.
func TestLoopbackEchoesSender(t *testing.T) {
	f := newFixture(true)
	channel := uuid.New()
	speaker := uuid.New()
	f.registry.Join(channel, speaker)
	now := buffer.NowMicros()

	pkt := voicePacket(channel, speaker, 0, now, []byte{1, 0})
	_, err := f.router.Ingest(pkt, now)
	require.NoError(t, err)

	byListener := deliveriesByListener(f.router.Drain(channel, now))
	require.Len(t, byListener[speaker], 1)
	assert.True(t, pkt.Equal(byListener[speaker][0]))
}

// TestDrainEmptyChannelTearsDown removes audio state once the last member
// is gone.
func TestDrainEmptyChannelTearsDown(t *testing.T) {
	f := newFixture(false)
	channel := uuid.New()
	user := uuid.New()
	f.registry.Join(channel, user)
	now := buffer.NowMicros()

	_, err := f.router.Ingest(voicePacket(channel, user, 0, now, []byte{1, 0}), now)
	require.NoError(t, err)
	require.Len(t, f.router.Channels(), 1)

	f.registry.Leave(channel, user)

	assert.Empty(t, f.router.Drain(channel, now))
	assert.Empty(t, f.router.Channels())
}

// TestChannelStatsAndLossRate aggregates buffer counters into the channel
// snapshot.
func TestChannelStatsAndLossRate(t *testing.T) {
	f := newFixture(false)
	channel := uuid.New()
	speaker, listener := uuid.New(), uuid.New()
	f.registry.Join(channel, speaker)
	f.registry.Join(channel, listener)
	now := buffer.NowMicros()

	// Captured 5ms before ingest; the duplicate sequence is dropped by the
	// jitter buffer.
	captured := now - 5000
	_, err := f.router.Ingest(voicePacket(channel, speaker, 1, captured, []byte{1, 0}), now)
	require.NoError(t, err)
	_, err = f.router.Ingest(voicePacket(channel, speaker, 1, captured, []byte{1, 0}), now)
	require.NoError(t, err)

	stats := f.router.ChannelStats(channel)
	assert.Equal(t, uint64(2), stats.PacketsReceived)
	assert.Equal(t, uint64(1), stats.Duplicates)
	assert.Equal(t, 2, stats.Members)
	assert.Equal(t, 1, stats.ActiveSenders)
	assert.Greater(t, stats.AvgLatencyMicros, 0.0)

	global := f.router.GlobalStats()
	assert.Equal(t, 1, global.Channels)
	assert.Equal(t, uint64(2), global.PacketsReceived)
}

// TestMixedSequenceMonotonic increments the channel's output sequence
// across drain ticks.
func TestMixedSequenceMonotonic(t *testing.T) {
	f := newFixture(false)
	channel := uuid.New()
	a, b, d := uuid.New(), uuid.New(), uuid.New()
	for _, u := range []uuid.UUID{a, b, d} {
		f.registry.Join(channel, u)
	}

	var last uint32
	for tick := 0; tick < 3; tick++ {
		now := buffer.NowMicros()
		_, err := f.router.Ingest(voicePacket(channel, a, uint32(tick), now, []byte{1, 0}), now)
		require.NoError(t, err)
		_, err = f.router.Ingest(voicePacket(channel, b, uint32(tick), now, []byte{2, 0}), now)
		require.NoError(t, err)

		byListener := deliveriesByListener(f.router.Drain(channel, now))
		require.Len(t, byListener[d], 1)
		seq := byListener[d][0].Header.Sequence
		assert.Greater(t, seq, last)
		last = seq
	}
}
