// Package mixer combines concurrent per-sender PCM streams into one output
// frame per listener.
//
// Frames are 16-bit little-endian PCM. Mixing is a per-sample sum into a
// 32-bit accumulator, scaled by a configurable normalization policy (default
// 1/sqrt(N) over active voices) and hard-clamped to the int16 range as a
// final safety net. The same multiset of input frames always yields the same
// output regardless of arrival order.
//
// Control packets (AudioStart, AudioStop, Sync) and Silence are never mixed
// as PCM; callers only hand the mixer frames that actually carry audio.
package mixer

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/google/uuid"
)

// NormalizationPolicy maps the number of active voices to the gain applied
// to the summed signal. The exact formula is a policy choice; only the
// invariants (commutativity, silence identity, no overflow past the clamp)
// are load-bearing.
type NormalizationPolicy func(voices int) float64

// InverseSqrt is the default policy: unity for a single voice, 1/sqrt(N)
// for N concurrent voices.
func InverseSqrt(voices int) float64 {
	if voices <= 1 {
		return 1.0
	}
	return 1.0 / math.Sqrt(float64(voices))
}

// Unity applies no normalization; the clamp alone prevents wraparound.
func Unity(int) float64 { return 1.0 }

// Input is one sender's contribution to a mix.
type Input struct {
	Sender uuid.UUID
	PCM    []byte // 16-bit LE samples
}

// Stats describes one completed mix.
type Stats struct {
	Voices  int
	Peak    int32 // largest absolute summed sample before normalization
	Clipped bool  // true if the clamp engaged after normalization
}

// userControl carries the per-user gain state applied before summation.
type userControl struct {
	volume float64
	muted  bool
}

// Mixer combines same-format PCM frames. Safe for concurrent use; the
// per-user control map is the only shared state.
type Mixer struct {
	policy NormalizationPolicy

	mu       sync.RWMutex
	controls map[uuid.UUID]userControl
}

// New creates a mixer with the given normalization policy. A nil policy
// selects InverseSqrt.
func New(policy NormalizationPolicy) *Mixer {
	if policy == nil {
		policy = InverseSqrt
	}
	return &Mixer{
		policy:   policy,
		controls: make(map[uuid.UUID]userControl),
	}
}

// SetUserVolume sets a pre-mix gain for the user, clamped to [0, 2].
func (m *Mixer) SetUserVolume(user uuid.UUID, volume float64) {
	volume = math.Max(0, math.Min(2, volume))
	m.mu.Lock()
	c := m.entry(user)
	c.volume = volume
	m.controls[user] = c
	m.mu.Unlock()
}

// SetUserMuted mutes or unmutes the user's contribution to mixes.
func (m *Mixer) SetUserMuted(user uuid.UUID, muted bool) {
	m.mu.Lock()
	c := m.entry(user)
	c.muted = muted
	m.controls[user] = c
	m.mu.Unlock()
}

// RemoveUser drops the user's control entry.
func (m *Mixer) RemoveUser(user uuid.UUID) {
	m.mu.Lock()
	delete(m.controls, user)
	m.mu.Unlock()
}

// entry returns the stored control or a unity-gain default. Caller holds mu.
func (m *Mixer) entry(user uuid.UUID) userControl {
	if c, ok := m.controls[user]; ok {
		return c
	}
	return userControl{volume: 1.0}
}

func (m *Mixer) control(user uuid.UUID) userControl {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entry(user)
}

// Mix combines the inputs into one frame. Empty and muted inputs contribute
// nothing; frames of unequal length are mixed up to the longest with missing
// samples treated as zero. Returns nil when no input carries audio.
func (m *Mixer) Mix(inputs []Input) ([]byte, Stats) {
	var stats Stats

	// Longest frame defines the output length.
	samples := 0
	for _, in := range inputs {
		if n := len(in.PCM) / 2; n > samples {
			samples = n
		}
	}
	if samples == 0 {
		return nil, stats
	}

	sum := make([]int32, samples)
	for _, in := range inputs {
		if len(in.PCM) < 2 {
			continue
		}
		ctl := m.control(in.Sender)
		if ctl.muted {
			continue
		}

		stats.Voices++
		n := len(in.PCM) / 2
		for i := 0; i < n; i++ {
			s := int16(binary.LittleEndian.Uint16(in.PCM[2*i:]))
			sum[i] += int32(float64(s) * ctl.volume)
		}
	}

	if stats.Voices == 0 {
		return nil, stats
	}

	for _, s := range sum {
		if abs := absInt32(s); abs > stats.Peak {
			stats.Peak = abs
		}
	}

	gain := m.policy(stats.Voices)
	out := make([]byte, samples*2)
	for i, s := range sum {
		scaled := int32(float64(s) * gain)
		if scaled > math.MaxInt16 {
			scaled = math.MaxInt16
			stats.Clipped = true
		} else if scaled < math.MinInt16 {
			scaled = math.MinInt16
			stats.Clipped = true
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(scaled)))
	}

	return out, stats
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
