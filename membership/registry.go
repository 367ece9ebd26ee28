// Package membership tracks which users are active in which voice channel.
//
// The registry is called by the external channel/signaling service on
// join/leave, and read by every routing worker on every packet. Writes are
// rare and reads are constant, so the map is lock-striped by channel ID:
// a reader only ever holds its own shard's RLock for the duration of a map
// lookup.
package membership

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const registryShards = 32

type channelShard struct {
	mu       sync.RWMutex
	channels map[uuid.UUID]map[uuid.UUID]struct{}
}

// Registry is the channel membership map.
type Registry struct {
	shards [registryShards]*channelShard
}

// NewRegistry creates an empty membership registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &channelShard{channels: make(map[uuid.UUID]map[uuid.UUID]struct{})}
	}
	return r
}

func (r *Registry) shard(channel uuid.UUID) *channelShard {
	h := fnv.New32a()
	h.Write(channel[:])
	return r.shards[h.Sum32()%registryShards]
}

// Join adds user to channel. Idempotent.
func (r *Registry) Join(channel, user uuid.UUID) {
	s := r.shard(channel)
	s.mu.Lock()
	members, ok := s.channels[channel]
	if !ok {
		members = make(map[uuid.UUID]struct{})
		s.channels[channel] = members
	}
	members[user] = struct{}{}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"channel": channel,
		"user":    user,
	}).Info("user joined channel")
}

// Leave removes user from channel. Once Leave returns the user is no longer
// a member and routing drops anything still in flight for that identity.
// The empty channel's entry is removed with it.
func (r *Registry) Leave(channel, user uuid.UUID) {
	s := r.shard(channel)
	s.mu.Lock()
	if members, ok := s.channels[channel]; ok {
		delete(members, user)
		if len(members) == 0 {
			delete(s.channels, channel)
		}
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"channel": channel,
		"user":    user,
	}).Info("user left channel")
}

// IsActive reports whether user is currently a member of channel.
func (r *Registry) IsActive(channel, user uuid.UUID) bool {
	s := r.shard(channel)
	s.mu.RLock()
	_, ok := s.channels[channel][user]
	s.mu.RUnlock()
	return ok
}

// MembersOf returns a copy of the channel's member set. A nil slice means
// the channel has no members (torn down or never seen).
func (r *Registry) MembersOf(channel uuid.UUID) []uuid.UUID {
	s := r.shard(channel)
	s.mu.RLock()
	members := s.channels[channel]
	out := make([]uuid.UUID, 0, len(members))
	for user := range members {
		out = append(out, user)
	}
	s.mu.RUnlock()

	if len(out) == 0 {
		return nil
	}
	return out
}

// MemberCount returns the number of members in channel without copying.
func (r *Registry) MemberCount(channel uuid.UUID) int {
	s := r.shard(channel)
	s.mu.RLock()
	n := len(s.channels[channel])
	s.mu.RUnlock()
	return n
}

// ChannelCount returns the number of channels with at least one member.
func (r *Registry) ChannelCount() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.channels)
		s.mu.RUnlock()
	}
	return n
}
