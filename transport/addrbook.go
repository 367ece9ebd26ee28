package transport

import (
	"errors"
	"hash/fnv"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnreachable indicates no fresh address is known for a user. Sends to
// that user are skipped and counted, never queued.
var ErrUnreachable = errors.New("no reachable address for user")

const addrBookShards = 16

// addrEntry is one user's last-known address and the time it was refreshed.
type addrEntry struct {
	addr net.Addr
	seen time.Time
}

type addrShard struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]addrEntry
}

// AddrBook maps user IDs to their last-known network address. Entries are
// refreshed by inbound packets (Sync heartbeats exist for exactly this) and
// expire after the inactivity window. Lock-striped so routing workers
// resolving addresses never serialize on a single mutex.
type AddrBook struct {
	shards [addrBookShards]*addrShard
	maxAge time.Duration
}

// NewAddrBook creates an address book whose entries expire after maxAge of
// inactivity.
func NewAddrBook(maxAge time.Duration) *AddrBook {
	b := &AddrBook{maxAge: maxAge}
	for i := range b.shards {
		b.shards[i] = &addrShard{entries: make(map[uuid.UUID]addrEntry)}
	}
	return b
}

func (b *AddrBook) shard(user uuid.UUID) *addrShard {
	h := fnv.New32a()
	h.Write(user[:])
	return b.shards[h.Sum32()%addrBookShards]
}

// Refresh records addr as user's current address.
func (b *AddrBook) Refresh(user uuid.UUID, addr net.Addr) {
	s := b.shard(user)
	s.mu.Lock()
	s.entries[user] = addrEntry{addr: addr, seen: time.Now()}
	s.mu.Unlock()
}

// Resolve returns the user's address, or ErrUnreachable if none is known or
// the entry has gone stale.
func (b *AddrBook) Resolve(user uuid.UUID) (net.Addr, error) {
	s := b.shard(user)
	s.mu.RLock()
	entry, ok := s.entries[user]
	s.mu.RUnlock()

	if !ok || time.Since(entry.seen) > b.maxAge {
		return nil, ErrUnreachable
	}
	return entry.addr, nil
}

// Remove drops the user's entry, if any.
func (b *AddrBook) Remove(user uuid.UUID) {
	s := b.shard(user)
	s.mu.Lock()
	delete(s.entries, user)
	s.mu.Unlock()
}

// Sweep removes entries whose inactivity exceeds the expiry window and
// returns how many were removed. Called periodically; Resolve already treats
// stale entries as unreachable, so the sweep only reclaims memory.
func (b *AddrBook) Sweep() int {
	cutoff := time.Now().Add(-b.maxAge)
	removed := 0

	for _, s := range b.shards {
		s.mu.Lock()
		for user, entry := range s.entries {
			if entry.seen.Before(cutoff) {
				delete(s.entries, user)
				removed++
			}
		}
		s.mu.Unlock()
	}

	return removed
}

// Len returns the number of tracked addresses across all shards.
func (b *AddrBook) Len() int {
	n := 0
	for _, s := range b.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
