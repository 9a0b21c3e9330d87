// Package trafficcontrol implements admission control for node RPC traffic:
// TTL blocklists checked synchronously on the ingress path, a bounded
// non-blocking tally channel, sliding-window frequency tracking, and
// threshold policies that block (locally or via a delegated firewall)
// clients whose spam or error rate crosses the configured limits.
package trafficcontrol

import (
	"net/netip"
	"sync"
	"time"
)

const blocklistShards = 16

// Blocklist is a TTL set of client addresses. IsBlocked is O(1) and
// lock-light (sharded RWMutex maps) so it can sit on the ingress hot path.
// Expired entries are removed lazily on check and by the periodic sweep.
type Blocklist struct {
	shards [blocklistShards]blShard
	ttl    time.Duration
	nowFn  func() time.Time // injectable for simulated-clock tests
}

type blShard struct {
	mu sync.RWMutex
	m  map[netip.Addr]time.Time // addr → expiry
}

// NewBlocklist creates a blocklist whose Insert applies the given TTL.
func NewBlocklist(ttl time.Duration) *Blocklist {
	bl := &Blocklist{ttl: ttl, nowFn: time.Now}
	for i := range bl.shards {
		bl.shards[i].m = make(map[netip.Addr]time.Time)
	}
	return bl
}

func (b *Blocklist) shard(addr netip.Addr) *blShard {
	// addr.As16 gives a stable byte view for both families; the low bytes
	// carry the host part, which spreads real-world traffic well.
	a := addr.As16()
	return &b.shards[(uint(a[15])^uint(a[14])<<1)%blocklistShards]
}

// Insert adds addr with the configured TTL. Re-inserting an already-blocked
// address slides the expiry forward.
func (b *Blocklist) Insert(addr netip.Addr) {
	b.InsertUntil(addr, b.nowFn().Add(b.ttl))
}

// InsertUntil adds addr with an explicit expiry. The expiry only moves
// forward: merging a shorter remote TTL never shortens a local block.
func (b *Blocklist) InsertUntil(addr netip.Addr, expiry time.Time) {
	s := b.shard(addr)
	s.mu.Lock()
	if cur, ok := s.m[addr]; !ok || expiry.After(cur) {
		s.m[addr] = expiry
	}
	s.mu.Unlock()
}

// IsBlocked reports whether addr is currently blocked. Expired entries are
// removed on the spot so a blocklist with no sweep running still honors TTLs.
func (b *Blocklist) IsBlocked(addr netip.Addr) bool {
	s := b.shard(addr)
	now := b.nowFn()

	s.mu.RLock()
	expiry, ok := s.m[addr]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if now.Before(expiry) {
		return true
	}

	s.mu.Lock()
	// Re-check under the write lock; a concurrent Insert may have slid it.
	if expiry, ok = s.m[addr]; ok && !now.Before(expiry) {
		delete(s.m, addr)
	}
	s.mu.Unlock()
	return false
}

// Sweep removes all expired entries and returns the remaining length.
func (b *Blocklist) Sweep() int {
	now := b.nowFn()
	total := 0
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for addr, expiry := range s.m {
			if !now.Before(expiry) {
				delete(s.m, addr)
			}
		}
		total += len(s.m)
		s.mu.Unlock()
	}
	return total
}

// Len returns the number of entries, expired or not. Sweep() gives the
// post-expiry count.
func (b *Blocklist) Len() int {
	total := 0
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.RLock()
		total += len(s.m)
		s.mu.RUnlock()
	}
	return total
}

// Entries returns a snapshot of unexpired entries with their expiries.
// Used by the mirror to publish local state; not on the hot path.
func (b *Blocklist) Entries() map[netip.Addr]time.Time {
	now := b.nowFn()
	out := make(map[netip.Addr]time.Time)
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.RLock()
		for addr, expiry := range s.m {
			if now.Before(expiry) {
				out[addr] = expiry
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// SetNowFunc replaces the clock. Test hook; not safe to call concurrently
// with other methods.
func (b *Blocklist) SetNowFunc(now func() time.Time) { b.nowFn = now }
