// Package dedup suppresses repeat notifications within a TTL window. The
// fingerprint identifies "the same thing": type, recipient, sender and the
// most specific content reference.
package dedup

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

// reapSampleRate is how often an admission opportunistically reaps expired
// keys from its shard.
const reapSampleRate = 64

// Fingerprint computes the dedup key for a notification.
func Fingerprint(n *domain.Notification) uint64 {
	d := xxhash.New()
	d.WriteString(string(n.Type))
	d.WriteString("\x00")
	d.WriteString(n.RecipientID)
	d.WriteString("\x00")
	d.WriteString(n.SenderID)
	d.WriteString("\x00")
	d.WriteString(n.ContentKey())
	return d.Sum64()
}

type shard struct {
	mu         sync.Mutex
	expiries   map[uint64]time.Time
	admissions int
}

// Set is a sharded TTL fingerprint set.
type Set struct {
	shards []*shard
	now    func() time.Time
}

func New(shardCount int) *Set {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{expiries: make(map[uint64]time.Time)}
	}
	return &Set{shards: shards, now: time.Now}
}

func (s *Set) shardFor(key uint64) *shard {
	// Re-hash so the shard index does not correlate with map bucket order.
	idx := xxhash.Sum64String(strconv.FormatUint(key, 16)) % uint64(len(s.shards))
	return s.shards[idx]
}

// Admit checks and records a fingerprint in one step. It returns true when
// the key is fresh (caller proceeds) and false when a live duplicate exists
// within its TTL. Fresh admissions insert the key with the given TTL.
func (s *Set) Admit(key uint64, ttl time.Duration) bool {
	now := s.now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.admissions++
	if sh.admissions%reapSampleRate == 0 {
		for k, exp := range sh.expiries {
			if !exp.After(now) {
				delete(sh.expiries, k)
			}
		}
	}

	if exp, ok := sh.expiries[key]; ok && exp.After(now) {
		return false
	}
	sh.expiries[key] = now.Add(ttl)
	return true
}

// Sweep removes every expired key. Called by the periodic cleanup loop.
func (s *Set) Sweep() {
	now := s.now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, exp := range sh.expiries {
			if !exp.After(now) {
				delete(sh.expiries, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Len returns the number of tracked fingerprints, expired or not.
func (s *Set) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.expiries)
		sh.mu.Unlock()
	}
	return total
}
