// Package ratelimit enforces per-(user,type) admission caps over sliding
// 60-minute and 24-hour windows, plus an externally managed per-user
// throttle. State is sharded by user hash; shard critical sections do only
// in-memory work.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

type bucketKey struct {
	userID string
	typ    domain.NotificationType
}

// bucket holds admission timestamps for one (user,type) pair. Slices are
// pruned lazily on access; their length is bounded by the daily cap.
type bucket struct {
	hourly []time.Time
	daily  []time.Time
}

type shard struct {
	mu        sync.Mutex
	buckets   map[bucketKey]*bucket
	throttled map[string]time.Time // userID -> throttled_until
}

// Limiter is a sharded sliding-window rate limiter.
type Limiter struct {
	shards []*shard
	now    func() time.Time
}

// New creates a limiter with the given shard count (minimum 1).
func New(shardCount int) *Limiter {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{
			buckets:   make(map[bucketKey]*bucket),
			throttled: make(map[string]time.Time),
		}
	}
	return &Limiter{shards: shards, now: time.Now}
}

func (l *Limiter) shardFor(userID string) *shard {
	return l.shards[xxhash.Sum64String(userID)%uint64(len(l.shards))]
}

// Allow admits one notification for (userID, typ) if both window counters
// are under their caps and the user is not throttled. Admission atomically
// records the event; rejection records nothing.
func (l *Limiter) Allow(userID string, typ domain.NotificationType, hourlyCap, dailyCap int) bool {
	now := l.now()
	s := l.shardFor(userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if until, ok := s.throttled[userID]; ok {
		if now.Before(until) {
			return false
		}
		delete(s.throttled, userID)
	}

	key := bucketKey{userID: userID, typ: typ}
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{}
		s.buckets[key] = b
	}

	b.hourly = prune(b.hourly, now.Add(-hourWindow))
	b.daily = prune(b.daily, now.Add(-dayWindow))

	if hourlyCap > 0 && len(b.hourly) >= hourlyCap {
		return false
	}
	if dailyCap > 0 && len(b.daily) >= dailyCap {
		return false
	}

	b.hourly = append(b.hourly, now)
	b.daily = append(b.daily, now)
	return true
}

// Throttle blocks all admissions for the user until the given time. It is
// set administratively and never modified by normal admissions.
func (l *Limiter) Throttle(userID string, until time.Time) {
	s := l.shardFor(userID)
	s.mu.Lock()
	s.throttled[userID] = until
	s.mu.Unlock()
}

// IsThrottled reports whether the user is currently throttled.
func (l *Limiter) IsThrottled(userID string) bool {
	now := l.now()
	s := l.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.throttled[userID]
	return ok && now.Before(until)
}

// Sweep drops buckets whose daily window has fully drained and expired
// throttles. Called by the periodic cleanup loop.
func (l *Limiter) Sweep() {
	now := l.now()
	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			b.daily = prune(b.daily, now.Add(-dayWindow))
			if len(b.daily) == 0 {
				delete(s.buckets, key)
			}
		}
		for user, until := range s.throttled {
			if !now.Before(until) {
				delete(s.throttled, user)
			}
		}
		s.mu.Unlock()
	}
}

// prune drops timestamps at or before cutoff, preserving order.
func prune(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}
