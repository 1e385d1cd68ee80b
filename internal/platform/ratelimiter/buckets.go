// Package ratelimiter throttles handshake traffic per sender key.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL = 10 * time.Minute
	// sweepEvery is how many Allow calls pass between idle sweeps.
	sweepEvery = 256
)

// Buckets holds a token bucket for each sender key. A nil *Buckets allows
// everything.
type Buckets struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	senders map[string]*bucket
	allows  uint64
}

type bucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

// PerMinute allows perMinute requests per sender with the given burst. It
// returns nil, meaning unlimited, unless both are positive.
func PerMinute(perMinute float64, burst int, idleTTL time.Duration) *Buckets {
	if perMinute <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &Buckets{
		limit:   rate.Limit(perMinute / 60),
		burst:   burst,
		idleTTL: idleTTL,
		senders: make(map[string]*bucket),
	}
}

// Allow spends one token from sender's bucket. Blank senders are not
// tracked.
func (b *Buckets) Allow(sender string, now time.Time) bool {
	if b == nil {
		return true
	}
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	bk := b.senders[sender]
	if bk == nil {
		bk = &bucket{tokens: rate.NewLimiter(b.limit, b.burst)}
		b.senders[sender] = bk
	}
	bk.lastSeen = now
	ok := bk.tokens.AllowN(now, 1)

	if b.allows++; b.allows%sweepEvery == 0 {
		b.sweepLocked(now)
	}
	return ok
}

// Len is the number of senders currently tracked.
func (b *Buckets) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.senders)
}

func (b *Buckets) sweepLocked(now time.Time) {
	for sender, bk := range b.senders {
		if now.Sub(bk.lastSeen) > b.idleTTL {
			delete(b.senders, sender)
		}
	}
}
