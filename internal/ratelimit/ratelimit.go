// Package ratelimit implements fixed-window admission control keyed by
// (scope, key). All bucket state is owned by a Limiter and mutated under its
// lock.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Scope separates independent bucket namespaces.
type Scope string

const (
	ScopeCaller Scope = "caller"
	ScopeGlobal Scope = "global"
)

// DefaultMaxBuckets bounds the number of live buckets before expired ones are
// pruned.
const DefaultMaxBuckets = 100_000

// globalKey is the single key used for the global scope.
const globalKey = "*"

// Rule is a limit over one fixed window. A zero Limit disables the rule.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) enabled() bool {
	return r.Limit > 0 && r.Window > 0
}

// Decision is the outcome of a rate check.
type Decision struct {
	Allowed bool
	// Scope is the scope that denied the call; empty when allowed.
	Scope Scope
	// Remaining calls in the current window after this one.
	Remaining int
	// ResetAfter is the time until the current window ends.
	ResetAfter time.Duration
}

// RetryAfterSeconds rounds ResetAfter up to whole seconds, minimum one.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.ResetAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Bucket is the counter for one (scope, key) pair.
type Bucket struct {
	Key         string
	WindowStart time.Time
	Count       int
	Limit       int
	Window      time.Duration
}

type bucketID struct {
	scope Scope
	key   string
}

// Limiter holds fixed-window buckets.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[bucketID]*Bucket
	perCaller  Rule
	global     Rule
	now        func() time.Time
	maxBuckets int
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMaxBuckets overrides DefaultMaxBuckets.
func WithMaxBuckets(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxBuckets = n
		}
	}
}

// New builds a Limiter enforcing perCaller and global rules in Admit.
func New(perCaller, global Rule, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:    make(map[bucketID]*Bucket),
		perCaller:  perCaller,
		global:     global,
		now:        time.Now,
		maxBuckets: DefaultMaxBuckets,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts one call against the (scope, key) bucket. A denied call is
// not counted.
func (l *Limiter) Check(scope Scope, key string, window time.Duration, limit int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucketLocked(scope, key, Rule{Limit: limit, Window: window}, now)
	d := evaluate(b, now)
	if d.Allowed {
		b.Count++
		d.Remaining--
	} else {
		d.Scope = scope
	}
	return d
}

// Admit checks the per-caller and the global rule together. When either
// denies, neither bucket is charged.
func (l *Limiter) Admit(callerKey string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	type check struct {
		scope  Scope
		bucket *Bucket
	}
	var checks []check
	if l.perCaller.enabled() {
		checks = append(checks, check{ScopeCaller, l.bucketLocked(ScopeCaller, callerKey, l.perCaller, now)})
	}
	if l.global.enabled() {
		checks = append(checks, check{ScopeGlobal, l.bucketLocked(ScopeGlobal, globalKey, l.global, now)})
	}

	result := Decision{Allowed: true, Remaining: math.MaxInt}
	for _, c := range checks {
		d := evaluate(c.bucket, now)
		if !d.Allowed {
			d.Scope = c.scope
			return d
		}
		if d.Remaining-1 < result.Remaining {
			result.Remaining = d.Remaining - 1
			result.ResetAfter = d.ResetAfter
		}
	}
	for _, c := range checks {
		c.bucket.Count++
	}
	if len(checks) == 0 {
		result.Remaining = 0
	}
	return result
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// evaluate reports whether b has room, without charging it.
func evaluate(b *Bucket, now time.Time) Decision {
	reset := b.WindowStart.Add(b.Window).Sub(now)
	if b.Count >= b.Limit {
		return Decision{ResetAfter: reset}
	}
	return Decision{Allowed: true, Remaining: b.Limit - b.Count, ResetAfter: reset}
}

// bucketLocked returns the bucket for (scope, key), starting a new window
// when the previous one has elapsed. The caller holds l.mu.
func (l *Limiter) bucketLocked(scope Scope, key string, rule Rule, now time.Time) *Bucket {
	id := bucketID{scope: scope, key: key}
	b, ok := l.buckets[id]
	if !ok {
		if len(l.buckets) >= l.maxBuckets {
			l.pruneLocked(now)
		}
		b = &Bucket{Key: key, WindowStart: now, Limit: rule.Limit, Window: rule.Window}
		l.buckets[id] = b
		return b
	}

	b.Limit = rule.Limit
	b.Window = rule.Window
	if !now.Before(b.WindowStart.Add(b.Window)) {
		b.WindowStart = now
		b.Count = 0
	}
	return b
}

// pruneLocked drops buckets whose window has elapsed. If every bucket is
// still live, the oldest window is evicted so the map stays bounded.
func (l *Limiter) pruneLocked(now time.Time) {
	var (
		oldestID bucketID
		oldest   time.Time
		found    bool
	)
	for id, b := range l.buckets {
		if !now.Before(b.WindowStart.Add(b.Window)) {
			delete(l.buckets, id)
			continue
		}
		if !found || b.WindowStart.Before(oldest) {
			oldestID, oldest, found = id, b.WindowStart, true
		}
	}
	if len(l.buckets) >= l.maxBuckets && found {
		delete(l.buckets, oldestID)
	}
}
