package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCheck_DailyLimit(t *testing.T) {
	clock := newFakeClock()
	l := New(Rule{}, Rule{}, WithClock(clock.Now))
	window := 24 * time.Hour

	for i := 0; i < 3; i++ {
		d := l.Check(ScopeCaller, "alice", window, 3)
		require.True(t, d.Allowed, "call %d", i+1)
		assert.Equal(t, 2-i, d.Remaining)
	}

	clock.Advance(time.Hour)
	d := l.Check(ScopeCaller, "alice", window, 3)
	assert.False(t, d.Allowed)
	assert.Equal(t, ScopeCaller, d.Scope)
	assert.Equal(t, 23*time.Hour, d.ResetAfter)
	assert.Equal(t, 23*3600, d.RetryAfterSeconds())

	clock.Advance(23 * time.Hour)
	d = l.Check(ScopeCaller, "alice", window, 3)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	l := New(Rule{}, Rule{}, WithClock(newFakeClock().Now))

	assert.True(t, l.Check(ScopeCaller, "a", time.Minute, 1).Allowed)
	assert.False(t, l.Check(ScopeCaller, "a", time.Minute, 1).Allowed)
	assert.True(t, l.Check(ScopeCaller, "b", time.Minute, 1).Allowed)
	assert.True(t, l.Check(ScopeGlobal, "a", time.Minute, 1).Allowed)
}

func TestAdmit_GlobalDenialChargesNothing(t *testing.T) {
	clock := newFakeClock()
	l := New(Rule{Limit: 5, Window: time.Minute}, Rule{Limit: 2, Window: time.Minute}, WithClock(clock.Now))

	assert.True(t, l.Admit("a").Allowed)
	assert.True(t, l.Admit("b").Allowed)

	d := l.Admit("a")
	require.False(t, d.Allowed)
	assert.Equal(t, ScopeGlobal, d.Scope)

	// a's per-caller bucket still holds only one call.
	clock.Advance(time.Minute)
	for i := 0; i < 2; i++ {
		assert.True(t, l.Admit("a").Allowed)
	}
}

func TestAdmit_CallerDenial(t *testing.T) {
	clock := newFakeClock()
	l := New(Rule{Limit: 1, Window: 10 * time.Second}, Rule{Limit: 10, Window: time.Minute}, WithClock(clock.Now))

	first := l.Admit("a")
	require.True(t, first.Allowed)
	assert.Equal(t, 0, first.Remaining)

	clock.Advance(2500 * time.Millisecond)
	d := l.Admit("a")
	require.False(t, d.Allowed)
	assert.Equal(t, ScopeCaller, d.Scope)
	assert.Equal(t, 8, d.RetryAfterSeconds())

	// The denied call did not count against the global window.
	for i := 0; i < 9; i++ {
		assert.True(t, l.Admit(fmt.Sprintf("caller-%d", i)).Allowed)
	}
	assert.False(t, l.Admit("caller-last").Allowed)
}

func TestAdmit_Disabled(t *testing.T) {
	l := New(Rule{}, Rule{})
	for i := 0; i < 100; i++ {
		assert.True(t, l.Admit("a").Allowed)
	}
	assert.Zero(t, l.Len())
}

func TestPruneBoundsBuckets(t *testing.T) {
	clock := newFakeClock()
	l := New(Rule{}, Rule{}, WithClock(clock.Now), WithMaxBuckets(3))

	for _, k := range []string{"a", "b", "c"} {
		l.Check(ScopeCaller, k, time.Minute, 1)
		clock.Advance(time.Second)
	}
	l.Check(ScopeCaller, "d", time.Minute, 1)
	assert.Equal(t, 3, l.Len())

	// "a" was evicted as the oldest window and starts fresh.
	assert.True(t, l.Check(ScopeCaller, "a", time.Minute, 1).Allowed)

	clock.Advance(2 * time.Minute)
	l.Check(ScopeCaller, "e", time.Minute, 1)
	assert.Equal(t, 1, l.Len())
}

func TestConcurrentCheck(t *testing.T) {
	l := New(Rule{}, Rule{})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(ScopeGlobal, "k", time.Hour, 20).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, allowed)
}
