package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_WindowBudget(t *testing.T) {
	l := New(3, time.Minute)
	defer l.Dispose()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Check("client-a", "challenge"))
		l.Record("client-a", "challenge")
	}
	assert.False(t, l.Check("client-a", "challenge"))

	// Other clients and endpoints keep independent budgets.
	assert.True(t, l.Check("client-b", "challenge"))
	assert.True(t, l.Check("client-a", "verify"))
}

func TestLimiter_CheckDoesNotMutate(t *testing.T) {
	l := New(1, time.Minute)
	defer l.Dispose()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Check("client", "verify"))
	}
	l.Record("client", "verify")
	assert.False(t, l.Check("client", "verify"))
}

func TestLimiter_WindowSlides(t *testing.T) {
	l := New(2, time.Minute)
	defer l.Dispose()

	base := time.Now()
	now := base
	l.clock = func() time.Time { return now }

	l.Record("client", "challenge")
	l.Record("client", "challenge")
	assert.False(t, l.Check("client", "challenge"))

	// Both samples fall out once the window passes.
	now = base.Add(61 * time.Second)
	assert.True(t, l.Check("client", "challenge"))
}

func TestLimiter_Compact(t *testing.T) {
	l := New(2, time.Minute)
	defer l.Dispose()

	base := time.Now()
	now := base
	l.clock = func() time.Time { return now }

	l.Record("client", "challenge")
	now = base.Add(2 * time.Minute)
	l.Compact()

	l.mu.Lock()
	remaining := len(l.samples)
	l.mu.Unlock()
	assert.Zero(t, remaining)
}
