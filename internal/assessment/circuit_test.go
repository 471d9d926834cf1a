package assessment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests drive the breaker's time.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker() (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(3, 1, time.Minute, 30*time.Second)
	cb.now = func() time.Time { return clock.now }
	return cb, clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker()

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, "closed", cb.State())
	require.NoError(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, "open", cb.State())
	assert.Error(t, cb.Allow())
}

func TestBreakerFailureWindowExpires(t *testing.T) {
	cb, clock := newTestBreaker()

	cb.RecordFailure()
	cb.RecordFailure()
	// Old failures age out of the window, so the third does not trip it.
	clock.advance(2 * time.Minute)
	cb.RecordFailure()
	assert.Equal(t, "closed", cb.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	cb, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, "open", cb.State())

	t.Run("still open before recovery timeout", func(t *testing.T) {
		clock.advance(10 * time.Second)
		assert.Error(t, cb.Allow())
	})

	t.Run("half-open after recovery timeout", func(t *testing.T) {
		clock.advance(30 * time.Second)
		assert.NoError(t, cb.Allow())
		assert.Equal(t, "half_open", cb.State())
	})

	t.Run("probe failure reopens immediately", func(t *testing.T) {
		cb.RecordFailure()
		assert.Equal(t, "open", cb.State())
		assert.Error(t, cb.Allow())
	})

	t.Run("probe success closes", func(t *testing.T) {
		clock.advance(time.Minute)
		require.NoError(t, cb.Allow())
		cb.RecordSuccess()
		assert.Equal(t, "closed", cb.State())
		assert.NoError(t, cb.Allow())
	})
}
