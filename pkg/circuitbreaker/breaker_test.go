package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker(enabled bool) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(enabled, 3, time.Minute, 5*time.Minute)
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("trips after threshold failures", func(t *testing.T) {
		cb, clock := newTestBreaker(true)

		assert.False(t, cb.RecordFailure())
		clock.t = clock.t.Add(time.Second)
		assert.False(t, cb.RecordFailure())
		clock.t = clock.t.Add(time.Second)
		assert.True(t, cb.RecordFailure())
		assert.True(t, cb.IsOpen())
	})

	t.Run("failures outside the window do not accumulate", func(t *testing.T) {
		cb, clock := newTestBreaker(true)

		cb.RecordFailure()
		cb.RecordFailure()
		clock.t = clock.t.Add(2 * time.Minute)
		assert.False(t, cb.RecordFailure())
		assert.Equal(t, 1, cb.State().FailureCount)
	})

	t.Run("closes after reset timeout", func(t *testing.T) {
		cb, clock := newTestBreaker(true)

		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		assert.True(t, cb.IsOpen())

		clock.t = clock.t.Add(6 * time.Minute)
		assert.False(t, cb.IsOpen())
		assert.Equal(t, 0, cb.State().FailureCount)
	})

	t.Run("success clears failures", func(t *testing.T) {
		cb, _ := newTestBreaker(true)

		cb.RecordFailure()
		cb.RecordFailure()
		cb.RecordSuccess()
		assert.False(t, cb.RecordFailure())
		assert.Equal(t, 1, cb.State().FailureCount)
	})

	t.Run("manual reset", func(t *testing.T) {
		cb, _ := newTestBreaker(true)

		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		cb.Reset()
		assert.False(t, cb.IsOpen())
	})

	t.Run("disabled breaker never opens", func(t *testing.T) {
		cb, _ := newTestBreaker(false)

		for i := 0; i < 10; i++ {
			assert.False(t, cb.RecordFailure())
		}
		assert.False(t, cb.IsOpen())
		assert.False(t, cb.State().Open)
	})
}
