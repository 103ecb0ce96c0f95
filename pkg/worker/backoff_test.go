package worker

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesPerAttempt(t *testing.T) {
	base := 30 * time.Second
	max := 15 * time.Minute

	assert.Equal(t, 30*time.Second, Backoff(base, max, 0))
	assert.Equal(t, 60*time.Second, Backoff(base, max, 1))
	assert.Equal(t, 120*time.Second, Backoff(base, max, 2))
	assert.Equal(t, 240*time.Second, Backoff(base, max, 3))
}

func TestBackoffCapsAtMax(t *testing.T) {
	base := 30 * time.Second
	max := 2 * time.Minute

	assert.Equal(t, 2*time.Minute, Backoff(base, max, 2))
	assert.Equal(t, 2*time.Minute, Backoff(base, max, 50))
}

func TestBackoffDeterministic(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		first := Backoff(time.Second, time.Hour, attempt)
		second := Backoff(time.Second, time.Hour, attempt)
		assert.Equal(t, first, second)
	}
}

func TestBackoffOverflowSafe(t *testing.T) {
	max := time.Duration(math.MaxInt64)
	// doubling a second past 63 times would overflow int64 nanoseconds
	assert.Equal(t, max, Backoff(time.Second, max, 200))
}

func TestBackoffZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff(0, time.Minute, 3))
}
