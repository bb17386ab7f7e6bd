package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{
		Base: 100 * time.Millisecond,
		Max:  time.Second,
	}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 800*time.Millisecond, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(1000))
}

func TestBackoff_Jitter(t *testing.T) {
	b := Backoff{
		Base:   time.Second,
		Max:    10 * time.Second,
		Jitter: 0.2,
	}
	for i := 0; i < 100; i++ {
		d := b.Delay(0)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)

		d = b.Delay(10)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}

func TestBackoff_Exhausted(t *testing.T) {
	unlimited := Backoff{}
	assert.False(t, unlimited.Exhausted(1000))

	b := Backoff{MaxAttempts: 3}
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
}
