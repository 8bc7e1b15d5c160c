package kie

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	b := NewBreaker(3, 2, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		ok, _ := b.Allow()
		assert.True(t, ok, "failure %d should not open the breaker", i+1)
	}
	b.RecordFailure()

	assert.Equal(t, BreakerOpen, b.State())
	ok, probeAt := b.Allow()
	assert.False(t, ok)
	assert.True(t, probeAt.After(time.Now()), "probe time must be in the future")
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	b := NewBreaker(1, 2, 10*time.Millisecond)
	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	ok, _ := b.Allow()
	assert.True(t, ok)
	assert.Equal(t, BreakerHalfOpen, b.State())
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	b := NewBreaker(1, 2, 5*time.Millisecond)
	b.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	ok, _ := b.Allow()
	require.True(t, ok)

	b.RecordSuccess()
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b := NewBreaker(1, 2, 5*time.Millisecond)
	b.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	ok, _ := b.Allow()
	require.True(t, ok)

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	ok, _ = b.Allow()
	assert.False(t, ok)
}

func TestBreakerSuccessResetsClosedFailureCount(t *testing.T) {
	b := NewBreaker(2, 1, time.Minute)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestNilBreakerAlwaysAllows(t *testing.T) {
	var b *Breaker
	ok, _ := b.Allow()
	assert.True(t, ok)
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
}
