package mcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker(3, time.Hour)
	require.True(t, b.allow())

	b.recordFailure()
	b.recordFailure()
	require.True(t, b.allow(), "still closed before reaching the limit")

	b.recordFailure()
	require.False(t, b.allow(), "opens once consecutive failures hit the limit")
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := newBreaker(1, 10*time.Millisecond)
	b.recordFailure()
	require.False(t, b.allow())

	time.Sleep(20 * time.Millisecond)
	require.True(t, b.allow(), "cooldown elapsed, probe allowed through")
	require.False(t, b.allow(), "only one probe admitted while half-open")

	b.recordSuccess()
	require.True(t, b.allow())
}
