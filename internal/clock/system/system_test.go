package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "clock drifted: %v", got)
}

func TestFixedClock(t *testing.T) {
	t.Parallel()

	taipei := time.FixedZone("CST", 8*3600)
	instant := time.Date(2026, 2, 15, 19, 30, 0, 0, taipei)
	clk := Fixed(instant)
	require.Equal(t, instant.UTC(), clk.Now())
	require.Equal(t, clk.Now(), clk.Now())
}
