package grace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_CountsDownAndExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewScheduler(10 * time.Second)

	assert.Equal(t, 10, s.Start("x", now))
	assert.True(t, s.Active())

	rem, expired := s.Tick(now.Add(2500 * time.Millisecond))
	assert.Empty(t, expired)
	assert.Equal(t, map[string]int{"x": 8}, rem)

	rem, expired = s.Tick(now.Add(10 * time.Second))
	assert.Empty(t, rem)
	assert.Equal(t, []string{"x"}, expired)
	assert.False(t, s.Active())

	_, ok := s.Remaining("x", now)
	assert.False(t, ok, "expired countdown clears itself")
}

func TestScheduler_CancelBeatsExpiry(t *testing.T) {
	now := time.Now()
	s := NewScheduler(time.Second)
	s.Start("x", now)
	s.Start("y", now)

	require.True(t, s.Cancel("x"))
	assert.False(t, s.Cancel("x"))

	_, expired := s.Tick(now.Add(time.Hour))
	assert.Equal(t, []string{"y"}, expired, "a cancelled countdown never fires")
}

func TestScheduler_IndependentDeadlines(t *testing.T) {
	now := time.Now()
	s := NewScheduler(5 * time.Second)
	s.Start("a", now)
	s.Start("b", now.Add(3*time.Second))

	rem, expired := s.Tick(now.Add(6 * time.Second))
	assert.Equal(t, []string{"a"}, expired)
	assert.Equal(t, map[string]int{"b": 2}, rem)

	s.Start("c", now)
	s.CancelAll()
	rem, expired = s.Tick(now.Add(time.Hour))
	assert.Empty(t, rem)
	assert.Empty(t, expired)
}

func TestNewScheduler_DefaultPeriod(t *testing.T) {
	s := NewScheduler(0)
	assert.Equal(t, 10, s.Start("x", time.Now()))
}
