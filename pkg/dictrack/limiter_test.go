package dictrack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geminixiang/dictrack/pkg/duration"
)

func TestLimiter_MaxCount(t *testing.T) {
	t.Parallel()
	now := testTime(t)

	l := newLimiter(LimiterConfig{MaxCount: 2}, now)
	assert.True(t, l.Permit(now))
	assert.True(t, l.Permit(now))
	assert.False(t, l.Permit(now))

	l.Reset(now)
	assert.True(t, l.Permit(now))
}

func TestLimiter_MaxDuration(t *testing.T) {
	t.Parallel()
	now := testTime(t)

	l := newLimiter(LimiterConfig{MaxDuration: duration.From(time.Hour)}, now)
	assert.False(t, l.Expired(now))
	assert.True(t, l.Permit(now.Add(time.Hour)))
	assert.True(t, l.Expired(now.Add(2*time.Hour)))
	assert.False(t, l.Permit(now.Add(2*time.Hour)))

	// Reset restarts the activation window
	l.Reset(now.Add(2 * time.Hour))
	assert.False(t, l.Expired(now.Add(2*time.Hour)))
	assert.True(t, l.Permit(now.Add(2*time.Hour)))
}

func TestLimiter_Unlimited(t *testing.T) {
	t.Parallel()
	now := testTime(t)

	l := newLimiter(LimiterConfig{}, now)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Permit(now.Add(24*time.Hour)))
	}
}

func TestLimiter_RecordRoundTrip(t *testing.T) {
	t.Parallel()
	now := testTime(t)

	l := newLimiter(LimiterConfig{MaxCount: 3, MaxDuration: duration.From(24 * time.Hour)}, now)
	require.True(t, l.Permit(now))

	restored := newLimiter(LimiterConfig{}, now.Add(time.Hour))
	require.NoError(t, restored.restore(*l.record()))
	assert.Equal(t, l.config.MaxCount, restored.config.MaxCount)
	assert.Equal(t, l.config.MaxDuration.Duration(), restored.config.MaxDuration.Duration())
	assert.Equal(t, l.count, restored.count)
	assert.Equal(t, l.activatedAt, restored.activatedAt)
}

func TestLimiter_RestoreInvalidDuration(t *testing.T) {
	t.Parallel()
	now := testTime(t)

	l := newLimiter(LimiterConfig{}, now)
	record := *l.record()
	record.MaxDuration = "not-a-duration"
	err := l.restore(record)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), `cannot parse limiter duration "not-a-duration"`)
	}
}
