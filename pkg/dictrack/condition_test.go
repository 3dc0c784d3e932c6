package dictrack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geminixiang/dictrack/pkg/duration"
	"github.com/geminixiang/dictrack/pkg/utctime"
)

func testTime(t *testing.T) utctime.UTCTime {
	t.Helper()
	return utctime.MustParse("2006-01-02T15:04:05.000Z")
}

func TestCondition_Threshold(t *testing.T) {
	t.Parallel()
	now := testTime(t)

	c, err := newCondition(Definition{
		ID: "amount", Kind: KindThreshold, Path: "order.total_amount",
		Operator: OpGreaterOrEqual, Threshold: 100,
	}, now)
	require.NoError(t, err)

	// Below the threshold: progress tracks the observed value
	eval := c.evaluate(now, map[string]any{"order": map[string]any{"total_amount": 40}})
	assert.True(t, eval.changed)
	assert.False(t, eval.completedNow)
	assert.Equal(t, float64(40), c.progress)
	assert.False(t, c.completed)

	// At the threshold
	eval = c.evaluate(now, map[string]any{"order": map[string]any{"total_amount": 100}})
	assert.True(t, eval.changed)
	assert.True(t, eval.completedNow)
	assert.True(t, c.completed)

	// Fire-once: further updates are ignored
	eval = c.evaluate(now, map[string]any{"order": map[string]any{"total_amount": 500}})
	assert.False(t, eval.changed)
	assert.False(t, eval.completedNow)
	assert.Equal(t, float64(100), c.progress)
}

func TestCondition_Threshold_MissingPath(t *testing.T) {
	t.Parallel()
	now := testTime(t)

	c, err := newCondition(Definition{
		ID: "amount", Kind: KindThreshold, Path: "order.total_amount",
		Operator: OpGreaterOrEqual, Threshold: 100,
	}, now)
	require.NoError(t, err)

	eval := c.evaluate(now, map[string]any{"user": "alice"})
	assert.Equal(t, evalResult{}, eval)
	assert.Equal(t, float64(0), c.progress)
}

func TestCondition_Threshold_NonNumericValue(t *testing.T) {
	t.Parallel()
	now := testTime(t)

	c, err := newCondition(Definition{
		ID: "amount", Kind: KindThreshold, Path: "amount",
		Operator: OpGreater, Threshold: 10,
	}, now)
	require.NoError(t, err)

	eval := c.evaluate(now, map[string]any{"amount": map[string]any{"nested": true}})
	assert.Equal(t, evalResult{}, eval)
	assert.Equal(t, float64(0), c.progress)
}

func TestCondition_Count(t *testing.T) {
	t.Parallel()
	now := testTime(t)

	c, err := newCondition(Definition{
		ID: "visits", Kind: KindCount, Path: "event", Count: 3,
	}, now)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		eval := c.evaluate(now, map[string]any{"event": "page_view"})
		assert.True(t, eval.changed, "update %d", i)
		assert.False(t, eval.completedNow, "update %d", i)
	}
	assert.Equal(t, float64(2), c.progress)

	eval := c.evaluate(now, map[string]any{"event": "page_view"})
	assert.True(t, eval.completedNow)
	assert.True(t, c.completed)
}

func TestCondition_Count_WeightAndFilter(t *testing.T) {
	t.Parallel()
	now := testTime(t)

	c, err := newCondition(Definition{
		ID: "big-orders", Kind: KindCount, Path: "order.amount",
		Operator: OpGreaterOrEqual, Threshold: 50, Count: 4, Weight: 2,
	}, now)
	require.NoError(t, err)

	// Below the filter threshold: no progress
	eval := c.evaluate(now, map[string]any{"order": map[string]any{"amount": 10}})
	assert.Equal(t, evalResult{}, eval)

	// Matching updates add the weight
	eval = c.evaluate(now, map[string]any{"order": map[string]any{"amount": 60}})
	assert.True(t, eval.changed)
	assert.Equal(t, float64(2), c.progress)

	eval = c.evaluate(now, map[string]any{"order": map[string]any{"amount": 80}})
	assert.True(t, eval.completedNow)
}

func TestCondition_Pattern(t *testing.T) {
	t.Parallel()
	now := testTime(t)

	c, err := newCondition(Definition{
		ID: "error-log", Kind: KindPattern, Path: "message", Pattern: `^ERROR\b`,
	}, now)
	require.NoError(t, err)

	eval := c.evaluate(now, map[string]any{"message": "INFO all good"})
	assert.Equal(t, evalResult{}, eval)

	eval = c.evaluate(now, map[string]any{"message": "ERROR disk full"})
	assert.True(t, eval.completedNow)
	assert.True(t, c.completed)
}

func TestCondition_Timeout(t *testing.T) {
	t.Parallel()
	now := testTime(t)

	c, err := newCondition(Definition{
		ID: "heartbeat", Kind: KindTimeout, Path: "status",
		Within: duration.From(10 * time.Minute),
	}, now)
	require.NoError(t, err)

	// Track calls never fire a timeout condition, they refresh it
	eval := c.evaluate(now.Add(5*time.Minute), map[string]any{"status": "ok"})
	assert.True(t, eval.changed)
	assert.False(t, eval.completedNow)

	// Still within the duration, measured from the refresh
	eval = c.checkTimeout(now.Add(14 * time.Minute))
	assert.Equal(t, evalResult{}, eval)

	// Silent for too long
	eval = c.checkTimeout(now.Add(16 * time.Minute))
	assert.True(t, eval.completedNow)
	assert.True(t, c.completed)
}

func TestCondition_LimiterDenial(t *testing.T) {
	t.Parallel()
	now := testTime(t)

	c, err := newCondition(Definition{
		ID: "limited", Kind: KindThreshold, Path: "v",
		Operator: OpGreaterOrEqual, Threshold: 1, Repeatable: true,
		Limit: &LimiterConfig{MaxCount: 1},
	}, now)
	require.NoError(t, err)

	eval := c.evaluate(now, map[string]any{"v": 1})
	assert.True(t, eval.completedNow)

	c.reset(now)

	// The limiter refuses the second firing
	eval = c.evaluate(now, map[string]any{"v": 1})
	assert.True(t, eval.denied)
	assert.False(t, c.completed)
}

func TestCondition_InvalidDefinitions(t *testing.T) {
	t.Parallel()
	now := testTime(t)

	cases := []struct {
		name     string
		def      Definition
		expected string
	}{
		{
			name:     "threshold without operator",
			def:      Definition{ID: "c1", Kind: KindThreshold, Path: "v"},
			expected: `invalid condition "c1": a threshold condition requires an operator`,
		},
		{
			name:     "count without target",
			def:      Definition{ID: "c2", Kind: KindCount, Path: "v"},
			expected: `invalid condition "c2": a count condition requires a count >= 1`,
		},
		{
			name:     "pattern without pattern",
			def:      Definition{ID: "c3", Kind: KindPattern, Path: "v"},
			expected: `invalid condition "c3": a pattern condition requires a pattern`,
		},
		{
			name:     "timeout without duration",
			def:      Definition{ID: "c4", Kind: KindTimeout, Path: "v"},
			expected: `invalid condition "c4": a timeout condition requires a positive duration`,
		},
		{
			name:     "invalid regexp",
			def:      Definition{ID: "c5", Kind: KindPattern, Path: "v", Pattern: "("},
			expected: `invalid condition "c5": error parsing regexp: missing closing ): ` + "`(`",
		},
		{
			name:     "invalid path",
			def:      Definition{ID: "c6", Kind: KindCount, Path: "a..b", Count: 1},
			expected: `invalid condition "c6": invalid path expression "a..b": unexpected empty segment`,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := newCondition(tc.def, now)
			if assert.Error(t, err) {
				assert.Equal(t, tc.expected, err.Error())
				var invalidErr InvalidConditionError
				assert.ErrorAs(t, err, &invalidErr)
			}
		})
	}
}

func TestCondition_RecordRoundTrip(t *testing.T) {
	t.Parallel()
	now := testTime(t)

	c, err := newCondition(Definition{
		ID: "visits", Kind: KindCount, Path: "event", Count: 3,
		Limit: &LimiterConfig{MaxCount: 2},
	}, now)
	require.NoError(t, err)
	c.evaluate(now, map[string]any{"event": "x"})

	record, err := c.record()
	require.NoError(t, err)

	restored, err := conditionFromRecord(record, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, c.def, restored.def)
	assert.Equal(t, c.progress, restored.progress)
	assert.Equal(t, c.completed, restored.completed)
	assert.Equal(t, c.lastTouched, restored.lastTouched)
	assert.Equal(t, c.limiter.count, restored.limiter.count)
}
