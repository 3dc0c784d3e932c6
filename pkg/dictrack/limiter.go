package dictrack

import (
	"time"

	"github.com/geminixiang/dictrack/internal/pkg/utils/errors"
	"github.com/geminixiang/dictrack/pkg/dictrack/storage"
	"github.com/geminixiang/dictrack/pkg/duration"
	"github.com/geminixiang/dictrack/pkg/utctime"
)

// LimiterConfig caps how many times or how long its subject may fire.
// Zero values disable the respective limit.
type LimiterConfig struct {
	// MaxCount is the maximum number of completion cycles.
	MaxCount int `json:"maxCount,omitempty" validate:"min=0"`
	// MaxDuration is the maximum active duration, measured from activation.
	MaxDuration duration.Duration `json:"maxDuration,omitempty"`
}

// Limiter is the runtime state of one limiter.
// A limiter never permits more firings than the configured maximum,
// an expired limiter forces its subject into the expired state.
type Limiter struct {
	config      LimiterConfig
	count       int
	activatedAt utctime.UTCTime
}

func newLimiter(config LimiterConfig, now utctime.UTCTime) *Limiter {
	return &Limiter{config: config, activatedAt: now}
}

// Permit consumes one firing, false means the firing is not allowed.
func (l *Limiter) Permit(now utctime.UTCTime) bool {
	if l.Expired(now) {
		return false
	}
	if l.config.MaxCount > 0 && l.count >= l.config.MaxCount {
		return false
	}
	l.count++
	return true
}

// Expired reports whether the subject has been active longer than allowed.
func (l *Limiter) Expired(now utctime.UTCTime) bool {
	maxDuration := l.config.MaxDuration.Duration()
	return maxDuration > 0 && now.Sub(l.activatedAt) > maxDuration
}

// Reset clears the counters and restarts the activation time.
func (l *Limiter) Reset(now utctime.UTCTime) {
	l.count = 0
	l.activatedAt = now
}

// rebase merges the counters with a concurrently persisted limiter state:
// firings are additive relative to the last synced baseline. The activation
// time is taken from the stored state only when it was not restarted
// locally since the last sync.
func (l *Limiter) rebase(stored, base *storage.LimiterRecord) {
	if stored == nil {
		return
	}
	baseCount := 0
	if base != nil {
		baseCount = base.Count
	}
	l.count = stored.Count + (l.count - baseCount)
	if base != nil && l.activatedAt == base.ActivatedAt {
		l.activatedAt = stored.ActivatedAt
	}
}

func (l *Limiter) record() *storage.LimiterRecord {
	out := &storage.LimiterRecord{
		MaxCount:    l.config.MaxCount,
		Count:       l.count,
		ActivatedAt: l.activatedAt,
	}
	if l.config.MaxDuration > 0 {
		out.MaxDuration = l.config.MaxDuration.String()
	}
	return out
}

func (l *Limiter) restore(record storage.LimiterRecord) error {
	l.config.MaxCount = record.MaxCount
	if record.MaxDuration != "" {
		parsed, err := time.ParseDuration(record.MaxDuration)
		if err != nil {
			return errors.PrefixErrorf(err, `cannot parse limiter duration "%s"`, record.MaxDuration)
		}
		l.config.MaxDuration = duration.From(parsed)
	}
	l.count = record.Count
	l.activatedAt = record.ActivatedAt
	return nil
}
