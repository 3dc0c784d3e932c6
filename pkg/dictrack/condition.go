// Package dictrack implements a condition-based monitoring engine for
// nested dictionary-shaped data. Callers feed updates into named trackers,
// each tracker evaluates a set of conditions against paths into the data
// and reports completion once its criteria are satisfied.
package dictrack

import (
	"encoding/json"
	"regexp"

	"github.com/spf13/cast"

	"github.com/geminixiang/dictrack/internal/pkg/utils/errors"
	"github.com/geminixiang/dictrack/pkg/dictrack/datapath"
	"github.com/geminixiang/dictrack/pkg/dictrack/storage"
	"github.com/geminixiang/dictrack/pkg/duration"
	"github.com/geminixiang/dictrack/pkg/utctime"
)

// Kind determines how a condition evaluates extracted values.
type Kind string

const (
	// KindThreshold compares the extracted numeric value to a threshold.
	KindThreshold = Kind("threshold")
	// KindCount accumulates a weight per matching update up to a target count.
	KindCount = Kind("count")
	// KindPattern matches the extracted value against a regexp, it is inherently fire-once.
	KindPattern = Kind("pattern")
	// KindTimeout fires when the path received no update within a duration.
	// It is evaluated by the sweeper, never by a track call.
	KindTimeout = Kind("timeout")
)

// Op is a comparison operator of threshold conditions
// and of the optional value filter of count conditions.
type Op string

const (
	OpGreaterOrEqual = Op(">=")
	OpLessOrEqual    = Op("<=")
	OpEqual          = Op("==")
	OpGreater        = Op(">")
	OpLess           = Op("<")
	OpNotEqual       = Op("!=")
)

// Definition is the declarative form of one condition.
type Definition struct {
	ID   string `json:"id" validate:"required"`
	Kind Kind   `json:"kind" validate:"required,oneof=threshold count pattern timeout"`
	// Path is the extraction expression into the tracked data, eg. "order.total_amount".
	Path     string `json:"path" validate:"required"`
	Operator Op     `json:"operator,omitempty" validate:"omitempty,oneof=>= <= == > < !="`
	// Threshold is the comparison target of a threshold condition
	// or of the optional value filter of a count condition.
	Threshold float64 `json:"threshold,omitempty"`
	// Count is the target progress of a count condition.
	Count float64 `json:"count,omitempty"`
	// Weight is the progress increment of a count condition per matching update, default 1.
	Weight float64 `json:"weight,omitempty"`
	// Pattern is the regexp of a pattern condition.
	Pattern string `json:"pattern,omitempty"`
	// Within is the silence duration after which a timeout condition fires.
	Within duration.Duration `json:"within,omitempty"`
	// Repeatable conditions are reset when the owning tracker is re-armed,
	// fire-once conditions (default) stay completed.
	Repeatable bool `json:"repeatable,omitempty"`
	// Limit caps how many times or how long the condition may fire.
	Limit *LimiterConfig `json:"limit,omitempty"`
}

// InvalidConditionError means a malformed condition definition,
// the owning tracker is not created.
type InvalidConditionError struct {
	ID  string
	Err error
}

func (e InvalidConditionError) Error() string {
	return errors.PrefixErrorf(e.Err, `invalid condition "%s"`, e.ID).Error()
}

func (e InvalidConditionError) Unwrap() error {
	return e.Err
}

// Condition is the runtime state of one evaluable predicate.
type Condition struct {
	def     Definition
	path    datapath.Path
	pattern *regexp.Regexp
	limiter *Limiter

	progress    float64
	completed   bool
	lastTouched utctime.UTCTime
}

// evalResult reports what a single evaluation changed.
type evalResult struct {
	changed      bool
	completedNow bool
	// denied is set when the condition limiter refused another firing,
	// the owning tracker transitions to the expired state.
	denied bool
}

func newCondition(def Definition, now utctime.UTCTime) (*Condition, error) {
	if err := checkDefinition(def); err != nil {
		return nil, InvalidConditionError{ID: def.ID, Err: err}
	}

	c := &Condition{def: def, lastTouched: now}

	var err error
	if c.path, err = datapath.Parse(def.Path); err != nil {
		return nil, InvalidConditionError{ID: def.ID, Err: err}
	}

	if def.Kind == KindPattern {
		if c.pattern, err = regexp.Compile(def.Pattern); err != nil {
			return nil, InvalidConditionError{ID: def.ID, Err: err}
		}
	}

	if def.Limit != nil {
		c.limiter = newLimiter(*def.Limit, now)
	}

	return c, nil
}

func checkDefinition(def Definition) error {
	switch def.Kind {
	case KindThreshold:
		if def.Operator == "" {
			return errors.New("a threshold condition requires an operator")
		}
	case KindCount:
		if def.Count < 1 {
			return errors.New("a count condition requires a count >= 1")
		}
		if def.Weight < 0 {
			return errors.New("a count condition weight cannot be negative")
		}
	case KindPattern:
		if def.Pattern == "" {
			return errors.New("a pattern condition requires a pattern")
		}
	case KindTimeout:
		if def.Within.Duration() <= 0 {
			return errors.New("a timeout condition requires a positive duration")
		}
	}
	return nil
}

// evaluate applies one update to the condition.
// A missing path or an uncoercible value is a skip, not a failure.
func (c *Condition) evaluate(now utctime.UTCTime, data map[string]any) evalResult {
	value, found := datapath.Extract(data, c.path)
	if !found {
		return evalResult{}
	}

	// Any update that touches the path postpones a timeout condition
	if c.def.Kind == KindTimeout {
		c.lastTouched = now
		return evalResult{changed: true}
	}

	if c.completed {
		// Fire-once: no further mutation until an explicit reset
		return evalResult{}
	}
	c.lastTouched = now

	switch c.def.Kind {
	case KindThreshold:
		number, err := cast.ToFloat64E(value)
		if err != nil {
			return evalResult{}
		}
		changed := c.progress != number
		c.progress = number
		if compare(c.def.Operator, number, c.def.Threshold) {
			return c.complete(now, changed)
		}
		return evalResult{changed: changed}

	case KindCount:
		if c.def.Operator != "" {
			number, err := cast.ToFloat64E(value)
			if err != nil || !compare(c.def.Operator, number, c.def.Threshold) {
				return evalResult{}
			}
		}
		c.progress += c.weight()
		if c.progress >= c.def.Count {
			return c.complete(now, true)
		}
		return evalResult{changed: true}

	case KindPattern:
		str, err := cast.ToStringE(value)
		if err != nil || !c.pattern.MatchString(str) {
			return evalResult{}
		}
		c.progress = 1
		return c.complete(now, true)

	default:
		return evalResult{}
	}
}

// checkTimeout fires a timeout condition whose path has been silent
// for longer than the configured duration. Invoked only by the sweeper.
func (c *Condition) checkTimeout(now utctime.UTCTime) evalResult {
	if c.def.Kind != KindTimeout || c.completed {
		return evalResult{}
	}
	if now.Sub(c.lastTouched) <= c.def.Within.Duration() {
		return evalResult{}
	}
	c.progress = 1
	return c.complete(now, true)
}

func (c *Condition) complete(now utctime.UTCTime, changed bool) evalResult {
	if c.limiter != nil && !c.limiter.Permit(now) {
		return evalResult{changed: changed, denied: true}
	}
	c.completed = true
	return evalResult{changed: true, completedNow: true}
}

// rebase merges the condition state with a concurrently persisted record of
// the same condition. Count progress is additive relative to the baseline,
// the other kinds keep whichever side saw the later update, a persisted
// completion sticks. The merged progress of a count condition may cross the
// target, then the usual completion transition runs, limiter included.
func (c *Condition) rebase(now utctime.UTCTime, stored storage.ConditionRecord, base *storage.ConditionRecord) evalResult {
	var baseProgress float64
	if base != nil {
		baseProgress = base.Progress
	}

	switch c.def.Kind {
	case KindCount:
		c.progress = stored.Progress + (c.progress - baseProgress)
	default:
		if stored.LastTouched.After(c.lastTouched) {
			c.progress = stored.Progress
		}
	}
	if stored.LastTouched.After(c.lastTouched) {
		c.lastTouched = stored.LastTouched
	}
	if stored.Completed {
		c.completed = true
	}
	if c.limiter != nil {
		var baseLimiter *storage.LimiterRecord
		if base != nil {
			baseLimiter = base.Limiter
		}
		c.limiter.rebase(stored.Limiter, baseLimiter)
	}

	if c.def.Kind == KindCount && !c.completed && c.progress >= c.def.Count {
		return c.complete(now, true)
	}
	return evalResult{changed: true}
}

// reset clears the progress, so a repeatable condition can fire again.
// The limiter state is kept, it caps firings across resets.
func (c *Condition) reset(now utctime.UTCTime) {
	c.progress = 0
	c.completed = false
	c.lastTouched = now
}

func (c *Condition) weight() float64 {
	if c.def.Weight > 0 {
		return c.def.Weight
	}
	return 1
}

func (c *Condition) snapshot() ConditionSnapshot {
	return ConditionSnapshot{
		ID:        c.def.ID,
		Kind:      c.def.Kind,
		Path:      c.def.Path,
		Progress:  c.progress,
		Completed: c.completed,
	}
}

func (c *Condition) record() (storage.ConditionRecord, error) {
	definition, err := json.Marshal(c.def)
	if err != nil {
		return storage.ConditionRecord{}, errors.PrefixErrorf(err, `cannot encode condition "%s"`, c.def.ID)
	}
	out := storage.ConditionRecord{
		ID:          c.def.ID,
		Kind:        string(c.def.Kind),
		Definition:  definition,
		Progress:    c.progress,
		Completed:   c.completed,
		LastTouched: c.lastTouched,
	}
	if c.limiter != nil {
		out.Limiter = c.limiter.record()
	}
	return out, nil
}

func conditionFromRecord(record storage.ConditionRecord, now utctime.UTCTime) (*Condition, error) {
	var def Definition
	if err := json.Unmarshal(record.Definition, &def); err != nil {
		return nil, InvalidConditionError{ID: record.ID, Err: err}
	}

	c, err := newCondition(def, now)
	if err != nil {
		return nil, err
	}

	c.progress = record.Progress
	c.completed = record.Completed
	c.lastTouched = record.LastTouched
	if c.limiter != nil && record.Limiter != nil {
		if err := c.limiter.restore(*record.Limiter); err != nil {
			return nil, InvalidConditionError{ID: record.ID, Err: err}
		}
	}
	return c, nil
}

func compare(op Op, value, threshold float64) bool {
	switch op {
	case OpGreaterOrEqual:
		return value >= threshold
	case OpLessOrEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpGreater:
		return value > threshold
	case OpLess:
		return value < threshold
	case OpNotEqual:
		return value != threshold
	default:
		return false
	}
}
