package dictrack

import (
	"go.uber.org/atomic"

	"github.com/geminixiang/dictrack/internal/pkg/utils/errors"
	"github.com/geminixiang/dictrack/pkg/dictrack/storage"
	"github.com/geminixiang/dictrack/pkg/utctime"
)

// State is the tracker state machine: active -> completed | expired.
// Both completed and expired are terminal.
type State string

const (
	StateActive    = State("active")
	StateCompleted = State("completed")
	StateExpired   = State("expired")
)

// CompletionPolicy determines when a tracker completes.
type CompletionPolicy string

const (
	// PolicyAll completes the tracker once all conditions completed (conjunctive).
	PolicyAll = CompletionPolicy("all")
	// PolicyAny completes the tracker once any condition completed (disjunctive).
	PolicyAny = CompletionPolicy("any")
)

// Tracker is a named bundle of conditions monitoring one logical entity.
// It is owned by a Group, all mutations run under the group's per-key lock.
type Tracker struct {
	key        string
	policy     CompletionPolicy
	conditions []*Condition
	limiter    *Limiter

	state        State
	createdAt    utctime.UTCTime
	lastUpdateAt utctime.UTCTime
	callbackSent bool

	// revision is the last persisted revision and base the record of the
	// last backend sync, both guarded by the key lock. Deltas against base
	// rebase the local state onto a record written by another process.
	// generation counts mutations, dirty marks unpersisted state, dirty is
	// atomic so ListDirty can read it lock-free.
	revision   int64
	base       *storage.Record
	generation atomic.Int64
	dirty      atomic.Bool
}

func newTracker(key string, definitions []Definition, policy CompletionPolicy, limit *LimiterConfig, now utctime.UTCTime) (*Tracker, error) {
	if len(definitions) == 0 {
		return nil, errors.Errorf(`cannot create tracker "%s": no condition definitions`, key)
	}

	t := &Tracker{
		key:          key,
		policy:       policy,
		state:        StateActive,
		createdAt:    now,
		lastUpdateAt: now,
	}

	seen := make(map[string]bool)
	for _, def := range definitions {
		condition, err := newCondition(def, now)
		if err != nil {
			return nil, err
		}
		if seen[def.ID] {
			return nil, InvalidConditionError{ID: def.ID, Err: errors.New("duplicate condition ID")}
		}
		seen[def.ID] = true
		t.conditions = append(t.conditions, condition)
	}

	if limit != nil {
		t.limiter = newLimiter(*limit, now)
	}

	t.markDirty()
	return t, nil
}

func trackerFromRecord(record storage.Record, policy CompletionPolicy) (*Tracker, error) {
	t := &Tracker{
		key:          record.Key,
		policy:       policy,
		state:        State(record.State),
		createdAt:    record.CreatedAt,
		lastUpdateAt: record.LastUpdateAt,
		callbackSent: record.CallbackSent,
		revision:     record.Revision,
	}
	base := record.Clone()
	t.base = &base

	switch t.state {
	case StateActive, StateCompleted, StateExpired:
		// ok
	default:
		return nil, errors.Errorf(`tracker "%s": unexpected state "%s"`, record.Key, record.State)
	}

	for _, conditionRecord := range record.Conditions {
		condition, err := conditionFromRecord(conditionRecord, record.CreatedAt)
		if err != nil {
			return nil, err
		}
		t.conditions = append(t.conditions, condition)
	}
	if len(t.conditions) == 0 {
		return nil, errors.Errorf(`tracker "%s": no conditions in the persisted record`, record.Key)
	}

	if record.Limiter != nil {
		t.limiter = newLimiter(LimiterConfig{}, record.CreatedAt)
		if err := t.limiter.restore(*record.Limiter); err != nil {
			return nil, errors.PrefixErrorf(err, `tracker "%s"`, record.Key)
		}
	}

	return t, nil
}

func (t *Tracker) Key() string {
	return t.key
}

func (t *Tracker) State() State {
	return t.state
}

func (t *Tracker) CreatedAt() utctime.UTCTime {
	return t.createdAt
}

func (t *Tracker) LastUpdateAt() utctime.UTCTime {
	return t.lastUpdateAt
}

// Dirty reports whether the in-memory state differs from the persisted state.
func (t *Tracker) Dirty() bool {
	return t.dirty.Load()
}

// Conditions returns a read-only copy of all condition states,
// in the evaluation order.
func (t *Tracker) Conditions() []ConditionSnapshot {
	out := make([]ConditionSnapshot, len(t.conditions))
	for i, condition := range t.conditions {
		out[i] = condition.snapshot()
	}
	return out
}

// track applies one update. The caller holds the tracker's key lock.
// The method does no I/O, so the lock hold time stays short.
func (t *Tracker) track(now utctime.UTCTime, data map[string]any) TrackResult {
	if t.state != StateActive {
		return TrackResult{Key: t.key, State: t.state, NoOp: true}
	}

	result := TrackResult{Key: t.key, State: t.state}
	startGeneration := t.generation.Load()
	denied := false
	for _, condition := range t.conditions {
		eval := condition.evaluate(now, data)
		t.applyEval(eval, condition, &result, &denied)
	}

	t.finishEvaluation(now, startGeneration, &result, denied)
	return result
}

// checkTime runs sweeper-driven time checks: timeout conditions and the
// tracker-level limiter expiry. The caller holds the tracker's key lock.
func (t *Tracker) checkTime(now utctime.UTCTime) TrackResult {
	if t.state != StateActive {
		return TrackResult{Key: t.key, State: t.state, NoOp: true}
	}

	result := TrackResult{Key: t.key, State: t.state}
	startGeneration := t.generation.Load()
	denied := false
	for _, condition := range t.conditions {
		eval := condition.checkTimeout(now)
		t.applyEval(eval, condition, &result, &denied)
	}

	// A tracker active longer than its limiter allows is forced to expire
	if t.limiter != nil && t.limiter.Expired(now) {
		denied = true
	}

	t.finishEvaluation(now, startGeneration, &result, denied)
	return result
}

// reset re-arms a completed tracker for another completion cycle.
// Repeatable conditions are cleared, fire-once conditions stay completed,
// limiter counters are kept, so limits apply across cycles.
func (t *Tracker) reset(now utctime.UTCTime) error {
	if t.state != StateCompleted {
		return errors.Errorf(`cannot reset tracker "%s" in state "%s"`, t.key, t.state)
	}
	for _, condition := range t.conditions {
		if condition.def.Repeatable {
			condition.reset(now)
		}
	}
	t.state = StateActive
	t.callbackSent = false
	t.lastUpdateAt = now
	t.markDirty()
	return nil
}

func (t *Tracker) applyEval(eval evalResult, condition *Condition, result *TrackResult, denied *bool) {
	if eval.changed {
		t.markDirty()
	}
	if eval.completedNow {
		result.NewlyCompleted = append(result.NewlyCompleted, condition.snapshot())
	}
	if eval.denied {
		// A condition that can never fire again makes the tracker unable
		// to complete, the whole tracker expires
		*denied = true
	}
}

func (t *Tracker) finishEvaluation(now utctime.UTCTime, startGeneration int64, result *TrackResult, denied bool) {
	switch {
	case denied:
		t.state = StateExpired
		t.markDirty()
	case t.completionSatisfied():
		if t.limiter != nil && !t.limiter.Permit(now) {
			t.state = StateExpired
		} else {
			t.state = StateCompleted
		}
		t.markDirty()
	}

	if t.generation.Load() != startGeneration {
		t.lastUpdateAt = now
	}
	result.State = t.state
}

func (t *Tracker) completionSatisfied() bool {
	completed := 0
	for _, condition := range t.conditions {
		if condition.completed {
			completed++
		}
	}
	if t.policy == PolicyAny {
		return completed > 0
	}
	return completed == len(t.conditions)
}

func (t *Tracker) markDirty() {
	t.dirty.Store(true)
	t.generation.Inc()
}

// committed records a successful save. The caller holds the key lock.
func (t *Tracker) committed(record storage.Record) {
	t.revision = record.Revision
	base := record.Clone()
	t.base = &base
	t.dirty.Store(false)
}

// rebase merges the in-memory state onto a newer record persisted by
// another process sharing the backend. Count progress and limiter firings
// are additive relative to the last synced baseline, for the other kinds
// the side with the later update wins, a persisted terminal state is
// adopted. The caller holds the key lock.
func (t *Tracker) rebase(now utctime.UTCTime, stored storage.Record) {
	storedConditions := make(map[string]storage.ConditionRecord, len(stored.Conditions))
	for _, rec := range stored.Conditions {
		storedConditions[rec.ID] = rec
	}
	baseConditions := make(map[string]*storage.ConditionRecord)
	if t.base != nil {
		for i := range t.base.Conditions {
			baseConditions[t.base.Conditions[i].ID] = &t.base.Conditions[i]
		}
	}

	denied := false
	for _, condition := range t.conditions {
		rec, found := storedConditions[condition.def.ID]
		if !found {
			continue
		}
		if eval := condition.rebase(now, rec, baseConditions[condition.def.ID]); eval.denied {
			denied = true
		}
	}

	if t.limiter != nil {
		var baseLimiter *storage.LimiterRecord
		if t.base != nil {
			baseLimiter = t.base.Limiter
		}
		t.limiter.rebase(stored.Limiter, baseLimiter)
	}

	if t.state == StateActive && stored.State != string(StateActive) {
		t.state = State(stored.State)
	}
	if stored.CallbackSent {
		t.callbackSent = true
	}
	if stored.LastUpdateAt.After(t.lastUpdateAt) {
		t.lastUpdateAt = stored.LastUpdateAt
	}

	// The merged progress may satisfy the tracker
	if t.state == StateActive {
		switch {
		case denied:
			t.state = StateExpired
		case t.completionSatisfied():
			if t.limiter != nil && !t.limiter.Permit(now) {
				t.state = StateExpired
			} else {
				t.state = StateCompleted
			}
		}
	}

	t.revision = stored.Revision
	base := stored.Clone()
	t.base = &base
	t.markDirty()
}

// record builds the persisted form with the next revision.
func (t *Tracker) record(namespace string) (storage.Record, error) {
	out := storage.Record{
		Key:          t.key,
		Namespace:    namespace,
		State:        string(t.state),
		Revision:     t.revision + 1,
		CreatedAt:    t.createdAt,
		LastUpdateAt: t.lastUpdateAt,
		CallbackSent: t.callbackSent,
	}
	for _, condition := range t.conditions {
		conditionRecord, err := condition.record()
		if err != nil {
			return storage.Record{}, err
		}
		out.Conditions = append(out.Conditions, conditionRecord)
	}
	if t.limiter != nil {
		out.Limiter = t.limiter.record()
	}
	return out, nil
}
