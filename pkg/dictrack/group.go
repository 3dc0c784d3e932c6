package dictrack

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/geminixiang/dictrack/internal/pkg/utils/errors"
	"github.com/geminixiang/dictrack/internal/pkg/validator"
	"github.com/geminixiang/dictrack/pkg/dictrack/lock"
	"github.com/geminixiang/dictrack/pkg/dictrack/storage"
	"github.com/geminixiang/dictrack/pkg/utctime"
)

// Group owns the trackers of one namespace.
//
// Content mutations of a tracker run under its per-key lock from the
// configured lock.Provider, so the same discipline protects trackers
// in one process and across processes sharing a distributed provider.
// Structural changes of the key -> tracker map run under the group mutex.
//
// Track never touches storage, persistence is deferred to Flush,
// normally driven by the sweeper.
type Group struct {
	config  Config
	logger  *zap.Logger
	clock   clockwork.Clock
	backend storage.Backend
	locks   lock.Provider
	val     validator.Validator

	mutex    sync.RWMutex
	trackers map[string]*Tracker
	closed   bool
}

// TrackerNotFoundError means the key has no tracker
// and auto-creation is disabled.
type TrackerNotFoundError struct {
	Key string
}

func (e TrackerNotFoundError) Error() string {
	return fmt.Sprintf(`tracker "%s" not found`, e.Key)
}

// TrackerInfo is a read-only copy of one tracker's state,
// taken under the tracker's key lock.
type TrackerInfo struct {
	Key          string
	State        State
	CreatedAt    utctime.UTCTime
	LastUpdateAt utctime.UTCTime
	Dirty        bool
	Conditions   []ConditionSnapshot
}

// NewGroup creates the group and rehydrates previously persisted trackers
// from the backend. A corrupted persisted record aborts the construction,
// there are no silent partial trackers.
func NewGroup(ctx context.Context, config Config) (*Group, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.PrefixErrorf(err, `invalid configuration of group "%s"`, config.Name)
	}

	g := &Group{
		config:   config,
		logger:   config.Logger,
		clock:    config.Clock,
		backend:  config.Backend,
		locks:    config.Locks,
		val:      validator.New(),
		trackers: make(map[string]*Tracker),
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.clock == nil {
		g.clock = clockwork.NewRealClock()
	}

	if err := g.validateDefinitions(ctx, config.DefaultConditions); err != nil {
		return nil, errors.PrefixErrorf(err, `invalid default conditions of group "%s"`, config.Name)
	}

	if err := g.rehydrate(ctx); err != nil {
		return nil, err
	}

	return g, nil
}

// Name returns the group name, which is also the storage namespace.
func (g *Group) Name() string {
	return g.config.Name
}

// Len returns the number of trackers currently held in memory.
func (g *Group) Len() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.trackers)
}

// AddTracker registers a tracker for the key. With no definitions the
// group's default conditions are used. The tracker exists in memory
// immediately and is persisted by the next Flush.
func (g *Group) AddTracker(ctx context.Context, key string, definitions ...Definition) error {
	if len(definitions) == 0 {
		definitions = g.config.DefaultConditions
	}
	if err := g.validateDefinitions(ctx, definitions); err != nil {
		return errors.PrefixErrorf(err, `cannot add tracker "%s"`, key)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.closed {
		return errors.Errorf(`group "%s" is closed`, g.config.Name)
	}
	if _, found := g.trackers[key]; found {
		return errors.Errorf(`tracker "%s" already exists`, key)
	}

	tracker, err := newTracker(key, definitions, g.config.Policy, g.config.Limiter, g.now())
	if err != nil {
		return err
	}
	g.trackers[key] = tracker
	return nil
}

// Track applies one data update to the tracker of the key.
//
// The tracker's key lock is acquired first, bounded by the configured
// timeout. Auto-creation also runs under the lock, so a timeout means no
// mutation happened, not even a new tracker. With a distributed lock
// provider, a lease lost before the release discards the local mutation:
// the tracker is reloaded from the backend and LockLostError is returned.
func (g *Group) Track(ctx context.Context, key string, data map[string]any) (TrackResult, error) {
	var result TrackResult
	err := g.withKeyLock(ctx, key, func() error {
		tracker, err := g.resolveTracker(key)
		if err != nil {
			return err
		}
		result = tracker.track(g.now(), data)
		return nil
	})
	if err != nil {
		if errors.As(err, &lock.LockLostError{}) {
			g.discardLocal(ctx, key)
		}
		return TrackResult{}, err
	}
	return result, nil
}

// Tracker returns a read-only copy of the tracker's state,
// taken under its key lock.
func (g *Group) Tracker(ctx context.Context, key string) (TrackerInfo, error) {
	g.mutex.RLock()
	tracker, found := g.trackers[key]
	g.mutex.RUnlock()
	if !found {
		return TrackerInfo{}, TrackerNotFoundError{Key: key}
	}

	var out TrackerInfo
	err := g.withKeyLock(ctx, key, func() error {
		out = TrackerInfo{
			Key:          tracker.Key(),
			State:        tracker.State(),
			CreatedAt:    tracker.CreatedAt(),
			LastUpdateAt: tracker.LastUpdateAt(),
			Dirty:        tracker.Dirty(),
			Conditions:   tracker.Conditions(),
		}
		return nil
	})
	if err != nil {
		return TrackerInfo{}, err
	}
	return out, nil
}

// ResetTracker re-arms a completed tracker for another completion cycle:
// repeatable conditions are cleared, fire-once conditions stay completed
// and limiter counters are kept, so limits apply across cycles. Only a
// tracker in the completed state can be reset.
func (g *Group) ResetTracker(ctx context.Context, key string) error {
	g.mutex.RLock()
	tracker, found := g.trackers[key]
	g.mutex.RUnlock()
	if !found {
		return TrackerNotFoundError{Key: key}
	}

	return g.withKeyLock(ctx, key, func() error {
		return tracker.reset(g.now())
	})
}

// RemoveTracker deletes the tracker from the backend and from memory.
func (g *Group) RemoveTracker(ctx context.Context, key string) error {
	g.mutex.RLock()
	_, found := g.trackers[key]
	g.mutex.RUnlock()
	if !found {
		return TrackerNotFoundError{Key: key}
	}

	return g.withKeyLock(ctx, key, func() error {
		if err := g.backend.Delete(ctx, g.config.Name, key); err != nil {
			return err
		}
		g.mutex.Lock()
		delete(g.trackers, key)
		g.mutex.Unlock()
		return nil
	})
}

// ListDirty returns keys of trackers with unpersisted state,
// as a point-in-time snapshot, sorted.
func (g *Group) ListDirty() []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	var out []string
	for key, tracker := range g.trackers {
		if tracker.Dirty() {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Flush persists every dirty tracker under its key lock. When another
// process sharing the backend persisted the same key in the meantime, the
// local state is rebased onto the stored record before saving, so neither
// side's updates are lost. A failed save keeps the tracker dirty for the
// next attempt. Per-tracker failures are aggregated, one tracker's error
// does not stop the flush of the others.
func (g *Group) Flush(ctx context.Context) error {
	errs := errors.NewMultiError()
	for _, key := range g.ListDirty() {
		if err := g.flushTracker(ctx, key); err != nil {
			errs.AppendWithPrefixf(err, `cannot flush tracker "%s"`, key)
		}
	}
	return errs.ErrorOrNil()
}

// SweepExpired handles trackers in a terminal state: it dispatches the
// completion callback exactly once per tracker, after the terminal state
// with the sent flag was persisted, and removes trackers past the grace
// period from both memory and the backend.
func (g *Group) SweepExpired(ctx context.Context) error {
	errs := errors.NewMultiError()
	for _, key := range g.keys() {
		if err := g.sweepTracker(ctx, key); err != nil {
			errs.AppendWithPrefixf(err, `cannot sweep tracker "%s"`, key)
		}
	}
	return errs.ErrorOrNil()
}

// CheckTimeouts evaluates timeout conditions and tracker-level limiter
// expiry across all trackers. Resulting state changes are picked up
// by the next Flush and SweepExpired.
func (g *Group) CheckTimeouts(ctx context.Context) error {
	errs := errors.NewMultiError()
	for _, key := range g.keys() {
		g.mutex.RLock()
		tracker, found := g.trackers[key]
		g.mutex.RUnlock()
		if !found {
			continue
		}
		err := g.withKeyLock(ctx, key, func() error {
			tracker.checkTime(g.now())
			return nil
		})
		if err != nil {
			errs.AppendWithPrefixf(err, `cannot check tracker "%s"`, key)
		}
	}
	return errs.ErrorOrNil()
}

// Close flushes all dirty trackers and rejects further mutations.
// The backend is not closed, its lifecycle belongs to the caller.
func (g *Group) Close(ctx context.Context) error {
	g.mutex.Lock()
	if g.closed {
		g.mutex.Unlock()
		return nil
	}
	g.closed = true
	g.mutex.Unlock()

	g.logger.Info("closing group", zap.String("group", g.config.Name))
	return g.Flush(ctx)
}

func (g *Group) rehydrate(ctx context.Context) error {
	records, err := g.backend.Load(ctx, g.config.Name)
	if err != nil {
		return errors.PrefixErrorf(err, `cannot rehydrate group "%s"`, g.config.Name)
	}

	errs := errors.NewMultiError()
	for _, record := range records {
		tracker, err := trackerFromRecord(record, g.config.Policy)
		if err != nil {
			errs.Append(err)
			continue
		}
		g.trackers[record.Key] = tracker
	}
	if err := errs.ErrorOrNil(); err != nil {
		return errors.PrefixErrorf(err, `cannot rehydrate group "%s"`, g.config.Name)
	}

	g.logger.Info(
		"group rehydrated",
		zap.String("group", g.config.Name),
		zap.Int("trackers", len(g.trackers)),
	)
	return nil
}

func (g *Group) resolveTracker(key string) (*Tracker, error) {
	g.mutex.RLock()
	tracker, found := g.trackers[key]
	closed := g.closed
	g.mutex.RUnlock()
	if closed {
		return nil, errors.Errorf(`group "%s" is closed`, g.config.Name)
	}
	if found {
		return tracker, nil
	}
	if !g.config.AutoCreate {
		return nil, TrackerNotFoundError{Key: key}
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()
	if tracker, found := g.trackers[key]; found {
		return tracker, nil
	}
	tracker, err := newTracker(key, g.config.DefaultConditions, g.config.Policy, g.config.Limiter, g.now())
	if err != nil {
		return nil, err
	}
	g.trackers[key] = tracker
	return tracker, nil
}

// flushTracker persists one tracker, see Flush for the locking discipline.
func (g *Group) flushTracker(ctx context.Context, key string) error {
	g.mutex.RLock()
	tracker, found := g.trackers[key]
	g.mutex.RUnlock()
	if !found {
		return nil
	}

	return g.withKeyLock(ctx, key, func() error {
		return g.persistLocked(ctx, tracker)
	})
}

// flushAttempts bounds the reconcile-and-retry loop of a conditional save.
const flushAttempts = 3

// persistLocked saves the tracker's state, reconciling concurrent writes of
// other processes sharing the backend: a revision mismatch rebases the local
// state onto the stored record and retries. For backends without conditional
// writes the caller's key lock is the only write guard, so the save runs as
// a read-merge-write under it. The caller holds the tracker's key lock.
func (g *Group) persistLocked(ctx context.Context, tracker *Tracker) error {
	writer, conditional := g.backend.(storage.ConditionalWriter)

	for attempt := 0; ; attempt++ {
		if !tracker.Dirty() {
			return nil
		}
		record, err := tracker.record(g.config.Name)
		if err != nil {
			return err
		}

		if !conditional {
			stored, found, err := g.backend.Get(ctx, g.config.Name, tracker.key)
			if err != nil {
				return err
			}
			if found && stored.Revision != tracker.revision {
				tracker.rebase(g.now(), stored)
				if record, err = tracker.record(g.config.Name); err != nil {
					return err
				}
			}
			if err := g.backend.Save(ctx, g.config.Name, record); err != nil {
				return err
			}
			tracker.committed(record)
			return nil
		}

		err = writer.SaveIf(ctx, g.config.Name, record, tracker.revision)
		if err == nil {
			tracker.committed(record)
			return nil
		}
		if !errors.As(err, &storage.RevisionMismatchError{}) || attempt >= flushAttempts {
			return err
		}

		// Another process wrote the key, rebase onto its record and retry
		stored, found, getErr := g.backend.Get(ctx, g.config.Name, tracker.key)
		if getErr != nil {
			return getErr
		}
		if !found {
			// Deleted in the meantime, the next attempt creates it anew
			tracker.revision = 0
			tracker.base = nil
			continue
		}
		tracker.rebase(g.now(), stored)
	}
}

func (g *Group) sweepTracker(ctx context.Context, key string) error {
	g.mutex.RLock()
	tracker, found := g.trackers[key]
	g.mutex.RUnlock()
	if !found {
		return nil
	}

	var conditions []ConditionSnapshot
	var needCallback, remove bool
	err := g.withKeyLock(ctx, key, func() error {
		if tracker.state == StateActive {
			return nil
		}
		if !tracker.callbackSent {
			// Another process sharing the backend may have dispatched already
			stored, found, err := g.backend.Get(ctx, g.config.Name, key)
			if err != nil {
				return err
			}
			if found && stored.CallbackSent {
				tracker.callbackSent = true
				tracker.markDirty()
				return nil
			}

			needCallback = true
			tracker.callbackSent = true
			tracker.markDirty()
			// The sent flag is persisted before the callback runs, so a
			// crash in between cannot lead to a duplicate dispatch after
			// restart
			if err := g.persistLocked(ctx, tracker); err != nil {
				tracker.callbackSent = false
				needCallback = false
				return err
			}
			conditions = tracker.Conditions()
			return nil
		}
		remove = g.now().Sub(tracker.lastUpdateAt) >= g.config.GracePeriod
		return nil
	})
	if err != nil {
		return err
	}

	if needCallback {
		if callback := g.config.OnCompletion; callback != nil {
			callback(g.config.Name, key, conditions)
		}
		return nil
	}

	if remove {
		if err := g.backend.Delete(ctx, g.config.Name, key); err != nil {
			return err
		}
		g.mutex.Lock()
		delete(g.trackers, key)
		g.mutex.Unlock()
		g.logger.Debug(
			"terminal tracker removed",
			zap.String("group", g.config.Name),
			zap.String("key", key),
		)
	}
	return nil
}

// discardLocal throws away an uncommitted local mutation after a lost
// distributed lease by reloading the persisted state of the key.
func (g *Group) discardLocal(ctx context.Context, key string) {
	stored, found, err := g.backend.Get(ctx, g.config.Name, key)
	if err != nil {
		g.logger.Error(
			"cannot reload tracker after a lost lock lease",
			zap.String("group", g.config.Name),
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()
	if !found {
		// Never persisted, the local copy is all there was
		delete(g.trackers, key)
		return
	}
	if tracker, err := trackerFromRecord(stored, g.config.Policy); err == nil {
		g.trackers[key] = tracker
	} else {
		g.logger.Error(
			"cannot rebuild tracker after a lost lock lease",
			zap.String("group", g.config.Name),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (g *Group) withKeyLock(ctx context.Context, key string, fn func() error) error {
	mutex := g.locks.NewMutex(fmt.Sprintf("%s/%s", g.config.Name, key))

	lockCtx, cancel := context.WithTimeout(ctx, g.config.LockTimeout)
	defer cancel()
	if err := mutex.Lock(lockCtx); err != nil {
		return err
	}

	fnErr := fn()
	if err := mutex.Unlock(ctx); err != nil {
		errs := errors.NewMultiError()
		if fnErr != nil {
			errs.Append(fnErr)
		}
		errs.Append(err)
		return errs.ErrorOrNil()
	}
	return fnErr
}

func (g *Group) keys() []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	out := make([]string, 0, len(g.trackers))
	for key := range g.trackers {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (g *Group) now() utctime.UTCTime {
	return utctime.From(g.clock.Now())
}

func (g *Group) validateDefinitions(ctx context.Context, definitions []Definition) error {
	errs := errors.NewMultiError()
	for _, def := range definitions {
		if err := g.val.Validate(ctx, def); err != nil {
			errs.AppendWithPrefixf(err, `condition "%s"`, def.ID)
		}
	}
	return errs.ErrorOrNil()
}
