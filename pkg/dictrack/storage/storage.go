// Package storage persists tracker records under a group namespace.
//
// All implementations guarantee idempotent saves and torn-write-free loads:
// a Load returns each record either in its pre-write or post-write version,
// never a partial mix. I/O failures are reported as UnavailableError and
// never corrupt the caller's in-memory state.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/geminixiang/dictrack/pkg/utctime"
)

// Backend persists and retrieves tracker records.
type Backend interface {
	// Load returns all records in the namespace.
	Load(ctx context.Context, namespace string) ([]Record, error)
	// Get returns the record of one key, false when the key is unknown.
	Get(ctx context.Context, namespace string, key string) (Record, bool, error)
	// Save upserts the record, keyed by record.Key. Saving the same
	// record twice produces the same durable state.
	Save(ctx context.Context, namespace string, record Record) error
	// Delete removes the record, deleting an unknown key is not an error.
	Delete(ctx context.Context, namespace string, key string) error
	// Close releases backend resources.
	Close(ctx context.Context) error
}

// ConditionalWriter is an optional Backend capability,
// a conditional write guarded by the record revision.
type ConditionalWriter interface {
	// SaveIf upserts the record only if the stored revision equals
	// expectedRevision. Zero means the record must not exist yet.
	// A mismatch is reported as RevisionMismatchError.
	SaveIf(ctx context.Context, namespace string, record Record, expectedRevision int64) error
}

// Record is the backend-agnostic persisted form of one tracker.
type Record struct {
	Key          string            `json:"key"`
	Namespace    string            `json:"namespace"`
	State        string            `json:"state"`
	Revision     int64             `json:"revision"`
	CreatedAt    utctime.UTCTime   `json:"createdAt"`
	LastUpdateAt utctime.UTCTime   `json:"lastUpdateAt"`
	CallbackSent bool              `json:"callbackSent,omitempty"`
	Conditions   []ConditionRecord `json:"conditions"`
	Limiter      *LimiterRecord    `json:"limiter,omitempty"`
}

// ConditionRecord is the persisted progress of one condition.
// The declarative definition is stored verbatim, so a tracker can be
// reconstructed without the group's current default definitions.
type ConditionRecord struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Definition  json.RawMessage `json:"definition"`
	Progress    float64         `json:"progress"`
	Completed   bool            `json:"completed"`
	LastTouched utctime.UTCTime `json:"lastTouched"`
	Limiter     *LimiterRecord  `json:"limiter,omitempty"`
}

// LimiterRecord is the persisted state of a limiter.
type LimiterRecord struct {
	MaxCount    int             `json:"maxCount,omitempty"`
	MaxDuration string          `json:"maxDuration,omitempty"`
	Count       int             `json:"count"`
	ActivatedAt utctime.UTCTime `json:"activatedAt"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Conditions = make([]ConditionRecord, len(r.Conditions))
	for i, c := range r.Conditions {
		out.Conditions[i] = c
		if len(c.Definition) > 0 {
			out.Conditions[i].Definition = append(json.RawMessage(nil), c.Definition...)
		}
		if c.Limiter != nil {
			limiter := *c.Limiter
			out.Conditions[i].Limiter = &limiter
		}
	}
	if r.Limiter != nil {
		limiter := *r.Limiter
		out.Limiter = &limiter
	}
	return out
}

// UnavailableError means a storage I/O failure.
// Dirty trackers stay dirty and are retried on the next sweep,
// the in-memory state is authoritative in the interim.
type UnavailableError struct {
	Err error
}

func (e UnavailableError) Error() string {
	return fmt.Sprintf("storage backend unavailable: %s", e.Err)
}

func (e UnavailableError) Unwrap() error {
	return e.Err
}

// RevisionMismatchError means a conditional write found a different revision.
type RevisionMismatchError struct {
	Key      string
	Expected int64
	Actual   int64
}

func (e RevisionMismatchError) Error() string {
	return fmt.Sprintf(`record "%s": expected revision %d, found %d`, e.Key, e.Expected, e.Actual)
}
