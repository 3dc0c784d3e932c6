package dictrack

// TrackResult reports what one track call changed.
type TrackResult struct {
	Key   string
	State State
	// NoOp is set when the tracker was already in a terminal state
	// and the update was rejected without any mutation.
	NoOp bool
	// NewlyCompleted lists conditions that completed during this call.
	NewlyCompleted []ConditionSnapshot
}

// ConditionSnapshot is a read-only copy of one condition's state.
type ConditionSnapshot struct {
	ID        string
	Kind      Kind
	Path      string
	Progress  float64
	Completed bool
}

// CompletionCallback is invoked exactly once per tracker that reached a
// terminal state, after the terminal state was persisted.
type CompletionCallback func(namespace string, key string, conditions []ConditionSnapshot)
