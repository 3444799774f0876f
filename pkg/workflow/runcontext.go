package workflow

import (
	"fmt"
	"sync"
)

// RunContext is the only state shared between concurrently executing step
// instances of one run. It is created when the run starts, initialized with
// the expected task count before any dispatch event is emitted, mutated by
// every completing retrieval dispatch, and read by the gather barrier to test
// completion. Distinct runs never share an instance.
//
// Results are kept in a slot array pre-sized to the expected count and indexed
// by dispatch order, so the aggregate preserves plan order no matter when each
// dispatch completes. The append-and-compare in Deposit is a single critical
// section: two near-simultaneous arrivals can never both observe the
// penultimate count, and the completion snapshot is taken only by the arrival
// that fills the final slot.
type RunContext struct {
	runID         string
	originalQuery string

	mu       sync.Mutex
	expected int
	slots    []ResultEvent
	filled   []bool
	arrived  int
	fired    bool
}

// NewRunContext creates the shared state for one run.
func NewRunContext(runID, originalQuery string) *RunContext {
	return &RunContext{
		runID:         runID,
		originalQuery: originalQuery,
		expected:      -1,
	}
}

// RunID returns the run's unique identifier.
func (rc *RunContext) RunID() string { return rc.runID }

// OriginalQuery returns the query text the run was started with.
func (rc *RunContext) OriginalQuery() string { return rc.originalQuery }

// Initialize records the plan size and pre-sizes the result slots. Must be
// called before any task event is emitted so that every retrieval completion
// observes the expected count, however fast it finishes.
func (rc *RunContext) Initialize(expected int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.expected = expected
	rc.slots = make([]ResultEvent, expected)
	rc.filled = make([]bool, expected)
	rc.arrived = 0
	rc.fired = false
}

// Expected returns the number of results the barrier is waiting for, or -1
// when the run has not been initialized yet.
func (rc *RunContext) Expected() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.expected
}

// Arrived returns the number of results deposited so far.
func (rc *RunContext) Arrived() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.arrived
}

// Snapshot returns a copy of the deposited results in dispatch order, or nil
// when the run never dispatched. Slots that have not received a result are
// zero-valued.
func (rc *RunContext) Snapshot() []ResultEvent {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.expected <= 0 {
		return nil
	}
	snapshot := make([]ResultEvent, rc.expected)
	copy(snapshot, rc.slots)
	return snapshot
}

// Deposit stores one retrieval result in its dispatch-order slot and tests
// completion atomically. It returns complete == true exactly once per run: on
// the arrival that fills the last open slot. The returned snapshot is a copy
// in dispatch order and is only non-nil when complete.
func (rc *RunContext) Deposit(result ResultEvent) (arrived int, complete bool, snapshot []ResultEvent, err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.expected < 0 {
		return 0, false, nil, fmt.Errorf("run %s: result arrived before plan was recorded", rc.runID)
	}
	if result.Index < 0 || result.Index >= rc.expected {
		return rc.arrived, false, nil, fmt.Errorf("run %s: result index %d out of range [0,%d)", rc.runID, result.Index, rc.expected)
	}
	if rc.filled[result.Index] {
		return rc.arrived, false, nil, fmt.Errorf("run %s: duplicate result for task %d", rc.runID, result.Index)
	}

	rc.slots[result.Index] = result
	rc.filled[result.Index] = true
	rc.arrived++

	if rc.arrived == rc.expected && !rc.fired {
		rc.fired = true
		snapshot = make([]ResultEvent, rc.expected)
		copy(snapshot, rc.slots)
		return rc.arrived, true, snapshot, nil
	}

	return rc.arrived, false, nil, nil
}
