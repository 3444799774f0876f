package workflow

import (
	"time"

	"github.com/wehubfusion/Delphi/pkg/corpus"
	"github.com/wehubfusion/Delphi/pkg/query"
)

// Kind identifies the variant of an event. The engine routes events to steps
// by kind through a static routing table rather than by reflection.
type Kind string

const (
	// KindStart begins a run. Consumed by the planner step.
	KindStart Kind = "start"

	// KindTask dispatches one retrieval task. One event per plan entry,
	// all concurrently schedulable. Consumed by the retrieval step.
	KindTask Kind = "task"

	// KindResult carries one retrieval dispatch's outcome. Consumed by the
	// gather step.
	KindResult Kind = "result"

	// KindAggregate carries the complete result set for a run. Emitted
	// exactly once, consumed by the synthesis step.
	KindAggregate Kind = "aggregate"

	// KindStop terminates the run with a final answer. Terminal: the engine
	// never routes it to a step.
	KindStop Kind = "stop"
)

// Event is the unit of control flow inside a run. Each step consumes one kind
// of event and may emit zero or more events of other kinds.
type Event interface {
	Kind() Kind
}

// StartEvent initiates a run for one user query.
type StartEvent struct {
	Query string
	Today time.Time
}

func (StartEvent) Kind() Kind { return KindStart }

// TaskEvent dispatches one retrieval task. Index is the task's position in
// the plan and fixes its slot in the gather accumulator, so the final context
// is assembled in dispatch order regardless of completion order.
type TaskEvent struct {
	Index int
	Task  query.RetrievalTask
}

func (TaskEvent) Kind() Kind { return KindTask }

// ResultEvent pairs a task with the documents retrieved for it. Documents may
// be empty; Err carries a retrieval failure that was degraded to an empty
// result so the gather barrier still completes.
type ResultEvent struct {
	Index     int
	Task      query.RetrievalTask
	Documents []corpus.Document
	Err       string
}

// HasContent reports whether this dispatch retrieved any documents.
func (r ResultEvent) HasContent() bool { return len(r.Documents) > 0 }

func (ResultEvent) Kind() Kind { return KindResult }

// AggregateEvent is the complete set of results for a run, in dispatch order,
// together with the original query. Constructed exactly once per run.
type AggregateEvent struct {
	Results       []ResultEvent
	OriginalQuery string
}

func (AggregateEvent) Kind() Kind { return KindAggregate }

// StopEvent carries the run's terminal answer.
type StopEvent struct {
	Result string
}

func (StopEvent) Kind() Kind { return KindStop }
