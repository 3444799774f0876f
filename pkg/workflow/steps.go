package workflow

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wehubfusion/Delphi/pkg/concurrency"
	"github.com/wehubfusion/Delphi/pkg/errors"
	"github.com/wehubfusion/Delphi/pkg/retrieval"
)

// Terminal answers for the two defined no-answer states. These are literal,
// deterministic strings: callers can rely on them and they never surface as
// errors.
const (
	// OutOfDomainAnswer is returned when the planner decomposes the query
	// into zero tasks.
	OutOfDomainAnswer = "Sorry, this question appears to be outside the knowledge domain of the loaded protocols."

	// NoRelevantInfoAnswer is returned when every retrieval dispatch came
	// back empty and there is nothing to synthesize from.
	NoRelevantInfoAnswer = "Sorry, I could not find any relevant information in the provided protocols matching your criteria."
)

// Collaborators groups the external capabilities a run depends on.
type Collaborators struct {
	Planner     Planner
	Retriever   Retriever
	Reranker    Reranker
	Synthesizer Synthesizer
}

func (c Collaborators) validate() error {
	if c.Planner == nil {
		return stderrors.New("planner cannot be nil")
	}
	if c.Retriever == nil {
		return stderrors.New("retriever cannot be nil")
	}
	if c.Reranker == nil {
		return stderrors.New("reranker cannot be nil")
	}
	if c.Synthesizer == nil {
		return stderrors.New("synthesizer cannot be nil")
	}
	return nil
}

// StepConfig carries the tunables for the standard steps.
type StepConfig struct {
	// TopK is how many candidates the retriever returns per task. Default 50.
	TopK int

	// TopN is how many documents survive reranking per task. Default 20.
	TopN int

	// Limiter, when set, bounds how many retrieval dispatches run at once.
	Limiter *concurrency.Limiter

	// Breaker, when set, sheds retrieval load after repeated collaborator
	// failures.
	Breaker *concurrency.CircuitBreaker
}

func (c StepConfig) withDefaults() StepConfig {
	if c.TopK <= 0 {
		c.TopK = 50
	}
	if c.TopN <= 0 {
		c.TopN = 20
	}
	return c
}

// StandardSteps builds the four steps of the scatter/gather pipeline:
// planner, retrieve, gather and synthesize.
func StandardSteps(collab Collaborators, cfg StepConfig, logger *zap.Logger) ([]Step, error) {
	if err := collab.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, stderrors.New("logger cannot be nil")
	}
	cfg = cfg.withDefaults()

	return []Step{
		&plannerStep{planner: collab.Planner, logger: logger},
		&retrieveStep{
			retriever: collab.Retriever,
			reranker:  collab.Reranker,
			cfg:       cfg,
			logger:    logger,
		},
		&gatherStep{logger: logger},
		&synthesizeStep{synthesizer: collab.Synthesizer, logger: logger},
	}, nil
}

// plannerStep consumes the start event, calls the planner once, and scatters
// the plan. The run context is initialized before any task event is emitted
// so a fast-completing retrieval can never observe an uninitialized
// accumulator.
type plannerStep struct {
	planner Planner
	logger  *zap.Logger
}

func (s *plannerStep) Name() string    { return "planner" }
func (s *plannerStep) Accepts() []Kind { return []Kind{KindStart} }

func (s *plannerStep) Run(ctx context.Context, rc *RunContext, ev Event) ([]Event, error) {
	start, ok := ev.(StartEvent)
	if !ok {
		return nil, fmt.Errorf("planner step received %T", ev)
	}

	plan, err := s.planner.Plan(ctx, start.Query, start.Today)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrPlanningFailed, err)
	}

	plan = plan.Normalize()
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: malformed plan: %v", errors.ErrPlanningFailed, err)
	}

	if plan.Empty() {
		s.logger.Info("Planner produced no tasks, query is out of domain",
			zap.String("runID", rc.RunID()))
		return []Event{StopEvent{Result: OutOfDomainAnswer}}, nil
	}

	rc.Initialize(plan.Size())

	out := make([]Event, 0, plan.Size())
	for i, task := range plan.Tasks {
		s.logger.Info("Dispatching retrieval task",
			zap.String("runID", rc.RunID()),
			zap.Int("task", i+1),
			zap.Int("of", plan.Size()),
			zap.String("mode", string(task.Mode)),
			zap.String("targetDate", task.TargetDate),
			zap.String("targetVersion", task.TargetVersion),
			zap.String("query", task.RewrittenQuery))
		out = append(out, TaskEvent{Index: i, Task: task})
	}
	return out, nil
}

// retrieveStep consumes one task event, compiles its filters, and calls the
// retriever and reranker collaborators. A collaborator failure degrades to an
// empty result carrying the error text instead of failing the run, so the
// gather barrier always reaches its expected count.
type retrieveStep struct {
	retriever Retriever
	reranker  Reranker
	cfg       StepConfig
	logger    *zap.Logger
}

func (s *retrieveStep) Name() string    { return "retrieve" }
func (s *retrieveStep) Accepts() []Kind { return []Kind{KindTask} }

func (s *retrieveStep) Run(ctx context.Context, rc *RunContext, ev Event) ([]Event, error) {
	taskEv, ok := ev.(TaskEvent)
	if !ok {
		return nil, fmt.Errorf("retrieve step received %T", ev)
	}
	task := taskEv.Task

	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		defer s.cfg.Limiter.Release()
	}

	if s.cfg.Breaker != nil && s.cfg.Breaker.IsOpen() {
		s.logger.Warn("Retrieval circuit open, degrading task to empty result",
			zap.String("runID", rc.RunID()),
			zap.Int("task", taskEv.Index))
		return []Event{ResultEvent{Index: taskEv.Index, Task: task, Err: "retrieval circuit open"}}, nil
	}

	filters := retrieval.CompileFilters(task)
	s.logger.Debug("Compiled filters",
		zap.String("runID", rc.RunID()),
		zap.Int("task", taskEv.Index),
		zap.Int("predicates", len(filters)))

	documents, err := s.retriever.Search(ctx, task.RewrittenQuery, filters, s.cfg.TopK)
	if err != nil {
		return s.degrade(rc, taskEv, fmt.Errorf("%w: search: %v", errors.ErrRetrievalFailed, err))
	}

	if len(documents) > 0 {
		documents, err = s.reranker.Rerank(ctx, task.RewrittenQuery, documents, s.cfg.TopN)
		if err != nil {
			return s.degrade(rc, taskEv, fmt.Errorf("%w: rerank: %v", errors.ErrRetrievalFailed, err))
		}
	}

	if s.cfg.Breaker != nil {
		s.cfg.Breaker.RecordSuccess()
	}

	s.logger.Info("Retrieval task completed",
		zap.String("runID", rc.RunID()),
		zap.Int("task", taskEv.Index),
		zap.Int("documents", len(documents)))

	return []Event{ResultEvent{Index: taskEv.Index, Task: task, Documents: documents}}, nil
}

// degrade converts a collaborator failure into an empty result so the barrier
// still completes. The error is logged, recorded on the breaker, and carried
// on the result.
func (s *retrieveStep) degrade(rc *RunContext, taskEv TaskEvent, err error) ([]Event, error) {
	if s.cfg.Breaker != nil {
		s.cfg.Breaker.RecordFailure()
	}
	s.logger.Error("Retrieval task failed, degrading to empty result",
		zap.String("runID", rc.RunID()),
		zap.Int("task", taskEv.Index),
		zap.Error(err))
	return []Event{ResultEvent{Index: taskEv.Index, Task: taskEv.Task, Err: err.Error()}}, nil
}

// gatherStep is the join barrier. Every result arrival deposits into the run
// context; only the arrival that completes the set emits the aggregate, and
// it emits it exactly once. All earlier arrivals emit nothing.
type gatherStep struct {
	logger *zap.Logger
}

func (s *gatherStep) Name() string    { return "gather" }
func (s *gatherStep) Accepts() []Kind { return []Kind{KindResult} }

func (s *gatherStep) Run(_ context.Context, rc *RunContext, ev Event) ([]Event, error) {
	result, ok := ev.(ResultEvent)
	if !ok {
		return nil, fmt.Errorf("gather step received %T", ev)
	}

	arrived, complete, snapshot, err := rc.Deposit(result)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Gathered retrieval result",
		zap.String("runID", rc.RunID()),
		zap.Int("arrived", arrived),
		zap.Int("expected", rc.Expected()))

	if !complete {
		return nil, nil
	}

	s.logger.Info("All results collected, proceeding to synthesis",
		zap.String("runID", rc.RunID()))
	return []Event{AggregateEvent{Results: snapshot, OriginalQuery: rc.OriginalQuery()}}, nil
}

// synthesizeStep consumes the aggregate, assembles the labeled context block
// in dispatch order, and produces the terminal answer. When every result is
// empty it short-circuits to the fixed no-material answer without invoking
// the synthesizer.
type synthesizeStep struct {
	synthesizer Synthesizer
	logger      *zap.Logger
}

func (s *synthesizeStep) Name() string    { return "synthesize" }
func (s *synthesizeStep) Accepts() []Kind { return []Kind{KindAggregate} }

func (s *synthesizeStep) Run(ctx context.Context, rc *RunContext, ev Event) ([]Event, error) {
	aggregate, ok := ev.(AggregateEvent)
	if !ok {
		return nil, fmt.Errorf("synthesize step received %T", ev)
	}

	contextBlock, hasContent := BuildContextBlock(aggregate.Results)
	if !hasContent {
		s.logger.Info("All retrieval results empty, skipping synthesis",
			zap.String("runID", rc.RunID()))
		return []Event{StopEvent{Result: NoRelevantInfoAnswer}}, nil
	}

	answer, err := s.synthesizer.Synthesize(ctx, contextBlock, aggregate.OriginalQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrSynthesisFailed, err)
	}

	s.logger.Info("Synthesis complete",
		zap.String("runID", rc.RunID()),
		zap.Int("answerLength", len(answer)))
	return []Event{StopEvent{Result: answer}}, nil
}

// BuildContextBlock concatenates one labeled block per non-empty result, in
// dispatch order. Source numbering follows the result's position in the plan,
// so a skipped empty result leaves a gap rather than renumbering its
// neighbors. Returns hasContent == false when every result is empty.
func BuildContextBlock(results []ResultEvent) (string, bool) {
	var parts []string

	for i, result := range results {
		if !result.HasContent() {
			continue
		}

		label := fmt.Sprintf("Source %d (Date: %s, Mode: %s)",
			i+1, result.Task.EffectiveDateLabel(), result.Task.Mode)

		var content strings.Builder
		for _, doc := range result.Documents {
			fileName := doc.FileName
			if fileName == "" {
				fileName = "Unknown File"
			}
			fmt.Fprintf(&content, "\n[File: %s]\n%s\n", fileName, doc.Content)
		}

		parts = append(parts, fmt.Sprintf("=== %s ===\n%s\n", label, content.String()))
	}

	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}
