// Package workflow implements the event-driven scatter/gather engine that
// answers questions against a versioned protocol corpus. A run decomposes the
// query into retrieval tasks, dispatches each task as an independent
// concurrent step instance, joins the results at a gather barrier, and
// synthesizes one cited answer when, and only when, every dispatch has
// reported.
package workflow

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Delphi/pkg/errors"
)

// eventBuffer bounds the in-flight event queue for one run. Fan-out width is
// planner-determined, so the buffer only has to absorb bursts; emitters fall
// back to blocking sends that respect run cancellation.
const eventBuffer = 64

// Step is one named processing stage. A step receives an event it accepts and
// returns the events it emits: zero events means the input did not complete
// the step's contribution (the gather barrier before the threshold), multiple
// events mean fan-out. Step instances for the same run may execute
// concurrently and must only share state through the RunContext.
type Step interface {
	Name() string
	Accepts() []Kind
	Run(ctx context.Context, rc *RunContext, ev Event) ([]Event, error)
}

// Engine owns the step registry and executes one logical workflow per query.
// Events are routed by kind through a static table built at registration time.
type Engine struct {
	routes map[Kind][]Step
	logger *zap.Logger
	tracer trace.Tracer
	clock  func() time.Time
}

// NewEngine creates an engine with an empty step registry.
func NewEngine(logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		return nil, stderrors.New("logger cannot be nil")
	}
	return &Engine{
		routes: make(map[Kind][]Step),
		logger: logger,
		tracer: otel.Tracer("delphi/workflow"),
		clock:  time.Now,
	}, nil
}

// Register adds a step to the routing table for every kind it accepts.
func (e *Engine) Register(step Step) error {
	if step == nil {
		return stderrors.New("step cannot be nil")
	}
	kinds := step.Accepts()
	if len(kinds) == 0 {
		return fmt.Errorf("step %q accepts no event kinds", step.Name())
	}
	for _, kind := range kinds {
		if kind == KindStop {
			return fmt.Errorf("step %q cannot consume terminal events", step.Name())
		}
		e.routes[kind] = append(e.routes[kind], step)
	}
	return nil
}

// NewQueryEngine wires the four standard steps against the given collaborators
// and returns an engine ready to answer queries.
func NewQueryEngine(collab Collaborators, cfg StepConfig, logger *zap.Logger) (*Engine, error) {
	engine, err := NewEngine(logger)
	if err != nil {
		return nil, err
	}

	steps, err := StandardSteps(collab, cfg, logger)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if err := engine.Register(step); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// RunReport describes one terminal run: the answer plus the per-task
// outcomes, in dispatch order. Outcomes is empty for out-of-domain runs that
// never dispatched.
type RunReport struct {
	RunID    string
	Answer   string
	Elapsed  time.Duration
	Outcomes []ResultEvent
}

// Run executes one workflow for the given query under the supplied timeout
// and returns the terminal answer text. This is the single entry point for
// answering a query; see Execute for the full run report.
func (e *Engine) Run(parent context.Context, queryText string, timeout time.Duration) (string, error) {
	report, err := e.Execute(parent, queryText, timeout)
	if err != nil {
		return "", err
	}
	return report.Answer, nil
}

// Execute runs one workflow and returns the full run report. It fails with an
// error when planning or synthesis fails, an event cannot be routed, or the
// deadline expires before a terminal event is reached. Abandoned step
// instances observe cancellation through their context.
func (e *Engine) Execute(parent context.Context, queryText string, timeout time.Duration) (*RunReport, error) {
	if queryText == "" {
		return nil, stderrors.New("query cannot be empty")
	}
	if timeout <= 0 {
		return nil, stderrors.New("timeout must be greater than 0")
	}

	runID := uuid.NewString()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int64("run.timeout_ms", timeout.Milliseconds()),
		))
	defer span.End()

	rc := NewRunContext(runID, queryText)
	events := make(chan Event, eventBuffer)
	errCh := make(chan error, 1)

	e.logger.Info("Run started",
		zap.String("runID", runID),
		zap.Duration("timeout", timeout))

	start := e.clock()
	events <- StartEvent{Query: queryText, Today: start}

	for {
		select {
		case <-ctx.Done():
			span.SetStatus(codes.Error, "run did not reach a terminal event")
			if parentErr := parent.Err(); parentErr != nil {
				e.logger.Warn("Run cancelled", zap.String("runID", runID))
				return nil, parentErr
			}
			e.logger.Warn("Run timed out",
				zap.String("runID", runID),
				zap.Duration("timeout", timeout))
			return nil, fmt.Errorf("%w after %s", errors.ErrRunTimeout, timeout)

		case err := <-errCh:
			cancel()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Error("Run failed",
				zap.String("runID", runID),
				zap.Duration("elapsed", e.clock().Sub(start)),
				zap.Error(err))
			return nil, err

		case ev := <-events:
			if stop, ok := ev.(StopEvent); ok {
				elapsed := e.clock().Sub(start)
				span.SetStatus(codes.Ok, "run completed")
				e.logger.Info("Run completed",
					zap.String("runID", runID),
					zap.Duration("elapsed", elapsed))
				return &RunReport{
					RunID:    runID,
					Answer:   stop.Result,
					Elapsed:  elapsed,
					Outcomes: rc.Snapshot(),
				}, nil
			}

			steps := e.routes[ev.Kind()]
			if len(steps) == 0 {
				cancel()
				err := fmt.Errorf("%w: kind %q", errors.ErrNoRoute, ev.Kind())
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			for _, step := range steps {
				go e.runStep(ctx, rc, step, ev, events, errCh)
			}
		}
	}
}

// runStep executes one step instance and feeds its emissions back into the
// run's event queue. An error from the step fails the run: a silently dropped
// result would stall the gather barrier forever.
func (e *Engine) runStep(ctx context.Context, rc *RunContext, step Step, ev Event, events chan<- Event, errCh chan<- error) {
	ctx, span := e.tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("run.id", rc.RunID()),
			attribute.String("step.name", step.Name()),
			attribute.String("event.kind", string(ev.Kind())),
		))
	defer span.End()

	start := e.clock()
	out, err := step.Run(ctx, rc, ev)
	span.SetAttributes(attribute.Int64("step.duration_ms", e.clock().Sub(start).Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("Step failed",
			zap.String("runID", rc.RunID()),
			zap.String("step", step.Name()),
			zap.String("eventKind", string(ev.Kind())),
			zap.Error(err))
		select {
		case errCh <- err:
		default:
			// A failure already terminated the run.
		}
		return
	}

	span.SetStatus(codes.Ok, "step completed")
	e.logger.Debug("Step completed",
		zap.String("runID", rc.RunID()),
		zap.String("step", step.Name()),
		zap.String("eventKind", string(ev.Kind())),
		zap.Int("emitted", len(out)))

	for _, next := range out {
		select {
		case events <- next:
		case <-ctx.Done():
			return
		}
	}
}
