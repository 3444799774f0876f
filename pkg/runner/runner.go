// Package runner exposes the workflow engine as a NATS JetStream service.
// It pulls query requests from a durable consumer with a configurable worker
// pool, executes one workflow run per request, and reports the answer (or the
// failure) to the answer stream.
package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	internaltracing "github.com/wehubfusion/Delphi/internal/tracing"
	"github.com/wehubfusion/Delphi/pkg/client"
	sdkerrors "github.com/wehubfusion/Delphi/pkg/errors"
	"github.com/wehubfusion/Delphi/pkg/message"
	"github.com/wehubfusion/Delphi/pkg/storage"
	"github.com/wehubfusion/Delphi/pkg/workflow"
)

// Runner pulls query requests from a JetStream stream and answers them
// through the workflow engine. Each worker processes one request at a time;
// fan-out inside a run is governed by the engine's own limiter.
type Runner struct {
	client          *client.Client
	engine          *workflow.Engine
	stream          string
	consumer        string
	batchSize       int
	numWorkers      int
	runTimeout      time.Duration
	logger          *zap.Logger
	tracer          trace.Tracer
	artifacts       *storage.ArtifactStore
	sentryEnabled   bool
	tracingShutdown func(context.Context) error
}

// Option configures optional Runner behavior.
type Option func(*Runner)

// WithArtifactStore enables per-run audit artifact persistence.
func WithArtifactStore(store *storage.ArtifactStore) Option {
	return func(r *Runner) { r.artifacts = store }
}

// WithSentry enables error-reporting of run failures to an already
// initialized Sentry client.
func WithSentry() Option {
	return func(r *Runner) { r.sentryEnabled = true }
}

// WithTracing sets up OTLP tracing for the runner's lifetime; the exporter is
// shut down in Close.
func WithTracing(cfg internaltracing.Config) Option {
	return func(r *Runner) {
		shutdown, err := internaltracing.Setup(context.Background(), cfg, r.logger)
		if err != nil {
			r.logger.Warn("Failed to setup tracing, continuing without it", zap.Error(err))
			return
		}
		r.tracingShutdown = shutdown
	}
}

// NewRunner creates a runner on a connected client. The engine answers the
// queries; stream/consumer name the JetStream source; runTimeout bounds each
// workflow run.
func NewRunner(cl *client.Client, engine *workflow.Engine, stream, consumer string, batchSize, numWorkers int, runTimeout time.Duration, logger *zap.Logger, opts ...Option) (*Runner, error) {
	if cl == nil {
		return nil, stderrors.New("client cannot be nil")
	}
	if engine == nil {
		return nil, stderrors.New("engine cannot be nil")
	}
	if stream == "" {
		return nil, stderrors.New("stream name cannot be empty")
	}
	if consumer == "" {
		return nil, stderrors.New("consumer name cannot be empty")
	}
	if batchSize <= 0 {
		return nil, stderrors.New("batchSize must be greater than 0")
	}
	if numWorkers <= 0 {
		return nil, stderrors.New("numWorkers must be greater than 0")
	}
	if runTimeout <= 0 {
		return nil, stderrors.New("runTimeout must be greater than 0")
	}
	if logger == nil {
		return nil, stderrors.New("logger cannot be nil")
	}
	if cl.Messages == nil {
		return nil, sdkerrors.ErrNotConnected
	}

	if err := cl.Messages.EnsureStream(stream); err != nil {
		return nil, fmt.Errorf("failed to ensure stream '%s' exists: %w", stream, err)
	}
	if err := cl.Messages.EnsureConsumer(stream, consumer); err != nil {
		return nil, fmt.Errorf("failed to ensure consumer '%s' exists: %w", consumer, err)
	}

	runner := &Runner{
		client:     cl,
		engine:     engine,
		stream:     stream,
		consumer:   consumer,
		batchSize:  batchSize,
		numWorkers: numWorkers,
		runTimeout: runTimeout,
		logger:     logger,
		tracer:     otel.Tracer("delphi/runner"),
	}
	for _, opt := range opts {
		opt(runner)
	}
	return runner, nil
}

// Close shuts down optional resources, including the tracing exporter.
func (r *Runner) Close() error {
	if r.tracingShutdown != nil {
		if err := internaltracing.Shutdown(r.tracingShutdown, r.logger); err != nil {
			return err
		}
	}
	if r.sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
	return nil
}

// Run starts the request processing pipeline. It spawns the worker pool and
// pulls requests from the configured stream until the context is cancelled,
// then waits for in-flight work to finish.
func (r *Runner) Run(ctx context.Context) error {
	requestChan := make(chan *message.QueryRequest, r.batchSize)

	var wg sync.WaitGroup
	for i := 0; i < r.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, requestChan)
		}(i)
	}

	go func() {
		defer close(requestChan)

		backoffDelay := 100 * time.Millisecond
		maxBackoff := 5 * time.Second

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Shutting down query puller")
				return
			default:
				requests, err := r.client.Messages.PullQueries(ctx, r.stream, r.consumer, r.batchSize)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					r.logger.Error("Error pulling query requests", zap.Error(err))
					time.Sleep(backoffDelay)
					if backoffDelay < maxBackoff {
						backoffDelay *= 2
					}
					continue
				}

				if len(requests) == 0 {
					select {
					case <-time.After(500 * time.Millisecond):
					case <-ctx.Done():
						return
					}
					continue
				}

				backoffDelay = 100 * time.Millisecond

				for _, req := range requests {
					select {
					case requestChan <- req:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		r.logger.Info("Runner completed")
		return nil
	case <-ctx.Done():
		r.logger.Info("Runner stopped due to context cancellation")
		<-done
		return ctx.Err()
	}
}

// worker processes query requests from the channel.
func (r *Runner) worker(ctx context.Context, workerID int, requestChan <-chan *message.QueryRequest) {
	r.logger.Info("Worker started", zap.Int("workerID", workerID))
	defer r.logger.Info("Worker stopped", zap.Int("workerID", workerID))

	for {
		select {
		case req, ok := <-requestChan:
			if !ok {
				return
			}
			r.processRequest(ctx, workerID, req)
		case <-ctx.Done():
			return
		}
	}
}

// processRequest executes one workflow run for a request and reports the
// outcome. Every consumed request produces exactly one answer envelope:
// success, error, or timeout.
func (r *Runner) processRequest(ctx context.Context, workerID int, req *message.QueryRequest) {
	ctx, span := r.tracer.Start(ctx, "runner.processRequest",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("request.correlation_id", req.CorrelationID),
			attribute.String("stream", r.stream),
			attribute.String("consumer", r.consumer),
		))
	defer span.End()

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("Terminating invalid query request",
			zap.Int("workerID", workerID),
			zap.Error(err))
		if termErr := req.Term(); termErr != nil {
			r.logger.Error("Error terminating invalid request", zap.Error(termErr))
		}
		return
	}

	start := time.Now()
	r.logger.Info("Worker answering query",
		zap.Int("workerID", workerID),
		zap.String("correlationID", req.CorrelationID))

	report, runErr := r.engine.Execute(ctx, req.Query, r.runTimeout)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int64("run.duration_ms", elapsed.Milliseconds()))

	var answer *message.Answer
	runID := ""
	if report != nil {
		runID = report.RunID
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		r.logger.Error("Run failed",
			zap.Int("workerID", workerID),
			zap.String("correlationID", req.CorrelationID),
			zap.Duration("elapsed", elapsed),
			zap.Error(runErr))

		if r.sentryEnabled {
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("correlation_id", req.CorrelationID)
				scope.SetTag("stream", r.stream)
				sentry.CaptureException(runErr)
			})
		}

		status := message.StatusError
		if sdkerrors.IsTimeout(runErr) {
			status = message.StatusTimeout
		}
		answer = message.NewFailureAnswer(req.CorrelationID, runID, status, runErr, elapsed)
	} else {
		span.SetStatus(codes.Ok, "query answered")
		r.logger.Info("Query answered",
			zap.Int("workerID", workerID),
			zap.String("correlationID", req.CorrelationID),
			zap.String("runID", report.RunID),
			zap.Duration("elapsed", elapsed))
		answer = message.NewAnswer(req.CorrelationID, report.RunID, report.Answer, elapsed)
	}

	// Report with a fresh context so a cancelled parent cannot drop the answer.
	reportCtx, reportCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer reportCancel()
	if err := r.client.Messages.ReportAnswer(reportCtx, answer, req); err != nil {
		r.logger.Error("Error reporting answer",
			zap.Int("workerID", workerID),
			zap.String("correlationID", req.CorrelationID),
			zap.Error(err))
	}

	r.saveArtifact(reportCtx, req, answer, report, runErr)
}

// saveArtifact persists the audit record when an artifact store is configured.
func (r *Runner) saveArtifact(ctx context.Context, req *message.QueryRequest, answer *message.Answer, report *workflow.RunReport, runErr error) {
	if r.artifacts == nil {
		return
	}

	artifact := &storage.RunArtifact{
		RunID:         answer.RunID,
		CorrelationID: req.CorrelationID,
		Query:         req.Query,
		Status:        answer.Status,
		Answer:        answer.Answer,
		Error:         answer.Error,
		ElapsedMs:     answer.ElapsedMs,
	}
	if artifact.RunID == "" {
		// Failed before a run ID was assigned; key the artifact by correlation.
		artifact.RunID = "unassigned-" + req.CorrelationID
	}
	if report != nil {
		for _, outcome := range report.Outcomes {
			artifact.Tasks = append(artifact.Tasks, storage.TaskOutcome{
				Task:          outcome.Task,
				DocumentCount: len(outcome.Documents),
				Error:         outcome.Err,
			})
		}
	}

	if _, err := r.artifacts.Save(ctx, artifact); err != nil {
		r.logger.Error("Error saving run artifact",
			zap.String("runID", artifact.RunID),
			zap.Error(err))
	}
}
