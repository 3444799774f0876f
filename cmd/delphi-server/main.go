// delphi-server answers protocol questions pulled from a NATS JetStream
// queue. It loads a document corpus from a JSON file, builds the workflow
// engine with in-memory retrieval and heuristic planning/synthesis
// collaborators, and runs the worker pool until interrupted. Deployments
// with a real language model and vector index substitute their own
// collaborators through the same interfaces.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	internalnats "github.com/wehubfusion/Delphi/internal/nats"
	"github.com/wehubfusion/Delphi/internal/tracing"
	"github.com/wehubfusion/Delphi/pkg/client"
	"github.com/wehubfusion/Delphi/pkg/concurrency"
	"github.com/wehubfusion/Delphi/pkg/config"
	"github.com/wehubfusion/Delphi/pkg/corpus"
	"github.com/wehubfusion/Delphi/pkg/memretriever"
	"github.com/wehubfusion/Delphi/pkg/query"
	"github.com/wehubfusion/Delphi/pkg/runner"
	"github.com/wehubfusion/Delphi/pkg/storage"
	"github.com/wehubfusion/Delphi/pkg/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	corpusPath := flag.String("corpus", "corpus.json", "path to JSON corpus file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	undo := concurrency.InitializeForKubernetes()
	defer undo()

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Tracing.Environment,
		}); err != nil {
			logger.Warn("Failed to initialize Sentry, continuing without it", zap.Error(err))
			cfg.SentryDSN = ""
		}
	}

	documents, err := loadCorpus(*corpusPath)
	if err != nil {
		logger.Fatal("Failed to load corpus", zap.String("path", *corpusPath), zap.Error(err))
	}
	logger.Info("Corpus loaded", zap.Int("documents", len(documents)))

	store := memretriever.NewStore(documents)

	ccfg := concurrency.LoadConfig()
	maxConcurrent := ccfg.MaxConcurrentRetrievals
	if cfg.Engine.MaxConcurrency > 0 {
		maxConcurrent = cfg.Engine.MaxConcurrency
	}

	engine, err := workflow.NewQueryEngine(workflow.Collaborators{
		Planner:     &heuristicPlanner{},
		Retriever:   store,
		Reranker:    store,
		Synthesizer: &extractiveSynthesizer{},
	}, workflow.StepConfig{
		TopK:    cfg.Engine.TopK,
		TopN:    cfg.Engine.TopN,
		Limiter: concurrency.NewLimiter(maxConcurrent),
		Breaker: concurrency.NewCircuitBreaker(5, 30*time.Second),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connCfg := internalnats.DefaultConnectionConfig(cfg.NATS.URL)
	connCfg.Token = cfg.NATS.Token
	connCfg.Username = cfg.NATS.Username
	connCfg.Password = cfg.NATS.Password

	cl := client.NewClientWithConfig(connCfg)
	cl.SetLogger(logger)
	if err := cl.Connect(ctx); err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer cl.Close() //nolint:errcheck

	opts := []runner.Option{}
	if cfg.Tracing.Enabled {
		tcfg := tracing.DefaultConfig("delphi-server")
		tcfg.Environment = cfg.Tracing.Environment
		tcfg.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
		tcfg.SampleRatio = cfg.Tracing.SampleRatio
		opts = append(opts, runner.WithTracing(tcfg))
	}
	if cfg.SentryDSN != "" {
		opts = append(opts, runner.WithSentry())
	}
	if cfg.Storage.Enabled {
		blob, err := storage.NewAzureBlobClient(cfg.Storage.ConnectionString, cfg.Storage.Container, logger)
		if err != nil {
			logger.Fatal("Failed to create blob client", zap.Error(err))
		}
		artifacts, err := storage.NewArtifactStore(blob, logger)
		if err != nil {
			logger.Fatal("Failed to create artifact store", zap.Error(err))
		}
		opts = append(opts, runner.WithArtifactStore(artifacts))
	}

	numWorkers := ccfg.RunnerWorkers
	if cfg.Runner.NumWorkers > 0 {
		numWorkers = cfg.Runner.NumWorkers
	}

	r, err := runner.NewRunner(cl, engine, cfg.NATS.Stream, cfg.NATS.Consumer,
		cfg.Runner.BatchSize, numWorkers, cfg.Engine.RunTimeout, logger, opts...)
	if err != nil {
		logger.Fatal("Failed to create runner", zap.Error(err))
	}
	defer r.Close() //nolint:errcheck

	logger.Info("Server started",
		zap.String("stream", cfg.NATS.Stream),
		zap.String("consumer", cfg.NATS.Consumer),
		zap.Int("workers", numWorkers))

	if err := r.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("Runner exited with error", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = parsed
	}
	return cfg.Build()
}

func loadCorpus(path string) ([]corpus.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var documents []corpus.Document
	if err := json.Unmarshal(data, &documents); err != nil {
		return nil, fmt.Errorf("parse corpus: %w", err)
	}
	return documents, nil
}

var (
	datePattern    = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	versionPattern = regexp.MustCompile(`\bv?(\d+(?:\.\d+)+)\b`)
	scenarioWord   = regexp.MustCompile(`\b([Cc][CcPpBbMm][A-Za-z0-9-]*)\b`)
)

// Comparative wording must not survive into rewritten queries, so the
// heuristic planner strips it before emitting tasks.
var comparativeWords = map[string]bool{
	"compare": true, "compared": true, "comparison": true,
	"difference": true, "differences": true, "differ": true,
	"changed": true, "changes": true, "change": true,
	"versus": true, "vs": true, "new": true, "old": true,
	"between": true,
}

// heuristicPlanner derives a retrieval plan from surface features of the
// query text. It emits one task per explicit date or version mention, or a
// single global task when the question spans versions. A production
// deployment replaces this with a language-model planner.
type heuristicPlanner struct{}

func (heuristicPlanner) Plan(ctx context.Context, queryText string, today time.Time) (query.Plan, error) {
	if err := ctx.Err(); err != nil {
		return query.Plan{}, err
	}

	normalized := query.NormalizeQueryText(queryText)
	if normalized == "" {
		return query.Plan{}, nil
	}

	rewritten := stripComparatives(normalized)
	if rewritten == "" {
		return query.Plan{}, nil
	}

	var domain query.SystemDomain
	if m := scenarioWord.FindString(normalized); m != "" {
		if d, ok := query.DomainForScenario(m); ok {
			domain = d
		}
	}

	dates := datePattern.FindAllString(normalized, -1)
	versions := versionPattern.FindAllStringSubmatch(normalized, -1)

	var tasks []query.RetrievalTask
	for _, date := range dates {
		tasks = append(tasks, query.RetrievalTask{
			Mode:           query.ModePrecision,
			TargetDate:     date,
			SystemDomain:   domain,
			RewrittenQuery: rewritten,
		})
	}
	for _, m := range versions {
		tasks = append(tasks, query.RetrievalTask{
			Mode:           query.ModePrecision,
			TargetVersion:  m[1],
			SystemDomain:   domain,
			RewrittenQuery: rewritten,
		})
	}
	if len(tasks) == 0 {
		tasks = append(tasks, query.RetrievalTask{
			Mode:           query.ModeGlobal,
			SystemDomain:   domain,
			RewrittenQuery: rewritten,
		})
	}
	return query.Plan{Tasks: tasks}, nil
}

func stripComparatives(text string) string {
	var kept []string
	for _, word := range strings.Fields(text) {
		if comparativeWords[strings.ToLower(strings.Trim(word, ".,;:!?"))] {
			continue
		}
		kept = append(kept, word)
	}
	return strings.Join(kept, " ")
}

// extractiveSynthesizer returns the highest-scoring excerpts from the labeled
// context block instead of generating prose. A production deployment replaces
// this with a language-model synthesizer that cites sources.
type extractiveSynthesizer struct{}

func (extractiveSynthesizer) Synthesize(ctx context.Context, contextBlock, queryText string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	type excerpt struct {
		header string
		body   string
		score  int
	}

	queryTokens := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(queryText)) {
		queryTokens[strings.Trim(w, ".,;:!?")] = true
	}

	var excerpts []excerpt
	sections := strings.Split(contextBlock, "=== Source ")
	for _, section := range sections[1:] {
		headerEnd := strings.Index(section, "===")
		if headerEnd < 0 {
			continue
		}
		body := strings.TrimSpace(section[headerEnd+3:])
		if body == "" {
			continue
		}
		score := 0
		for _, w := range strings.Fields(strings.ToLower(body)) {
			if queryTokens[strings.Trim(w, ".,;:!?")] {
				score++
			}
		}
		excerpts = append(excerpts, excerpt{
			header: "Source " + strings.TrimSpace(section[:headerEnd]),
			body:   body,
			score:  score,
		})
	}
	if len(excerpts) == 0 {
		return "", fmt.Errorf("context block contains no sources")
	}

	sort.SliceStable(excerpts, func(i, j int) bool { return excerpts[i].score > excerpts[j].score })
	if len(excerpts) > 3 {
		excerpts = excerpts[:3]
	}

	var b strings.Builder
	b.WriteString("Based on the retrieved protocol excerpts:\n")
	for _, e := range excerpts {
		b.WriteString("\n[")
		b.WriteString(e.header)
		b.WriteString("]\n")
		b.WriteString(e.body)
		b.WriteString("\n")
	}
	return b.String(), nil
}
