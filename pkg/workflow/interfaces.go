package workflow

import (
	"context"
	"time"

	"github.com/wehubfusion/Delphi/pkg/corpus"
	"github.com/wehubfusion/Delphi/pkg/query"
	"github.com/wehubfusion/Delphi/pkg/retrieval"
)

// Planner decomposes a user query into independent retrieval tasks. Called
// exactly once per run. Implementations wrap a language-model call; the
// engine treats the returned plan as untrusted dynamic data and validates it
// before dispatch. An empty plan is a valid answer meaning the query is
// outside the corpus domain.
type Planner interface {
	Plan(ctx context.Context, queryText string, today time.Time) (query.Plan, error)
}

// Retriever runs one similarity search against the document index, restricted
// to chunks matching every predicate in filters. An empty filter set means
// unfiltered search.
type Retriever interface {
	Search(ctx context.Context, queryText string, filters []retrieval.Predicate, topK int) ([]corpus.Document, error)
}

// Reranker reorders retrieved documents by relevance to the query and trims
// them to topN. Only invoked for non-empty retrieval results.
type Reranker interface {
	Rerank(ctx context.Context, queryText string, documents []corpus.Document, topN int) ([]corpus.Document, error)
}

// Synthesizer produces the final cited answer from the labeled context block
// and the original query. Called at most once per run.
type Synthesizer interface {
	Synthesize(ctx context.Context, contextBlock, queryText string) (string, error)
}
