// Package memretriever provides an in-memory retriever and reranker over a
// static document set. It evaluates the same predicate sets a vector-store
// backend would, with a token-overlap relevance score instead of embeddings.
// It backs local development, the examples, and the engine tests; production
// deployments plug in a real index behind the same interfaces.
package memretriever

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/wehubfusion/Delphi/pkg/corpus"
	"github.com/wehubfusion/Delphi/pkg/query"
	"github.com/wehubfusion/Delphi/pkg/retrieval"
)

var fold = cases.Fold()

// Store holds the indexed documents. It is safe for concurrent Search and
// Rerank calls because the document set is immutable after construction.
type Store struct {
	documents []corpus.Document
}

// NewStore indexes the given documents. The slice is copied so the caller may
// reuse it.
func NewStore(documents []corpus.Document) *Store {
	docs := make([]corpus.Document, len(documents))
	copy(docs, documents)
	return &Store{documents: docs}
}

// Len returns the number of indexed documents.
func (s *Store) Len() int { return len(s.documents) }

// Search returns up to topK documents matching every predicate, ordered by
// descending token-overlap score against the query text.
func (s *Store) Search(ctx context.Context, queryText string, filters []retrieval.Predicate, topK int) ([]corpus.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queryTokens := tokenize(queryText)

	var matched []corpus.Document
	for _, doc := range s.documents {
		if !matchesAll(doc, filters) {
			continue
		}
		doc.Score = overlapScore(queryTokens, tokenize(doc.Content))
		matched = append(matched, doc)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Score > matched[j].Score
	})

	if topK > 0 && len(matched) > topK {
		matched = matched[:topK]
	}
	return matched, nil
}

// Rerank reorders documents by token-overlap score and trims to topN. A real
// deployment substitutes a cross-encoder here.
func (s *Store) Rerank(ctx context.Context, queryText string, documents []corpus.Document, topN int) ([]corpus.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queryTokens := tokenize(queryText)

	reranked := make([]corpus.Document, len(documents))
	copy(reranked, documents)
	for i := range reranked {
		reranked[i].Score = overlapScore(queryTokens, tokenize(reranked[i].Content))
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})

	if topN > 0 && len(reranked) > topN {
		reranked = reranked[:topN]
	}
	return reranked, nil
}

// matchesAll evaluates the predicate set against a document's metadata.
// Unknown keys or operators fail closed so a bad predicate never widens the
// result set.
func matchesAll(doc corpus.Document, filters []retrieval.Predicate) bool {
	for _, p := range filters {
		if !matches(doc, p) {
			return false
		}
	}
	return true
}

func matches(doc corpus.Document, p retrieval.Predicate) bool {
	switch p.Key {
	case retrieval.KeyStartDate:
		return compareInt(doc.StartDate, p.Operator, p.IntValue)
	case retrieval.KeyEndDate:
		return compareInt(doc.EndDate, p.Operator, p.IntValue)
	case retrieval.KeyVersion:
		return p.Operator == retrieval.OpEq && doc.Version == p.StringValue
	case retrieval.KeyProtocolType:
		return p.Operator == retrieval.OpEq && doc.ProtocolType == p.StringValue
	default:
		return false
	}
}

func compareInt(value int, op retrieval.Operator, target int) bool {
	switch op {
	case retrieval.OpEq:
		return value == target
	case retrieval.OpLte:
		return value <= target
	case retrieval.OpGte:
		return value >= target
	default:
		return false
	}
}

// tokenize lowercases via Unicode case folding and splits on whitespace,
// trimming common punctuation, matching the normalization applied to
// rewritten queries.
func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, field := range strings.Fields(fold.String(query.NormalizeQueryText(text))) {
		token := strings.Trim(field, ".,;:!?()[]\"'")
		if token != "" {
			tokens[token] = true
		}
	}
	return tokens
}

// overlapScore is the fraction of query tokens present in the document.
func overlapScore(queryTokens, docTokens map[string]bool) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	hits := 0
	for token := range queryTokens {
		if docTokens[token] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}
