package memretriever

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Delphi/pkg/corpus"
	"github.com/wehubfusion/Delphi/pkg/query"
	"github.com/wehubfusion/Delphi/pkg/retrieval"
)

func testCorpus() []corpus.Document {
	return []corpus.Document{
		{
			FileName:     "v40.pdf",
			Version:      "4.0",
			StartDate:    20210101,
			EndDate:      20221231,
			ProtocolType: corpus.TestProtocol,
			Content:      "AEB testing covers impact speed range 10 to 40 km/h",
		},
		{
			FileName:     "v431.pdf",
			Version:      "4.3.1",
			StartDate:    20230101,
			EndDate:      20241231,
			ProtocolType: corpus.TestProtocol,
			Content:      "AEB testing covers impact speed range 10 to 50 km/h",
		},
		{
			FileName:     "assessment.pdf",
			Version:      "4.3.1",
			StartDate:    20230101,
			EndDate:      20241231,
			ProtocolType: corpus.AssessmentProtocol,
			Content:      "Scoring uses a sliding scale over the speed range",
		},
	}
}

func TestSearchUnfiltered(t *testing.T) {
	store := NewStore(testCorpus())

	docs, err := store.Search(context.Background(), "speed range", nil, 10)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestSearchVersionFilter(t *testing.T) {
	store := NewStore(testCorpus())

	filters := retrieval.CompileFilters(query.RetrievalTask{
		Mode:           query.ModePrecision,
		TargetVersion:  "4.0",
		RewrittenQuery: "speed range",
	})

	docs, err := store.Search(context.Background(), "speed range", filters, 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "v40.pdf", docs[0].FileName)
}

func TestSearchDateContainment(t *testing.T) {
	store := NewStore(testCorpus())

	filters := retrieval.CompileFilters(query.RetrievalTask{
		Mode:           query.ModePrecision,
		TargetDate:     "2023-06-15",
		RewrittenQuery: "speed range",
	})

	docs, err := store.Search(context.Background(), "speed range", filters, 10)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, doc := range docs {
		assert.True(t, doc.ValidOn(20230615))
	}
}

func TestSearchProtocolTypeFilter(t *testing.T) {
	store := NewStore(testCorpus())

	filters := retrieval.CompileFilters(query.RetrievalTask{
		Mode:           query.ModeGlobal,
		ProtocolType:   query.AssessmentProtocol,
		RewrittenQuery: "scoring",
	})

	docs, err := store.Search(context.Background(), "scoring", filters, 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "assessment.pdf", docs[0].FileName)
}

func TestSearchCombinedFilters(t *testing.T) {
	store := NewStore(testCorpus())

	filters := retrieval.CompileFilters(query.RetrievalTask{
		Mode:           query.ModePrecision,
		TargetDate:     "2023-06-15",
		ProtocolType:   query.TestProtocol,
		RewrittenQuery: "speed range",
	})

	docs, err := store.Search(context.Background(), "speed range", filters, 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "v431.pdf", docs[0].FileName)
}

func TestSearchHonorsTopK(t *testing.T) {
	store := NewStore(testCorpus())

	docs, err := store.Search(context.Background(), "speed range", nil, 2)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestSearchRanksByOverlap(t *testing.T) {
	store := NewStore(testCorpus())

	docs, err := store.Search(context.Background(), "AEB impact speed range 50", nil, 10)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Equal(t, "v431.pdf", docs[0].FileName)
	for i := 1; i < len(docs); i++ {
		assert.GreaterOrEqual(t, docs[i-1].Score, docs[i].Score)
	}
}

// Predicates with unknown keys or operators fail closed.
func TestSearchUnknownPredicateMatchesNothing(t *testing.T) {
	store := NewStore(testCorpus())

	docs, err := store.Search(context.Background(), "speed range", []retrieval.Predicate{
		{Key: "system_domain", Operator: retrieval.OpEq, StringValue: "Car-to-Car"},
	}, 10)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestRerankTrimsAndOrders(t *testing.T) {
	store := NewStore(nil)
	candidates := []corpus.Document{
		{FileName: "weak.pdf", Content: "unrelated text entirely"},
		{FileName: "strong.pdf", Content: "impact speed range 10 to 50"},
		{FileName: "medium.pdf", Content: "speed limits on impact"},
	}

	docs, err := store.Rerank(context.Background(), "impact speed range", candidates, 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "strong.pdf", docs[0].FileName)
}

func TestRerankDoesNotMutateInput(t *testing.T) {
	store := NewStore(nil)
	candidates := []corpus.Document{
		{FileName: "a.pdf", Content: "speed range"},
		{FileName: "b.pdf", Content: "unrelated"},
	}

	_, err := store.Rerank(context.Background(), "speed range", candidates, 10)
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", candidates[0].FileName)
	assert.Zero(t, candidates[0].Score)
}

func TestSearchCancelledContext(t *testing.T) {
	store := NewStore(testCorpus())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Search(ctx, "speed range", nil, 10)
	assert.Error(t, err)
}
