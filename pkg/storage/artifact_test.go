package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Delphi/pkg/query"
)

// memBlob is an in-memory BlobClient for tests.
type memBlob struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	metadata  map[string]map[string]string
	uploadErr error
}

func newMemBlob() *memBlob {
	return &memBlob{
		blobs:    make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (m *memBlob) Upload(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.blobs[blobPath] = data
	m.metadata[blobPath] = metadata
	return "mem://" + blobPath, nil
}

func (m *memBlob) Download(ctx context.Context, reference string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := reference
	if len(path) > 6 && path[:6] == "mem://" {
		path = path[6:]
	}
	data, ok := m.blobs[path]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", path)
	}
	return data, nil
}

func TestNewArtifactStoreValidation(t *testing.T) {
	_, err := NewArtifactStore(nil, zap.NewNop())
	assert.Error(t, err)

	_, err = NewArtifactStore(newMemBlob(), nil)
	assert.Error(t, err)
}

func TestArtifactSaveAndLoad(t *testing.T) {
	blob := newMemBlob()
	store, err := NewArtifactStore(blob, zap.NewNop())
	require.NoError(t, err)

	artifact := &RunArtifact{
		RunID:         "run-1",
		CorrelationID: "corr-1",
		Query:         "what speed range?",
		Status:        "success",
		Answer:        "10 to 50 km/h",
		Tasks: []TaskOutcome{
			{
				Task:          query.RetrievalTask{Mode: query.ModeGlobal, RewrittenQuery: "speed range"},
				DocumentCount: 3,
			},
			{
				Task:  query.RetrievalTask{Mode: query.ModePrecision, TargetVersion: "4.0", RewrittenQuery: "speed range"},
				Error: "backend down",
			},
		},
		ElapsedMs:   1500,
		CompletedAt: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	ref, err := store.Save(context.Background(), artifact)
	require.NoError(t, err)
	assert.Equal(t, "mem://runs/2024-03-10/run-1.json", ref)

	blob.mu.Lock()
	meta := blob.metadata["runs/2024-03-10/run-1.json"]
	blob.mu.Unlock()
	assert.Equal(t, "run-1", meta["run_id"])
	assert.Equal(t, "success", meta["status"])

	loaded, err := store.Load(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, artifact.RunID, loaded.RunID)
	assert.Equal(t, artifact.Answer, loaded.Answer)
	require.Len(t, loaded.Tasks, 2)
	assert.Equal(t, 3, loaded.Tasks[0].DocumentCount)
	assert.Equal(t, "backend down", loaded.Tasks[1].Error)
}

func TestArtifactSaveDefaultsCompletedAt(t *testing.T) {
	store, err := NewArtifactStore(newMemBlob(), zap.NewNop())
	require.NoError(t, err)

	artifact := &RunArtifact{RunID: "run-2", Query: "q", Status: "error"}
	_, err = store.Save(context.Background(), artifact)
	require.NoError(t, err)
	assert.False(t, artifact.CompletedAt.IsZero())
}

func TestArtifactSaveValidation(t *testing.T) {
	store, err := NewArtifactStore(newMemBlob(), zap.NewNop())
	require.NoError(t, err)

	_, err = store.Save(context.Background(), nil)
	assert.Error(t, err)

	_, err = store.Save(context.Background(), &RunArtifact{})
	assert.Error(t, err)
}

func TestArtifactSaveNilStore(t *testing.T) {
	var store *ArtifactStore
	ref, err := store.Save(context.Background(), &RunArtifact{RunID: "run-3"})
	assert.NoError(t, err)
	assert.Empty(t, ref)
}

func TestArtifactSavePropagatesUploadError(t *testing.T) {
	blob := newMemBlob()
	blob.uploadErr = fmt.Errorf("storage unavailable")
	store, err := NewArtifactStore(blob, zap.NewNop())
	require.NoError(t, err)

	_, err = store.Save(context.Background(), &RunArtifact{RunID: "run-4"})
	assert.Error(t, err)
}

func TestArtifactLoadDecodesErrors(t *testing.T) {
	blob := newMemBlob()
	blob.blobs["bad.json"] = []byte("{broken")
	store, err := NewArtifactStore(blob, zap.NewNop())
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "bad.json")
	assert.Error(t, err)

	_, err = store.Load(context.Background(), "missing.json")
	assert.Error(t, err)
}
