package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Delphi/pkg/query"
)

// TaskOutcome records what one retrieval dispatch produced, for audit.
type TaskOutcome struct {
	Task          query.RetrievalTask `json:"task"`
	DocumentCount int                 `json:"document_count"`
	Error         string              `json:"error,omitempty"`
}

// RunArtifact is the audit record persisted for every terminal run.
type RunArtifact struct {
	RunID         string        `json:"run_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Query         string        `json:"query"`
	Status        string        `json:"status"`
	Answer        string        `json:"answer,omitempty"`
	Error         string        `json:"error,omitempty"`
	Tasks         []TaskOutcome `json:"tasks,omitempty"`
	ElapsedMs     int64         `json:"elapsed_ms"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// ArtifactStore persists run artifacts through a BlobClient. A nil store is
// valid and disables persistence.
type ArtifactStore struct {
	blob   BlobClient
	logger *zap.Logger
}

// NewArtifactStore creates an artifact store on the given blob client.
func NewArtifactStore(blob BlobClient, logger *zap.Logger) (*ArtifactStore, error) {
	if blob == nil {
		return nil, fmt.Errorf("blob client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &ArtifactStore{blob: blob, logger: logger}, nil
}

// Save uploads the artifact as JSON under runs/<date>/<run_id>.json and
// returns the blob URL.
func (s *ArtifactStore) Save(ctx context.Context, artifact *RunArtifact) (string, error) {
	if s == nil {
		return "", nil
	}
	if artifact == nil || artifact.RunID == "" {
		return "", fmt.Errorf("artifact with run ID is required")
	}
	if artifact.CompletedAt.IsZero() {
		artifact.CompletedAt = time.Now().UTC()
	}

	data, err := json.Marshal(artifact)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run artifact: %w", err)
	}

	blobPath := fmt.Sprintf("runs/%s/%s.json", artifact.CompletedAt.Format("2006-01-02"), artifact.RunID)
	url, err := s.blob.Upload(ctx, blobPath, data, map[string]string{
		"run_id": artifact.RunID,
		"status": artifact.Status,
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("Run artifact saved",
		zap.String("runID", artifact.RunID),
		zap.String("blobPath", blobPath))
	return url, nil
}

// Load fetches and decodes a previously saved artifact.
func (s *ArtifactStore) Load(ctx context.Context, reference string) (*RunArtifact, error) {
	data, err := s.blob.Download(ctx, reference)
	if err != nil {
		return nil, err
	}
	var artifact RunArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to decode run artifact: %w", err)
	}
	return &artifact, nil
}
