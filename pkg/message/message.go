// Package message defines the JetStream envelopes for the query service:
// inbound query requests and outbound answers, plus the service that moves
// them over NATS JetStream.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	sdkerrors "github.com/wehubfusion/Delphi/pkg/errors"
)

// Answer status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// QueryRequest is one inbound question. Requests are serialized to JSON for
// transmission and persisted according to the stream's configuration.
type QueryRequest struct {
	// CorrelationID ties the eventual answer back to the requester.
	CorrelationID string `json:"correlationId"`

	// Query is the natural-language question text.
	Query string `json:"query"`

	// Metadata holds additional key-value pairs for the request.
	Metadata map[string]string `json:"metadata,omitempty"`

	// SubmittedAt is when the requester created the message.
	SubmittedAt string `json:"submittedAt"`

	// natsMsg holds the original NATS message for acknowledgment (not serialized)
	natsMsg *nats.Msg
}

// NewQueryRequest creates a request envelope with the submission timestamp set.
func NewQueryRequest(correlationID, queryText string) *QueryRequest {
	return &QueryRequest{
		CorrelationID: correlationID,
		Query:         queryText,
		Metadata:      make(map[string]string),
		SubmittedAt:   time.Now().Format(time.RFC3339),
	}
}

// Validate checks that the request is answerable.
func (q *QueryRequest) Validate() error {
	if strings.TrimSpace(q.Query) == "" {
		return fmt.Errorf("%w: query text is empty", sdkerrors.ErrInvalidMessage)
	}
	if q.CorrelationID == "" {
		return fmt.Errorf("%w: correlation ID is required", sdkerrors.ErrInvalidMessage)
	}
	return nil
}

// ToBytes serializes the request for transmission.
func (q *QueryRequest) ToBytes() ([]byte, error) {
	return json.Marshal(q)
}

// FromNATSMsg decodes a query request from a raw JetStream message, keeping
// the NATS message reference for acknowledgment.
func FromNATSMsg(msg *nats.Msg) (*QueryRequest, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil NATS message", sdkerrors.ErrInvalidMessage)
	}
	var req QueryRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", sdkerrors.ErrInvalidMessage, err)
	}
	req.natsMsg = msg
	return &req, nil
}

// Ack acknowledges the underlying JetStream message.
func (q *QueryRequest) Ack() error {
	if q.natsMsg == nil {
		return fmt.Errorf("%w: no NATS message to acknowledge", sdkerrors.ErrInvalidMessage)
	}
	return q.natsMsg.Ack()
}

// Nak negatively acknowledges the underlying JetStream message so it is
// redelivered according to the consumer's configuration.
func (q *QueryRequest) Nak() error {
	if q.natsMsg == nil {
		return fmt.Errorf("%w: no NATS message to acknowledge", sdkerrors.ErrInvalidMessage)
	}
	return q.natsMsg.Nak()
}

// Term terminates delivery of the underlying JetStream message; it will not
// be redelivered. Used for requests that can never be processed.
func (q *QueryRequest) Term() error {
	if q.natsMsg == nil {
		return fmt.Errorf("%w: no NATS message to acknowledge", sdkerrors.ErrInvalidMessage)
	}
	return q.natsMsg.Term()
}

// Answer is the outbound result envelope for one query request. Exactly one
// answer is published per consumed request, whether the run succeeded,
// failed, or timed out.
type Answer struct {
	CorrelationID string `json:"correlationId"`
	RunID         string `json:"runId"`

	// Status is "success", "error" or "timeout".
	Status string `json:"status"`

	// Answer carries the cited answer text on success.
	Answer string `json:"answer,omitempty"`

	// Error carries the failure description when Status is not success.
	Error string `json:"error,omitempty"`

	ElapsedMs   int64  `json:"elapsedMs"`
	CompletedAt string `json:"completedAt"`
}

// NewAnswer creates a success answer envelope.
func NewAnswer(correlationID, runID, answerText string, elapsed time.Duration) *Answer {
	return &Answer{
		CorrelationID: correlationID,
		RunID:         runID,
		Status:        StatusSuccess,
		Answer:        answerText,
		ElapsedMs:     elapsed.Milliseconds(),
		CompletedAt:   time.Now().Format(time.RFC3339),
	}
}

// NewFailureAnswer creates an error or timeout answer envelope.
func NewFailureAnswer(correlationID, runID, status string, err error, elapsed time.Duration) *Answer {
	return &Answer{
		CorrelationID: correlationID,
		RunID:         runID,
		Status:        status,
		Error:         err.Error(),
		ElapsedMs:     elapsed.Milliseconds(),
		CompletedAt:   time.Now().Format(time.RFC3339),
	}
}

// ToBytes serializes the answer for transmission.
func (a *Answer) ToBytes() ([]byte, error) {
	return json.Marshal(a)
}
