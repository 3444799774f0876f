package message

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockJS is an in-memory JSContext for unit tests without a NATS server.
type mockJS struct {
	mu         sync.Mutex
	published  []*nats.Msg
	streams    map[string]*nats.StreamInfo
	consumers  map[string]map[string]*nats.ConsumerInfo
	pending    []*nats.Msg
	publishErr error
	fetchErr   error
}

func newMockJS() *mockJS {
	return &mockJS{
		streams:   make(map[string]*nats.StreamInfo),
		consumers: make(map[string]map[string]*nats.ConsumerInfo),
	}
}

func (m *mockJS) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return nil, m.publishErr
	}
	m.published = append(m.published, &nats.Msg{Subject: subj, Data: data})
	return &nats.PubAck{Stream: "mock", Sequence: uint64(len(m.published))}, nil
}

func (m *mockJS) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	return &mockSub{js: m}, nil
}

func (m *mockJS) StreamInfo(stream string) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.streams[stream]; ok {
		return info, nil
	}
	return nil, nats.ErrStreamNotFound
}

func (m *mockJS) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := &nats.StreamInfo{Config: *cfg}
	m.streams[cfg.Name] = info
	return info, nil
}

func (m *mockJS) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byName, ok := m.consumers[stream]; ok {
		if info, ok := byName[consumer]; ok {
			return info, nil
		}
	}
	return nil, nats.ErrConsumerNotFound
}

func (m *mockJS) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumers[stream] == nil {
		m.consumers[stream] = make(map[string]*nats.ConsumerInfo)
	}
	info := &nats.ConsumerInfo{Stream: stream, Name: cfg.Durable, Config: *cfg}
	m.consumers[stream][cfg.Durable] = info
	return info, nil
}

// enqueue stages messages for the next fetch.
func (m *mockJS) enqueue(msgs ...*nats.Msg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, msgs...)
}

func (m *mockJS) publishedSubjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	subjects := make([]string, len(m.published))
	for i, msg := range m.published {
		subjects[i] = msg.Subject
	}
	return subjects
}

type mockSub struct {
	js *mockJS
}

func (s *mockSub) Unsubscribe() error { return nil }

func (s *mockSub) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	s.js.mu.Lock()
	defer s.js.mu.Unlock()
	if s.js.fetchErr != nil {
		return nil, s.js.fetchErr
	}
	if len(s.js.pending) == 0 {
		return nil, nats.ErrTimeout
	}
	n := batch
	if n > len(s.js.pending) {
		n = len(s.js.pending)
	}
	msgs := s.js.pending[:n]
	s.js.pending = s.js.pending[n:]
	return msgs, nil
}

func newTestService(t *testing.T, js JSContext) *Service {
	t.Helper()
	service, err := NewService(js, 5, 3, "ANSWERS", "answer")
	require.NoError(t, err)
	service.SetLogger(zap.NewNop())
	service.retryDelay = time.Millisecond
	return service
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(nil, 5, 3, "ANSWERS", "answer")
	assert.Error(t, err)

	// Zero values fall back to defaults.
	service, err := NewService(newMockJS(), 0, 0, "", "")
	require.NoError(t, err)
	assert.Equal(t, 5, service.maxDeliver)
	assert.Equal(t, 3, service.publishMaxRetries)
	assert.Equal(t, "ANSWERS", service.answerStream)
	assert.Equal(t, "answer", service.answerSubject)
}

func TestEnsureStreamCreatesOnce(t *testing.T) {
	js := newMockJS()
	service := newTestService(t, js)

	require.NoError(t, service.EnsureStream("QUERIES"))
	require.NoError(t, service.EnsureStream("QUERIES"))

	js.mu.Lock()
	defer js.mu.Unlock()
	require.Len(t, js.streams, 1)
	assert.Equal(t, []string{"QUERIES.>"}, js.streams["QUERIES"].Config.Subjects)
}

func TestEnsureConsumerCreatesDurablePull(t *testing.T) {
	js := newMockJS()
	service := newTestService(t, js)

	require.NoError(t, service.EnsureConsumer("QUERIES", "workers"))
	require.NoError(t, service.EnsureConsumer("QUERIES", "workers"))

	info, err := js.ConsumerInfo("QUERIES", "workers")
	require.NoError(t, err)
	assert.Equal(t, nats.AckExplicitPolicy, info.Config.AckPolicy)
	assert.Equal(t, 5, info.Config.MaxDeliver)
}

func TestPublishQuery(t *testing.T) {
	js := newMockJS()
	service := newTestService(t, js)

	req := NewQueryRequest("corr-1", "what speed range?")
	require.NoError(t, service.PublishQuery(context.Background(), "QUERIES.new", req))

	js.mu.Lock()
	defer js.mu.Unlock()
	require.Len(t, js.published, 1)
	assert.Equal(t, "QUERIES.new", js.published[0].Subject)

	var decoded QueryRequest
	require.NoError(t, json.Unmarshal(js.published[0].Data, &decoded))
	assert.Equal(t, "corr-1", decoded.CorrelationID)
	assert.Equal(t, "what speed range?", decoded.Query)

	// The stream for the subject prefix was created on demand.
	_, ok := js.streams["QUERIES"]
	assert.True(t, ok)
}

func TestPublishQueryValidation(t *testing.T) {
	service := newTestService(t, newMockJS())
	ctx := context.Background()

	assert.Error(t, service.PublishQuery(ctx, "", NewQueryRequest("c", "q")))
	assert.Error(t, service.PublishQuery(ctx, "QUERIES.new", nil))
	assert.Error(t, service.PublishQuery(ctx, "QUERIES.new", NewQueryRequest("c", "")))
}

func TestPullQueriesEmptyOnTimeout(t *testing.T) {
	service := newTestService(t, newMockJS())

	reqs, err := service.PullQueries(context.Background(), "QUERIES", "workers", 10)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestPullQueriesDecodes(t *testing.T) {
	js := newMockJS()
	service := newTestService(t, js)

	want := NewQueryRequest("corr-2", "question text")
	data, err := want.ToBytes()
	require.NoError(t, err)
	js.enqueue(&nats.Msg{Subject: "QUERIES.new", Data: data})

	reqs, err := service.PullQueries(context.Background(), "QUERIES", "workers", 10)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "corr-2", reqs[0].CorrelationID)
	assert.Equal(t, "question text", reqs[0].Query)
}

func TestPullQueriesSkipsMalformed(t *testing.T) {
	js := newMockJS()
	service := newTestService(t, js)

	good, err := NewQueryRequest("corr-3", "question").ToBytes()
	require.NoError(t, err)
	js.enqueue(
		&nats.Msg{Subject: "QUERIES.new", Data: []byte("not json")},
		&nats.Msg{Subject: "QUERIES.new", Data: good},
	)

	reqs, err := service.PullQueries(context.Background(), "QUERIES", "workers", 10)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "corr-3", reqs[0].CorrelationID)
}

func TestPullQueriesValidation(t *testing.T) {
	service := newTestService(t, newMockJS())

	_, err := service.PullQueries(context.Background(), "", "workers", 10)
	assert.Error(t, err)

	_, err = service.PullQueries(context.Background(), "QUERIES", "", 10)
	assert.Error(t, err)
}

func TestReportAnswerPublishesByStatus(t *testing.T) {
	js := newMockJS()
	service := newTestService(t, js)

	answer := NewAnswer("corr-4", "run-1", "the answer", 1500*time.Millisecond)
	require.NoError(t, service.ReportAnswer(context.Background(), answer, nil))

	subjects := js.publishedSubjects()
	require.Len(t, subjects, 1)
	assert.Equal(t, "answer.success", subjects[0])

	// The answer stream subject pattern covers status suffixes.
	js.mu.Lock()
	defer js.mu.Unlock()
	require.Contains(t, js.streams, "ANSWERS")
	assert.Equal(t, []string{"answer.>"}, js.streams["ANSWERS"].Config.Subjects)
}

func TestReportAnswerFailureStatus(t *testing.T) {
	js := newMockJS()
	service := newTestService(t, js)

	answer := NewFailureAnswer("corr-5", "run-2", StatusTimeout, fmt.Errorf("run timed out"), 2*time.Second)
	require.NoError(t, service.ReportAnswer(context.Background(), answer, nil))

	subjects := js.publishedSubjects()
	require.Len(t, subjects, 1)
	assert.Equal(t, "answer.timeout", subjects[0])
}

func TestReportAnswerNilAnswer(t *testing.T) {
	service := newTestService(t, newMockJS())
	assert.Error(t, service.ReportAnswer(context.Background(), nil, nil))
}

func TestReportAnswerRetriesThenFails(t *testing.T) {
	js := newMockJS()
	js.publishErr = fmt.Errorf("connection lost")
	service := newTestService(t, js)

	answer := NewAnswer("corr-6", "run-3", "answer", time.Second)
	err := service.ReportAnswer(context.Background(), answer, nil)
	assert.Error(t, err)
}

func TestPullQueriesContextCancelled(t *testing.T) {
	js := newMockJS()
	js.fetchErr = fmt.Errorf("fetch failed")
	service := newTestService(t, js)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := service.PullQueries(ctx, "QUERIES", "workers", 10)
	assert.Error(t, err)
}
