package message

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Delphi/pkg/errors"
)

// JSContext defines the minimal subset of JetStream operations the service
// depends on. This allows tests to provide a mock without requiring a running
// NATS server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error)
}

// JSSubscription abstracts the subscription operations the service uses.
// Implemented by the real nats.Subscription via adapter and by test doubles.
type JSSubscription interface {
	Unsubscribe() error
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// WrapNATSJetStream adapts a nats.JetStreamContext to the JSContext interface.
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return &natsSubAdapter{sub: sub}, nil
}

func (a *natsJSAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

func (a *natsJSAdapter) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	return a.js.ConsumerInfo(stream, consumer)
}

func (a *natsJSAdapter) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(stream, cfg)
}

type natsSubAdapter struct {
	sub *nats.Subscription
}

func (s *natsSubAdapter) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSubAdapter) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	return s.sub.Fetch(batch, opts...)
}

// Service moves query requests and answers over JetStream with explicit
// acknowledgment handling.
type Service struct {
	js                JSContext
	logger            *zap.Logger
	maxDeliver        int
	publishMaxRetries int
	retryDelay        time.Duration
	answerStream      string
	answerSubject     string
}

// NewService creates a message service on the given JetStream context. Any
// implementation satisfying JSContext (including a wrapped
// nats.JetStreamContext) can be used. maxDeliver bounds redelivery of query
// requests; publishMaxRetries bounds answer publish attempts.
func NewService(js JSContext, maxDeliver, publishMaxRetries int, answerStream, answerSubject string) (*Service, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}
	if maxDeliver <= 0 {
		maxDeliver = 5
	}
	if publishMaxRetries <= 0 {
		publishMaxRetries = 3
	}
	if answerStream == "" {
		answerStream = "ANSWERS"
	}
	if answerSubject == "" {
		answerSubject = "answer"
	}

	logger, _ := zap.NewProduction()
	return &Service{
		js:                js,
		logger:            logger,
		maxDeliver:        maxDeliver,
		publishMaxRetries: publishMaxRetries,
		retryDelay:        time.Second,
		answerStream:      answerStream,
		answerSubject:     answerSubject,
	}, nil
}

// SetLogger replaces the service logger.
func (s *Service) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// EnsureStream creates the JetStream stream if it doesn't exist.
func (s *Service) EnsureStream(streamName string) error {
	streamInfo, err := s.js.StreamInfo(streamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
		}

		s.logger.Info("Creating JetStream stream", zap.String("stream", streamName))
		streamConfig := &nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{fmt.Sprintf("%s.>", streamName)},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
			MaxMsgs:  100000,
			Replicas: 1,
		}
		if _, err := s.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
		}

		s.logger.Info("Successfully created JetStream stream",
			zap.String("stream", streamName),
			zap.Strings("subjects", streamConfig.Subjects))
		return nil
	}

	s.logger.Info("JetStream stream already exists",
		zap.String("stream", streamName),
		zap.Uint64("messages", streamInfo.State.Msgs))
	return nil
}

// EnsureConsumer creates the durable pull consumer if it doesn't exist.
func (s *Service) EnsureConsumer(streamName, consumerName string) error {
	consumerInfo, err := s.js.ConsumerInfo(streamName, consumerName)
	if err != nil {
		if err != nats.ErrConsumerNotFound {
			return fmt.Errorf("failed to get consumer info for '%s' in stream '%s': %w", consumerName, streamName, err)
		}

		s.logger.Info("Creating JetStream consumer",
			zap.String("stream", streamName),
			zap.String("consumer", consumerName))
		consumerConfig := &nats.ConsumerConfig{
			Durable:       consumerName,
			AckPolicy:     nats.AckExplicitPolicy,
			DeliverPolicy: nats.DeliverAllPolicy,
			MaxAckPending: 1000,
			MaxDeliver:    s.maxDeliver,
		}
		if _, err := s.js.AddConsumer(streamName, consumerConfig); err != nil {
			return fmt.Errorf("failed to create consumer '%s' in stream '%s': %w", consumerName, streamName, err)
		}
		return nil
	}

	s.logger.Info("JetStream consumer already exists",
		zap.String("stream", streamName),
		zap.String("consumer", consumerName),
		zap.Uint64("pending", consumerInfo.NumPending))
	return nil
}

// ensureAnswerStream creates the answer stream if it doesn't exist. Unlike
// request streams, its subject pattern derives from the answer subject prefix
// so that "answer.success" and "answer.error" land in the configured stream.
func (s *Service) ensureAnswerStream() error {
	_, err := s.js.StreamInfo(s.answerStream)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info for '%s': %w", s.answerStream, err)
	}

	s.logger.Info("Creating JetStream answer stream",
		zap.String("stream", s.answerStream),
		zap.String("subjectPrefix", s.answerSubject))
	streamConfig := &nats.StreamConfig{
		Name:     s.answerStream,
		Subjects: []string{fmt.Sprintf("%s.>", s.answerSubject)},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	}
	if _, err := s.js.AddStream(streamConfig); err != nil {
		return fmt.Errorf("failed to create answer stream '%s': %w", s.answerStream, err)
	}
	return nil
}

// PublishQuery publishes a query request to the given subject. The stream for
// the subject's first segment must already exist or be creatable.
func (s *Service) PublishQuery(ctx context.Context, subject string, req *QueryRequest) error {
	if subject == "" {
		return sdkerrors.NewError("INVALID_SUBJECT", "subject cannot be empty", nil)
	}
	if req == nil {
		return fmt.Errorf("%w: nil request", sdkerrors.ErrInvalidMessage)
	}
	if err := req.Validate(); err != nil {
		return err
	}

	streamName := subject
	if idx := strings.IndexByte(subject, '.'); idx > 0 {
		streamName = subject[:idx]
	}
	if err := s.EnsureStream(streamName); err != nil {
		return sdkerrors.NewError("STREAM_ENSURE_FAILED", "failed to ensure stream exists", err)
	}

	data, err := req.ToBytes()
	if err != nil {
		return sdkerrors.NewError("MARSHAL_FAILED", "failed to marshal request", err)
	}

	if err := s.publish(ctx, subject, data); err != nil {
		return err
	}

	s.logger.Info("Query published",
		zap.String("subject", subject),
		zap.String("correlationID", req.CorrelationID))
	return nil
}

// PullQueries fetches up to batchSize query requests from a durable pull
// consumer. Requests are NOT automatically acknowledged; the caller must Ack,
// Nak, or Term each one. Returns an empty slice, not an error, when no
// messages are available within the fetch window.
func (s *Service) PullQueries(ctx context.Context, stream, consumer string, batchSize int) ([]*QueryRequest, error) {
	if stream == "" || consumer == "" {
		return nil, fmt.Errorf("stream and consumer names are required")
	}
	if batchSize <= 0 {
		batchSize = 10
	}

	type result struct {
		reqs []*QueryRequest
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		sub, err := s.js.PullSubscribe("", consumer, nats.Bind(stream, consumer))
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer func() { _ = sub.Unsubscribe() }()

		timeout := 3 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}

		natsMessages, err := sub.Fetch(batchSize, nats.MaxWait(timeout))
		if err != nil {
			if err == nats.ErrTimeout {
				resultCh <- result{reqs: []*QueryRequest{}}
				return
			}
			resultCh <- result{err: err}
			return
		}

		reqs := make([]*QueryRequest, 0, len(natsMessages))
		for _, natsMsg := range natsMessages {
			req, err := FromNATSMsg(natsMsg)
			if err != nil {
				// Malformed requests can never be processed.
				_ = natsMsg.Term()
				s.logger.Warn("Terminated malformed query request", zap.Error(err))
				continue
			}
			reqs = append(reqs, req)
		}
		resultCh <- result{reqs: reqs}
	}()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			s.logger.Debug("Pull cancelled during shutdown",
				zap.String("stream", stream),
				zap.String("consumer", consumer))
		}
		return nil, fmt.Errorf("pull cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			s.logger.Error("Failed to pull query requests",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(res.err))
			return nil, sdkerrors.NewError("PULL_FAILED", "failed to pull from JetStream", res.err)
		}
		return res.reqs, nil
	}
}

// ReportAnswer publishes the answer for a consumed request and acknowledges
// the request. Publishing is retried; the request is acknowledged only after
// the answer is durably published, so a crash between the two redelivers the
// query rather than losing the answer.
func (s *Service) ReportAnswer(ctx context.Context, answer *Answer, req *QueryRequest) error {
	if answer == nil {
		return fmt.Errorf("%w: nil answer", sdkerrors.ErrInvalidMessage)
	}

	if err := s.ensureAnswerStream(); err != nil {
		return sdkerrors.NewError("STREAM_ENSURE_FAILED", "failed to ensure answer stream", err)
	}

	data, err := answer.ToBytes()
	if err != nil {
		return sdkerrors.NewError("MARSHAL_FAILED", "failed to marshal answer", err)
	}

	subject := fmt.Sprintf("%s.%s", s.answerSubject, answer.Status)
	if err := s.publishWithRetry(ctx, subject, data); err != nil {
		if req != nil {
			if nakErr := req.Nak(); nakErr != nil {
				s.logger.Error("Failed to nak request after publish failure", zap.Error(nakErr))
			}
		}
		return err
	}

	s.logger.Info("Answer reported",
		zap.String("subject", subject),
		zap.String("correlationID", answer.CorrelationID),
		zap.String("runID", answer.RunID),
		zap.String("status", answer.Status))

	if req != nil {
		if err := req.Ack(); err != nil {
			return fmt.Errorf("answer published but ack failed: %w", err)
		}
	}
	return nil
}

// publish performs one context-aware JetStream publish.
func (s *Service) publish(ctx context.Context, subject string, data []byte) error {
	resultCh := make(chan error, 1)
	go func() {
		_, err := s.js.Publish(subject, data)
		resultCh <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("publish cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return fmt.Errorf("%w: subject %s: %v", sdkerrors.ErrPublishFailed, subject, err)
		}
		return nil
	}
}

// publishWithRetry retries transient publish failures with a fixed delay.
func (s *Service) publishWithRetry(ctx context.Context, subject string, data []byte) error {
	var lastErr error
	for attempt := 1; attempt <= s.publishMaxRetries; attempt++ {
		lastErr = s.publish(ctx, subject, data)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		s.logger.Warn("Publish attempt failed, retrying",
			zap.String("subject", subject),
			zap.Int("attempt", attempt),
			zap.Int("maxRetries", s.publishMaxRetries),
			zap.Error(lastErr))

		select {
		case <-time.After(s.retryDelay):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}
