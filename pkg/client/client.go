// Package client provides the JetStream client the query service runs on.
// It manages the NATS connection and exposes the message service used to pull
// query requests and publish answers.
package client

import (
	"context"

	natsclient "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Delphi/internal/nats"
	sdkerrors "github.com/wehubfusion/Delphi/pkg/errors"
	"github.com/wehubfusion/Delphi/pkg/message"
)

// Client is the JetStream client for the query service. JetStream is used
// exclusively: query requests are pulled from a durable consumer and answers
// are published to a persisted answer stream.
type Client struct {
	conn   *natsclient.Conn
	js     natsclient.JetStreamContext
	config *nats.ConnectionConfig
	logger *zap.Logger

	// Messages provides query-request pulling and answer publishing.
	Messages *message.Service
}

// NewClient creates a client with default connection configuration. The
// client must be connected with Connect() before use.
func NewClient(url string) *Client {
	logger, _ := zap.NewProduction()
	return &Client{
		config: nats.DefaultConnectionConfig(url),
		logger: logger,
	}
}

// NewClientWithConfig creates a client with custom connection configuration.
func NewClientWithConfig(config *nats.ConnectionConfig) *Client {
	logger, _ := zap.NewProduction()
	return &Client{
		config: config,
		logger: logger,
	}
}

// NewClientWithJSContext creates a client wired to a provided JSContext
// implementation. Useful for tests to avoid connecting to a real NATS server.
func NewClientWithJSContext(js message.JSContext) *Client {
	logger, _ := zap.NewProduction()
	svc, _ := message.NewService(js, 5, 3, "ANSWERS", "answer")
	return &Client{
		Messages: svc,
		logger:   logger,
	}
}

// Connect establishes the NATS connection and initializes the JetStream
// context and message service. Fails if JetStream is not enabled on the
// server.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	conn, err := nats.Connect(ctx, c.config)
	if err != nil {
		return sdkerrors.NewError("CONNECTION_FAILED", "failed to connect to NATS", err)
	}
	c.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		return sdkerrors.NewError("JETSTREAM_NOT_ENABLED", "JetStream is not enabled on the NATS server", err)
	}
	c.js = js

	svc, err := message.NewService(
		message.WrapNATSJetStream(c.js),
		c.config.MaxDeliver,
		c.config.PublishMaxRetries,
		c.config.AnswerStream,
		c.config.AnswerSubject,
	)
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		c.js = nil
		return sdkerrors.NewError("SERVICE_INIT_FAILED", "failed to initialize message service", err)
	}
	svc.SetLogger(c.logger)
	c.Messages = svc

	return nil
}

// SetLogger sets a custom zap logger for the client.
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
		if c.Messages != nil {
			c.Messages.SetLogger(logger)
		}
	}
}

// IsConnected reports whether the client is currently connected.
func (c *Client) IsConnected() bool {
	return nats.IsConnected(c.conn)
}

// Close drains the connection and releases resources.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := nats.Close(c.conn); err != nil {
		return sdkerrors.NewError("CLOSE_FAILED", "failed to close connection", err)
	}
	c.conn = nil
	c.js = nil
	c.Messages = nil
	return nil
}
