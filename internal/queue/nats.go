package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nathanyu/transfer-ledger/internal/domain"
	"github.com/nathanyu/transfer-ledger/internal/engine"
	"github.com/nathanyu/transfer-ledger/internal/telemetry"
)

// NATSClient submits engine commands over NATS request/reply.
type NATSClient struct {
	conn    *nats.Conn
	timeout time.Duration
}

// NewNATSClient connects to the NATS server.
func NewNATSClient(url string) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name("transfer-ledger"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSClient{conn: conn, timeout: 5 * time.Second}, nil
}

// GetConn returns the underlying NATS connection.
func (c *NATSClient) GetConn() *nats.Conn {
	return c.conn
}

// Submit publishes a command and waits for the engine's response.
func (c *NATSClient) Submit(ctx context.Context, cmd domain.Command) (*engine.CommandResponse, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	msg, err := c.conn.Request(engine.CommandSubject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	telemetry.NATSMessagesPublished.WithLabelValues(engine.CommandSubject).Inc()

	var resp engine.CommandResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &resp, nil
}

// Close drains and closes the NATS connection.
func (c *NATSClient) Close() {
	if c.conn != nil {
		c.conn.Drain()
		c.conn.Close()
	}
}
