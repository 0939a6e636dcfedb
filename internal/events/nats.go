package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes events as JSON on a NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

var _ Publisher = (*NATSPublisher)(nil)

// Connect dials url and returns a publisher using subject prefix.
func Connect(url, prefix string) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("events: NATS URL must not be empty")
	}
	conn, err := nats.Connect(url,
		nats.Name("voxbooth"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect to nats: %w", err)
	}
	slog.Info("connected to NATS", "url", conn.ConnectedUrl(), "prefix", prefix)
	return NewNATSPublisher(conn, prefix), nil
}

// NewNATSPublisher wraps an existing connection. Close closes conn.
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Publish implements [Publisher]. The message is buffered by the NATS
// client and flushed asynchronously.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := ev.encode()
	if err != nil {
		return err
	}
	if err := p.conn.Publish(ev.Subject(p.prefix), data); err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (p *NATSPublisher) Healthy() bool {
	return p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Check implements a readiness probe.
func (p *NATSPublisher) Check(context.Context) error {
	if !p.Healthy() {
		return fmt.Errorf("events: nats connection is %s", p.conn.Status())
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		p.conn.Close()
		return fmt.Errorf("events: drain: %w", err)
	}
	return nil
}
