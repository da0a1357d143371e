package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "governance"

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("publisher closed")

// NATSPublisher publishes JSON-encoded events on a NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// NewNATSPublisher wraps an existing connection. The caller keeps
// ownership of nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: nc, prefix: prefix, logger: logger.Named("events")}
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger, extra ...nats.Option) (*NATSPublisher, error) {
	opts := append([]nats.Option{
		nats.Name("governd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
	}, extra...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, prefix, logger)
	p.owned = true
	p.logger.Info("connected to NATS", zap.String("url", url))
	return p, nil
}

// Subject returns the subject an event for projectID of kind is published on.
func (p *NATSPublisher) Subject(projectID string, kind Kind) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, sanitizeToken(projectID), kind)
}

// Publish encodes e as JSON and publishes it.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.conn == nil || p.conn.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(e.ProjectID, e.Kind), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Kind, err)
	}
	return nil
}

// Status reports the connection state, e.g. CONNECTED or RECONNECTING.
func (p *NATSPublisher) Status() string {
	if p == nil || p.conn == nil {
		return "DISCONNECTED"
	}
	return p.conn.Status().String()
}

// Close drains and closes the connection if the publisher owns it.
func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil || !p.owned {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}

// sanitizeToken keeps subject tokens free of separators and wildcards.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
