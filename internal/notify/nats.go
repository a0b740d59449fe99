package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kozaktomas/attendance/internal/logging"
	"github.com/kozaktomas/attendance/internal/session"
)

// Publisher is the part of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes mark events as JSON to
// <subject>.<session id>.
type NATSNotifier struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
}

// NewNATSNotifier wraps an existing publisher.
func NewNATSNotifier(pub Publisher, subject string) *NATSNotifier {
	return &NATSNotifier{pub: pub, subject: subject}
}

// ConnectNATS dials url and returns a notifier owning the connection.
func ConnectNATS(url, subject string, logger *zap.Logger) (*NATSNotifier, error) {
	logger = logging.OrNop(logger).Named("nats")
	nc, err := nats.Connect(url,
		nats.Name("attendance"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info("connected to NATS", zap.String("url", url), zap.String("subject", subject))
	return &NATSNotifier{pub: nc, conn: nc, subject: subject}, nil
}

// Subject returns the subject an event is published on.
func (n *NATSNotifier) Subject(ev session.MarkEvent) string {
	return n.subject + "." + ev.SessionID
}

func (n *NATSNotifier) Notify(ctx context.Context, ev session.MarkEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal mark event: %w", err)
	}
	if err := n.pub.Publish(n.Subject(ev), data); err != nil {
		return fmt.Errorf("publish mark event: %w", err)
	}
	return nil
}

// Close drains the connection when the notifier owns one.
func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
