package events

import (
	"context"
	"time"

	"github.com/malwarebo/inboxflow/utils"
	"github.com/nats-io/nats.go"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSPublisher publishes automation events on "<prefix>.<event type>".
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func ConnectNATS(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				utils.Warn(context.Background(), "NATS disconnected", map[string]interface{}{"error": err})
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			utils.Info(context.Background(), "NATS reconnected", map[string]interface{}{"url": c.ConnectedUrl()})
		}),
	)
}

func CreateNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if p.conn == nil || p.conn.IsClosed() {
		return nats.ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.prefix != "" {
		subject = p.prefix + "." + subject
	}
	return p.conn.Publish(subject, data)
}

// Check reports whether the connection is currently usable.
func (p *NATSPublisher) Check(ctx context.Context) error {
	if p.conn == nil || !p.conn.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// LogPublisher is used when no broker is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	utils.Info(ctx, "Automation event", map[string]interface{}{
		"subject": subject,
		"payload": string(data),
	})
	return nil
}
