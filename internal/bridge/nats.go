package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

var errChannelDisconnected = errors.New("pub/sub channel disconnected")

// NATSChannel implements Channel over a NATS connection. The client library
// re-establishes subscriptions after a reconnect; the handlers here only log
// the transitions. Publishes attempted while disconnected fail immediately
// instead of queueing, so the caller can account for the drop.
type NATSChannel struct {
	conn   *nats.Conn
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNATSChannel(logger *slog.Logger, url string) (*NATSChannel, error) {
	scoped := logger.With(slog.String("component", "bridge_nats"))
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			scoped.Warn("NATS disconnected, publishes will be dropped until reconnect", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			scoped.Info("NATS reconnected, subscriptions restored", slog.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			scoped.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSChannel{conn: conn, logger: scoped}, nil
}

var _ Channel = (*NATSChannel)(nil)

func (c *NATSChannel) Publish(topic string, payload []byte) error {
	if !c.conn.IsConnected() {
		return errChannelDisconnected
	}
	return c.conn.Publish(topic, payload)
}

func (c *NATSChannel) Subscribe(topic string, handler Handler) error {
	sub, err := c.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %q: %w", topic, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

func (c *NATSChannel) Close() error {
	c.mu.Lock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()
	return c.conn.Drain()
}
