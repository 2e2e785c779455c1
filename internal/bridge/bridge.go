package bridge

import (
	"log/slog"
	"sync/atomic"
)

// Handler receives a payload published to a subscribed topic.
type Handler func(topic string, payload []byte)

// Channel is a distributed pub/sub transport. Delivery to other processes is
// at-most-once; ordering is per-publisher within a topic.
type Channel interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

// Bridge relays room events between independent server processes over a
// pub/sub channel. Publishes while the channel is down are dropped and
// counted; broadcast is already best-effort, so the loss is explicit rather
// than a silent correctness bug.
type Bridge struct {
	channel Channel
	prefix  string
	logger  *slog.Logger
	dropped atomic.Uint64
}

func New(logger *slog.Logger, channel Channel, topicPrefix string) *Bridge {
	return &Bridge{
		channel: channel,
		prefix:  topicPrefix,
		logger:  logger.With(slog.String("component", "cluster_bridge")),
	}
}

func (b *Bridge) topic(name string) string {
	if b.prefix == "" {
		return name
	}
	return b.prefix + "." + name
}

func (b *Bridge) Publish(topic string, payload []byte) {
	if err := b.channel.Publish(b.topic(topic), payload); err != nil {
		b.dropped.Add(1)
		b.logger.Warn("Dropped bridge publish",
			slog.String("topic", topic),
			slog.Uint64("droppedTotal", b.dropped.Load()),
			slog.Any("error", err),
		)
	}
}

func (b *Bridge) Subscribe(topic string, handler Handler) error {
	return b.channel.Subscribe(b.topic(topic), handler)
}

// DroppedPublishes reports how many publishes were lost to channel outages.
func (b *Bridge) DroppedPublishes() uint64 {
	return b.dropped.Load()
}

func (b *Bridge) Close() error {
	return b.channel.Close()
}
