package bridge

import (
	"errors"
	"sync"
)

// InprocChannel is a process-local Channel. It backs single-node deployments
// and tests; every subscriber sees every publish, mirroring how a real bus
// delivers to all attached processes.
type InprocChannel struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

func NewInprocChannel() *InprocChannel {
	return &InprocChannel{handlers: make(map[string][]Handler)}
}

var _ Channel = (*InprocChannel)(nil)

func (c *InprocChannel) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return errChannelDisconnected
	}
	handlers := append([]Handler(nil), c.handlers[topic]...)
	c.mu.RUnlock()

	for _, handler := range handlers {
		handler(topic, payload)
	}
	return nil
}

func (c *InprocChannel) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	c.handlers[topic] = append(c.handlers[topic], handler)
	return nil
}

func (c *InprocChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.handlers = nil
	return nil
}
