// Package statetest provides an in-memory Transport for exercising the
// registry, broadcast engine and router without live sockets.
package statetest

import (
	"sync"
	"time"

	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/google/uuid"
)

type FakeTransport struct {
	id uuid.UUID

	mu         sync.Mutex
	frames     [][]byte
	closed     bool
	closeErr   error
	lastActive time.Time
	latency    time.Duration

	// OnClose mirrors the server's close wiring when set.
	OnClose func(id uuid.UUID, err error)
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{id: uuid.New(), lastActive: time.Now()}
}

var _ state.Transport = (*FakeTransport)(nil)

func (f *FakeTransport) ID() uuid.UUID { return f.id }

func (f *FakeTransport) Send(message []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	frame := make([]byte, len(message))
	copy(frame, message)
	f.frames = append(f.frames, frame)
}

func (f *FakeTransport) Close(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.closeErr = err
	onClose := f.OnClose
	f.mu.Unlock()
	if onClose != nil {
		onClose(f.id, err)
	}
}

func (f *FakeTransport) LastActive() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActive
}

// SetLastActive backdates activity for idle-reap tests.
func (f *FakeTransport) SetLastActive(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastActive = t
}

func (f *FakeTransport) RecordLatency(sample time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = sample
}

func (f *FakeTransport) Latency() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latency
}

func (f *FakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Frames returns a copy of everything sent so far.
func (f *FakeTransport) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *FakeTransport) FrameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}
