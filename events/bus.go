package events

import (
	"context"
	"errors"
	"sync"

	"github.com/doxops/orchestrator/types"
)

// ErrBusClosed indicates the bus transport has been closed.
var ErrBusClosed = errors.New("event bus is closed")

// Handler consumes events delivered on a subscribed channel.
type Handler interface {
	Handle(ctx context.Context, channel string, ev types.Event) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, channel string, ev types.Event) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, channel string, ev types.Event) error {
	return f(ctx, channel, ev)
}

type delivery struct {
	channel string
	payload []byte
}

// Bus is an in-process Transport: events published to a channel are
// fanned out asynchronously to that channel's subscribers. It serves
// embedded deployments and tests, where an external broker is not
// wanted.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	ch       chan delivery
	wg       sync.WaitGroup
	closed   bool
	closeMu  sync.RWMutex
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the delivery channel buffer size.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		b.ch = make(chan delivery, size)
	}
}

// NewBus creates a Bus with async delivery. The default buffer size is 100.
func NewBus(options ...BusOption) *Bus {
	b := &Bus{
		handlers: make(map[string][]Handler),
		ch:       make(chan delivery, 100),
	}
	for _, option := range options {
		option(b)
	}

	b.wg.Add(1)
	go b.process()
	return b
}

// Subscribe registers a handler for a logical channel.
func (b *Bus) Subscribe(channel string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = append(b.handlers[channel], handler)
}

// SubscribeFunc registers a function handler for a logical channel.
func (b *Bus) SubscribeFunc(channel string, fn func(ctx context.Context, channel string, ev types.Event) error) {
	b.Subscribe(channel, HandlerFunc(fn))
}

// Publish enqueues a payload for delivery to the channel's subscribers.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return ErrBusClosed
	}
	b.closeMu.RUnlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- delivery{channel: channel, payload: append([]byte(nil), payload...)}:
		return nil
	}
}

// Close stops delivery and waits for the processor to drain.
func (b *Bus) Close() error {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	b.closeMu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *Bus) process() {
	defer b.wg.Done()

	for d := range b.ch {
		b.mu.RLock()
		handlers := append([]Handler(nil), b.handlers[d.channel]...)
		b.mu.RUnlock()

		if len(handlers) == 0 {
			continue
		}

		ev, err := decodeEvent(d.payload)
		if err != nil {
			continue
		}
		for _, h := range handlers {
			// Handler errors are the subscriber's problem.
			_ = h.Handle(context.Background(), d.channel, ev)
		}
	}
}
