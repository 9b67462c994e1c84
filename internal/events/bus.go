// Package events routes agent and authorization events to subscribed handlers.
// Each event kind has its own FIFO worker, so a stream is handled in arrival
// order while different streams proceed independently. Publishers never wait
// for handlers.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind names an event stream.
type Kind string

const (
	KindAgentDiscovered Kind = "agentDiscovered"
	KindAgentRemoved    Kind = "agentRemoved"
	KindViolation       Kind = "violation"
	KindProcessDetected Kind = "processDetected"
	KindStateChange     Kind = "stateChange"
)

// Event is one message on a stream.
type Event struct {
	Kind    Kind
	Payload any
	At      time.Time
}

// Handler processes one event.
type Handler func(ctx context.Context, ev Event)

// ErrStopped is returned by Publish after the bus stopped.
var ErrStopped = errors.New("event bus stopped")

const defaultQueueSize = 256

// Bus is a subscription table keyed by event kind.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Kind][]Handler
	queues  map[Kind]chan Event
	size    int
	ctx     context.Context
	pending sync.WaitGroup
	workers sync.WaitGroup
	logger  *zap.Logger
}

// NewBus creates a bus whose per-kind queues hold up to size events.
func NewBus(size int, logger *zap.Logger) *Bus {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Bus{
		subs:   make(map[Kind][]Handler),
		queues: make(map[Kind]chan Event),
		size:   size,
		logger: logger,
	}
}

// Subscribe appends a handler for kind. Handlers run in subscription order.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], h)
}

// Start launches the workers. Events published before Start are queued.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		return
	}
	b.ctx = ctx
	for kind, q := range b.queues {
		b.spawn(kind, q)
	}
}

// Publish queues ev on its stream. It blocks only while that stream's queue is full.
func (b *Bus) Publish(ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	if b.ctx != nil && b.ctx.Err() != nil {
		b.mu.Unlock()
		return ErrStopped
	}
	q, ok := b.queues[ev.Kind]
	if !ok {
		q = make(chan Event, b.size)
		b.queues[ev.Kind] = q
		if b.ctx != nil {
			b.spawn(ev.Kind, q)
		}
	}
	ctx := b.ctx
	b.pending.Add(1)
	b.mu.Unlock()

	if ctx == nil {
		select {
		case q <- ev:
			return nil
		default:
			b.pending.Done()
			return fmt.Errorf("queue for %s is full", ev.Kind)
		}
	}

	select {
	case q <- ev:
		return nil
	case <-ctx.Done():
		b.pending.Done()
		return ErrStopped
	}
}

// Flush waits until every published event has been handled.
// Call it only while no other goroutine is publishing.
func (b *Bus) Flush() {
	b.pending.Wait()
}

// Wait blocks until all workers exited after the Start context was canceled.
func (b *Bus) Wait() {
	b.workers.Wait()
}

// spawn must be called with b.mu held.
func (b *Bus) spawn(kind Kind, q chan Event) {
	b.workers.Add(1)
	go b.run(b.ctx, kind, q)
}

func (b *Bus) run(ctx context.Context, kind Kind, q chan Event) {
	defer b.workers.Done()
	for {
		select {
		case <-ctx.Done():
			b.discard(q)
			return
		case ev := <-q:
			b.dispatch(ctx, ev)
			b.pending.Done()
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[ev.Kind]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(ctx, h, ev)
	}
}

func (b *Bus) safeCall(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", string(ev.Kind)),
				zap.Any("panic", r))
		}
	}()
	h(ctx, ev)
}

func (b *Bus) discard(q chan Event) {
	for {
		select {
		case <-q:
			b.pending.Done()
		default:
			return
		}
	}
}
