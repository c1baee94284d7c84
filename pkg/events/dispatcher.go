// Package events redelivers application events carried inside merged
// deltas to local subscribers.
//
// Events are not state: state converges through CRDT merges alone. They
// are side-channel notifications for application code, delivered in the
// order the delta listed them, and only on replicas that did not author
// the delta. Deduplication happens upstream, where replayed deltas
// produce no dispatch at all.
package events

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/synclave/synclave/pkg/dag"
	"github.com/synclave/synclave/pkg/types"
)

// ErrDispatcherStopped is returned when events are offered after Stop.
var ErrDispatcherStopped = errors.New("event dispatcher stopped")

// Handler receives events carried by a remote delta, in delta order.
// Returned errors are logged and do not affect replication.
type Handler interface {
	ProcessRemoteEvents(contextID types.ContextID, author string, events []dag.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(contextID types.ContextID, author string, events []dag.Event) error

func (f HandlerFunc) ProcessRemoteEvents(contextID types.ContextID, author string, events []dag.Event) error {
	return f(contextID, author, events)
}

type envelope struct {
	contextID types.ContextID
	author    string
	events    []dag.Event
}

// Dispatcher fans merged-delta events out to per-context handlers on a
// single worker goroutine, preserving delivery order across contexts.
type Dispatcher struct {
	localID string
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[types.ContextID][]Handler
	stopped  bool

	queue  chan envelope
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. localID is the identity this node
// authors deltas under; its own events are never redelivered to it.
func NewDispatcher(localID string, queueDepth int, logger *slog.Logger) *Dispatcher {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		localID:  localID,
		logger:   logger,
		handlers: make(map[types.ContextID][]Handler),
		queue:    make(chan envelope, queueDepth),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop drains queued deliveries and shuts the worker down.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
}

// Subscribe registers a handler for a context's events. Multiple handlers
// are invoked in registration order.
func (d *Dispatcher) Subscribe(contextID types.ContextID, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[contextID] = append(d.handlers[contextID], h)
}

// Dispatch queues a merged delta's events for delivery. Events authored
// by the local node are dropped: the author's application already ran the
// operation that produced them.
func (d *Dispatcher) Dispatch(contextID types.ContextID, author string, events []dag.Event) error {
	if len(events) == 0 || author == d.localID {
		return nil
	}

	d.mu.RLock()
	stopped := d.stopped
	d.mu.RUnlock()
	if stopped {
		return ErrDispatcherStopped
	}

	select {
	case d.queue <- envelope{contextID: contextID, author: author, events: events}:
		return nil
	case <-d.stopCh:
		return ErrDispatcherStopped
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case env := <-d.queue:
			d.deliver(env)
		case <-d.stopCh:
			// Drain whatever made it into the queue before Stop.
			for {
				select {
				case env := <-d.queue:
					d.deliver(env)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(env envelope) {
	d.mu.RLock()
	handlers := make([]Handler, len(d.handlers[env.contextID]))
	copy(handlers, d.handlers[env.contextID])
	d.mu.RUnlock()

	for _, h := range handlers {
		if err := h.ProcessRemoteEvents(env.contextID, env.author, env.events); err != nil {
			d.logger.Warn("event handler failed",
				"context", string(env.contextID),
				"author", env.author,
				"error", err)
		}
	}
}
