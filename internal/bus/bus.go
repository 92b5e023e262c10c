// Package bus is a small in-process event bus for run lifecycle events.
// A single dispatch goroutine preserves publish order; subscriber panics are
// isolated so a broken observer cannot take down a run.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventType enumerates the lifecycle events a run emits.
type EventType string

const (
	RunStarted       EventType = "RunStarted"
	StepCompleted    EventType = "StepCompleted"
	ToolInvoked      EventType = "ToolInvoked"
	ValidationFailed EventType = "ValidationFailed"
	RunFinished      EventType = "RunFinished"
)

// Event is one occurrence in a run's lifetime. Payload shape depends on Type.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	TraceID   string
	Payload   any
}

// RunStartedPayload accompanies RunStarted.
type RunStartedPayload struct {
	Goal      string
	ToolCount int
}

// StepCompletedPayload accompanies StepCompleted.
type StepCompletedPayload struct {
	Step     int
	Kind     string
	Duration time.Duration
	CostUSD  float64
}

// ToolInvokedPayload accompanies ToolInvoked.
type ToolInvokedPayload struct {
	Tool     string
	ServerID string
	Err      string
}

// ValidationFailedPayload accompanies ValidationFailed.
type ValidationFailedPayload struct {
	Violations int
}

// RunFinishedPayload accompanies RunFinished.
type RunFinishedPayload struct {
	Status       string
	Steps        int
	CostUSD      float64
	Elapsed      time.Duration
	PolicyReason string
	LastError    string
}

// Handler observes an event. Handlers run on the dispatch goroutine and
// should return promptly.
type Handler func(context.Context, Event)

const defaultQueueDepth = 64

// Bus fans events out to type-scoped subscribers.
type Bus struct {
	queue   chan Event
	mu      sync.RWMutex
	subs    map[EventType]map[int64]Handler
	nextID  atomic.Int64
	closed  atomic.Bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBus constructs a bus and starts its dispatch loop.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		queue:   make(chan Event, defaultQueueDepth),
		subs:    make(map[EventType]map[int64]Handler),
		baseCtx: ctx,
		cancel:  cancel,
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Close stops dispatch. Events published after Close are rejected.
func (b *Bus) Close() {
	if b == nil || b.closed.Swap(true) {
		return
	}
	b.cancel()
	b.wg.Wait()
}

// Publish enqueues an event. The ID and timestamp are filled in when absent.
func (b *Bus) Publish(evt Event) error {
	if b == nil {
		return errors.New("bus: nil bus")
	}
	if evt.Type == "" {
		return errors.New("bus: missing event type")
	}
	if b.closed.Load() {
		return errors.New("bus: closed")
	}
	if evt.ID == "" {
		evt.ID = fmt.Sprintf("evt-%d", b.nextID.Add(1))
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case <-b.baseCtx.Done():
		return errors.New("bus: closed")
	case b.queue <- evt:
		return nil
	}
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function that is safe to call multiple times.
func (b *Bus) Subscribe(t EventType, handler Handler) func() {
	if b == nil || handler == nil || b.closed.Load() {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[t] == nil {
		b.subs[t] = make(map[int64]Handler)
	}
	id := b.nextID.Add(1)
	b.subs[t][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[t], id)
		if len(b.subs[t]) == 0 {
			delete(b.subs, t)
		}
	}
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.baseCtx.Done():
			return
		case evt := <-b.queue:
			b.dispatch(evt)
		}
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[evt.Type]))
	for _, h := range b.subs[evt.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		b.invoke(h, evt)
	}
}

func (b *Bus) invoke(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			_ = r // subscriber panics must not stop dispatch
		}
	}()
	h(b.baseCtx, evt)
}
