package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

// collector gathers delivered events behind a lock so tests can wait on them.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handler(ctx context.Context, evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collector) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.events) >= n {
			out := make([]Event, len(c.events))
			copy(out, c.events)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

func TestPublish_DeliversInOrder(t *testing.T) {
	b := NewBus()
	defer b.Close()

	c := &collector{}
	b.Subscribe(StepCompleted, c.handler)

	for i := 1; i <= 3; i++ {
		if err := b.Publish(Event{Type: StepCompleted, Payload: StepCompletedPayload{Step: i}}); err != nil {
			t.Fatalf("Publish error: %v", err)
		}
	}

	events := c.waitFor(t, 3)
	for i, evt := range events {
		payload := evt.Payload.(StepCompletedPayload)
		if payload.Step != i+1 {
			t.Errorf("event %d carries step %d", i, payload.Step)
		}
		if evt.ID == "" || evt.Timestamp.IsZero() {
			t.Error("id and timestamp should be auto-filled")
		}
	}
}

func TestSubscribe_TypeScoped(t *testing.T) {
	b := NewBus()
	defer b.Close()

	c := &collector{}
	b.Subscribe(RunFinished, c.handler)

	_ = b.Publish(Event{Type: RunStarted})
	_ = b.Publish(Event{Type: RunFinished, Payload: RunFinishedPayload{Status: "success"}})

	events := c.waitFor(t, 1)
	if len(events) != 1 || events[0].Type != RunFinished {
		t.Errorf("events = %+v", events)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	c := &collector{}
	unsubscribe := b.Subscribe(ToolInvoked, c.handler)
	_ = b.Publish(Event{Type: ToolInvoked})
	c.waitFor(t, 1)

	unsubscribe()
	unsubscribe() // safe to call twice
	_ = b.Publish(Event{Type: ToolInvoked})

	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) != 1 {
		t.Errorf("events after unsubscribe = %d, want 1", len(c.events))
	}
}

func TestPublish_AfterCloseFails(t *testing.T) {
	b := NewBus()
	b.Close()
	if err := b.Publish(Event{Type: RunStarted}); err == nil {
		t.Error("expected error after Close")
	}
}

func TestPublish_RequiresType(t *testing.T) {
	b := NewBus()
	defer b.Close()
	if err := b.Publish(Event{}); err == nil {
		t.Error("expected error for missing type")
	}
}

func TestDispatch_IsolatesPanickingSubscriber(t *testing.T) {
	b := NewBus()
	defer b.Close()

	c := &collector{}
	b.Subscribe(RunStarted, func(ctx context.Context, evt Event) { panic("broken observer") })
	b.Subscribe(RunStarted, c.handler)

	_ = b.Publish(Event{Type: RunStarted})
	_ = b.Publish(Event{Type: RunStarted})
	c.waitFor(t, 2)
}
