package execution

import (
	"sync"
	"time"

	"github.com/BaSui01/execflow/types"
)

// EventType labels a lifecycle event on the execution stream.
type EventType string

const (
	EventStatusChanged EventType = "status_changed"
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventStepSkipped   EventType = "step_skipped"
)

// Event is one entry on an execution's event stream.
type Event struct {
	Type        EventType             `json:"type"`
	ExecutionID string                `json:"execution_id"`
	Status      types.ExecutionStatus `json:"status,omitempty"`
	StepID      string                `json:"step_id,omitempty"`
	Message     string                `json:"message,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

// subscriberBuffer bounds the per-subscriber channel. Slow consumers drop
// events rather than stalling the coordinator.
const subscriberBuffer = 64

// EventHub fans execution events out to per-execution subscribers. Publishing
// never blocks; a subscriber that cannot keep up misses events and should
// re-read the execution record to resynchronize.
type EventHub struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Event
	next int
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[string]map[int]chan Event)}
}

// Subscribe registers a listener for one execution's events. The returned
// cancel function must be called to release the subscription.
func (h *EventHub) Subscribe(executionID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	id := h.next
	h.next++
	if h.subs[executionID] == nil {
		h.subs[executionID] = make(map[int]chan Event)
	}
	h.subs[executionID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[executionID]; ok {
			if c, ok := set[id]; ok {
				delete(set, id)
				close(c)
			}
			if len(set) == 0 {
				delete(h.subs, executionID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers the event to every live subscriber of its execution.
func (h *EventHub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[ev.ExecutionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
