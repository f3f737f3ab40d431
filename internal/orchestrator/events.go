package orchestrator

import (
	"stockflux/internal/models"
)

// EventType tags the progress notifications pushed to controllers.
type EventType string

const (
	EventProgress EventType = "PROGRESS"
	EventPaused   EventType = "PAUSED"
	EventRunning  EventType = "RUNNING"
	EventDone     EventType = "DONE"
)

// Event is one push notification. Progress events carry the running totals,
// Running events carry a full snapshot for controller rehydration, Done
// events carry a human-readable completion reason.
type Event struct {
	Type       EventType        `json:"type"`
	Downloaded int              `json:"downloaded,omitempty"`
	Target     int              `json:"target,omitempty"`
	Providers  map[string]int   `json:"providers,omitempty"`
	Snapshot   *models.RunState `json:"snapshot,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

const subscriberBuffer = 64

// Subscribe registers an event listener. The returned cancel func must be
// called when the listener goes away. Sends never block: a subscriber that
// falls behind misses events rather than stalling the run.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()

	id := o.nextSub
	o.nextSub++
	ch := make(chan Event, subscriberBuffer)
	o.subs[id] = ch

	cancel := func() {
		o.subsMu.Lock()
		defer o.subsMu.Unlock()
		if _, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (o *Orchestrator) publish(event Event) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
