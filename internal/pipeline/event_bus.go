package pipeline

import (
	"sync"

	"framepipe/internal/detection"
)

// EventBus fans results out to handlers on the publishing goroutine, in
// subscription order. A handler subscribed with a label set only sees the
// detections of those labels, and only for results that have one.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
}

type subscriber struct {
	handler ResultHandler
	labels  map[int]bool // nil receives every result unchanged
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a handler for every result. The returned function
// removes it and may be called more than once.
func (b *EventBus) Subscribe(handler ResultHandler) func() {
	return b.SubscribeLabels(nil, handler)
}

// SubscribeLabels registers a handler for results containing at least one
// detection with one of labels. The handler receives a copy of the result
// holding only those detections. An empty label list subscribes to
// everything, like Subscribe.
func (b *EventBus) SubscribeLabels(labels []int, handler ResultHandler) func() {
	sub := &subscriber{handler: handler}
	if len(labels) > 0 {
		sub.labels = make(map[int]bool, len(labels))
		for _, l := range labels {
			sub.labels[l] = true
		}
	}

	b.mu.Lock()
	if !b.closed {
		b.subs = append(b.subs, sub)
	}
	b.mu.Unlock()

	return func() { b.remove(sub) }
}

func (b *EventBus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers result to the subscribers. Nil results and publishes
// after Close are ignored.
func (b *EventBus) Publish(result *Result) {
	if result == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.labels == nil {
			sub.handler.OnResult(result)
			continue
		}
		if scoped := result.withLabels(sub.labels); scoped != nil {
			sub.handler.OnResult(scoped)
		}
	}
}

// withLabels returns a copy of r restricted to detections of the given
// labels, or nil when none remain
func (r *Result) withLabels(labels map[int]bool) *Result {
	var kept []detection.BoundingBox
	for _, d := range r.Detections {
		if labels[d.Label] {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	scoped := *r
	scoped.Detections = kept
	return &scoped
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscribers. Later subscriptions are ignored.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}
