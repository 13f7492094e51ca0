package server

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/ashita-ai/agentops/internal/metrics"
	"github.com/ashita-ai/agentops/internal/model"
)

// Listener receives committed events for one run. It is called on the
// publishing goroutine and must not block.
type Listener func(ev model.Event)

type subscription struct {
	fn Listener
}

// Broker fans committed events out to the live listeners of each run.
// Delivery is in-process only; a listener that misses events recovers them
// from storage by replaying after the last id it saw.
type Broker struct {
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	subs   map[string]map[*subscription]struct{}
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger: logger,
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

// Subscribe registers fn for events of runID and returns a function that
// removes it. The returned function is safe to call more than once. After
// Close, Subscribe registers nothing.
func (b *Broker) Subscribe(runID string, fn Listener) (unsubscribe func()) {
	sub := &subscription{fn: fn}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	set, ok := b.subs[runID]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[runID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	metrics.StreamSubscribers.Inc()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(runID, sub) })
	}
}

func (b *Broker) remove(runID string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[runID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, runID)
	}
	metrics.StreamSubscribers.Dec()
}

// Publish delivers ev to every listener of runID. Listeners run outside the
// lock, so one may unsubscribe itself while being called. A panicking
// listener is logged and the rest still receive the event.
func (b *Broker) Publish(runID string, ev model.Event) {
	b.mu.RLock()
	set := b.subs[runID]
	snapshot := make([]*subscription, 0, len(set))
	for sub := range set {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		b.deliver(runID, sub, ev)
	}
}

func (b *Broker) deliver(runID string, sub *subscription, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("broker: listener panicked",
				"run_id", runID, "event_id", ev.ID,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	sub.fn(ev)
}

// SubscriberCount returns the number of listeners on runID, or across all
// runs when runID is empty.
func (b *Broker) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if runID != "" {
		return len(b.subs[runID])
	}
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

// Close drops every listener. Streams notice through their request context
// when the HTTP server shuts down.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.subs {
		metrics.StreamSubscribers.Sub(float64(len(set)))
	}
	b.subs = make(map[string]map[*subscription]struct{})
	b.closed = true
}
