package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jxucoder/telerun/model"
	"github.com/jxucoder/telerun/store"
)

// subscriberBuffer is the number of events a subscriber may fall behind
// before the oldest are evicted.
const subscriberBuffer = 64

// Bus provides pub/sub for persisted run events.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
}

// Subscription receives a run's events from a Bus.
type Subscription struct {
	ch     chan *model.Event
	lagged atomic.Bool
}

// Events returns the receive side. It is closed by Unsubscribe.
func (s *Subscription) Events() <-chan *model.Event { return s.ch }

// Lagged reports, and clears, whether buffered events were evicted since
// the last call. Every published event is persisted first, so a lagged
// subscriber catches up from the event store.
func (s *Subscription) Lagged() bool { return s.lagged.Swap(false) }

// offer enqueues ev, evicting the oldest buffered events to make room.
// The newest event, such as a run's exit, is never the one lost.
func (s *Subscription) offer(ev *model.Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		s.lagged.Store(true)
		select {
		case <-s.ch:
		default:
		}
	}
}

// NewBus creates a new Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscribe registers a subscriber for a run's events.
func (b *Bus) Subscribe(runID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{ch: make(chan *model.Event, subscriberBuffer)}
	b.subs[runID] = append(b.subs[runID], sub)
	return sub
}

// Subscribers returns the number of subscribers for a run.
func (b *Bus) Subscribers(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(runID string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[runID]
	for i, s := range subs {
		if s == sub {
			b.subs[runID] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
			close(sub.ch)
			return
		}
	}
}

// Publish sends an event to all subscribers of a run without blocking.
func (b *Bus) Publish(runID string, event *model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[runID] {
		sub.offer(event)
	}
}

// Recorder is a Sink that persists each event for a run, publishes it on a
// Bus and forwards it to Next.
type Recorder struct {
	RunID  string
	Events store.EventStore
	Bus    *Bus
	Next   Sink
}

// Send implements Sink. Persistence failures are logged; the event is
// still forwarded.
func (r *Recorder) Send(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	ev := &model.Event{
		RunID:     r.RunID,
		Type:      string(e.Type),
		Data:      string(data),
		CreatedAt: time.Now().UTC(),
	}
	if r.Events != nil {
		if err := r.Events.AddEvent(ctx, ev); err != nil {
			log.Printf("stream: run %s: storing %s event: %v", r.RunID, e.Type, err)
		}
	}
	if r.Bus != nil {
		r.Bus.Publish(r.RunID, ev)
	}
	if r.Next != nil {
		return r.Next.Send(ctx, e)
	}
	return nil
}
