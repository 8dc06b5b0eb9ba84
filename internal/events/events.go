// Package events provides a small typed publish/subscribe bus and the
// observability event shape emitted by client-side components.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus fans out values of type T to subscribers. The zero value is ready to
// use. Handlers run synchronously on the publishing goroutine, in
// subscription order, and must not block.
type Bus[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(T)
	ids  []uint64
}

// Subscribe registers fn and returns a function that removes exactly this
// subscription. Calling the returned function more than once is a no-op.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[uint64]func(T))
	}
	b.next++
	id := b.next
	b.subs[id] = fn
	b.ids = append(b.ids, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.ids {
				if v == id {
					b.ids = append(b.ids[:i], b.ids[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers v to every current subscriber.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	fns := make([]func(T), 0, len(b.ids))
	for _, id := range b.ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len reports the number of active subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Event is an observability record describing something that happened to a
// connection or the registry.
type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	DisplayMessage string         `json:"displayMessage"`
	Payload        map[string]any `json:"payload,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// New stamps a fresh Event with a random id and the current time.
func New(typ, display string, payload map[string]any) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           typ,
		DisplayMessage: display,
		Payload:        payload,
		Timestamp:      time.Now(),
	}
}
