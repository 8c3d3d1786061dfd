package signal

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type handlerEntry struct {
	id string
	fn core.EventHandler
}

// Registry maps event names to ordered handlers, independent of any live transport.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]handlerEntry)}
}

func (r *Registry) Add(event string, fn core.EventHandler) core.Subscription {
	sub := core.Subscription{Event: event, ID: uuid.NewString()}
	r.mu.Lock()
	r.handlers[event] = append(r.handlers[event], handlerEntry{id: sub.ID, fn: fn})
	r.mu.Unlock()
	return sub
}

// Remove deletes one handler. It reports false when the subscription was already gone.
func (r *Registry) Remove(sub core.Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[sub.Event]
	for i, e := range list {
		if e.id != sub.ID {
			continue
		}
		next := make([]handlerEntry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, sub.Event)
		} else {
			r.handlers[sub.Event] = next
		}
		return true
	}
	return false
}

func (r *Registry) RemoveAll(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.handlers[event])
	delete(r.handlers, event)
	return n
}

func (r *Registry) Count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Dispatch invokes the handlers registered for event in registration order.
// A panicking handler is logged and skipped.
func (r *Registry) Dispatch(event string, payload json.RawMessage) int {
	r.mu.RLock()
	list := r.handlers[event]
	r.mu.RUnlock()

	for _, e := range list {
		invoke(event, e.fn, payload)
	}
	return len(list)
}

func invoke(event string, fn core.EventHandler, payload json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("module", "signal").Str("event", event).Interface("panic", rec).Msg("handler panicked")
		}
	}()
	fn(payload)
}
