package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc handles one event. Async handlers run on bus goroutines;
// a panicking handler is recovered and logged, never fatal.
type HandlerFunc func(ctx context.Context, event Event) error

// Bus is the in-process publish-subscribe backbone. It decouples the
// console manager from the consumers of its activity (telemetry,
// websocket feeds, the scheduler) so none of them hold references to
// each other.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	stopped  bool
	wg       sync.WaitGroup
}

type subscription struct {
	name    string
	handler HandlerFunc
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe registers handler for eventType under name. The name keys
// removal and shows up in handler logs.
func (b *Bus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], subscription{
		name:    name,
		handler: handler,
	})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes the named handler from eventType. Removing a
// handler that was never registered is a no-op.
func (b *Bus) Unsubscribe(eventType EventType, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.handlers[eventType]
	if !ok {
		return
	}

	filtered := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.name != name {
			filtered = append(filtered, s)
		}
	}
	b.handlers[eventType] = filtered

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// Emit publishes event to all subscribed handlers, each on its own
// goroutine, so an emitter is never blocked by a slow consumer.
func (b *Bus) Emit(ctx context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return
	}

	subs := b.handlers[event.Type]
	if len(subs) == 0 {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(subs)).
		Msg("emitting event")

	for _, s := range subs {
		b.wg.Add(1)
		go func(s subscription) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Str("event", string(event.Type)).
						Str("handler", s.name).
						Interface("panic", r).
						Msg("event handler panicked")
				}
			}()

			if err := s.handler(ctx, event); err != nil {
				log.Error().
					Err(err).
					Str("event", string(event.Type)).
					Str("handler", s.name).
					Msg("event handler returned error")
			}
		}(s)
	}
}

// EmitSync publishes event and waits for every handler to finish,
// returning the first handler error.
func (b *Bus) EmitSync(ctx context.Context, event Event) error {
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return nil
	}

	subs := make([]subscription, len(b.handlers[event.Type]))
	copy(subs, b.handlers[event.Type])
	b.mu.RUnlock()

	var (
		firstErr error
		errOnce  sync.Once
		wg       sync.WaitGroup
	)

	for _, s := range subs {
		wg.Add(1)
		go func(s subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Str("event", string(event.Type)).
						Str("handler", s.name).
						Interface("panic", r).
						Msg("event handler panicked")
				}
			}()

			if err := s.handler(ctx, event); err != nil {
				errOnce.Do(func() { firstErr = err })
				log.Error().
					Err(err).
					Str("event", string(event.Type)).
					Str("handler", s.name).
					Msg("event handler returned error")
			}
		}(s)
	}

	wg.Wait()
	return firstErr
}

// Stop rejects new events and waits for in-flight handlers to drain.
func (b *Bus) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// HandlerCount returns the number of handlers registered for eventType.
func (b *Bus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
