package events

import (
	"context"
	"log/slog"
	"sync"
)

// Handler receives one event. Handlers must not mutate job or metrics state;
// the pipeline owns those writes.
type Handler func(ctx context.Context, ev Event)

// Bus fans events out to registered handlers. Each handler runs on its own
// goroutine per event so a slow subscriber cannot stall the pipeline.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler

	wg sync.WaitGroup
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers ev to every registered handler asynchronously.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic in event handler", "error", r)
				}
			}()
			h(ctx, ev)
		}()
	}
}

// Wait blocks until all in-flight handler invocations have returned.
// Used on shutdown and in tests.
func (b *Bus) Wait() {
	b.wg.Wait()
}
