// Package events provides typed publish/subscribe hooks for runner lifecycle
// and request outcome events.
//
// Each event kind has its own [Hook] with a fixed payload type. Handlers run
// synchronously in subscription order; a failing or panicking handler is
// logged and does not stop the others or the publisher.
package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler receives one event.
type Handler[T any] func(ctx context.Context, event T) error

type subscriber[T any] struct {
	id      uint64
	handler Handler[T]
}

// Hook fans one event kind out to its subscribers. The zero value is ready to use.
type Hook[T any] struct {
	name   string
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber[T]
	logger *zap.Logger
}

// Subscription is returned by Subscribe and removes the handler when unsubscribed.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe detaches the handler. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscribe registers handler and returns its subscription handle.
func (h *Hook[T]) Subscribe(handler Handler[T]) *Subscription {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscriber[T]{id: id, handler: handler})
	h.mu.Unlock()

	return &Subscription{cancel: func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.subs {
			if s.id == id {
				h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
				return
			}
		}
	}}
}

// Len reports the number of active subscribers.
func (h *Hook[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Fire delivers event to every subscriber and returns how many handlers failed.
func (h *Hook[T]) Fire(ctx context.Context, event T) int {
	h.mu.RLock()
	subs := make([]subscriber[T], len(h.subs))
	copy(subs, h.subs)
	logger := h.logger
	h.mu.RUnlock()

	failed := 0
	for _, s := range subs {
		if err := invoke(ctx, s.handler, event); err != nil {
			failed++
			if logger != nil {
				logger.Error("event handler failed", zap.String("event", h.name), zap.Error(err))
			}
		}
	}
	return failed
}

func invoke[T any](ctx context.Context, handler Handler[T], event T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

func (h *Hook[T]) bind(name string, logger *zap.Logger) {
	h.mu.Lock()
	h.name = name
	h.logger = logger
	h.mu.Unlock()
}
