// ABOUTME: In-memory fan-out hub delivering values to every live subscriber
// ABOUTME: Backs the UI update stream and the outbound frame command stream

package fanout

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Hub provides non-blocking pub/sub for values of type T. Subscribers that
// fall behind lose values rather than stalling the publisher.
type Hub[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]chan T
	closed      bool
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub[T any](name string, logger *slog.Logger) *Hub[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub[T]{
		subscribers: make(map[string]chan T),
		logger:      logger.With("component", "fanout", "hub", name),
	}
}

// Subscribe registers a subscriber and returns its channel and id.
// The subscription is removed when ctx is cancelled.
func (h *Hub[T]) Subscribe(ctx context.Context) (<-chan T, string) {
	subID := uuid.New().String()
	ch := make(chan T, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	h.subscribers[subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers v to every subscriber and returns how many received it.
func (h *Hub[T]) Publish(v T) int {
	// Sends are non-blocking, so holding the read lock keeps Unsubscribe
	// from closing a channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, ch := range h.subscribers {
		select {
		case ch <- v:
			delivered++
		default:
			h.logger.Debug("dropped value for slow subscriber")
		}
	}
	return delivered
}

// Send delivers v to the subscriber subID only. It reports false when that
// subscriber is gone or its buffer is full.
func (h *Hub[T]) Send(subID string, v T) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ch, ok := h.subscribers[subID]
	if !ok {
		return false
	}
	select {
	case ch <- v:
		return true
	default:
		h.logger.Debug("dropped value for slow subscriber", "sub_id", subID)
		return false
	}
}

// Has reports whether subID is a live subscriber.
func (h *Hub[T]) Has(subID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subscribers[subID]
	return ok
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub[T]) Unsubscribe(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subscribers[subID]
	if !ok {
		return
	}
	delete(h.subscribers, subID)
	close(ch)

	h.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for subID, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, subID)
	}
	h.closed = true
}
