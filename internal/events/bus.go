package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/buyrs/BM-sub005/internal/domain"
)

// Handler consumes journaled events after their transaction commits.
type Handler interface {
	ID() string
	Handle(ctx context.Context, evt domain.Event) error
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc struct {
	Name string
	Fn   func(ctx context.Context, evt domain.Event) error
}

func (h HandlerFunc) ID() string { return h.Name }

func (h HandlerFunc) Handle(ctx context.Context, evt domain.Event) error { return h.Fn(ctx, evt) }

type subscription struct {
	prefix  string
	handler Handler
}

// Bus fans committed events out to in-process subscribers.
// Handler errors are logged and never stop the chain.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	Logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{Logger: logger}
}

// Subscribe registers h for every event type starting with prefix; an empty
// prefix matches everything.
func (b *Bus) Subscribe(prefix string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{prefix: prefix, handler: h})
}

// Publish delivers events in order. Safe to call on a nil bus.
func (b *Bus) Publish(ctx context.Context, evts ...domain.Event) {
	if b == nil || len(evts) == 0 {
		return
	}
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, evt := range evts {
		for _, s := range subs {
			if !strings.HasPrefix(evt.Type, s.prefix) {
				continue
			}
			if err := s.handler.Handle(ctx, evt); err != nil {
				b.Logger.Warn("event handler failed", "handler", s.handler.ID(), "event", evt.Type, "entity_id", evt.EntityID, "err", err)
			}
		}
	}
}
