package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler observes one event. A returned error or a panic is contained by the
// bus and never reaches the emitter.
type Handler func(ctx context.Context, evt Event) error

type subscriber struct {
	name string
	fn   Handler
}

// Bus is an in-process, synchronous, best-effort publish/subscribe hub.
// Events not observed before process exit are lost.
type Bus struct {
	mu       sync.RWMutex
	byType   map[Type][]subscriber
	wildcard []subscriber
	logger   *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{byType: make(map[Type][]subscriber), logger: logger}
}

// Subscribe registers fn for one event type.
func (b *Bus) Subscribe(t Type, name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = append(b.byType[t], subscriber{name: name, fn: fn})
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, subscriber{name: name, fn: fn})
}

// Emit delivers evt to the type's subscribers in registration order, then to
// wildcard subscribers. It returns the number of subscribers that failed.
func (b *Bus) Emit(ctx context.Context, evt Event) int {
	b.mu.RLock()
	subs := make([]subscriber, 0, len(b.byType[evt.Type])+len(b.wildcard))
	subs = append(subs, b.byType[evt.Type]...)
	subs = append(subs, b.wildcard...)
	b.mu.RUnlock()

	failed := 0
	for _, s := range subs {
		if err := b.deliver(ctx, s, evt); err != nil {
			failed++
			b.logger.Error("event subscriber failed",
				zap.String("subscriber", s.name),
				zap.String("event", string(evt.Type)),
				zap.String("user_id", evt.UserID),
				zap.Error(err))
		}
	}
	return failed
}

func (b *Bus) deliver(ctx context.Context, s subscriber, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn(ctx, evt)
}
