package events

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kestrel0/kestrel/internal/log"
)

// DefaultHistorySize bounds the event history ring buffer.
const DefaultHistorySize = 100

// Handler receives events. Handlers run synchronously on the emitter's
// goroutine; panics are recovered and logged so the emit loop survives.
type Handler func(Event)

// streamBuffer is the channel capacity of a filtered stream. A consumer that
// falls further behind than this loses the oldest pending events rather than
// blocking the emitter.
const streamBuffer = 64

type subscriber struct {
	id      int
	types   []Type // nil matches every type
	handler Handler
}

// Bus fans events out to subscribers and keeps a bounded history.
// Safe for concurrent use; stream-producing goroutines emit through it.
type Bus struct {
	logger log.Logger

	mu          sync.RWMutex
	nextID      int
	subscribers []subscriber
	history     []Event
	historyCap  int
	total       int
	byType      map[Type]int
	provider    string
}

// NewBus creates a bus with the given history capacity. Zero or negative
// capacity uses DefaultHistorySize.
func NewBus(historyCap int, logger log.Logger) *Bus {
	if historyCap <= 0 {
		historyCap = DefaultHistorySize
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Bus{
		logger:     logger.With("component", "events"),
		historyCap: historyCap,
		byType:     make(map[Type]int),
	}
}

// On registers handler for the given event types and returns an unsubscribe
// function. With no types the handler never fires; use OnAny for a wildcard.
func (b *Bus) On(handler Handler, types ...Type) func() {
	return b.subscribe(handler, slices.Clone(types))
}

// OnAny registers handler for every event type.
func (b *Bus) OnAny(handler Handler) func() {
	return b.subscribe(handler, nil)
}

func (b *Bus) subscribe(handler Handler, types []Type) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subscribers = append(b.subscribers, subscriber{id: id, types: types, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subscribers = slices.DeleteFunc(b.subscribers, func(s subscriber) bool {
			return s.id == id
		})
	}
}

// Emit records the event and delivers it to every matching subscriber. A
// zero timestamp is stamped with the current time.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.total++
	b.byType[ev.Type]++
	if ev.Provider != "" {
		b.provider = ev.Provider
	}
	b.history = append(b.history, ev)
	if len(b.history) > b.historyCap {
		// Drop oldest first.
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	subs := slices.Clone(b.subscribers)
	b.mu.Unlock()

	for _, s := range subs {
		if s.types != nil && !slices.Contains(s.types, ev.Type) {
			continue
		}
		b.dispatch(s, ev)
	}
}

// dispatch runs one handler with panic containment.
func (b *Bus) dispatch(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", ev.Type,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.handler(ev)
}

// Clear removes all subscribers and drops the recorded history. Counters are
// kept; Stats reflects lifetime totals.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = nil
	b.history = nil
}

// History returns a copy of the retained events, oldest first.
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.history)
}

// FilteredStream returns a channel delivering matching events until ctx is
// cancelled. The channel is buffered; if the consumer falls behind, the
// newest events are dropped (and logged) rather than blocking emitters.
// The channel is closed when ctx ends.
func (b *Bus) FilteredStream(ctx context.Context, types ...Type) <-chan Event {
	out := make(chan Event, streamBuffer)

	unsubscribe := b.On(func(ev Event) {
		select {
		case out <- ev:
		default:
			b.logger.Warn("filtered stream consumer behind, dropping event",
				"event_type", ev.Type)
		}
	}, types...)

	go func() {
		<-ctx.Done()
		unsubscribe()
		close(out)
	}()

	return out
}

// WaitFor blocks until the first event of the given type arrives, the
// timeout elapses, or ctx is cancelled. A non-positive timeout waits on ctx
// alone.
func (b *Bus) WaitFor(ctx context.Context, t Type, timeout time.Duration) (Event, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	got := make(chan Event, 1)
	unsubscribe := b.On(func(ev Event) {
		select {
		case got <- ev:
		default:
		}
	}, t)
	defer unsubscribe()

	select {
	case ev := <-got:
		return ev, nil
	case <-ctx.Done():
		return Event{}, fmt.Errorf("waiting for %s event: %w", t, ctx.Err())
	}
}

// Stats summarizes bus activity.
type Stats struct {
	TotalEvents     int
	EventsByType    map[Type]int
	CurrentProvider string
	ActiveListeners int
}

// Stats returns a snapshot of lifetime counters and live subscriber count.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	byType := make(map[Type]int, len(b.byType))
	for k, v := range b.byType {
		byType[k] = v
	}
	return Stats{
		TotalEvents:     b.total,
		EventsByType:    byType,
		CurrentProvider: b.provider,
		ActiveListeners: len(b.subscribers),
	}
}
