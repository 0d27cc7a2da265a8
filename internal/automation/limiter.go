package automation

import (
	"context"
	"sync"
)

// Limits controls how many event dispatches may run simultaneously.
type Limits struct {
	GlobalMax int `json:"global_max" yaml:"global_max"`
	PerEvent  int `json:"per_event"  yaml:"per_event"`
}

// DefaultLimits returns sensible defaults.
func DefaultLimits() Limits {
	return Limits{GlobalMax: 32, PerEvent: 8}
}

// Limiter bounds concurrent async dispatches with channel-based
// counting semaphores at two levels: global and per-event.
type Limiter struct {
	global   chan struct{}
	perEvent map[string]chan struct{}
	mu       sync.Mutex
	limits   Limits
}

// NewLimiter creates a limiter with the given limits; zero values take
// the defaults.
func NewLimiter(limits Limits) *Limiter {
	if limits.GlobalMax <= 0 {
		limits.GlobalMax = DefaultLimits().GlobalMax
	}
	if limits.PerEvent <= 0 {
		limits.PerEvent = DefaultLimits().PerEvent
	}
	return &Limiter{
		global:   make(chan struct{}, limits.GlobalMax),
		perEvent: make(map[string]chan struct{}),
		limits:   limits,
	}
}

// Acquire blocks until both the global and per-event slots are
// available, or returns the context's error.
func (l *Limiter) Acquire(ctx context.Context, event string) error {
	select {
	case l.global <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	ch := l.eventChan(event)
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		<-l.global
		return ctx.Err()
	}
}

// Release returns both slots.
func (l *Limiter) Release(event string) {
	l.mu.Lock()
	ch, ok := l.perEvent[event]
	l.mu.Unlock()
	if ok {
		select {
		case <-ch:
		default:
		}
	}
	select {
	case <-l.global:
	default:
	}
}

func (l *Limiter) eventChan(event string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.perEvent[event]
	if !ok {
		ch = make(chan struct{}, l.limits.PerEvent)
		l.perEvent[event] = ch
	}
	return ch
}
