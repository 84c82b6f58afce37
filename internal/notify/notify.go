// Package notify is the transient user-feedback surface. Core components
// publish toasts; whatever front end is attached subscribes and renders them.
package notify

import "sync"

// Level classifies a toast for presentation.
type Level string

const (
	// LevelInfo is neutral feedback.
	LevelInfo Level = "info"
	// LevelSuccess confirms a completed action.
	LevelSuccess Level = "success"
	// LevelError reports a recoverable failure.
	LevelError Level = "error"
)

// Toast is a single transient message.
type Toast struct {
	Message string
	Level   Level
}

// Publisher is the emitting side of the bus, accepted by core components.
type Publisher interface {
	Publish(Toast)
}

// Bus is an in-process fan-out of toasts to subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]func(Toast)
	nextSub int
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Toast))}
}

// Publish delivers the toast to all current subscribers synchronously.
func (b *Bus) Publish(t Toast) {
	b.mu.Lock()
	fns := make([]func(Toast), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(t)
	}
}

// Subscribe registers a toast consumer and returns its cancel function.
func (b *Bus) Subscribe(fn func(Toast)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}
