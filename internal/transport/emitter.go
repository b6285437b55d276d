package transport

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// ListenerID identifies one registration on an Emitter.
// Go funcs are not comparable, so Off takes the id returned by On.
type ListenerID uint64

type listener[A any] struct {
	id      ListenerID
	handler func(A)
}

// Emitter is a named-channel publish/subscribe registry.
// Handlers run synchronously on the emitting goroutine, in registration order.
type Emitter[A any] struct {
	mu        sync.RWMutex
	listeners map[string][]listener[A] // channel -> ordered handlers
	nextID    ListenerID
	logger    *slog.Logger
}

// NewEmitter creates an empty emitter. A nil logger falls back to slog.Default().
func NewEmitter[A any](logger *slog.Logger) *Emitter[A] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter[A]{
		listeners: make(map[string][]listener[A]),
		logger:    logger,
	}
}

// On registers handler for channel and returns its id.
func (e *Emitter[A]) On(channel string, handler func(A)) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners[channel] = append(e.listeners[channel], listener[A]{id: e.nextID, handler: handler})
	return e.nextID
}

// Off removes the registration with the given id. Unknown ids are ignored.
func (e *Emitter[A]) Off(channel string, id ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.listeners[channel]
	for i, l := range current {
		if l.id != id {
			continue
		}
		// copy so that an in-flight Emit keeps its own snapshot intact
		next := make([]listener[A], 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(e.listeners, channel)
		} else {
			e.listeners[channel] = next
		}
		return
	}
}

// Emit calls every handler registered on channel with arg and returns how many ran.
// A panicking handler is logged and skipped; the others still run.
func (e *Emitter[A]) Emit(channel string, arg A) int {
	e.mu.RLock()
	snapshot := e.listeners[channel]
	e.mu.RUnlock()

	for _, l := range snapshot {
		e.dispatch(channel, l, arg)
	}
	return len(snapshot)
}

// Count returns the number of handlers registered on channel.
func (e *Emitter[A]) Count(channel string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[channel])
}

func (e *Emitter[A]) dispatch(channel string, l listener[A], arg A) {
	defer func() {
		if v := recover(); v != nil {
			const size = 16 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			e.logger.Error("emitter_handler_panic",
				"channel", channel,
				"listener_id", uint64(l.id),
				"panic", fmt.Sprint(v),
				"stack", string(buf),
			)
		}
	}()
	l.handler(arg)
}
