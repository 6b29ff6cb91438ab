package engine

import "sync"

// Connection-level event names.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventNotification = "notification"
)

// ListenerToken identifies one registered listener so it can be removed
// without touching any other listener on the same event.
type ListenerToken struct {
	event string
	id    int
}

type emitter struct {
	mu        sync.RWMutex
	seq       int
	listeners map[string]map[int]func(any)
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string]map[int]func(any))}
}

func (e *emitter) subscribe(event string, fn func(any)) ListenerToken {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	if e.listeners[event] == nil {
		e.listeners[event] = make(map[int]func(any))
	}
	e.listeners[event][e.seq] = fn
	return ListenerToken{event: event, id: e.seq}
}

func (e *emitter) unsubscribe(token ListenerToken) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if set, ok := e.listeners[token.event]; ok {
		delete(set, token.id)
	}
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	fns := make([]func(any), 0, len(e.listeners[event]))
	for _, fn := range e.listeners[event] {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(payload)
	}
}
