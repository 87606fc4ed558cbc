package channel

import "sync"

type listener struct {
	fn   Handler
	once bool
}

// emitter is the listener table shared by every Channel implementation.
type emitter struct {
	mu        sync.Mutex
	listeners map[string][]*listener
}

func (e *emitter) On(event string, h Handler) {
	e.add(event, &listener{fn: h})
}

func (e *emitter) Once(event string, h Handler) {
	e.add(event, &listener{fn: h, once: true})
}

func (e *emitter) RemoveAllListeners(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, event)
}

func (e *emitter) add(event string, l *listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]*listener)
	}
	e.listeners[event] = append(e.listeners[event], l)
}

// dispatch delivers msg to the handlers registered when it arrived.
// Handlers run outside the lock so they may register or remove listeners.
func (e *emitter) dispatch(msg Message) bool {
	e.mu.Lock()
	current := e.listeners[msg.Event]
	if len(current) == 0 {
		e.mu.Unlock()
		return false
	}

	handlers := make([]Handler, 0, len(current))
	kept := current[:0:0]
	for _, l := range current {
		handlers = append(handlers, l.fn)
		if !l.once {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(e.listeners, msg.Event)
	} else {
		e.listeners[msg.Event] = kept
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return true
}
