// Package events implements a small Node-style EventEmitter: named events,
// each with an ordered list of listeners, fired synchronously in
// registration order. It is the substrate StrictEventEmitter builds on to
// give Namespace, Socket and Adapter their reserved-event surface.
//
// This is a named-event/listener-list model, not a channel-based pub/sub
// bus: the middleware chain and reserved-event firing order need ordered,
// synchronous listener lists rather than broadcast fan-out.
package events

import (
	"reflect"
	"sync"
)

type Listener func(args ...any)

type EventEmitter interface {
	On(event string, listeners ...Listener) error
	Once(event string, listeners ...Listener) error
	Off(event string, listener Listener) bool
	OffAll(event string) bool
	Emit(event string, args ...any)
	Listeners(event string) []Listener
	ListenerCount(event string) int
	EventNames() []string
}

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
	once      map[string]map[int]bool
}

func New() EventEmitter {
	return &emitter{
		listeners: make(map[string][]Listener),
		once:      make(map[string]map[int]bool),
	}
}

func (e *emitter) On(event string, listeners ...Listener) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], listeners...)
	return nil
}

func (e *emitter) Once(event string, listeners ...Listener) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.once[event] == nil {
		e.once[event] = make(map[int]bool)
	}
	for _, l := range listeners {
		idx := len(e.listeners[event])
		e.listeners[event] = append(e.listeners[event], l)
		e.once[event][idx] = true
	}
	return nil
}

func (e *emitter) Off(event string, listener Listener) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls, ok := e.listeners[event]
	if !ok {
		return false
	}
	target := reflect.ValueOf(listener).Pointer()
	for i, l := range ls {
		if reflect.ValueOf(l).Pointer() == target {
			e.listeners[event] = append(ls[:i], ls[i+1:]...)
			delete(e.once[event], i)
			return true
		}
	}
	return false
}

func (e *emitter) OffAll(event string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.listeners[event]
	delete(e.listeners, event)
	delete(e.once, event)
	return ok
}

// Emit fires event synchronously in registration order over a snapshot
// taken first, so listeners added or removed mid-dispatch do not change
// which listeners this call runs.
func (e *emitter) Emit(event string, args ...any) {
	e.mu.Lock()
	ls := append([]Listener{}, e.listeners[event]...)
	once := e.once[event]
	if len(once) > 0 {
		remaining := make([]Listener, 0, len(e.listeners[event]))
		for i, l := range e.listeners[event] {
			if !once[i] {
				remaining = append(remaining, l)
			}
		}
		e.listeners[event] = remaining
		delete(e.once, event)
	}
	e.mu.Unlock()

	for _, l := range ls {
		l(args...)
	}
}

func (e *emitter) Listeners(event string) []Listener {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Listener{}, e.listeners[event]...)
}

func (e *emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}

func (e *emitter) EventNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.listeners))
	for k := range e.listeners {
		names = append(names, k)
	}
	return names
}
