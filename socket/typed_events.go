package socket

import "github.com/phederal/sioserver/internal/events"

// StrictEventEmitter is the reserved-event surface Namespace and Socket
// embed: EmitReserved/EmitUntyped are named distinctly from Emit only to
// mark, at each call site, whether the event being fired is one of the
// protocol's own (connect, disconnect, ...) or a user-dispatched one;
// both go through the same underlying emitter.
type StrictEventEmitter struct {
	events.EventEmitter
}

func NewStrictEventEmitter() *StrictEventEmitter {
	return &StrictEventEmitter{EventEmitter: events.New()}
}

func (s *StrictEventEmitter) EmitReserved(ev string, args ...any) {
	s.EventEmitter.Emit(ev, args...)
}

func (s *StrictEventEmitter) EmitUntyped(ev string, args ...any) {
	s.EventEmitter.Emit(ev, args...)
}
