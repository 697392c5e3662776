package event

import (
	"errors"
	"fmt"
)

// ErrStarted is returned when the pipeline is modified after Start
var ErrStarted = errors.New("event: pipeline already started")

// Event is an immutable notification travelling through a pipeline
type Event struct {
	source any
	value  any
	sink   string
}

// NewEvent creates an event for the given sink
func NewEvent(source, value any, sink string) *Event {
	return &Event{source: source, value: value, sink: sink}
}

// Source returns the object that emitted the event
func (e *Event) Source() any { return e.source }

// Value returns the event payload
func (e *Event) Value() any { return e.value }

// Sink returns the semantic channel of the event
func (e *Event) Sink() string { return e.sink }

// Filter decides synchronously whether an event is dispatched
type Filter interface {
	Pass(ev *Event) bool
}

// FilterFunc adapts a function to Filter
type FilterFunc func(ev *Event) bool

// Pass implements Filter
func (f FilterFunc) Pass(ev *Event) bool { return f(ev) }

// Listener reacts to events on the sinks it is interested in
type Listener interface {
	OnEvent(ev *Event) error
	InterestSinks() []string
}

type funcListener struct {
	fn    func(ev *Event) error
	sinks []string
}

func (l *funcListener) OnEvent(ev *Event) error { return l.fn(ev) }
func (l *funcListener) InterestSinks() []string { return l.sinks }

// NewListener creates a Listener from a function and its interest set
func NewListener(fn func(ev *Event) error, sinks ...string) Listener {
	return &funcListener{fn: fn, sinks: sinks}
}

// ListenerError wraps an error or panic raised by a listener
type ListenerError struct {
	Sink  string
	Index int
	Err   error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %d on sink %q: %v", e.Index, e.Sink, e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}
