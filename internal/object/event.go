package object

// Event is an object with nothing but signals. Its owner raises
// SignalSignaled and the user signals to coordinate with waiters.
type Event struct {
	Base
}

// EventSignals are the bits object_signal may change on an event.
const EventSignals = SignalSignaled | SignalUserAll

// NewEvent creates an event with no signals raised.
func NewEvent() *Event {
	e := &Event{}
	e.InitBase(SignalNone)
	return e
}

// Type implements KernelObject.
func (e *Event) Type() ObjType {
	return TypeEvent
}
