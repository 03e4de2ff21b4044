package mux

// EventType names what a channel listener is notified about.
type EventType string

const (
	EventMessage EventType = "message"
	EventReady   EventType = "ready"
	EventClose   EventType = "close"
	EventControl EventType = "control"
)

// Event is passed to channel listeners. Message events carry Data, the
// others carry the control Options that caused them.
type Event struct {
	Type    EventType
	Channel *Channel
	Data    []byte
	Options Options
}

// Text returns the message payload as a string.
func (e Event) Text() string {
	return string(e.Data)
}

// Listener receives channel events.
type Listener func(Event)

// ListenerID identifies a registered listener for removal.
type ListenerID int

type registered struct {
	id ListenerID
	fn Listener
}

type emitter struct {
	next      ListenerID
	listeners map[EventType][]registered
}

func (e *emitter) add(typ EventType, fn Listener) ListenerID {
	if e.listeners == nil {
		e.listeners = make(map[EventType][]registered)
	}
	e.next++
	e.listeners[typ] = append(e.listeners[typ], registered{id: e.next, fn: fn})
	return e.next
}

func (e *emitter) remove(typ EventType, id ListenerID) {
	list := e.listeners[typ]
	for i, r := range list {
		if r.id == id {
			e.listeners[typ] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (e *emitter) has(typ EventType, id ListenerID) bool {
	for _, r := range e.listeners[typ] {
		if r.id == id {
			return true
		}
	}
	return false
}

// dispatch calls the listeners registered when it starts, skipping any
// removed by an earlier listener.
func (e *emitter) dispatch(ev Event) {
	list := e.listeners[ev.Type]
	if len(list) == 0 {
		return
	}
	snapshot := append([]registered(nil), list...)
	for _, r := range snapshot {
		if e.has(ev.Type, r.id) {
			r.fn(ev)
		}
	}
}
