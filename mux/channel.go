package mux

import (
	"fmt"

	"github.com/progrium/chanmux/deferred"
	"github.com/rs/zerolog"
)

// queued is a frame held until the channel is attached to a transport.
type queued struct {
	control Options
	message []byte
}

// Channel is one logical bidirectional stream over a Link. It is opened
// with a set of Options, becomes ready when the peer answers with "ready"
// and ends with a single "close".
//
// Channels live on their link's loop and are not safe for concurrent use.
type Channel struct {
	link    *Link
	conduit Conduit
	options Options
	binary  bool
	id      string

	attached     bool
	queue        []queued
	valid        bool
	closed       bool
	sentDone     bool
	receivedDone bool

	ready   Options
	closing Options
	waiting *deferred.Deferred

	events emitter
	log    zerolog.Logger
}

// NewChannel opens a channel on link. Frames sent before the link has a
// transport are held and flushed in order once it does.
//
// The "binary" option must be a boolean, or "raw" which is the same as true.
func NewChannel(link *Link, opts Options) *Channel {
	opts = opts.Clone()
	ch := &Channel{
		link:    link,
		options: opts,
		valid:   true,
		log:     link.log,
	}
	switch b := opts["binary"].(type) {
	case nil:
	case bool:
		ch.binary = b
	case string:
		if b != "raw" {
			panic(fmt.Sprintf("mux: invalid binary option %q", b))
		}
		ch.binary = true
	default:
		panic(fmt.Sprintf("mux: binary option must be a boolean, got %T", b))
	}
	link.Ensure(ch.attach)
	return ch
}

func (ch *Channel) attach(c Conduit, err error) {
	if err != nil {
		ch.onClose(Options{"command": "close", "problem": string(ProblemFor(err))})
		return
	}
	ch.conduit = c
	ch.id = c.NextChannel()
	ch.log = ch.log.With().Str("channel", ch.id).Logger()
	if t, ok := c.(*Transport); ok {
		ch.log = ch.log.With().Str("transport", t.ID()).Logger()
	}

	if !ch.closed {
		c.Register(ch.id, ch.onControl, ch.onMessage)
	}

	open := ch.options.Clone()
	open["command"] = "open"
	open["channel"] = ch.id
	if _, ok := open["host"]; !ok {
		if host := c.DefaultHost(); host != "" {
			open["host"] = host
		}
	}
	if ch.binary {
		open["binary"] = "raw"
	} else {
		delete(open, "binary")
	}
	open["flow-control"] = true
	c.SendControl(open)

	ch.attached = true
	queue := ch.queue
	ch.queue = nil
	for _, q := range queue {
		if q.control != nil {
			ch.sendControl(q.control)
		} else {
			ch.sendMessage(q.message)
		}
	}
}

// ID returns the channel id, or "" until the channel is attached.
func (ch *Channel) ID() string {
	return ch.id
}

// Options returns the options the channel was opened with.
func (ch *Channel) Options() Options {
	return ch.options
}

// Binary reports whether payloads are raw bytes rather than text.
func (ch *Channel) Binary() bool {
	return ch.binary
}

// Valid is true until the channel closes.
func (ch *Channel) Valid() bool {
	return ch.valid
}

// ReadyOptions returns the options of the peer's "ready", if received.
func (ch *Channel) ReadyOptions() Options {
	return ch.ready
}

// CloseOptions returns the options the channel closed with, if closed.
func (ch *Channel) CloseOptions() Options {
	return ch.closing
}

// AddEventListener registers fn for events of type typ.
func (ch *Channel) AddEventListener(typ EventType, fn Listener) ListenerID {
	return ch.events.add(typ, fn)
}

// RemoveEventListener removes a listener added with AddEventListener.
func (ch *Channel) RemoveEventListener(typ EventType, id ListenerID) {
	ch.events.remove(typ, id)
}

// Send sends a message. Text channels send strings and byte slices as they
// are and format anything else with fmt.Sprint. Binary channels only take
// byte slices and strings.
func (ch *Channel) Send(message any) {
	if ch.closed {
		ch.log.Warn().Msg("mux: sending message on closed channel")
		return
	}
	if ch.sentDone {
		ch.log.Warn().Msg("mux: sending message after done")
		return
	}
	payload := ch.coerce(message)
	if !ch.attached {
		ch.queue = append(ch.queue, queued{message: append([]byte{}, payload...)})
		return
	}
	ch.sendMessage(payload)
}

func (ch *Channel) coerce(message any) []byte {
	switch m := message.(type) {
	case []byte:
		return m
	case string:
		return []byte(m)
	}
	if ch.binary {
		panic(fmt.Sprintf("mux: binary channel cannot send %T", message))
	}
	return []byte(fmt.Sprint(message))
}

func (ch *Channel) sendMessage(payload []byte) {
	if ch.conduit == nil || ch.id == "" {
		return
	}
	ch.conduit.SendMessage(payload, ch.id)
}

func (ch *Channel) sendControl(opts Options) {
	if ch.conduit == nil || ch.id == "" {
		return
	}
	opts["channel"] = ch.id
	ch.conduit.SendControl(opts)
}

// Control sends a control frame. The command defaults to "options"; sending
// "done" ends the outbound direction.
func (ch *Channel) Control(opts Options) {
	if ch.closed {
		ch.log.Warn().Str("command", opts.Command()).Msg("mux: sending control on closed channel")
		return
	}
	opts = opts.Clone()
	if opts.Command() == "" {
		opts["command"] = "options"
	}
	if opts.Command() == "done" {
		ch.sentDone = true
	}
	if !ch.attached {
		ch.queue = append(ch.queue, queued{control: opts})
		return
	}
	ch.sendControl(opts)
}

// Close closes the channel. arg is nil, a problem given as string or
// Problem, or the Options to close with. Closing twice only logs a warning.
func (ch *Channel) Close(arg any) {
	if ch.closed {
		ch.log.Warn().Msg("mux: closing closed channel")
		return
	}
	var opts Options
	switch a := arg.(type) {
	case nil:
		opts = Options{}
	case string:
		opts = Options{"problem": a}
	case Problem:
		opts = Options{"problem": string(a)}
	case Options:
		opts = a.Clone()
	case map[string]any:
		opts = Options(a).Clone()
	default:
		panic(fmt.Sprintf("mux: invalid close argument %T", arg))
	}
	if p, ok := opts["problem"].(string); ok && p == "" {
		delete(opts, "problem")
	}
	opts["command"] = "close"

	if !ch.attached {
		ch.queue = append(ch.queue, queued{control: opts.Clone()})
	} else {
		ch.sendControl(opts.Clone())
	}
	ch.onClose(opts)
}

func (ch *Channel) onClose(opts Options) {
	if ch.closed {
		return
	}
	ch.closed = true
	ch.valid = false
	ch.closing = opts
	if ch.attached && ch.conduit != nil {
		ch.conduit.Unregister(ch.id)
	}
	if msg := opts.Str("message"); msg != "" && ch.options.Str("err") != "message" {
		ch.log.Warn().Str("problem", opts.Str("problem")).Msg(msg)
	}
	ch.events.dispatch(Event{Type: EventClose, Channel: ch, Options: opts})
	if ch.waiting != nil {
		ch.waiting.Reject(opts)
	}
}

func (ch *Channel) onReady(opts Options) {
	ch.ready = opts
	ch.events.dispatch(Event{Type: EventReady, Channel: ch, Options: opts})
	if ch.waiting != nil {
		ch.waiting.Resolve(opts)
	}
}

func (ch *Channel) onMessage(payload []byte) {
	if ch.receivedDone {
		ch.log.Warn().Msg("mux: received message after done")
		ch.Close(ProblemProtocol)
		return
	}
	ch.events.dispatch(Event{Type: EventMessage, Channel: ch, Data: payload})
}

func (ch *Channel) onControl(opts Options) {
	switch opts.Command() {
	case "close":
		ch.onClose(opts)
		return
	case "ready":
		ch.onReady(opts)
	case "done":
		if ch.receivedDone {
			ch.log.Warn().Msg("mux: received done twice")
			ch.Close(ProblemProtocol)
			return
		}
		ch.receivedDone = true
	}
	ch.events.dispatch(Event{Type: EventControl, Channel: ch, Options: opts})
}

// Wait returns a promise resolved with the ready options, or rejected with
// the close options. Every call returns the same promise. A non-nil callback
// runs with the options either way.
func (ch *Channel) Wait(callback func(Options)) *deferred.Promise {
	if ch.waiting == nil {
		ch.waiting = deferred.New(ch.link.loop)
		switch {
		case ch.ready != nil:
			ch.waiting.Resolve(ch.ready)
		case ch.closed:
			ch.waiting.Reject(ch.closing)
		}
	}
	p := ch.waiting.Promise
	if callback != nil {
		cb := func(values ...any) {
			opts, _ := first(values).(Options)
			callback(opts)
		}
		p.Done(cb).Fail(cb)
	}
	return p
}

func first(values []any) any {
	if len(values) == 0 {
		return nil
	}
	return values[0]
}
