package bridge

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/progrium/chanmux/chunk"
	"github.com/progrium/chanmux/mux"
	"github.com/rs/zerolog"
)

// Handler serves one channel. Returning ends the channel: a nil error
// closes it cleanly, an *ExitError reports a process exit, a
// *mux.CloseError closes with its problem and anything else closes with
// "internal-error".
type Handler interface {
	ServeChannel(ctx context.Context, ch *Channel) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, ch *Channel) error

func (f HandlerFunc) ServeChannel(ctx context.Context, ch *Channel) error {
	return f(ctx, ch)
}

// ExitError ends a channel with the exit of a process.
type ExitError struct {
	Status  int
	Signal  string
	Message string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return "bridge: process killed by " + e.Signal
	}
	return "bridge: process exited"
}

// Channel is the bridge side of an open channel.
type Channel struct {
	id   string
	opts OpenOptions
	raw  mux.Options
	b    *Bridge

	ctx    context.Context
	cancel context.CancelFunc
	in     *inbox
	flow   *window

	mu       sync.Mutex
	sent     int64
	nextPing int64
	sentDone bool
	ended    bool

	log zerolog.Logger
}

func newChannel(ctx context.Context, b *Bridge, opts OpenOptions, raw mux.Options) *Channel {
	ctx, cancel := context.WithCancel(ctx)
	ch := &Channel{
		id:       opts.Channel,
		opts:     opts,
		raw:      raw,
		b:        b,
		ctx:      ctx,
		cancel:   cancel,
		in:       newInbox(),
		nextPing: b.cfg.PingInterval,
		log:      b.log.With().Str("channel", opts.Channel).Logger(),
	}
	if opts.FlowControl {
		ch.flow = newWindow(b.cfg.Window)
	}
	return ch
}

// ID returns the channel id chosen by the client.
func (ch *Channel) ID() string {
	return ch.id
}

// Options returns the decoded open options.
func (ch *Channel) Options() OpenOptions {
	return ch.opts
}

// Raw returns the open command as received.
func (ch *Channel) Raw() mux.Options {
	return ch.raw
}

// Binary reports whether the client opened the channel for raw bytes.
func (ch *Channel) Binary() bool {
	return ch.opts.Binary == "raw"
}

// Ready tells the client the channel is usable. extra is merged into the
// ready command.
func (ch *Channel) Ready(extra mux.Options) error {
	opts := extra.Clone()
	opts["command"] = "ready"
	opts["channel"] = ch.id
	return ch.b.sendControl(opts)
}

// Recv returns the next message from the client. It returns io.EOF once the
// client sent done and everything before it was received, and the context
// error once the channel is closed.
func (ch *Channel) Recv() ([]byte, error) {
	return ch.in.next(ch.ctx)
}

// Control returns the next control command from the client other than
// done, close and the flow control commands.
func (ch *Channel) Control() (mux.Options, error) {
	return ch.in.nextControl(ch.ctx)
}

// Send sends data to the client in frames of at most MaxFrameSize bytes,
// blocking while the flow control window is full. Text channels never split
// a UTF-8 sequence.
func (ch *Channel) Send(data []byte) error {
	var err error
	send := func(block []byte) {
		if err == nil {
			err = ch.sendBlock(block)
		}
	}
	if ch.Binary() {
		chunk.Iterate(data, ch.b.cfg.MaxFrameSize, send)
	} else {
		chunk.Iterate(string(data), ch.b.cfg.MaxFrameSize, func(s string) {
			send([]byte(s))
		})
	}
	return err
}

func (ch *Channel) sendBlock(block []byte) error {
	if ch.flow != nil {
		if err := ch.flow.reserve(ch.ctx); err != nil {
			return err
		}
	}
	if err := ch.ctx.Err(); err != nil {
		return err
	}
	if err := ch.b.sendMessage(ch.id, block); err != nil {
		return err
	}
	if ch.flow == nil {
		return nil
	}

	ch.mu.Lock()
	ch.sent += int64(len(block))
	sent := ch.sent
	ping := sent >= ch.nextPing
	if ping {
		ch.nextPing = sent + ch.b.cfg.PingInterval
	}
	ch.mu.Unlock()

	ch.flow.wrote(int64(len(block)))
	if ping {
		return ch.b.sendControl(mux.Options{
			"command":  "ping",
			"channel":  ch.id,
			"sequence": sent,
		})
	}
	return nil
}

// Done tells the client nothing more will be sent.
func (ch *Channel) Done() error {
	ch.mu.Lock()
	if ch.sentDone {
		ch.mu.Unlock()
		return nil
	}
	ch.sentDone = true
	ch.mu.Unlock()
	return ch.b.sendControl(mux.Options{"command": "done", "channel": ch.id})
}

// SendControl sends a control command on the channel. The command defaults
// to "options".
func (ch *Channel) SendControl(opts mux.Options) error {
	opts = opts.Clone()
	if opts.Command() == "" {
		opts["command"] = "options"
	}
	opts["channel"] = ch.id
	return ch.b.sendControl(opts)
}

// remoteClose handles a close from the client, which needs no answer.
func (ch *Channel) remoteClose(opts mux.Options) {
	ch.log.Debug().Str("problem", opts.Str("problem")).Msg("bridge: channel closed by client")
	ch.terminate()
}

// terminate stops the handler without sending a close.
func (ch *Channel) terminate() {
	ch.mu.Lock()
	ch.ended = true
	ch.mu.Unlock()
	ch.cancel()
	ch.in.end()
	if ch.flow != nil {
		ch.flow.close()
	}
}

// finish sends the close for a handler that returned.
func (ch *Channel) finish(err error) {
	ch.mu.Lock()
	ended := ch.ended
	ch.ended = true
	ch.mu.Unlock()
	ch.cancel()
	ch.b.remove(ch.id)
	if ended {
		return
	}

	opts := mux.Options{"command": "close", "channel": ch.id}
	var exit *ExitError
	var ce *mux.CloseError
	switch {
	case err == nil:
	case errors.As(err, &exit):
		if exit.Signal != "" {
			opts["exit-signal"] = exit.Signal
		} else {
			opts["exit-status"] = exit.Status
		}
		if exit.Message != "" {
			opts["message"] = exit.Message
		}
	case errors.As(err, &ce):
		opts["problem"] = ce.Problem
		if ce.Message != "" {
			opts["message"] = ce.Message
		}
	case errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
	default:
		opts["problem"] = string(mux.ProblemInternal)
		opts["message"] = err.Error()
	}
	if err := ch.b.sendControl(opts); err != nil {
		ch.log.Debug().Err(err).Msg("bridge: sending close failed")
	}
}

// inbox queues what the client sends so the read loop never blocks on a
// slow handler.
type inbox struct {
	mu       sync.Mutex
	messages [][]byte
	controls []mux.Options
	eof      bool
	signal   chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{})}
}

func (in *inbox) notify() {
	close(in.signal)
	in.signal = make(chan struct{})
}

func (in *inbox) push(payload []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.eof {
		return
	}
	in.messages = append(in.messages, append([]byte{}, payload...))
	in.notify()
}

func (in *inbox) control(opts mux.Options) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.controls = append(in.controls, opts)
	in.notify()
}

func (in *inbox) end() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.eof {
		in.eof = true
		in.notify()
	}
}

func (in *inbox) next(ctx context.Context) ([]byte, error) {
	for {
		in.mu.Lock()
		if len(in.messages) > 0 {
			msg := in.messages[0]
			in.messages = in.messages[1:]
			in.mu.Unlock()
			return msg, nil
		}
		if err := ctx.Err(); err != nil {
			in.mu.Unlock()
			return nil, err
		}
		if in.eof {
			in.mu.Unlock()
			return nil, io.EOF
		}
		signal := in.signal
		in.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-signal:
		}
	}
}

func (in *inbox) nextControl(ctx context.Context) (mux.Options, error) {
	for {
		in.mu.Lock()
		if len(in.controls) > 0 {
			opts := in.controls[0]
			in.controls = in.controls[1:]
			in.mu.Unlock()
			return opts, nil
		}
		signal := in.signal
		in.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		}
	}
}

// window tracks bytes sent but not yet acknowledged by a pong.
type window struct {
	mu      sync.Mutex
	size    int64
	sent    int64
	acked   int64
	closed  bool
	changed chan struct{}
}

func newWindow(size int64) *window {
	return &window{size: size, changed: make(chan struct{})}
}

// reserve blocks while more than size bytes are unacknowledged.
func (w *window) reserve(ctx context.Context) error {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return context.Canceled
		}
		if w.sent-w.acked <= w.size {
			w.mu.Unlock()
			return nil
		}
		changed := w.changed
		w.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (w *window) wrote(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent += n
}

func (w *window) ack(sequence int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sequence <= w.acked {
		return
	}
	w.acked = sequence
	close(w.changed)
	w.changed = make(chan struct{})
}

func (w *window) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.changed)
		w.changed = make(chan struct{})
	}
}
