// Package bridge implements the peer side of a channel connection: it
// answers the client's init, accepts open commands and serves every channel
// with a Handler in its own goroutine.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/progrium/chanmux/chunk"
	"github.com/progrium/chanmux/codec"
	"github.com/progrium/chanmux/mux"
	"github.com/progrium/chanmux/mux/frame"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultPingInterval is how many bytes a flow controlled channel sends
	// between pings.
	DefaultPingInterval = chunk.DefaultBatch

	// DefaultWindow is how many bytes may be unacknowledged before sending
	// blocks.
	DefaultWindow = 16 * chunk.DefaultBatch
)

// ErrProtocol is returned by Serve when the client broke the protocol.
var ErrProtocol = errors.New("bridge: protocol error")

// Config holds the parameters of a Bridge.
type Config struct {
	// Host is announced in init. Channels opened for another host are
	// refused. Empty accepts any host.
	Host string

	// Codec encodes control payloads. Nil means JSON.
	Codec codec.Codec

	// MaxFrameSize is the largest payload sent in one frame.
	MaxFrameSize int

	// Window and PingInterval drive flow control, in bytes.
	Window       int64
	PingInterval int64

	Logger zerolog.Logger
}

// DefaultConfig returns the configuration used by the chanmux bridge command.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Codec:        codec.JSONCodec{},
		MaxFrameSize: chunk.DefaultBatch,
		Window:       DefaultWindow,
		PingInterval: DefaultPingInterval,
		Logger:       log.Logger,
	}
}

// OpenOptions are the options of an open command understood by the bridge.
type OpenOptions struct {
	Channel     string   `mapstructure:"channel"`
	Payload     string   `mapstructure:"payload"`
	Host        string   `mapstructure:"host"`
	Binary      string   `mapstructure:"binary"`
	FlowControl bool     `mapstructure:"flow-control"`
	Spawn       []string `mapstructure:"spawn"`
	Directory   string   `mapstructure:"directory"`
	Environ     []string `mapstructure:"environ"`
	Err         string   `mapstructure:"err"`
}

// Bridge serves channels over a single connection.
type Bridge struct {
	cfg   Config
	conn  io.ReadWriteCloser
	enc   *frame.Encoder
	dec   *frame.Decoder
	codec codec.Codec

	mu       sync.Mutex
	handlers map[string]Handler
	chans    map[string]*Channel
	closed   bool

	ready bool
	wg    sync.WaitGroup
	log   zerolog.Logger
}

// New returns a Bridge over conn serving the builtin payloads: echo, null
// and stream.
func New(conn io.ReadWriteCloser, cfg Config) *Bridge {
	if cfg.Codec == nil {
		cfg.Codec = codec.JSONCodec{}
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = chunk.DefaultBatch
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	b := &Bridge{
		cfg:   cfg,
		conn:  conn,
		enc:   frame.NewEncoder(conn),
		dec:   frame.NewDecoder(conn),
		codec: cfg.Codec,
		chans: make(map[string]*Channel),
		handlers: map[string]Handler{
			"echo":   HandlerFunc(Echo),
			"null":   HandlerFunc(Null),
			"stream": HandlerFunc(Stream),
		},
		log: cfg.Logger.With().Str("component", "bridge").Logger(),
	}
	return b
}

// Handle registers h for channels opened with the given payload, replacing
// any handler registered before.
func (b *Bridge) Handle(payload string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[payload] = h
}

// HandleFunc registers fn for the given payload.
func (b *Bridge) HandleFunc(payload string, fn func(ctx context.Context, ch *Channel) error) {
	b.Handle(payload, HandlerFunc(fn))
}

func (b *Bridge) handler(payload string) Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[payload]
}

// Serve announces the bridge and serves channels until the connection ends,
// the client closes the transport or ctx is done. It waits for every channel
// handler to return.
func (b *Bridge) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		b.Close()
	}()

	init := mux.Options{"command": "init", "version": mux.ProtocolVersion}
	if b.cfg.Host != "" {
		init["host"] = b.cfg.Host
	}
	if err := b.sendControl(init); err != nil {
		b.shutdown()
		return err
	}

	var err error
	for err == nil {
		var f frame.Frame
		f, err = b.dec.Decode()
		if err != nil {
			break
		}
		err = b.dispatch(ctx, f)
	}
	b.shutdown()

	switch {
	case errors.Is(err, errTransportClosed), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return nil
	case ctx.Err() != nil && !errors.Is(err, ErrProtocol):
		return nil
	default:
		return err
	}
}

var errTransportClosed = errors.New("bridge: transport closed by client")

// Close closes the connection, which ends Serve.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.conn.Close()
}

func (b *Bridge) shutdown() {
	b.Close()
	b.mu.Lock()
	chans := b.chans
	b.chans = make(map[string]*Channel)
	b.mu.Unlock()
	for _, ch := range chans {
		ch.terminate()
	}
	b.wg.Wait()
}

func (b *Bridge) protocolError(msg string) error {
	b.log.Warn().Msg(msg)
	b.sendControl(mux.Options{"command": "close", "problem": string(mux.ProblemProtocol)})
	return fmt.Errorf("%w: %s", ErrProtocol, msg)
}

func (b *Bridge) dispatch(ctx context.Context, f frame.Frame) error {
	if !f.IsControl() {
		if !b.ready {
			return b.protocolError("message before init")
		}
		ch := b.channel(f.Channel)
		if ch == nil {
			b.log.Debug().Str("channel", f.Channel).Msg("bridge: dropping message for unknown channel")
			return nil
		}
		ch.in.push(f.Payload)
		return nil
	}

	var opts mux.Options
	if err := b.codec.Decoder(bytes.NewReader(f.Payload)).Decode(&opts); err != nil {
		return b.protocolError("invalid control frame")
	}
	command := opts.Command()
	if command == "" {
		return b.protocolError("control frame without command")
	}
	if !b.ready && command != "init" {
		return b.protocolError("control before init")
	}

	id := opts.Channel()
	if id == "" {
		switch command {
		case "init":
			if b.ready {
				return b.protocolError("second init")
			}
			var init struct {
				Version int `mapstructure:"version"`
			}
			if err := opts.Decode(&init); err != nil || init.Version != mux.ProtocolVersion {
				return b.protocolError("unsupported protocol version")
			}
			b.ready = true
		case "ping":
			pong := opts.Clone()
			pong["command"] = "pong"
			b.sendControl(pong)
		case "close":
			return errTransportClosed
		default:
			b.log.Debug().Str("command", command).Msg("bridge: unhandled transport control")
		}
		return nil
	}

	if command == "open" {
		b.open(ctx, opts)
		return nil
	}

	ch := b.channel(id)
	if ch == nil {
		b.log.Debug().Str("channel", id).Str("command", command).Msg("bridge: dropping control for unknown channel")
		return nil
	}
	switch command {
	case "done":
		ch.in.end()
	case "close":
		b.remove(id)
		ch.remoteClose(opts)
	case "pong":
		var pong struct {
			Sequence int64 `mapstructure:"sequence"`
		}
		if err := opts.Decode(&pong); err == nil && ch.flow != nil {
			ch.flow.ack(pong.Sequence)
		}
	case "ping":
		pong := opts.Clone()
		pong["command"] = "pong"
		b.sendControl(pong)
	default:
		ch.in.control(opts)
	}
	return nil
}

func (b *Bridge) open(ctx context.Context, raw mux.Options) {
	var opts OpenOptions
	if err := raw.Decode(&opts); err != nil {
		b.refuse(raw.Channel(), mux.ProblemProtocol, "invalid open options")
		return
	}
	if b.channel(opts.Channel) != nil {
		// the live channel id is reused, so both ends lose it
		b.log.Warn().Str("channel", opts.Channel).Msg("bridge: duplicate channel id")
		if ch := b.remove(opts.Channel); ch != nil {
			ch.terminate()
		}
		b.refuse(opts.Channel, mux.ProblemProtocol, "")
		return
	}
	if opts.Host != "" && b.cfg.Host != "" && opts.Host != b.cfg.Host {
		b.refuse(opts.Channel, mux.ProblemNotSupported, "unknown host: "+opts.Host)
		return
	}
	h := b.handler(opts.Payload)
	if h == nil {
		b.refuse(opts.Channel, mux.ProblemNotSupported, "unsupported payload: "+opts.Payload)
		return
	}

	ch := newChannel(ctx, b, opts, raw)
	b.mu.Lock()
	b.chans[opts.Channel] = ch
	b.mu.Unlock()
	ch.log.Debug().Str("payload", opts.Payload).Msg("bridge: channel opened")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ch.finish(serve(h, ch))
	}()
}

func serve(h Handler, ch *Channel) (err error) {
	defer func() {
		if p := recover(); p != nil {
			ch.log.Error().Interface("panic", p).Msg("bridge: handler panic")
			err = &mux.CloseError{Problem: string(mux.ProblemInternal), Message: fmt.Sprint(p)}
		}
	}()
	return h.ServeChannel(ch.ctx, ch)
}

func (b *Bridge) refuse(id string, problem mux.Problem, message string) {
	opts := mux.Options{"command": "close", "channel": id, "problem": string(problem)}
	if message != "" {
		opts["message"] = message
	}
	b.sendControl(opts)
}

func (b *Bridge) channel(id string) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chans[id]
}

func (b *Bridge) remove(id string) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := b.chans[id]
	delete(b.chans, id)
	return ch
}

func (b *Bridge) sendControl(opts mux.Options) error {
	var buf bytes.Buffer
	if err := b.codec.Encoder(&buf).Encode(opts); err != nil {
		return fmt.Errorf("bridge: encoding control: %w", err)
	}
	return b.enc.Encode(frame.Frame{Payload: buf.Bytes()})
}

func (b *Bridge) sendMessage(id string, payload []byte) error {
	return b.enc.Encode(frame.Frame{Channel: id, Payload: payload})
}
