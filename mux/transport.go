// Package mux multiplexes logical channels over a single connection.
//
// A Transport owns the connection and a registry mapping channel ids to
// handlers. Channels are created against a Link, which hands them a ready
// Transport once one exists. All of it runs on a loop.Loop: nothing in this
// package is safe for concurrent use except the goroutine reading frames,
// which only posts them onto the loop.
package mux

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/progrium/chanmux/codec"
	"github.com/progrium/chanmux/loop"
	"github.com/progrium/chanmux/mux/frame"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ProtocolVersion is the version exchanged in init control frames.
const ProtocolVersion = 1

// Config holds the parameters of a Transport.
type Config struct {
	// Codec encodes control payloads. Nil means JSON.
	Codec codec.Codec

	// Host is added to open commands that name no host.
	Host string

	// Prefix is prepended to every channel id.
	Prefix string

	// MaxFrameSize bounds incoming frames. Zero means frame.DefaultMaxSize.
	MaxFrameSize uint32

	Logger zerolog.Logger
}

// DefaultConfig returns a Config using JSON control frames and the global
// zerolog logger.
func DefaultConfig() Config {
	return Config{
		Codec:  codec.JSONCodec{},
		Logger: log.Logger,
	}
}

// ControlFunc handles control frames addressed to a channel.
type ControlFunc func(Options)

// MessageFunc handles data frames addressed to a channel.
type MessageFunc func(payload []byte)

type registration struct {
	seq     uint64
	control ControlFunc
	message MessageFunc
}

// Transport is the single physical connection plus the registry
// demultiplexing its frames to channels.
type Transport struct {
	id    string
	loop  *loop.Loop
	conn  io.ReadWriteCloser
	enc   *frame.Encoder
	dec   *frame.Decoder
	codec codec.Codec

	host     string
	peerHost string
	prefix   string
	counter  uint64
	seq      uint64
	chans    map[string]registration

	ready   bool
	closed  bool
	problem Problem

	readyHooks []func(*Transport)
	closeHooks []func(*Transport, Problem)

	log zerolog.Logger
}

// New starts a Transport over conn, announcing itself with an init control
// frame. Frames read from conn are handled on l.
func New(l *loop.Loop, conn io.ReadWriteCloser, cfg Config) *Transport {
	if cfg.Codec == nil {
		cfg.Codec = codec.JSONCodec{}
	}
	id := xid.New().String()
	t := &Transport{
		id:     id,
		loop:   l,
		conn:   conn,
		enc:    frame.NewEncoder(conn),
		dec:    frame.NewDecoder(conn),
		codec:  cfg.Codec,
		host:   cfg.Host,
		prefix: cfg.Prefix,
		chans:  make(map[string]registration),
		log:    cfg.Logger.With().Str("transport", id).Logger(),
	}
	t.dec.MaxSize = cfg.MaxFrameSize
	go t.readLoop()
	t.SendControl(Options{
		"command": "init",
		"version": ProtocolVersion,
	})
	return t
}

// ID returns the unique identifier of this transport, for logs.
func (t *Transport) ID() string {
	return t.id
}

// Ready reports whether the peer's init has been received.
func (t *Transport) Ready() bool {
	return t.ready
}

// Closed reports whether the transport closed, and with which problem.
func (t *Transport) Closed() (Problem, bool) {
	return t.problem, t.closed
}

// DefaultHost returns the host added to open commands that name none:
// Config.Host, or else the host the peer announced.
func (t *Transport) DefaultHost() string {
	if t.host != "" {
		return t.host
	}
	return t.peerHost
}

// PeerHost returns the host the peer announced in its init.
func (t *Transport) PeerHost() string {
	return t.peerHost
}

// OnReady registers fn to run once the peer's init arrived.
func (t *Transport) OnReady(fn func(*Transport)) {
	if t.ready {
		fn(t)
		return
	}
	t.readyHooks = append(t.readyHooks, fn)
}

// OnClose registers fn to run when the transport closes.
func (t *Transport) OnClose(fn func(*Transport, Problem)) {
	if t.closed {
		fn(t, t.problem)
		return
	}
	t.closeHooks = append(t.closeHooks, fn)
}

// NextChannel returns a channel id never handed out before by t.
func (t *Transport) NextChannel() string {
	t.counter++
	return t.prefix + strconv.FormatUint(t.counter, 10)
}

// Register routes frames for id to the given handlers. Registering an id
// that is still registered is a programming error.
func (t *Transport) Register(id string, control ControlFunc, message MessageFunc) {
	if _, exists := t.chans[id]; exists {
		panic(fmt.Sprintf("mux: channel %q already registered", id))
	}
	t.seq++
	t.chans[id] = registration{seq: t.seq, control: control, message: message}
}

// Unregister stops routing frames for id. Unknown ids are ignored.
func (t *Transport) Unregister(id string) {
	delete(t.chans, id)
}

// SendMessage sends payload as a data frame on channel id.
func (t *Transport) SendMessage(payload []byte, id string) {
	if t.closed {
		t.log.Debug().Str("channel", id).Msg("mux: dropping message on closed transport")
		return
	}
	t.write(frame.Frame{Channel: id, Payload: payload})
}

// SendControl sends opts as a control frame. Options the codec cannot
// encode are a programming error.
func (t *Transport) SendControl(opts Options) {
	if t.closed {
		t.log.Debug().Str("command", opts.Command()).Msg("mux: dropping control on closed transport")
		return
	}
	var buf bytes.Buffer
	if err := t.codec.Encoder(&buf).Encode(opts); err != nil {
		panic(fmt.Errorf("mux: encoding control %q: %w", opts.Command(), err))
	}
	t.write(frame.Frame{Channel: frame.ControlChannel, Payload: buf.Bytes()})
}

func (t *Transport) write(f frame.Frame) {
	if err := t.enc.Encode(f); err != nil {
		t.log.Debug().Err(err).Msg("mux: transport write failed")
		t.loop.Later(func() {
			t.shutdown(ProblemDisconnected, false)
		})
	}
}

// Close closes the transport with problem, telling the peer and every
// registered channel. An empty problem means "disconnected".
func (t *Transport) Close(problem Problem) error {
	return t.shutdown(problem, true)
}

func (t *Transport) shutdown(problem Problem, notifyPeer bool) error {
	if t.closed {
		return nil
	}
	if problem == "" {
		problem = ProblemDisconnected
	}

	var errs *multierror.Error
	if notifyPeer {
		msg := Options{"command": "close", "problem": string(problem)}
		var buf bytes.Buffer
		if err := t.codec.Encoder(&buf).Encode(msg); err == nil {
			if err := t.enc.Encode(frame.Frame{Payload: buf.Bytes()}); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("mux: sending close: %w", err))
			}
		}
	}

	t.closed = true
	t.problem = problem
	t.log.Debug().Str("problem", string(problem)).Msg("mux: transport closed")

	chans := t.chans
	t.chans = make(map[string]registration)
	ids := make([]string, 0, len(chans))
	for id := range chans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return chans[ids[i]].seq < chans[ids[j]].seq
	})
	for _, id := range ids {
		chans[id].control(Options{
			"command": "close",
			"channel": id,
			"problem": string(problem),
		})
	}

	if err := t.conn.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("mux: closing connection: %w", err))
	}

	hooks := t.closeHooks
	t.closeHooks = nil
	t.readyHooks = nil
	for _, fn := range hooks {
		fn(t, problem)
	}
	return errs.ErrorOrNil()
}

// readLoop posts every decoded frame onto the loop until the connection
// fails.
func (t *Transport) readLoop() {
	for {
		f, err := t.dec.Decode()
		if err != nil {
			t.loop.Later(func() {
				if !t.closed {
					t.log.Debug().Err(err).Msg("mux: transport read failed")
				}
				t.shutdown(ProblemDisconnected, false)
			})
			return
		}
		t.loop.Later(func() {
			t.dispatch(f)
		})
	}
}

func (t *Transport) dispatch(f frame.Frame) {
	if t.closed {
		return
	}
	if f.IsControl() {
		var opts Options
		if err := t.codec.Decoder(bytes.NewReader(f.Payload)).Decode(&opts); err != nil {
			t.log.Warn().Err(err).Msg("mux: received invalid control frame")
			t.Close(ProblemProtocol)
			return
		}
		t.processControl(opts)
		return
	}
	if !t.ready {
		t.log.Warn().Str("channel", f.Channel).Msg("mux: received message before init")
		t.Close(ProblemProtocol)
		return
	}
	reg, ok := t.chans[f.Channel]
	if !ok {
		t.log.Debug().Str("channel", f.Channel).Msg("mux: dropping message for unknown channel")
		return
	}
	reg.message(f.Payload)
}

func (t *Transport) processControl(opts Options) {
	command := opts.Command()
	channel := opts.Channel()
	if command == "" {
		t.log.Warn().Msg("mux: received control frame without command")
		t.Close(ProblemProtocol)
		return
	}

	if channel == "" {
		switch command {
		case "init":
			t.processInit(opts)
		case "ping":
			pong := opts.Clone()
			pong["command"] = "pong"
			t.SendControl(pong)
		case "close":
			problem := Problem(opts.Str("problem"))
			t.shutdown(problem, false)
		case "pong":
		default:
			t.log.Debug().Str("command", command).Msg("mux: unhandled transport control")
		}
		return
	}

	if !t.ready {
		t.log.Warn().Str("command", command).Msg("mux: received channel control before init")
		t.Close(ProblemProtocol)
		return
	}

	// acknowledge flow control pings on behalf of the channel
	if command == "ping" {
		pong := opts.Clone()
		pong["command"] = "pong"
		t.SendControl(pong)
		return
	}

	reg, ok := t.chans[channel]
	if !ok {
		t.log.Debug().Str("channel", channel).Str("command", command).Msg("mux: dropping control for unknown channel")
		return
	}
	reg.control(opts)
}

func (t *Transport) processInit(opts Options) {
	if t.ready {
		t.log.Warn().Msg("mux: received a second init")
		t.Close(ProblemProtocol)
		return
	}
	var init struct {
		Version int    `mapstructure:"version"`
		Host    string `mapstructure:"host"`
	}
	if err := opts.Decode(&init); err != nil || init.Version != ProtocolVersion {
		t.log.Warn().Interface("version", opts["version"]).Msg("mux: unsupported protocol version")
		t.Close(ProblemProtocol)
		return
	}
	t.peerHost = init.Host
	t.ready = true
	t.log.Debug().Str("host", init.Host).Msg("mux: transport ready")

	hooks := t.readyHooks
	t.readyHooks = nil
	for _, fn := range hooks {
		fn(t)
	}
}
