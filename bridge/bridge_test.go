package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/progrium/chanmux/mux"
	"github.com/progrium/chanmux/mux/frame"
	"github.com/rs/zerolog"
)

func fatal(err error, t *testing.T) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = zerolog.Nop()
	return cfg
}

// client speaks raw frames to a bridge.
type client struct {
	t      *testing.T
	enc    *frame.Encoder
	frames chan frame.Frame
	served chan error
}

func startBridge(t *testing.T, cfg Config, setup func(*Bridge)) *client {
	t.Helper()
	a, b := net.Pipe()
	br := New(a, cfg)
	if setup != nil {
		setup(br)
	}
	c := &client{
		t:      t,
		enc:    frame.NewEncoder(b),
		frames: make(chan frame.Frame, 64),
		served: make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		c.served <- br.Serve(ctx)
	}()
	go func() {
		defer close(c.frames)
		dec := frame.NewDecoder(b)
		for {
			f, err := dec.Decode()
			if err != nil {
				return
			}
			c.frames <- f
		}
	}()
	t.Cleanup(func() {
		cancel()
		b.Close()
	})
	return c
}

func (c *client) control(opts mux.Options) {
	c.t.Helper()
	buf, err := json.Marshal(opts)
	fatal(err, c.t)
	fatal(c.enc.Encode(frame.Frame{Payload: buf}), c.t)
}

func (c *client) message(channel, data string) {
	c.t.Helper()
	fatal(c.enc.Encode(frame.Frame{Channel: channel, Payload: []byte(data)}), c.t)
}

func (c *client) next() frame.Frame {
	c.t.Helper()
	select {
	case f, ok := <-c.frames:
		if !ok {
			c.t.Fatal("connection closed")
		}
		return f
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for frame")
		return frame.Frame{}
	}
}

func (c *client) nothingWithin(d time.Duration) bool {
	select {
	case <-c.frames:
		return false
	case <-time.After(d):
		return true
	}
}

func decode(t *testing.T, f frame.Frame) mux.Options {
	t.Helper()
	if !f.IsControl() {
		t.Fatalf("expected control frame, got %s", f)
	}
	var opts mux.Options
	fatal(json.Unmarshal(f.Payload, &opts), t)
	return opts
}

func (c *client) nextControl() mux.Options {
	c.t.Helper()
	return decode(c.t, c.next())
}

func (c *client) handshake() {
	c.t.Helper()
	init := c.nextControl()
	want := mux.Options{"command": "init", "version": float64(1), "host": "localhost"}
	if diff := cmp.Diff(want, init); diff != "" {
		c.t.Fatalf("unexpected init (-want +got):\n%s", diff)
	}
	c.control(mux.Options{"command": "init", "version": 1})
}

// collect gathers messages on channel until a control frame arrives.
func (c *client) collect(channel string) (string, mux.Options) {
	c.t.Helper()
	var out string
	for {
		f := c.next()
		if f.IsControl() {
			return out, decode(c.t, f)
		}
		if f.Channel != channel {
			c.t.Fatalf("message on unexpected channel %q", f.Channel)
		}
		out += string(f.Payload)
	}
}

func TestEcho(t *testing.T) {
	c := startBridge(t, testConfig(), nil)
	c.handshake()

	c.control(mux.Options{"command": "open", "channel": "1", "payload": "echo", "flow-control": true})
	if ready := c.nextControl(); ready.Command() != "ready" || ready.Channel() != "1" {
		t.Fatalf("unexpected ready %v", ready)
	}
	c.message("1", "hello")
	f := c.next()
	if f.Channel != "1" || string(f.Payload) != "hello" {
		t.Fatalf("unexpected echo %s", f)
	}

	c.control(mux.Options{"command": "done", "channel": "1"})
	if done := c.nextControl(); done.Command() != "done" {
		t.Fatalf("expected done, got %v", done)
	}
	want := mux.Options{"command": "close", "channel": "1"}
	if diff := cmp.Diff(want, c.nextControl()); diff != "" {
		t.Fatalf("unexpected close (-want +got):\n%s", diff)
	}
}

func TestPing(t *testing.T) {
	c := startBridge(t, testConfig(), nil)
	c.handshake()
	c.control(mux.Options{"command": "ping", "sequence": 3})
	want := mux.Options{"command": "pong", "sequence": float64(3)}
	if diff := cmp.Diff(want, c.nextControl()); diff != "" {
		t.Fatalf("unexpected pong (-want +got):\n%s", diff)
	}
}

func TestRefusedOpens(t *testing.T) {
	tests := []struct {
		name    string
		open    mux.Options
		problem string
	}{
		{
			name:    "unknown payload",
			open:    mux.Options{"payload": "teleport"},
			problem: "not-supported",
		},
		{
			name:    "foreign host",
			open:    mux.Options{"payload": "echo", "host": "elsewhere"},
			problem: "not-supported",
		},
		{
			name:    "stream without spawn",
			open:    mux.Options{"payload": "stream"},
			problem: "protocol-error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := startBridge(t, testConfig(), nil)
			c.handshake()
			open := tt.open.Clone()
			open["command"] = "open"
			open["channel"] = "7"
			c.control(open)

			closing := c.nextControl()
			if closing.Command() != "close" || closing.Channel() != "7" || closing.Str("problem") != tt.problem {
				t.Fatalf("unexpected answer %v", closing)
			}
		})
	}
}

func TestDuplicateChannel(t *testing.T) {
	c := startBridge(t, testConfig(), nil)
	c.handshake()
	c.control(mux.Options{"command": "open", "channel": "1", "payload": "null"})
	if ready := c.nextControl(); ready.Command() != "ready" {
		t.Fatalf("unexpected ready %v", ready)
	}
	c.control(mux.Options{"command": "open", "channel": "1", "payload": "null"})
	closing := c.nextControl()
	if closing.Command() != "close" || closing.Str("problem") != "protocol-error" {
		t.Fatalf("expected protocol error, got %v", closing)
	}
	if !c.nothingWithin(100 * time.Millisecond) {
		t.Fatal("terminated channel sent another frame")
	}
}

func TestOpenBeforeInit(t *testing.T) {
	c := startBridge(t, testConfig(), nil)
	c.nextControl()
	c.control(mux.Options{"command": "open", "channel": "1", "payload": "echo"})

	closing := c.nextControl()
	if closing.Command() != "close" || closing.Str("problem") != "protocol-error" {
		t.Fatalf("expected protocol error, got %v", closing)
	}
	select {
	case err := <-c.served:
		if !errors.Is(err, ErrProtocol) {
			t.Fatalf("unexpected serve error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestTransportCloseEndsServe(t *testing.T) {
	c := startBridge(t, testConfig(), nil)
	c.handshake()
	c.control(mux.Options{"command": "open", "channel": "1", "payload": "null"})
	c.nextControl()
	c.control(mux.Options{"command": "close", "problem": "terminated"})
	select {
	case err := <-c.served:
		fatal(err, t)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestFlowControl(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 10
	cfg.PingInterval = 10
	cfg.MaxFrameSize = 10
	c := startBridge(t, cfg, func(b *Bridge) {
		b.HandleFunc("burst", func(ctx context.Context, ch *Channel) error {
			return ch.Send(make([]byte, 40))
		})
	})
	c.handshake()
	c.control(mux.Options{"command": "open", "channel": "1", "payload": "burst", "binary": "raw", "flow-control": true})

	expectData := func() {
		t.Helper()
		if f := c.next(); f.IsControl() || len(f.Payload) != 10 {
			t.Fatalf("expected 10 bytes of data, got %s", f)
		}
	}
	expectPing := func(seq float64) {
		t.Helper()
		ping := c.nextControl()
		if ping.Command() != "ping" || ping["sequence"] != seq {
			t.Fatalf("expected ping %v, got %v", seq, ping)
		}
	}

	expectData()
	expectPing(10)
	expectData()
	expectPing(20)
	if !c.nothingWithin(200 * time.Millisecond) {
		t.Fatal("sent past a full window")
	}

	c.control(mux.Options{"command": "pong", "channel": "1", "sequence": 20})
	expectData()
	expectPing(30)
	expectData()
	expectPing(40)
	if closing := c.nextControl(); closing.Command() != "close" {
		t.Fatalf("expected close, got %v", closing)
	}
}

func TestTextChunksKeepRunes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameSize = 2
	c := startBridge(t, cfg, nil)
	c.handshake()
	c.control(mux.Options{"command": "open", "channel": "1", "payload": "echo"})
	c.nextControl()
	c.message("1", "a€b")

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, string(c.next().Payload))
	}
	if diff := cmp.Diff([]string{"a", "€", "b"}, got); diff != "" {
		t.Fatalf("unexpected chunks (-want +got):\n%s", diff)
	}
}

func TestHandlerPanic(t *testing.T) {
	c := startBridge(t, testConfig(), func(b *Bridge) {
		b.HandleFunc("boom", func(ctx context.Context, ch *Channel) error {
			panic("kaboom")
		})
	})
	c.handshake()
	c.control(mux.Options{"command": "open", "channel": "1", "payload": "boom"})
	closing := c.nextControl()
	if closing.Str("problem") != "internal-error" || closing.Str("message") != "kaboom" {
		t.Fatalf("unexpected close %v", closing)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestStream(t *testing.T) {
	requireShell(t)
	c := startBridge(t, testConfig(), nil)
	c.handshake()
	c.control(mux.Options{
		"command": "open",
		"channel": "1",
		"payload": "stream",
		"spawn":   []string{"sh", "-c", "read x; echo got $x; exit 3"},
	})
	ready := c.nextControl()
	if ready.Command() != "ready" || ready["pid"] == nil {
		t.Fatalf("unexpected ready %v", ready)
	}
	c.message("1", "hi\n")
	c.control(mux.Options{"command": "done", "channel": "1"})

	out, done := c.collect("1")
	if out != "got hi\n" || done.Command() != "done" {
		t.Fatalf("unexpected output %q then %v", out, done)
	}
	want := mux.Options{"command": "close", "channel": "1", "exit-status": float64(3)}
	if diff := cmp.Diff(want, c.nextControl()); diff != "" {
		t.Fatalf("unexpected close (-want +got):\n%s", diff)
	}
}

func TestStreamStderr(t *testing.T) {
	requireShell(t)
	tests := []struct {
		err     string
		out     string
		message string
	}{
		{err: "out", out: "1\n2\n"},
		{err: "ignore", out: "1\n"},
		{err: "message", out: "1\n", message: "2"},
	}
	for _, tt := range tests {
		t.Run(tt.err, func(t *testing.T) {
			c := startBridge(t, testConfig(), nil)
			c.handshake()
			c.control(mux.Options{
				"command": "open",
				"channel": "1",
				"payload": "stream",
				"err":     tt.err,
				"spawn":   []string{"sh", "-c", "echo 1; echo 2 >&2"},
			})
			c.nextControl()
			out, done := c.collect("1")
			if out != tt.out || done.Command() != "done" {
				t.Fatalf("unexpected output %q then %v", out, done)
			}
			closing := c.nextControl()
			if closing["exit-status"] != float64(0) || closing.Str("message") != tt.message {
				t.Fatalf("unexpected close %v", closing)
			}
		})
	}
}

func TestStreamSignal(t *testing.T) {
	requireShell(t)
	c := startBridge(t, testConfig(), nil)
	c.handshake()
	c.control(mux.Options{
		"command": "open",
		"channel": "1",
		"payload": "stream",
		"spawn":   []string{"sh", "-c", "kill -TERM $$"},
	})
	c.nextControl()
	if _, done := c.collect("1"); done.Command() != "done" {
		t.Fatalf("expected done, got %v", done)
	}
	closing := c.nextControl()
	if closing.Str("exit-signal") != "TERM" {
		t.Fatalf("unexpected close %v", closing)
	}
}

func TestStreamNotFound(t *testing.T) {
	c := startBridge(t, testConfig(), nil)
	c.handshake()
	c.control(mux.Options{
		"command": "open",
		"channel": "1",
		"payload": "stream",
		"spawn":   []string{"/nonexistent/chanmux-test-binary"},
	})
	closing := c.nextControl()
	if closing.Command() != "close" || closing.Str("problem") != "not-found" {
		t.Fatalf("unexpected close %v", closing)
	}
}

func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("cannot count open file descriptors")
	}
	return len(entries)
}

func TestStreamRefusalsReleaseDescriptors(t *testing.T) {
	for _, tt := range []struct {
		name    string
		open    mux.Options
		problem string
	}{
		{
			name:    "invalid err option",
			open:    mux.Options{"spawn": []string{"true"}, "err": "bogus"},
			problem: "protocol-error",
		},
		{
			name:    "missing binary",
			open:    mux.Options{"spawn": []string{"/nonexistent/chanmux-test-binary"}},
			problem: "not-found",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := startBridge(t, testConfig(), nil)
			c.handshake()
			var before int
			for i := 0; i < 20; i++ {
				if i == 1 {
					// the first spawn may set up runtime descriptors
					before = openFDs(t)
				}
				open := tt.open.Clone()
				open["command"] = "open"
				open["channel"] = fmt.Sprint(i)
				open["payload"] = "stream"
				c.control(open)
				closing := c.nextControl()
				if closing.Command() != "close" || closing.Str("problem") != tt.problem {
					t.Fatalf("unexpected close %v", closing)
				}
			}
			if after := openFDs(t); after > before {
				t.Fatalf("open descriptors grew from %d to %d", before, after)
			}
		})
	}
}

func TestStreamEnviron(t *testing.T) {
	requireShell(t)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	fatal(err, t)
	c := startBridge(t, testConfig(), nil)
	c.handshake()
	c.control(mux.Options{
		"command":   "open",
		"channel":   "1",
		"payload":   "stream",
		"directory": dir,
		"environ":   []string{"CHANMUX_TEST=yes"},
		"spawn":     []string{"sh", "-c", "echo $CHANMUX_TEST; pwd -P"},
	})
	c.nextControl()
	out, _ := c.collect("1")
	if out != "yes\n"+dir+"\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestClientCloseKillsStream(t *testing.T) {
	requireShell(t)
	c := startBridge(t, testConfig(), nil)
	c.handshake()
	c.control(mux.Options{
		"command": "open",
		"channel": "1",
		"payload": "stream",
		"spawn":   []string{"sleep", "30"},
	})
	c.nextControl()
	c.control(mux.Options{"command": "close", "channel": "1"})
	if !c.nothingWithin(100 * time.Millisecond) {
		t.Fatal("bridge answered a client close")
	}
	c.control(mux.Options{"command": "close"})
	select {
	case err := <-c.served:
		fatal(err, t)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return, process still running")
	}
}
