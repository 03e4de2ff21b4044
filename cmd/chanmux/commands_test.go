package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/progrium/chanmux/mux"
)

func TestParseTarget(t *testing.T) {
	for _, tt := range []struct {
		in     string
		scheme string
		addr   string
	}{
		{"tcp://localhost:3000", "tcp", "localhost:3000"},
		{"ws://127.0.0.1:8080", "ws", "127.0.0.1:8080"},
		{"quic://localhost:4242", "quic", "localhost:4242"},
		{"unix:///tmp/chanmux.sock", "unix", "/tmp/chanmux.sock"},
		{"stdio://", "stdio", ""},
		{"-", "stdio", ""},
	} {
		scheme, addr, err := parseTarget(tt.in)
		fatal(err, t)
		if scheme != tt.scheme || addr != tt.addr {
			t.Fatalf("parseTarget(%q) = %q, %q", tt.in, scheme, addr)
		}
	}
}

func TestParseTargetErrors(t *testing.T) {
	for _, in := range []string{"localhost", "tcp://", "unix://"} {
		if _, _, err := parseTarget(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"payload=echo", "host=example"})
	fatal(err, t)
	want := mux.Options{"payload": "echo", "host": "example"}
	if diff := cmp.Diff(want, opts); diff != "" {
		t.Fatalf("unexpected options (-want +got):\n%s", diff)
	}

	opts, err = parseOptions(nil)
	fatal(err, t)
	if len(opts) != 0 {
		t.Fatalf("expected no options, got %v", opts)
	}
}

func TestHelp(t *testing.T) {
	for _, tt := range []struct {
		name string
		help string
	}{
		{"bridge", (&BridgeCommand{}).Help()},
		{"open", (&OpenCommand{}).Help()},
		{"spawn", (&SpawnCommand{}).Help()},
	} {
		if !strings.HasPrefix(tt.help, "Usage: chanmux "+tt.name) || !strings.Contains(tt.help, "-config") {
			t.Fatalf("unexpected %s help:\n%s", tt.name, tt.help)
		}
	}
}

func TestListenUnknownScheme(t *testing.T) {
	if _, err := listen("stdio", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestAwaitClose(t *testing.T) {
	closed := make(chan mux.Options, 1)
	closed <- mux.Options{"command": "close"}
	if err := awaitClose(closed, time.Second).Err(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	err := awaitClose(make(chan mux.Options), 10*time.Millisecond).Err()
	var ce *mux.CloseError
	if !errors.As(err, &ce) || ce.Problem != string(mux.ProblemTerminated) {
		t.Fatalf("expected terminated, got %v", err)
	}
}
