package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mitchellh/cli"
	"github.com/progrium/chanmux/loop"
	"github.com/progrium/chanmux/mux"
	"github.com/progrium/chanmux/transport"
	"github.com/rs/zerolog"
)

func defaultFlagSet(cmdName string) *flag.FlagSet {
	f := flag.NewFlagSet(cmdName, flag.ContinueOnError)
	f.SetOutput(io.Discard)

	// Set the default Usage to empty
	f.Usage = func() {}

	return f
}

func helpForFlags(fs *flag.FlagSet) string {
	buf := &strings.Builder{}
	buf.WriteString("Options:\n\n")

	w := fs.Output()
	defer fs.SetOutput(w)
	fs.SetOutput(buf)
	fs.PrintDefaults()

	return buf.String()
}

// meta carries what every command shares: the Ui, the -config flag and the
// settings loaded from it.
type meta struct {
	Ui cli.Ui

	configPath string
	config     Config
	log        zerolog.Logger
}

func (m *meta) flagSet(name string) *flag.FlagSet {
	fs := defaultFlagSet(name)
	fs.StringVar(&m.configPath, "config", "", "path to a TOML config file")
	return fs
}

// setup loads the configuration and starts logging to stderr.
func (m *meta) setup() bool {
	cfg, err := loadConfig(m.configPath, os.Getenv)
	if err != nil {
		m.Ui.Error(err.Error())
		return false
	}
	m.config = cfg
	m.log = setupLogging(os.Stderr, cfg.level())
	return true
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// parseTarget splits a URL like tcp://localhost:3000 or unix:///tmp/sock into
// a transport scheme and address.
func parseTarget(s string) (scheme, addr string, err error) {
	if s == "-" || s == "stdio" {
		return "stdio", "", nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", "", err
	}
	switch u.Scheme {
	case "":
		return "", "", fmt.Errorf("missing scheme in %q", s)
	case "stdio":
		return "stdio", "", nil
	case "unix":
		addr = u.Host + u.Path
	default:
		addr = u.Host
	}
	if addr == "" {
		return "", "", fmt.Errorf("missing address in %q", s)
	}
	return u.Scheme, addr, nil
}

func listen(scheme, addr string) (transport.Listener, error) {
	switch scheme {
	case "tcp":
		l, err := transport.ListenTCP(addr)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "unix":
		l, err := transport.ListenUnix(addr)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "ws":
		l, err := transport.ListenWS(addr)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "quic":
		tlsConf, err := transport.SelfSignedTLS()
		if err != nil {
			return nil, err
		}
		l, err := transport.ListenQUIC(addr, tlsConf)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("cannot listen on %q", scheme)
	}
}

// connect starts a loop and a link dialing target. The loop runs until ctx
// is done.
func (m *meta) connect(ctx context.Context, target string) (*loop.Loop, *mux.Link, error) {
	scheme, addr, err := parseTarget(target)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := transport.Dialers[scheme]; !ok {
		return nil, nil, fmt.Errorf("unknown scheme %q, expected one of %s",
			scheme, strings.Join(transport.Schemes(), ", "))
	}
	l := loop.New(loop.WithLogger(m.log))
	go l.Run(ctx)
	dial := func() (io.ReadWriteCloser, error) {
		return transport.Dial(scheme, addr)
	}
	return l, mux.NewLink(l, dial, m.config.muxConfig(m.log)), nil
}

// pump reads r until EOF, handing every chunk to send on the loop, then
// calls done on the loop.
func pump(l *loop.Loop, r io.Reader, send func([]byte), done func()) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append([]byte{}, buf[:n]...)
			l.Later(func() { send(data) })
		}
		if err != nil {
			l.Later(done)
			return
		}
	}
}
