// Package transport opens the connections a mux transport runs over.
//
// Every dialer and listener here yields a plain io.ReadWriteCloser carrying
// the length prefixed frame stream, so any of them can back a mux.Link or a
// bridge.
package transport

import (
	"fmt"
	"io"
	"net"
	"sort"
)

// A Dialer connects to addr.
type Dialer func(addr string) (io.ReadWriteCloser, error)

// Dialers maps scheme names to Dialers and includes all builtin transports.
var Dialers map[string]Dialer

func init() {
	Dialers = map[string]Dialer{
		"tcp":  DialTCP,
		"unix": DialUnix,
		"ws":   DialWS,
		"quic": DialQUIC,
		"stdio": func(_ string) (io.ReadWriteCloser, error) {
			return DialStdio()
		},
	}
}

// Dial connects to addr using the transport registered for scheme. For
// "stdio" the addr is ignored.
func Dial(scheme, addr string) (io.ReadWriteCloser, error) {
	d, ok := Dialers[scheme]
	if !ok {
		return nil, fmt.Errorf("transport: %q not available in Dialers", scheme)
	}
	return d(addr)
}

// Schemes returns the registered scheme names, sorted.
func Schemes() []string {
	names := make([]string, 0, len(Dialers))
	for name := range Dialers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Listener accepts incoming connections.
type Listener interface {
	// Close closes the listener.
	// Any blocked Accept operations will be unblocked and return errors.
	Close() error

	// Accept waits for and returns the next connection.
	Accept() (io.ReadWriteCloser, error)

	// Addr returns the listening address, or nil.
	Addr() net.Addr
}
