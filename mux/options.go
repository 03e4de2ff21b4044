package mux

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Options is the payload of a control frame, and the set of open-time
// parameters of a channel.
type Options map[string]any

// Command returns the "command" field.
func (o Options) Command() string {
	return o.Str("command")
}

// Channel returns the "channel" field.
func (o Options) Channel() string {
	return o.Str("channel")
}

// Str returns the string stored at key, or "".
func (o Options) Str(key string) string {
	s, _ := o[key].(string)
	return s
}

// Bool returns the boolean stored at key, or false.
func (o Options) Bool(key string) bool {
	b, _ := o[key].(bool)
	return b
}

// Clone returns a shallow copy of o. Cloning nil gives an empty map.
func (o Options) Clone() Options {
	c := make(Options, len(o)+2)
	for k, v := range o {
		c[k] = v
	}
	return c
}

// Decode stores o into the struct pointed to by v, matching keys against
// mapstructure tags. Numbers and strings convert loosely so that payloads
// decoded by either control codec fit the same struct.
func (o Options) Decode(v any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           v,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(o))
}

// Err returns a *CloseError when o carries a problem, otherwise nil.
func (o Options) Err() error {
	if o.Str("problem") == "" {
		return nil
	}
	var e CloseError
	if err := o.Decode(&e); err != nil {
		return &CloseError{Problem: o.Str("problem")}
	}
	return &e
}

// Problem is the code carried by a failed close.
type Problem string

const (
	ProblemProtocol     Problem = "protocol-error"
	ProblemDisconnected Problem = "disconnected"
	ProblemNotFound     Problem = "not-found"
	ProblemNotSupported Problem = "not-supported"
	ProblemAccessDenied Problem = "access-denied"
	ProblemInternal     Problem = "internal-error"
	ProblemTerminated   Problem = "terminated"
	ProblemTimeout      Problem = "timeout"
	ProblemNoForwarding Problem = "no-forwarding"
	ProblemAuthFailed   Problem = "authentication-failed"
	ProblemUnknownHost  Problem = "unknown-host"
)

var problemMessages = map[Problem]string{
	ProblemProtocol:     "Protocol error",
	ProblemDisconnected: "Server has closed the connection.",
	ProblemNotFound:     "Not found",
	ProblemNotSupported: "Not supported",
	ProblemAccessDenied: "Not permitted to perform this action.",
	ProblemInternal:     "Internal error",
	ProblemTerminated:   "Your session has been terminated.",
	ProblemTimeout:      "Connection has timed out.",
	ProblemNoForwarding: "Cannot forward the login credentials",
	ProblemAuthFailed:   "Authentication failed",
	ProblemUnknownHost:  "Host is unknown",
}

// Message returns a human readable description of p.
func (p Problem) Message() string {
	if msg, ok := problemMessages[p]; ok {
		return msg
	}
	return string(p)
}

// ErrClosed is returned to channels waiting on a link that was closed.
var ErrClosed = errors.New("mux: link closed")

// CloseError describes a channel or transport that closed with a problem.
type CloseError struct {
	Problem    string `mapstructure:"problem"`
	Message    string `mapstructure:"message"`
	ExitStatus int    `mapstructure:"exit-status"`
	ExitSignal string `mapstructure:"exit-signal"`
}

func (e *CloseError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Problem, e.Message)
	}
	return Problem(e.Problem).Message()
}

// ProblemFor maps err to the problem code reported to channels.
func ProblemFor(err error) Problem {
	var ce *CloseError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce) && ce.Problem != "":
		return Problem(ce.Problem)
	case errors.Is(err, ErrClosed):
		return ProblemTerminated
	default:
		return ProblemDisconnected
	}
}
