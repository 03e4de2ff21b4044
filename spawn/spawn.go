// Package spawn runs processes through a bridge's stream payload and
// exposes each as a promise for its output.
package spawn

import (
	"fmt"

	"github.com/progrium/chanmux/deferred"
	"github.com/progrium/chanmux/mux"
)

// ProcessError is the rejection reason of a process that failed to start,
// exited non-zero or was killed.
type ProcessError struct {
	Problem    string `mapstructure:"problem"`
	Message    string `mapstructure:"message"`
	ExitStatus int    `mapstructure:"exit-status"`
	ExitSignal string `mapstructure:"exit-signal"`
}

func (e *ProcessError) Error() string {
	switch {
	case e.Problem != "" && e.Message != "":
		return fmt.Sprintf("spawn: %s: %s", e.Problem, e.Message)
	case e.Problem != "":
		return "spawn: " + mux.Problem(e.Problem).Message()
	case e.ExitSignal != "":
		return fmt.Sprintf("spawn: process killed by signal %s", e.ExitSignal)
	default:
		return fmt.Sprintf("spawn: process exited with code %d", e.ExitStatus)
	}
}

// Process is a running process. It resolves with its output, plus the
// stderr message when spawned with err "message", and rejects with a
// *ProcessError followed by the output.
//
// Output is a string, or []byte when spawned with binary set.
type Process struct {
	*deferred.Promise

	ch  *mux.Channel
	d   *deferred.Deferred
	buf *mux.Buffer
}

// Spawn starts args on the bridge at the other end of link. opts are
// added to the open command, for example "directory", "environ", "err" or
// "binary".
func Spawn(link *mux.Link, args []string, opts mux.Options) *Process {
	open := opts.Clone()
	open["payload"] = "stream"
	open["spawn"] = args

	p := &Process{d: deferred.New(link.Loop())}
	p.d.Promise.AttachTo(p)
	p.ch = mux.NewChannel(link, open)
	p.buf = p.ch.Buffer(nil)
	p.ch.AddEventListener(mux.EventClose, func(ev mux.Event) {
		p.closed(ev.Options)
	})
	return p
}

// SetPromise implements deferred.Attacher.
func (p *Process) SetPromise(promise *deferred.Promise) {
	p.Promise = promise
}

// Channel returns the channel the process runs on.
func (p *Process) Channel() *mux.Channel {
	return p.ch
}

// Stream hands output to fn as it arrives instead of collecting it. Output
// handed to fn is not part of the result.
func (p *Process) Stream(fn func(data []byte)) *Process {
	if held := p.buf.Squash(); len(held) > 0 {
		p.buf.Reset()
		fn(held)
	}
	p.buf.Callback = func(block []byte) int {
		fn(block)
		return len(block)
	}
	return p
}

// Input sends data to the process. Unless more is set its input is closed
// afterwards.
func (p *Process) Input(data any, more bool) *Process {
	if data != nil {
		p.ch.Send(data)
	}
	if !more {
		p.ch.Control(mux.Options{"command": "done"})
	}
	return p
}

// Close closes the channel, which kills the process. An empty problem
// closes without one.
func (p *Process) Close(problem mux.Problem) {
	if problem == "" {
		p.ch.Close(nil)
		return
	}
	p.ch.Close(problem)
}

func (p *Process) output() any {
	held := append([]byte(nil), p.buf.Squash()...)
	if p.ch.Binary() {
		return held
	}
	return string(held)
}

func (p *Process) closed(opts mux.Options) {
	output := p.output()
	var pe ProcessError
	if err := opts.Decode(&pe); err != nil {
		pe = ProcessError{Problem: string(mux.ProblemProtocol), Message: err.Error()}
	}
	if pe.Problem != "" || pe.ExitSignal != "" || pe.ExitStatus != 0 {
		p.d.Reject(&pe, output)
		return
	}
	if pe.Message != "" {
		p.d.Resolve(output, pe.Message)
		return
	}
	p.d.Resolve(output)
}
