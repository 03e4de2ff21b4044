package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/progrium/chanmux/mux"
	"github.com/progrium/clon-go"
)

type OpenCommand struct {
	meta
}

func (c *OpenCommand) flags() *flag.FlagSet {
	fs := c.flagSet("open")
	fs.Usage = func() { c.Ui.Error(c.Help()) }
	return fs
}

// parseOptions turns key=value arguments into channel open options.
func parseOptions(args []string) (mux.Options, error) {
	opts := mux.Options{}
	if len(args) == 0 {
		return opts, nil
	}
	v, err := clon.Parse(args)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("channel options must be key=value pairs, got %T", v)
	}
	for k, val := range m {
		opts[k] = val
	}
	return opts, nil
}

// awaitClose waits up to d for the channel's close options. A close that
// never arrives counts as terminated.
func awaitClose(closed <-chan mux.Options, d time.Duration) mux.Options {
	select {
	case opts := <-closed:
		return opts
	case <-time.After(d):
		return mux.Options{"command": "close", "problem": string(mux.ProblemTerminated)}
	}
}

func (c *OpenCommand) Run(args []string) int {
	f := c.flags()
	if err := f.Parse(args); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing command-line flags: %s\n", err.Error()))
		return 1
	}
	if f.NArg() < 1 {
		c.Ui.Error(c.Help())
		return 1
	}
	opts, err := parseOptions(f.Args()[1:])
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing channel options: %s", err))
		return 1
	}
	if !c.setup() {
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()
	loopCtx, stop := context.WithCancel(context.Background())
	defer stop()

	l, link, err := c.connect(loopCtx, f.Arg(0))
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	closed := make(chan mux.Options, 1)
	var ch *mux.Channel
	l.Do(func() {
		ch = mux.NewChannel(link, opts)
		ch.AddEventListener(mux.EventMessage, func(ev mux.Event) {
			os.Stdout.Write(ev.Data)
		})
		ch.AddEventListener(mux.EventClose, func(ev mux.Event) {
			closed <- ev.Options
		})
		ch.Wait(nil).Done(func(...any) {
			go pump(l, os.Stdin, func(data []byte) {
				ch.Send(data)
			}, func() {
				ch.Control(mux.Options{"command": "done"})
			})
		})
	})

	var result mux.Options
	select {
	case result = <-closed:
	case <-ctx.Done():
		l.Do(func() { ch.Close(mux.ProblemTerminated) })
		result = awaitClose(closed, time.Second)
	}
	l.Do(func() { link.Close() })

	if err := result.Err(); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}
	return 0
}

func (c *OpenCommand) Help() string {
	helpText := `
Usage: chanmux open [options] <url> [key=value ...]

` + c.Synopsis() + `

  Opens a channel on the bridge at url, copies stdin to the channel and
  the channel's messages to stdout. The trailing arguments become the open
  command's options, e.g. payload=echo.

` + helpForFlags(c.flags())

	return strings.TrimSpace(helpText)
}

func (c *OpenCommand) Synopsis() string {
	return "Opens a channel and attaches it to stdin and stdout"
}
