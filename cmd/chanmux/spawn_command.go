package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/progrium/chanmux/mux"
	"github.com/progrium/chanmux/spawn"
)

type SpawnCommand struct {
	meta

	// flags
	dir    string
	errOpt string
	binary bool
	stdin  bool
}

func (c *SpawnCommand) flags() *flag.FlagSet {
	fs := c.flagSet("spawn")

	fs.StringVar(&c.dir, "dir", "", "working directory of the process on the bridge")
	fs.StringVar(&c.errOpt, "err", "out", "what to do with stderr: out, ignore or message")
	fs.BoolVar(&c.binary, "binary", false, "treat output as raw bytes")
	fs.BoolVar(&c.stdin, "stdin", false, "copy stdin to the process")

	fs.Usage = func() { c.Ui.Error(c.Help()) }

	return fs
}

func (c *SpawnCommand) Run(args []string) int {
	f := c.flags()
	if err := f.Parse(args); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing command-line flags: %s\n", err.Error()))
		return 1
	}
	if f.NArg() < 2 {
		c.Ui.Error(c.Help())
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

	opts := mux.Options{"err": c.errOpt}
	if c.dir != "" {
		opts["directory"] = c.dir
	}
	if c.binary {
		opts["binary"] = true
	}

	settled := make(chan error, 1)
	var p *spawn.Process
	l.Do(func() {
		p = spawn.Spawn(link, f.Args()[1:], opts).Stream(func(data []byte) {
			os.Stdout.Write(data)
		})
		if c.stdin {
			p.Channel().Wait(nil).Done(func(...any) {
				go pump(l, os.Stdin, func(data []byte) {
					p.Input(data, true)
				}, func() {
					p.Input(nil, false)
				})
			})
		} else {
			p.Input(nil, false)
		}
		p.Done(func(values ...any) {
			if len(values) > 1 {
				c.Ui.Warn(fmt.Sprint(values[1]))
			}
			settled <- nil
		}).Fail(func(values ...any) {
			err, _ := values[0].(error)
			if err == nil {
				err = fmt.Errorf("spawn: %v", values[0])
			}
			settled <- err
		})
	})

	var result error
	select {
	case result = <-settled:
	case <-ctx.Done():
		l.Do(func() { p.Close(mux.ProblemTerminated) })
		result = <-settled
	}
	l.Do(func() { link.Close() })

	if result == nil {
		return 0
	}
	var pe *spawn.ProcessError
	if errors.As(result, &pe) && pe.Problem == "" && pe.ExitSignal == "" {
		return pe.ExitStatus
	}
	c.Ui.Error(result.Error())
	return 1
}

func (c *SpawnCommand) Help() string {
	helpText := `
Usage: chanmux spawn [options] <url> <command> [args ...]

` + c.Synopsis() + `

  Output is copied to stdout as it arrives. The exit status of chanmux is
  the exit status of the process.

` + helpForFlags(c.flags())

	return strings.TrimSpace(helpText)
}

func (c *SpawnCommand) Synopsis() string {
	return "Runs a process on a bridge"
}
