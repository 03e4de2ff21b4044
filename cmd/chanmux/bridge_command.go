package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/progrium/chanmux/bridge"
	"github.com/progrium/chanmux/transport"
)

type BridgeCommand struct {
	meta

	// flags
	listenAddr string
}

func (c *BridgeCommand) flags() *flag.FlagSet {
	fs := c.flagSet("bridge")

	fs.StringVar(&c.listenAddr, "listen", "", "URL to accept connections on, e.g. tcp://localhost:3000 "+
		"(serves a single connection over stdin and stdout when empty)")

	fs.Usage = func() { c.Ui.Error(c.Help()) }

	return fs
}

func (c *BridgeCommand) Run(args []string) int {
	f := c.flags()
	if err := f.Parse(args); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing command-line flags: %s\n", err.Error()))
		return 1
	}
	if !c.setup() {
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	cfg := c.config.bridgeConfig(c.log)

	if c.listenAddr == "" {
		conn, err := transport.DialStdio()
		if err != nil {
			c.Ui.Error(err.Error())
			return 1
		}
		if err := bridge.New(conn, cfg).Serve(ctx); err != nil {
			c.Ui.Error(err.Error())
			return 1
		}
		return 0
	}

	scheme, addr, err := parseTarget(c.listenAddr)
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}
	l, err := listen(scheme, addr)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to listen: %s", err))
		return 1
	}
	c.log.Info().Str("scheme", scheme).Str("addr", l.Addr().String()).Msg("bridge listening")

	srv := &bridge.Server{Config: cfg}
	if err := srv.Serve(ctx, l); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}
	return 0
}

func (c *BridgeCommand) Help() string {
	helpText := `
Usage: chanmux bridge [options]

` + c.Synopsis() + "\n\n" + helpForFlags(c.flags())

	return strings.TrimSpace(helpText)
}

func (c *BridgeCommand) Synopsis() string {
	return "Serves echo, null and stream channels"
}
