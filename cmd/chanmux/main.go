package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/cli"
)

// Version is set at build time.
var Version = "dev"

func main() {
	c := &cli.CLI{
		Name:    "chanmux",
		Version: Version,
		Args:    os.Args[1:],
	}

	ui := &cli.ColoredUi{
		ErrorColor: cli.UiColorRed,
		WarnColor:  cli.UiColorYellow,
		Ui: &cli.BasicUi{
			Writer:      os.Stdout,
			Reader:      os.Stdin,
			ErrorWriter: os.Stderr,
		},
	}

	c.Commands = map[string]cli.CommandFactory{
		"bridge": func() (cli.Command, error) {
			return &BridgeCommand{meta: meta{Ui: ui}}, nil
		},
		"open": func() (cli.Command, error) {
			return &OpenCommand{meta: meta{Ui: ui}}, nil
		},
		"spawn": func() (cli.Command, error) {
			return &SpawnCommand{meta: meta{Ui: ui}}, nil
		},
	}

	exitStatus, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	}

	os.Exit(exitStatus)
}
