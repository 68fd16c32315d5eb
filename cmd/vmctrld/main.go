package main

import (
	"fmt"
	"os"

	"github.com/McTwist/vmctrl/pkg/config"
	"github.com/McTwist/vmctrl/pkg/daemon"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"configuration file (.yaml, .yml or .toml)"`
	Fifo        string `long:"fifo" description:"read commands from this named pipe instead of stdin"`
	DryRun      bool   `long:"dry-run" description:"list units from the host but only simulate start and stop"`
	LogLevel    string `long:"log-level" description:"debug, info, warn or error"`
	RunDuration int    `long:"run-duration" description:"stop after this many seconds, 0 runs until input ends"`
	Validate    bool   `long:"validate" description:"validate the configuration file and exit"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Validate {
		if opts.Config == "" {
			fmt.Fprintln(os.Stderr, "--validate requires --config")
			os.Exit(1)
		}
		if err := config.ValidateConfigFile(opts.Config); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Configuration %s is valid\n", opts.Config)
		return
	}

	err = daemon.Run(daemon.RunOptions{
		ConfigFile:  opts.Config,
		Fifo:        opts.Fifo,
		DryRun:      opts.DryRun,
		LogLevel:    opts.LogLevel,
		RunDuration: opts.RunDuration,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmctrld failed: %v\n", err)
		os.Exit(1)
	}
}
