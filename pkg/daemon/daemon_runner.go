package daemon

import (
	"context"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/McTwist/vmctrl/pkg/config"
	"github.com/McTwist/vmctrl/pkg/errors"
	"github.com/McTwist/vmctrl/pkg/host"
	"github.com/McTwist/vmctrl/pkg/input"
	"github.com/McTwist/vmctrl/pkg/logging"
)

// RunOptions carries the command line on top of the configuration file
type RunOptions struct {
	ConfigFile  string
	Fifo        string
	DryRun      bool
	LogLevel    string
	RunDuration int

	// Stdin and Stdout default to the process streams
	Stdin  io.Reader
	Stdout io.Writer
	// Adapter replaces the configured host adapter when set
	Adapter host.Adapter
}

// LoadConfig reads the configuration file, or the defaults when none is
// given, and applies the command line overrides
func LoadConfig(options RunOptions) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if options.ConfigFile != "" {
		loaded, err := config.LoadConfigFromFile(options.ConfigFile)
		if err != nil {
			return nil, errors.NewIOError("failed to load configuration", err).WithContext("config_file", options.ConfigFile)
		}
		cfg = loaded
	}

	if options.Fifo != "" {
		cfg.Daemon.Input = options.Fifo
	}
	if options.DryRun {
		cfg.Host.Type = config.HostTypeDry
	}
	if options.LogLevel != "" {
		cfg.Daemon.LogLevel = options.LogLevel
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", options.ConfigFile)
	}
	return cfg, nil
}

// Run loads configuration, starts the daemon and serves commands until the
// input ends, a signal arrives or the run duration expires
func Run(options RunOptions) error {
	cfg, err := LoadConfig(options)
	if err != nil {
		return err
	}

	zapLogger, err := logging.NewZapLogger(cfg.Daemon.ZapConfig())
	if err != nil {
		return errors.NewInternalError("failed to create logger", err)
	}
	defer zapLogger.Sync()

	daemonLogger := logging.WithPrefix(zapLogger, logging.ModulePrefix("vmctrld"))
	daemonLogger.Infof("Daemon runner starting...")
	daemonLogger.Infof("Configuration: %s", cfg.Summary())

	// Create context with run duration
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if options.RunDuration > 0 {
		duration := time.Duration(options.RunDuration) * time.Second
		daemonLogger.Infof("Using RUN DURATION of %v", duration)
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	adapter := options.Adapter
	if adapter == nil {
		adapter, err = createAdapter(ctx, cfg, daemonLogger)
		if err != nil {
			return err
		}
	}

	stdout := options.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	daemon, err := NewDaemon(DaemonOptions{
		CommandTimeout:    cfg.Host.CommandTimeout,
		ShutdownTimeout:   cfg.Daemon.ShutdownTimeout,
		ReconcileInterval: cfg.Daemon.ReconcileInterval,
		Include:           cfg.Units.Include,
		Exclude:           cfg.Units.Exclude,
		Output:            stdout,
	}, adapter, daemonLogger)
	if err != nil {
		return errors.NewInternalError("failed to create daemon", err)
	}

	if err := daemon.Start(ctx); err != nil {
		return err
	}

	reader, closeInput, err := openInput(cfg.Daemon.Input, options.Stdin)
	if err != nil {
		_ = daemon.Stop(context.Background())
		return err
	}
	defer closeInput()

	daemonLogger.Infof("Enabling signal handling...")

	// Enable signal handling
	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	lines := input.ReadLines(serveCtx, reader, logging.WithPrefix(daemonLogger, logging.ModulePrefix("input")))
	served := make(chan error, 1)
	go func() {
		served <- daemon.Serve(serveCtx, lines, daemon.Output())
	}()

	daemonLogger.Infof("Daemon is ready, reading commands from %s", cfg.Daemon.Input)

	// Wait for end of input, a signal or timeout
	inputEnded := false
	select {
	case receivedSignal := <-sig:
		daemonLogger.Infof("Daemon runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		daemonLogger.Infof("Daemon runner timed out")
	case err := <-served:
		if err != nil {
			daemonLogger.Errorf("Serving commands failed: %v", err)
		}
		inputEnded = true
	}
	stopServing()

	// The command source is done, let queued work finish before shutting down
	if inputEnded {
		daemonLogger.Infof("Waiting for queued work to finish...")
		waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout)
		if err := daemon.Wait(waitCtx); err != nil {
			daemonLogger.Warnf("Queued work did not finish: %v", err)
		}
		waitCancel()
	}

	// Reset context to background to enable graceful shutdown
	err = daemon.Stop(context.Background())

	daemonLogger.Infof("Daemon runner stopped")
	return err
}

func createAdapter(ctx context.Context, cfg *config.Config, logger logging.Logger) (host.Adapter, error) {
	hostLogger := logging.WithPrefix(logger, logging.ModulePrefix("host"))
	proxmox := host.NewProxmoxAdapter(cfg.Host.ProxmoxOptions(), host.NewExecRunner(hostLogger), hostLogger)

	switch cfg.Host.Type {
	case config.HostTypeDry:
		logger.Infof("DRY RUN: units are listed from the host, start and stop are simulated")
		dry, err := host.NewDryAdapterFrom(ctx, proxmox, cfg.Host.DryDelay, hostLogger)
		if err != nil {
			return nil, errors.NewAdapterError("failed to prepare dry-run inventory", err)
		}
		return dry, nil
	default:
		return proxmox, nil
	}
}

func openInput(source string, stdin io.Reader) (io.Reader, func(), error) {
	if source == config.InputStdin {
		if stdin == nil {
			stdin = os.Stdin
		}
		return stdin, func() {}, nil
	}

	fifo, err := input.OpenFifo(source)
	if err != nil {
		return nil, nil, err
	}
	return fifo, func() { fifo.Close() }, nil
}
