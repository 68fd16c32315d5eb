package host

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/McTwist/vmctrl/pkg/errors"
	"github.com/McTwist/vmctrl/pkg/logging"
)

// CommandRunner runs a host tool and returns its standard output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct {
	logger logging.Logger
}

// NewExecRunner runs commands with os/exec.
func NewExecRunner(logger logging.Logger) CommandRunner {
	return &execRunner{logger: logger}
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.logger.Debugf("Running command: %s %s", name, strings.Join(args, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewTimeoutError("command did not complete", ctx.Err()).
				WithContext("command", name).WithContext("args", args)
		}
		return nil, errors.NewAdapterError("command failed", err).
			WithContext("command", name).
			WithContext("args", args).
			WithContext("stderr", strings.TrimSpace(stderr.String()))
	}

	return stdout.Bytes(), nil
}
