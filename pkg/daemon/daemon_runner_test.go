package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/McTwist/vmctrl/pkg/config"
	"github.com/McTwist/vmctrl/pkg/errors"
	"github.com/McTwist/vmctrl/pkg/host"
	"github.com/McTwist/vmctrl/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_DrainsInputAndStops(t *testing.T) {
	adapter := host.NewDryAdapter(testInventory(), 0, logging.NewNopLogger())
	output := &safeBuffer{}

	err := Run(RunOptions{
		LogLevel:    "error",
		RunDuration: 10,
		Stdin:       strings.NewReader("stop router\n\nlist running\nstart build\n"),
		Stdout:      output,
		Adapter:     adapter,
	})
	require.NoError(t, err)

	text := output.String()
	assert.Contains(t, text, "queued 100 (stop)")
	assert.Contains(t, text, "stopped 100 (stop)")
	assert.Contains(t, text, "started 300 (start)")

	running, err := adapter.IsRunning(context.Background(), "300")
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, 2, adapter.Calls())
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmctrl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("daemon:\n  log_level: warn\n"), 0600))

	cfg, err := LoadConfig(RunOptions{ConfigFile: path, Fifo: "/run/vmctrl.fifo", DryRun: true, LogLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Daemon.LogLevel)
	assert.Equal(t, "/run/vmctrl.fifo", cfg.Daemon.Input)
	assert.Equal(t, config.HostTypeDry, cfg.Host.Type)

	_, err = LoadConfig(RunOptions{LogLevel: "loud"})
	assert.True(t, errors.IsValidationError(err))

	_, err = LoadConfig(RunOptions{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.True(t, errors.IsIOError(err))
}
