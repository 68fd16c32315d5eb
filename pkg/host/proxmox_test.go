package host

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/McTwist/vmctrl/pkg/errors"
	"github.com/McTwist/vmctrl/pkg/logging"
	"github.com/McTwist/vmctrl/pkg/units"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRunner is a mock implementation of CommandRunner for testing
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ret := m.Called(name, args)
	var out []byte
	if ret.Get(0) != nil {
		out = ret.Get(0).([]byte)
	}
	return out, ret.Error(1)
}

const pctListOutput = `VMID       Status     Lock         Name
100        running                 router
101        stopped    backup       dns
garbage
`

const qmListOutput = `      VMID NAME                 STATUS     MEM(MB)    BOOTDISK(GB) PID
       200 web                  running    2048              32.00 1234
       201 db                   stopped    4096              64.00 0
`

func createInventoryRunner() *MockRunner {
	runner := &MockRunner{}
	runner.On("Run", "pct", []string{"list"}).Return([]byte(pctListOutput), nil)
	runner.On("Run", "qm", []string{"list"}).Return([]byte(qmListOutput), nil)
	runner.On("Run", "pct", []string{"config", "100"}).Return([]byte("arch: amd64\nonboot: 1\nstartup: order=1,up=10\n"), nil)
	runner.On("Run", "pct", []string{"config", "101"}).Return([]byte("arch: amd64\nhostname: dns\n"), nil)
	runner.On("Run", "qm", []string{"config", "200"}).Return([]byte("boot: order=scsi0\nonboot: 1\nstartup: up=30,order=3\n"), nil)
	runner.On("Run", "qm", []string{"config", "201"}).Return([]byte("onboot: 0\nstartup: order=x\n"), nil)
	return runner
}

func TestProxmoxAdapter_ListUnits(t *testing.T) {
	runner := createInventoryRunner()
	adapter := NewProxmoxAdapter(ProxmoxOptions{}, runner, logging.NewNopLogger())

	list, err := adapter.ListUnits(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []units.Unit{
		{ID: "100", Name: "router", Kind: units.KindContainer, Onboot: true, Order: 1, UpDelay: 10 * time.Second},
		{ID: "101", Name: "dns", Kind: units.KindContainer, Onboot: false, Order: units.NoOrder},
		{ID: "200", Name: "web", Kind: units.KindVM, Onboot: true, Order: 3, UpDelay: 30 * time.Second},
		{ID: "201", Name: "db", Kind: units.KindVM, Onboot: false, Order: units.NoOrder},
	}, list)
	runner.AssertExpectations(t)
}

func TestProxmoxAdapter_ListFailure(t *testing.T) {
	runner := &MockRunner{}
	runner.On("Run", "pct", []string{"list"}).Return(nil, fmt.Errorf("pct: not found"))

	adapter := NewProxmoxAdapter(ProxmoxOptions{}, runner, logging.NewNopLogger())
	_, err := adapter.ListUnits(context.Background())

	assert.Error(t, err)
	assert.True(t, errors.IsAdapterError(err))
}

func TestProxmoxAdapter_StartStopUseOwningTool(t *testing.T) {
	tests := []struct {
		name     string
		stopMode StopMode
		call     func(Adapter) error
		tool     string
		args     []string
	}{
		{"start_container", "", func(a Adapter) error { return a.Start(context.Background(), "100") }, "pct", []string{"start", "100"}},
		{"start_vm", "", func(a Adapter) error { return a.Start(context.Background(), "200") }, "qm", []string{"start", "200"}},
		{"shutdown_vm", StopModeShutdown, func(a Adapter) error { return a.Stop(context.Background(), "200") }, "qm", []string{"shutdown", "200"}},
		{"hard_stop_container", StopModeStop, func(a Adapter) error { return a.Stop(context.Background(), "101") }, "pct", []string{"stop", "101"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := createInventoryRunner()
			runner.On("Run", tt.tool, tt.args).Return([]byte{}, nil).Once()

			adapter := NewProxmoxAdapter(ProxmoxOptions{StopMode: tt.stopMode}, runner, logging.NewNopLogger())
			_, err := adapter.ListUnits(context.Background())
			require.NoError(t, err)

			assert.NoError(t, tt.call(adapter))
			runner.AssertCalled(t, "Run", tt.tool, tt.args)
		})
	}
}

func TestProxmoxAdapter_Apply(t *testing.T) {
	tests := []struct {
		name string
		unit string
		op   Operation
		tool string
		args []string
	}{
		{"resume_vm", "200", OperationResume, "qm", []string{"resume", "200"}},
		{"suspend_vm", "200", OperationSuspend, "qm", []string{"suspend", "200"}},
		{"hibernate_vm", "201", OperationHibernate, "qm", []string{"suspend", "--todisk", "1", "201"}},
		{"shutdown_vm", "201", OperationShutdown, "qm", []string{"shutdown", "201"}},
		{"stop_uses_stop_mode", "201", OperationStop, "qm", []string{"shutdown", "201"}},
		{"resume_container_starts", "100", OperationResume, "pct", []string{"start", "100"}},
		{"suspend_container_shuts_down", "100", OperationSuspend, "pct", []string{"shutdown", "100"}},
		{"hibernate_container_shuts_down", "101", OperationHibernate, "pct", []string{"shutdown", "101"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := createInventoryRunner()
			runner.On("Run", tt.tool, tt.args).Return([]byte{}, nil).Once()

			adapter := NewProxmoxAdapter(ProxmoxOptions{}, runner, logging.NewNopLogger())
			_, err := adapter.ListUnits(context.Background())
			require.NoError(t, err)

			assert.NoError(t, adapter.Apply(context.Background(), tt.unit, tt.op))
			runner.AssertCalled(t, "Run", tt.tool, tt.args)
		})
	}

	t.Run("unsupported", func(t *testing.T) {
		runner := createInventoryRunner()
		adapter := NewProxmoxAdapter(ProxmoxOptions{}, runner, logging.NewNopLogger())
		_, err := adapter.ListUnits(context.Background())
		require.NoError(t, err)

		assert.True(t, errors.IsValidationError(adapter.Apply(context.Background(), "200", "reboot")))
	})
}

func TestOperation(t *testing.T) {
	assert.True(t, OperationStart.Running())
	assert.True(t, OperationResume.Running())
	for _, op := range []Operation{OperationStop, OperationShutdown, OperationSuspend, OperationHibernate} {
		assert.False(t, op.Running(), op)
		assert.True(t, op.Valid(), op)
	}
	assert.False(t, Operation("reboot").Valid())
}

func TestProxmoxAdapter_UnknownUnit(t *testing.T) {
	adapter := NewProxmoxAdapter(ProxmoxOptions{}, &MockRunner{}, logging.NewNopLogger())

	err := adapter.Start(context.Background(), "999")
	assert.True(t, errors.IsUnknownUnitError(err))

	_, err = adapter.IsRunning(context.Background(), "999")
	assert.True(t, errors.IsUnknownUnitError(err))
}

func TestProxmoxAdapter_StartFailure(t *testing.T) {
	runner := createInventoryRunner()
	runner.On("Run", "qm", []string{"start", "201"}).Return(nil, fmt.Errorf("exit status 255"))

	adapter := NewProxmoxAdapter(ProxmoxOptions{}, runner, logging.NewNopLogger())
	_, err := adapter.ListUnits(context.Background())
	require.NoError(t, err)

	err = adapter.Start(context.Background(), "201")
	assert.True(t, errors.IsAdapterError(err))
	assert.Contains(t, err.Error(), "exit status 255")
}

func TestProxmoxAdapter_IsRunning(t *testing.T) {
	runner := createInventoryRunner()
	runner.On("Run", "qm", []string{"status", "200"}).Return([]byte("status: paused\n"), nil)
	runner.On("Run", "pct", []string{"status", "100"}).Return([]byte("status: running\n"), nil)

	adapter := NewProxmoxAdapter(ProxmoxOptions{}, runner, logging.NewNopLogger())
	_, err := adapter.ListUnits(context.Background())
	require.NoError(t, err)

	running, err := adapter.IsRunning(context.Background(), "200")
	require.NoError(t, err)
	assert.False(t, running, "paused guests are not running")

	running, err = adapter.IsRunning(context.Background(), "100")
	require.NoError(t, err)
	assert.True(t, running)
}

func TestDryAdapter(t *testing.T) {
	adapter := NewDryAdapter([]DryUnit{
		{Unit: units.Unit{ID: "1", Name: "a"}, Running: true},
		{Unit: units.Unit{ID: "2", Name: "b"}},
	}, 0, logging.NewNopLogger())

	list, err := adapter.ListUnits(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, adapter.Stop(context.Background(), "1"))
	running, err := adapter.IsRunning(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, running)

	require.NoError(t, adapter.Start(context.Background(), "2"))
	running, err = adapter.IsRunning(context.Background(), "2")
	require.NoError(t, err)
	assert.True(t, running)

	assert.True(t, errors.IsUnknownUnitError(adapter.Start(context.Background(), "3")))
	assert.Equal(t, 3, adapter.Calls())

	require.NoError(t, adapter.Apply(context.Background(), "2", OperationSuspend))
	running, err = adapter.IsRunning(context.Background(), "2")
	require.NoError(t, err)
	assert.False(t, running, "suspended units are not running")

	require.NoError(t, adapter.Apply(context.Background(), "2", OperationResume))
	running, err = adapter.IsRunning(context.Background(), "2")
	require.NoError(t, err)
	assert.True(t, running)

	assert.True(t, errors.IsValidationError(adapter.Apply(context.Background(), "2", "reboot")))

	t.Run("delay_honors_context", func(t *testing.T) {
		slow := NewDryAdapter([]DryUnit{{Unit: units.Unit{ID: "1"}}}, time.Hour, logging.NewNopLogger())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := slow.Start(ctx, "1")
		assert.True(t, errors.IsCancelledError(err))
		running, _ := slow.IsRunning(context.Background(), "1")
		assert.False(t, running)
	})
}

func TestNewDryAdapterFrom(t *testing.T) {
	runner := createInventoryRunner()
	runner.On("Run", "pct", []string{"status", "100"}).Return([]byte("status: running\n"), nil)
	runner.On("Run", "pct", []string{"status", "101"}).Return([]byte("status: stopped\n"), nil)
	runner.On("Run", "qm", []string{"status", "200"}).Return([]byte("status: paused\n"), nil)
	runner.On("Run", "qm", []string{"status", "201"}).Return(nil, fmt.Errorf("timeout"))
	source := NewProxmoxAdapter(ProxmoxOptions{}, runner, logging.NewNopLogger())

	adapter, err := NewDryAdapterFrom(context.Background(), source, 0, logging.NewNopLogger())
	require.NoError(t, err)

	list, err := adapter.ListUnits(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, "100", list[0].ID)

	expected := map[string]bool{"100": true, "101": false, "200": false, "201": false}
	for id, want := range expected {
		running, err := adapter.IsRunning(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, running, id)
	}

	require.NoError(t, adapter.Stop(context.Background(), "100"))
	runner.AssertNotCalled(t, "Run", "pct", []string{"shutdown", "100"})
}
