package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/hutch", cfg.DataDir)
	assert.Equal(t, ":7177", cfg.API.Listen)
	assert.Equal(t, 256, cfg.Events.QueueSize)
	assert.Equal(t, 60*time.Second, cfg.Capabilities.SweepInterval.Std())
	assert.Equal(t, uint32(5), cfg.Breaker.ConsecutiveFailures)
	assert.Equal(t, 30*time.Second, cfg.HotSwap.RollbackWindow.Std())
	assert.Equal(t, 3, cfg.Restart.ServiceMax)
	assert.Equal(t, 10, cfg.Restart.TenantMax)
	assert.Equal(t, 100*time.Millisecond, cfg.Shutdown.Drain.Std())
}

func TestLoadFile(t *testing.T) {
	raw := `
data_dir = "/tmp/hutch-test"

[log]
level = "debug"
json = false

[api]
listen = ":8080"

[monitor]
check_interval = "2s"

[limits]
max_memory_bytes = 1048576
action = "kill"

[breaker]
consecutive_failures = 3
reset_after = "10s"

[tenants.acme]
in_flight = 128

[tenants.acme.limits]
max_inbox_depth = 64
action = "throttle"
`
	path := filepath.Join(t.TempDir(), "hutch.toml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/hutch-test", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.API.Listen)
	assert.Equal(t, 2*time.Second, cfg.Monitor.CheckInterval.Std())
	assert.Equal(t, uint32(3), cfg.Breaker.ConsecutiveFailures)
	assert.Equal(t, 10*time.Second, cfg.Breaker.ResetAfter.Std())

	// Unset sections keep their defaults.
	assert.Equal(t, ":9177", cfg.API.MetricsListen)
	assert.Equal(t, 3, cfg.Restart.ServiceMax)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/hutch.toml")
	assert.Error(t, err)
}

func TestValidateClampsMonitorInterval(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{name: "below range", in: 100 * time.Millisecond, want: time.Second},
		{name: "in range", in: 3 * time.Second, want: 3 * time.Second},
		{name: "above range", in: time.Minute, want: 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Monitor.CheckInterval = types.Duration(tt.in)
			require.NoError(t, cfg.Validate())
			assert.Equal(t, tt.want, cfg.Monitor.CheckInterval.Std())
		})
	}
}

func TestValidateRejectsBadAction(t *testing.T) {
	cfg := Default()
	cfg.Limits.Action = "explode"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Tenants = map[string]Tenant{
		"acme": {Limits: &Limits{Action: "explode"}},
	}
	assert.Error(t, cfg.Validate())
}

func TestLimitsFor(t *testing.T) {
	cfg := Default()
	cfg.Limits.MaxMemoryBytes = 1000
	cfg.Limits.MaxInboxDepth = 10
	cfg.Tenants = map[string]Tenant{
		"acme": {Limits: &Limits{MaxInboxDepth: 99, Action: "kill"}},
	}

	// Override only replaces the fields it sets.
	got := cfg.LimitsFor("acme")
	assert.Equal(t, int64(1000), got.MaxMemoryBytes)
	assert.Equal(t, 99, got.MaxInboxDepth)
	assert.Equal(t, types.ViolationKill, got.Action)

	// Unknown tenants get the defaults.
	got = cfg.LimitsFor("globex")
	assert.Equal(t, 10, got.MaxInboxDepth)
	assert.Equal(t, types.ViolationWarn, got.Action)
}

func TestInFlightFor(t *testing.T) {
	cfg := Default()
	cfg.Tenants = map[string]Tenant{"acme": {InFlight: 128}}

	assert.Equal(t, int64(128), cfg.InFlightFor("acme"))
	assert.Equal(t, int64(64), cfg.InFlightFor("globex"))
}
