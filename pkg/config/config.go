package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/cuemby/hutch/pkg/types"
)

// Config is the full kernel configuration, loaded from a TOML file with
// defaults filled in for anything unset.
type Config struct {
	DataDir string `toml:"data_dir"`

	Log          Log               `toml:"log"`
	API          API               `toml:"api"`
	Events       Events            `toml:"events"`
	Capabilities Capabilities      `toml:"capabilities"`
	Monitor      Monitor           `toml:"monitor"`
	Limits       Limits            `toml:"limits"`
	Admission    Admission         `toml:"admission"`
	Breaker      Breaker           `toml:"breaker"`
	HotSwap      HotSwap           `toml:"hotswap"`
	Restart      Restart           `toml:"restart"`
	Shutdown     Shutdown          `toml:"shutdown"`
	Secrets      Secrets           `toml:"secrets"`
	Tenants      map[string]Tenant `toml:"tenants"`
}

// Log configures the global logger.
type Log struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// API configures the HTTP gateway and the metrics listener. TLS is
// off unless a cert/key pair is given or SelfSigned asks for an
// ephemeral certificate minted at boot.
type API struct {
	Listen        string `toml:"listen"`
	MetricsListen string `toml:"metrics_listen"`
	TLSCert       string `toml:"tls_cert"`
	TLSKey        string `toml:"tls_key"`
	SelfSigned    bool   `toml:"self_signed"`
}

// Events configures the event store.
type Events struct {
	// QueueSize bounds the best-effort append queue. Overflow drops the
	// event and increments a counter.
	QueueSize int `toml:"queue_size"`
}

// Capabilities configures the capability manager.
type Capabilities struct {
	SweepInterval types.Duration `toml:"sweep_interval"`
}

// Monitor configures the resource monitor and the runtime guard.
type Monitor struct {
	CheckInterval      types.Duration `toml:"check_interval"`
	GoroutineHighWater int            `toml:"goroutine_high_water"`
	HeapHighWaterBytes int64          `toml:"heap_high_water_bytes"`
}

// Limits are the default per-worker resource limits. Tenants may override
// them in their own section.
type Limits struct {
	MaxMemoryBytes int64  `toml:"max_memory_bytes"`
	WarnPercent    int    `toml:"warn_percent"`
	MaxInboxDepth  int    `toml:"max_inbox_depth"`
	Action         string `toml:"action"`
}

// Admission configures per-tenant load shedding.
type Admission struct {
	TenantInFlight int64 `toml:"tenant_in_flight"`
}

// Breaker configures per-service circuit breakers.
type Breaker struct {
	ConsecutiveFailures uint32         `toml:"consecutive_failures"`
	ResetAfter          types.Duration `toml:"reset_after"`
}

// HotSwap configures the swap watchdog.
type HotSwap struct {
	RollbackWindow types.Duration `toml:"rollback_window"`
}

// Restart configures supervision: per-service and per-tenant restart
// budgets and worker start/stop timeouts.
type Restart struct {
	ServiceMax      int            `toml:"service_max"`
	ServiceWindow   types.Duration `toml:"service_window"`
	TenantMax       int            `toml:"tenant_max"`
	TenantWindow    types.Duration `toml:"tenant_window"`
	StartupTimeout  types.Duration `toml:"startup_timeout"`
	ShutdownTimeout types.Duration `toml:"shutdown_timeout"`
}

// Shutdown configures the graceful shutdown delays.
type Shutdown struct {
	Drain  types.Duration `toml:"drain"`
	Settle types.Duration `toml:"settle"`
}

// Secrets configures the vault key: either a base64 32-byte key or a
// passphrase the key is derived from. Passphrase is ignored when Key is set.
type Secrets struct {
	Key        string `toml:"key"`
	Passphrase string `toml:"passphrase"`
}

// Tenant holds per-tenant overrides.
type Tenant struct {
	InFlight int64   `toml:"in_flight"`
	Limits   *Limits `toml:"limits"`
}

// Default returns the configuration used when no file (or an empty file)
// is given.
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/hutch",
		Log: Log{
			Level: "info",
			JSON:  true,
		},
		API: API{
			Listen:        ":7177",
			MetricsListen: ":9177",
		},
		Events: Events{
			QueueSize: 256,
		},
		Capabilities: Capabilities{
			SweepInterval: types.Duration(60 * time.Second),
		},
		Monitor: Monitor{
			CheckInterval:      types.Duration(time.Second),
			GoroutineHighWater: 10000,
			HeapHighWaterBytes: 1 << 30, // 1GiB
		},
		Limits: Limits{
			MaxMemoryBytes: 64 << 20, // 64MiB
			WarnPercent:    80,
			MaxInboxDepth:  1024,
			Action:         string(types.ViolationWarn),
		},
		Admission: Admission{
			TenantInFlight: 64,
		},
		Breaker: Breaker{
			ConsecutiveFailures: 5,
			ResetAfter:          types.Duration(30 * time.Second),
		},
		HotSwap: HotSwap{
			RollbackWindow: types.Duration(30 * time.Second),
		},
		Restart: Restart{
			ServiceMax:      3,
			ServiceWindow:   types.Duration(30 * time.Second),
			TenantMax:       10,
			TenantWindow:    types.Duration(60 * time.Second),
			StartupTimeout:  types.Duration(5 * time.Second),
			ShutdownTimeout: types.Duration(5 * time.Second),
		},
		Shutdown: Shutdown{
			Drain:  types.Duration(100 * time.Millisecond),
			Settle: types.Duration(100 * time.Millisecond),
		},
	}
}

// Load reads a TOML file over the defaults and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks and clamps configuration values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}

	// Monitor interval is clamped to the supported sampling range.
	if c.Monitor.CheckInterval < types.Duration(time.Second) {
		c.Monitor.CheckInterval = types.Duration(time.Second)
	}
	if c.Monitor.CheckInterval > types.Duration(5*time.Second) {
		c.Monitor.CheckInterval = types.Duration(5 * time.Second)
	}

	if (c.API.TLSCert == "") != (c.API.TLSKey == "") {
		return fmt.Errorf("api.tls_cert and api.tls_key must be set together")
	}
	if c.API.SelfSigned && c.API.TLSCert != "" {
		return fmt.Errorf("api.self_signed conflicts with api.tls_cert")
	}

	if c.Events.QueueSize <= 0 {
		c.Events.QueueSize = 256
	}
	if c.Admission.TenantInFlight <= 0 {
		c.Admission.TenantInFlight = 64
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = 5
	}
	if c.Limits.WarnPercent <= 0 || c.Limits.WarnPercent > 100 {
		c.Limits.WarnPercent = 80
	}

	switch types.ViolationAction(c.Limits.Action) {
	case types.ViolationWarn, types.ViolationThrottle, types.ViolationKill:
	case "":
		c.Limits.Action = string(types.ViolationWarn)
	default:
		return fmt.Errorf("limits.action %q is not one of warn, throttle, kill", c.Limits.Action)
	}

	for name, t := range c.Tenants {
		if t.Limits == nil {
			continue
		}
		switch types.ViolationAction(t.Limits.Action) {
		case types.ViolationWarn, types.ViolationThrottle, types.ViolationKill, "":
		default:
			return fmt.Errorf("tenants.%s.limits.action %q is not one of warn, throttle, kill", name, t.Limits.Action)
		}
	}
	return nil
}

// LimitsFor resolves the effective resource limits for a tenant: the
// tenant override when present, otherwise the global defaults.
func (c *Config) LimitsFor(tenant string) types.ResourceLimits {
	l := c.Limits
	if t, ok := c.Tenants[tenant]; ok && t.Limits != nil {
		o := t.Limits
		if o.MaxMemoryBytes > 0 {
			l.MaxMemoryBytes = o.MaxMemoryBytes
		}
		if o.WarnPercent > 0 {
			l.WarnPercent = o.WarnPercent
		}
		if o.MaxInboxDepth > 0 {
			l.MaxInboxDepth = o.MaxInboxDepth
		}
		if o.Action != "" {
			l.Action = o.Action
		}
	}
	return types.ResourceLimits{
		MaxMemoryBytes: l.MaxMemoryBytes,
		WarnPercent:    l.WarnPercent,
		MaxInboxDepth:  l.MaxInboxDepth,
		Action:         types.ViolationAction(l.Action),
	}
}

// InFlightFor resolves the per-tenant in-flight admission limit.
func (c *Config) InFlightFor(tenant string) int64 {
	if t, ok := c.Tenants[tenant]; ok && t.InFlight > 0 {
		return t.InFlight
	}
	return c.Admission.TenantInFlight
}
