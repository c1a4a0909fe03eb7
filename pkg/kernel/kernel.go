package kernel

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/admission"
	"github.com/cuemby/hutch/pkg/capability"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/deploy"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/eventstore"
	"github.com/cuemby/hutch/pkg/hotswap"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/monitor"
	"github.com/cuemby/hutch/pkg/recovery"
	"github.com/cuemby/hutch/pkg/registry"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/security"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/supervisor"
	"github.com/cuemby/hutch/pkg/types"
)

// Kernel is one fully booted service-hosting kernel. Every subsystem
// hangs off this value; two kernels in one process do not share state
// beyond the process-wide metrics registry.
type Kernel struct {
	cfg    *config.Config
	logger zerolog.Logger

	store     *storage.BoltStore
	broker    *events.Broker
	events    *eventstore.Store
	registry  *registry.Registry
	limiter   *admission.Limiter
	breakers  *monitor.Breakers
	deployer  *deploy.Deployer
	swapper   *hotswap.Coordinator
	caps      *capability.Manager
	vault     *security.Vault
	monitor   *monitor.Monitor
	guard     *monitor.Guard
	verifier  *recovery.Verifier
	collector *metrics.Collector
	loops     *supervisor.Group

	bootReport *recovery.Report

	stopOnce sync.Once
	stopErr  error
}

// New boots a kernel: open storage, start the event log, rebuild the
// running set from it, then bring the guards and sweepers up. The
// context bounds boot-time work only.
func New(ctx context.Context, cfg *config.Config) (*Kernel, error) {
	k := &Kernel{cfg: cfg, logger: log.WithComponent("kernel")}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	k.store = store

	k.broker = events.NewBroker()
	k.broker.Start()
	k.events = eventstore.New(store, k.broker, eventstore.WithQueueSize(cfg.Events.QueueSize))
	k.events.Start()
	metrics.RegisterComponent("eventstore", true, "")

	k.guard = monitor.NewGuard(cfg.Monitor.GoroutineHighWater, cfg.Monitor.HeapHighWaterBytes, k.events)
	k.registry = registry.New()
	k.limiter = admission.New(cfg.InFlightFor)
	k.breakers = monitor.NewBreakers(cfg.Breaker.ConsecutiveFailures, cfg.Breaker.ResetAfter.Std(), k.events)

	k.deployer = deploy.New(k.registry, k.events, runtime.LuaFactory{},
		deploy.WithAdmission(k.limiter),
		deploy.WithBreakers(k.breakers),
		deploy.WithDefaultPolicy(types.RestartPolicy{
			MaxRestarts:     cfg.Restart.ServiceMax,
			Window:          cfg.Restart.ServiceWindow,
			StartupTimeout:  cfg.Restart.StartupTimeout,
			ShutdownTimeout: cfg.Restart.ShutdownTimeout,
		}),
		deploy.WithSupervisorOptions(
			supervisor.WithTenantIntensity(cfg.Restart.TenantMax, cfg.Restart.TenantWindow.Std()),
		),
	)
	metrics.RegisterComponent("deployer", true, "")

	report, err := recovery.NewEngine(k.events, k.deployer).Run(ctx)
	if err != nil {
		k.close()
		return nil, fmt.Errorf("recovery: %w", err)
	}
	k.bootReport = report
	k.verifier = recovery.NewVerifier(k.registry, k.events, k.deployer)

	k.caps = capability.New(capability.NewTokenStore(store), k.events,
		capability.WithSweepInterval(cfg.Capabilities.SweepInterval.Std()))
	if restored, err := k.caps.RestoreAll(); err != nil {
		k.logger.Error().Err(err).Msg("Token index restore failed")
	} else if restored > 0 {
		k.logger.Info().Int("tokens", restored).Msg("Token index restored")
	}

	if cfg.Secrets.Key != "" || cfg.Secrets.Passphrase != "" {
		key, err := security.ResolveKey(cfg.Secrets.Key, cfg.Secrets.Passphrase)
		if err != nil {
			k.close()
			return nil, fmt.Errorf("vault key: %w", err)
		}
		k.vault, err = security.NewVault(key, store, k.events)
		if err != nil {
			k.close()
			return nil, fmt.Errorf("vault: %w", err)
		}
	} else {
		k.logger.Warn().Msg("No vault key configured, secrets are disabled")
	}

	k.monitor = monitor.New(k.registry, cfg.LimitsFor, k.limiter, k.events,
		monitor.WithInterval(cfg.Monitor.CheckInterval.Std()))
	k.swapper = hotswap.New(k.deployer, k.events, hotswap.WithAdmission(k.limiter))

	k.collector = metrics.NewCollector(k.registry, k.limiter, logWatermark{k.events})
	k.collector.Start()

	k.loops = supervisor.NewGroup("kernel")
	k.loops.Add("monitor", k.monitor.Run)
	k.loops.Add("guard", k.guard.Run)
	k.loops.Add("capability-sweeper", k.caps.Run)
	k.loops.Start(context.Background())

	k.logger.Info().
		Int("recovered", report.Recovered).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Str("data_dir", cfg.DataDir).
		Msg("Kernel booted")
	return k, nil
}

// Shutdown drains and stops the kernel in order: record the shutdown,
// stop the loops, terminate workers without kill events (recovery
// resurrects them), flush everything durable, record completion, close
// storage. Safe to call more than once.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.stopOnce.Do(func() { k.stopErr = k.shutdown(ctx) })
	return k.stopErr
}

func (k *Kernel) shutdown(ctx context.Context) error {
	k.logger.Info().Msg("Kernel shutting down")

	if _, err := k.events.Append(ctx, &types.Event{
		Type:    types.EventSystemShutdownStarted,
		Subject: types.SystemSubject(),
	}); err != nil {
		k.logger.Error().Err(err).Msg("Failed to record shutdown start")
	}

	// Give in-flight requests a moment to finish before the loops die.
	sleep(ctx, k.cfg.Shutdown.Drain.Std())

	k.swapper.Stop()
	k.loops.Stop()
	k.collector.Stop()

	k.deployer.TerminateAll(ctx)

	if err := k.events.Flush(ctx); err != nil {
		k.logger.Error().Err(err).Msg("Event store flush failed")
	}
	if err := k.caps.Flush(); err != nil {
		k.logger.Error().Err(err).Msg("Token store flush failed")
	}

	if _, err := k.events.Append(ctx, &types.Event{
		Type:    types.EventSystemShutdownComplete,
		Subject: types.SystemSubject(),
	}); err != nil {
		k.logger.Error().Err(err).Msg("Failed to record shutdown completion")
	}

	sleep(ctx, k.cfg.Shutdown.Settle.Std())
	k.close()

	k.logger.Info().Msg("Kernel stopped")
	return nil
}

// close tears down the storage stack. Used by Shutdown and by boot
// failures, so it tolerates partially built kernels.
func (k *Kernel) close() {
	if k.events != nil {
		k.events.Stop()
	}
	if k.broker != nil {
		k.broker.Stop()
	}
	if k.store != nil {
		if err := k.store.Close(); err != nil {
			k.logger.Error().Err(err).Msg("Storage close failed")
		}
	}
	metrics.UpdateComponent("eventstore", false, "stopped")
	metrics.UpdateComponent("deployer", false, "stopped")
}

// Config returns the kernel's effective configuration.
func (k *Kernel) Config() *config.Config { return k.cfg }

// Deployer exposes the service lifecycle surface.
func (k *Kernel) Deployer() *deploy.Deployer { return k.deployer }

// Swapper exposes the hot swap coordinator.
func (k *Kernel) Swapper() *hotswap.Coordinator { return k.swapper }

// Capabilities exposes the token manager.
func (k *Kernel) Capabilities() *capability.Manager { return k.caps }

// Vault exposes the secrets vault, or nil when no key is configured.
func (k *Kernel) Vault() *security.Vault { return k.vault }

// Events exposes the event store.
func (k *Kernel) Events() *eventstore.Store { return k.events }

// Registry exposes the live service table.
func (k *Kernel) Registry() *registry.Registry { return k.registry }

// Verifier exposes the log/registry consistency checker.
func (k *Kernel) Verifier() *recovery.Verifier { return k.verifier }

// BootReport returns the recovery outcome of this kernel's boot.
func (k *Kernel) BootReport() *recovery.Report { return k.bootReport }

// logWatermark adapts the event store's fallible LastID to the metrics
// collector's gauge sampling.
type logWatermark struct{ es *eventstore.Store }

func (l logWatermark) LastID() uint64 {
	id, err := l.es.LastID()
	if err != nil {
		return 0
	}
	return id
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
