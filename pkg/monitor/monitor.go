package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	minCheckInterval       = time.Second
	maxCheckInterval       = 5 * time.Second
	defaultThrottlePenalty = 10 * time.Second
)

// Registry is the worker view the monitor samples. Satisfied by
// *registry.Registry.
type Registry interface {
	Snapshot() []*runtime.Worker
}

// Suspender applies the throttle violation action. Satisfied by
// *admission.Limiter.
type Suspender interface {
	Suspend(id types.Identity, d time.Duration)
}

// Monitor samples every registered worker on a fixed interval and
// enforces per-tenant resource limits. Over-limit workers produce a
// resource_violation event and the tenant's configured action: warn
// logs, throttle suspends the identity at admission, kill crashes the
// worker so its supervisor restarts it with fresh state.
type Monitor struct {
	registry Registry
	limits   func(tenant string) types.ResourceLimits
	suspend  Suspender
	sink     EventSink
	logger   zerolog.Logger

	interval time.Duration
	penalty  time.Duration
}

// Option customises the Monitor.
type Option func(*Monitor)

// WithInterval sets the sampling interval, clamped to 1s–5s.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d < minCheckInterval {
			d = minCheckInterval
		}
		if d > maxCheckInterval {
			d = maxCheckInterval
		}
		m.interval = d
	}
}

// WithThrottlePenalty sets how long a throttled identity stays
// suspended.
func WithThrottlePenalty(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.penalty = d
		}
	}
}

// New creates a Monitor. limits resolves the effective limits per
// tenant; suspend and sink may be nil (throttle then degrades to warn,
// violations are only logged).
func New(reg Registry, limits func(string) types.ResourceLimits, suspend Suspender, sink EventSink, opts ...Option) *Monitor {
	m := &Monitor{
		registry: reg,
		limits:   limits,
		suspend:  suspend,
		sink:     sink,
		logger:   log.WithComponent("monitor"),
		interval: minCheckInterval,
		penalty:  defaultThrottlePenalty,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run samples workers until ctx ends. It is shaped as a supervisor
// group child.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.interval).Msg("Resource monitor started")
	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-ctx.Done():
			m.logger.Info().Msg("Resource monitor stopped")
			return nil
		}
	}
}

// Sweep runs one sampling pass. Exposed for tests and for the kernel's
// boot-time first sample.
func (m *Monitor) Sweep(ctx context.Context) {
	m.sweep(ctx)
}

func (m *Monitor) sweep(ctx context.Context) {
	for _, w := range m.registry.Snapshot() {
		if !w.Alive() {
			continue
		}
		m.inspect(ctx, w)
	}
}

func (m *Monitor) inspect(ctx context.Context, w *runtime.Worker) {
	id := w.Identity()
	lim := m.limits(id.Tenant)
	st := w.Stats()

	if lim.MaxMemoryBytes > 0 {
		switch {
		case st.MemoryBytes > lim.MaxMemoryBytes:
			m.violation(ctx, w, lim, "memory_bytes", st.MemoryBytes, lim.MaxMemoryBytes)
			return
		case lim.WarnPercent > 0 && st.MemoryBytes*100 >= lim.MaxMemoryBytes*int64(lim.WarnPercent):
			m.logger.Warn().
				Str("service", id.String()).
				Int64("memory_bytes", st.MemoryBytes).
				Int64("limit", lim.MaxMemoryBytes).
				Msg("Service memory approaching limit")
		}
	}

	if lim.MaxInboxDepth > 0 && st.InboxLen > lim.MaxInboxDepth {
		m.violation(ctx, w, lim, "inbox_depth", int64(st.InboxLen), int64(lim.MaxInboxDepth))
	}
}

func (m *Monitor) violation(ctx context.Context, w *runtime.Worker, lim types.ResourceLimits, metric string, value, limit int64) {
	id := w.Identity()
	action := lim.Action
	if action == "" {
		action = types.ViolationWarn
	}
	if action == types.ViolationThrottle && m.suspend == nil {
		action = types.ViolationWarn
	}

	m.logger.Warn().
		Str("service", id.String()).
		Str("metric", metric).
		Int64("value", value).
		Int64("limit", limit).
		Str("action", string(action)).
		Msg("Resource limit violated")
	metrics.ResourceViolationsTotal.WithLabelValues(id.Tenant, string(action)).Inc()

	if m.sink != nil {
		// Best-effort class: the append returns without waiting.
		_, _ = m.sink.Append(ctx, &types.Event{
			Tenant: id.Tenant,
			Type:   types.EventResourceViolation,
			Subject: types.Subject{
				Tenant:  id.Tenant,
				Service: id.Service,
			},
			Payload: map[string]any{
				"metric": metric,
				"value":  value,
				"limit":  limit,
				"action": string(action),
			},
		})
	}

	switch action {
	case types.ViolationThrottle:
		m.suspend.Suspend(id, m.penalty)
	case types.ViolationKill:
		w.Crash(fmt.Errorf("resource violation: %s %d over limit %d", metric, value, limit))
	}
}
