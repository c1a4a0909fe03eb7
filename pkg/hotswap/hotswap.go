package hotswap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/admission"
	"github.com/cuemby/hutch/pkg/eventstore"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	// DefaultWindow is the rollback window applied when the caller does
	// not choose one.
	DefaultWindow = 30 * time.Second

	defaultApplyTimeout = 5 * time.Second
)

// Services is the slice of the deployer a swap needs: resolving the
// running worker and committing the program that future restarts use.
type Services interface {
	Worker(id types.Identity) (*runtime.Worker, error)
	CommitProgram(id types.Identity, prog *runtime.Program) bool
}

// Receipt describes an accepted swap. Committed is true only on the
// immediate path (window zero); a windowed swap reports its outcome
// through hot_swap_succeeded / hot_swap_rolled_back events.
type Receipt struct {
	Identity    types.Identity `json:"identity"`
	FromVersion string         `json:"from_version"`
	ToVersion   string         `json:"to_version"`
	Window      time.Duration  `json:"window"`
	Committed   bool           `json:"committed"`
}

// Coordinator applies code swaps to running workers and supervises the
// rollback window that follows. At most one swap per identity is in
// flight at a time, and a windowed swap holds that slot until its
// watchdog concludes.
type Coordinator struct {
	services     Services
	events       *eventstore.Store
	limiter      *admission.Limiter
	logger       zerolog.Logger
	applyTimeout time.Duration

	mu       sync.Mutex
	inflight map[types.Identity]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option adjusts coordinator construction.
type Option func(*Coordinator)

// WithAdmission attaches per-tenant load shedding to swap requests.
func WithAdmission(l *admission.Limiter) Option {
	return func(c *Coordinator) { c.limiter = l }
}

// WithApplyTimeout bounds how long a swap waits for the worker to run
// the new chunk. A worker stuck in a long handler fails the swap rather
// than blocking the caller.
func WithApplyTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.applyTimeout = d }
}

// New creates a swap coordinator.
func New(services Services, events *eventstore.Store, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		services:     services,
		events:       events,
		logger:       log.WithComponent("hotswap"),
		applyTimeout: defaultApplyTimeout,
		inflight:     make(map[types.Identity]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stop cancels all watchdogs and waits for them to exit. Pending swaps
// are left uncommitted: after a restart, recovery redeploys the last
// committed program.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Swap compiles source and applies it to the running worker in place,
// preserving state, inbox and identity. With a zero window the new
// program is committed immediately; otherwise a watchdog arms a
// rollback window: a crash inside it means the supervisor has already
// restarted the old program, and the swap is recorded as rolled back.
func (c *Coordinator) Swap(ctx context.Context, tenant, service, source string, window time.Duration) (*Receipt, error) {
	if source == "" {
		return nil, &types.ValidationError{Field: "source", Reason: "must not be empty"}
	}
	if window < 0 {
		return nil, &types.ValidationError{Field: "window", Reason: "must not be negative"}
	}
	id := types.Identity{Tenant: tenant, Service: service}

	if c.limiter != nil {
		release, err := c.limiter.Acquire(id)
		if err != nil {
			metrics.SwapsTotal.WithLabelValues("rejected").Inc()
			return nil, err
		}
		defer release()
	}

	if !c.begin(id) {
		metrics.SwapsTotal.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("%s: %w", id, types.ErrSwapInFlight)
	}

	w, err := c.services.Worker(id)
	if err != nil {
		c.end(id)
		metrics.SwapsTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}
	from := Version(w.Program().Source)
	to := Version(source)

	prog, err := runtime.Compile(tenant, service, source)
	if err != nil {
		c.end(id)
		metrics.SwapsTotal.WithLabelValues("compile_error").Inc()
		return nil, err
	}

	startedID, err := c.events.Append(ctx, &types.Event{
		Tenant:  tenant,
		Type:    types.EventHotSwapStarted,
		Subject: types.Subject{Tenant: tenant, Service: service},
		Payload: map[string]any{
			"from_version": from,
			"to_version":   to,
			"window_ms":    window.Milliseconds(),
		},
	})
	if err != nil {
		c.end(id)
		return nil, fmt.Errorf("record swap start: %w", err)
	}

	applyCtx, cancel := context.WithTimeout(ctx, c.applyTimeout)
	defer cancel()
	if err := w.Swap(applyCtx, prog); err != nil {
		// The worker restored its previous definitions itself.
		c.record(types.EventHotSwapFailed, id, startedID, map[string]any{
			"from_version": from,
			"to_version":   to,
			"reason":       err.Error(),
		})
		c.end(id)
		metrics.SwapsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("apply swap: %w", err)
	}

	receipt := &Receipt{Identity: id, FromVersion: from, ToVersion: to, Window: window}

	if window == 0 {
		defer c.end(id)
		if !c.services.CommitProgram(id, prog) {
			c.record(types.EventHotSwapFailed, id, startedID, map[string]any{
				"from_version": from,
				"to_version":   to,
				"reason":       "service no longer registered",
			})
			metrics.SwapsTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
		}
		c.record(types.EventHotSwapSucceeded, id, startedID, map[string]any{
			"from_version": from,
			"to_version":   to,
		})
		metrics.SwapsTotal.WithLabelValues("committed").Inc()
		c.logger.Info().Str("service", id.String()).Str("version", to).Msg("Hot swap committed")
		receipt.Committed = true
		return receipt, nil
	}

	c.wg.Add(1)
	go c.watch(id, prog, from, to, window, startedID)
	c.logger.Info().
		Str("service", id.String()).
		Str("version", to).
		Dur("window", window).
		Msg("Hot swap applied, rollback window armed")
	return receipt, nil
}

// InFlight reports whether a swap is currently running for the identity.
func (c *Coordinator) InFlight(id types.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[id]
	return ok
}

// watch owns the rollback window for one applied swap. A crash event
// inside the window means the supervisor already restarted the worker
// from the previous committed program; the watchdog only records that
// outcome. An undisturbed window commits the new program.
func (c *Coordinator) watch(id types.Identity, prog *runtime.Program, from, to string, window time.Duration, startedID uint64) {
	defer c.wg.Done()
	defer c.end(id)

	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	sub, err := c.events.Subscribe(ctx, &types.EventQuery{
		Tenant:  id.Tenant,
		Service: id.Service,
		Types:   []types.EventType{types.EventServiceCrashed},
		SinceID: startedID,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("service", id.String()).Msg("Swap watchdog subscription failed")
		return
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case ev, ok := <-sub:
		if !ok {
			return
		}
		c.record(types.EventHotSwapRolledBack, id, startedID, map[string]any{
			"from_version": from,
			"to_version":   to,
			"crash_event":  ev.ID,
		})
		metrics.SwapsTotal.WithLabelValues("rolled_back").Inc()
		c.logger.Warn().
			Str("service", id.String()).
			Str("version", to).
			Msg("Hot swap rolled back: crash inside window")
	case <-timer.C:
		if !c.services.CommitProgram(id, prog) {
			c.record(types.EventHotSwapFailed, id, startedID, map[string]any{
				"from_version": from,
				"to_version":   to,
				"reason":       "service no longer registered",
			})
			metrics.SwapsTotal.WithLabelValues("failed").Inc()
			return
		}
		c.record(types.EventHotSwapSucceeded, id, startedID, map[string]any{
			"from_version": from,
			"to_version":   to,
		})
		metrics.SwapsTotal.WithLabelValues("committed").Inc()
		c.logger.Info().Str("service", id.String()).Str("version", to).Msg("Hot swap committed")
	case <-c.ctx.Done():
		// Shutdown: leave the swap uncommitted. Recovery restarts the
		// previous program.
	}
}

func (c *Coordinator) begin(id types.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[id]; ok {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Coordinator) end(id types.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
}

func (c *Coordinator) record(typ types.EventType, id types.Identity, causationID uint64, payload map[string]any) {
	if _, err := c.events.Append(context.Background(), &types.Event{
		Tenant:      id.Tenant,
		Type:        typ,
		Subject:     types.Subject{Tenant: id.Tenant, Service: id.Service},
		Payload:     payload,
		CausationID: causationID,
	}); err != nil {
		c.logger.Error().Err(err).Str("service", id.String()).Str("event", string(typ)).Msg("Failed to record swap outcome")
	}
}

// Version derives a short content hash identifying a program source.
func Version(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])[:12]
}
