package deploy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/admission"
	"github.com/cuemby/hutch/pkg/eventstore"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/monitor"
	"github.com/cuemby/hutch/pkg/registry"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/supervisor"
	"github.com/cuemby/hutch/pkg/types"
)

// identPattern bounds tenant and service names: leading alphanumeric,
// then up to 63 more of [a-zA-Z0-9_.-].
var identPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// reservedTenant is the subject of kernel-level events and cannot host
// services.
const reservedTenant = "system"

// Deployer owns the full service lifecycle: it validates and compiles
// specs, starts workers under supervision, keeps the registry in step,
// and records every outcome in the event log. It is also the
// supervision root's DownReporter, so crash restarts and escalations
// flow back through it.
//
// Mutating operations are serialised per identity.
type Deployer struct {
	registry *registry.Registry
	events   *eventstore.Store
	factory  runtime.Factory
	root     *supervisor.Root
	logger   zerolog.Logger

	limiter  *admission.Limiter
	breakers *monitor.Breakers

	defaultPolicy types.RestartPolicy

	lmu   sync.Mutex
	locks map[types.Identity]*sync.Mutex
}

// Option customises the Deployer.
type Option func(*Deployer)

// WithAdmission makes work-carrying operations take admission slots.
func WithAdmission(l *admission.Limiter) Option {
	return func(d *Deployer) { d.limiter = l }
}

// WithBreakers wraps Call in per-service circuit breakers.
func WithBreakers(b *monitor.Breakers) Option {
	return func(d *Deployer) { d.breakers = b }
}

// WithDefaultPolicy sets the restart policy applied when a spec carries
// none.
func WithDefaultPolicy(p types.RestartPolicy) Option {
	return func(d *Deployer) { d.defaultPolicy = p }
}

// WithSupervisorOptions forwards options to the supervision root.
func WithSupervisorOptions(opts ...supervisor.RootOption) Option {
	return func(d *Deployer) {
		d.root = supervisor.NewRoot(d, opts...)
	}
}

// New creates a Deployer. It builds its own supervision root with
// itself wired in as the reporter.
func New(reg *registry.Registry, events *eventstore.Store, factory runtime.Factory, opts ...Option) *Deployer {
	d := &Deployer{
		registry:      reg,
		events:        events,
		factory:       factory,
		logger:        log.WithComponent("deploy"),
		defaultPolicy: *types.DefaultRestartPolicy(),
		locks:         make(map[types.Identity]*sync.Mutex),
	}
	d.root = supervisor.NewRoot(d)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Root exposes the supervision root for the kernel's shutdown path.
func (d *Deployer) Root() *supervisor.Root {
	return d.root
}

// Deploy validates, compiles and starts the spec'd service, registers
// it and records service_deployed. The returned identity is live and
// addressable when Deploy returns.
func (d *Deployer) Deploy(ctx context.Context, spec *types.ServiceSpec) (types.Identity, error) {
	return d.run(ctx, spec, 0)
}

// Recover redeploys a spec replayed from the event log. causationID is
// the id of the service_deployed event the spec came from, linking the
// fresh deployment back to it.
func (d *Deployer) Recover(ctx context.Context, spec *types.ServiceSpec, causationID uint64) (types.Identity, error) {
	return d.run(ctx, spec, causationID)
}

func (d *Deployer) run(ctx context.Context, spec *types.ServiceSpec, causationID uint64) (types.Identity, error) {
	if err := validateSpec(spec); err != nil {
		metrics.DeploysTotal.WithLabelValues("invalid").Inc()
		return types.Identity{}, err
	}
	id := spec.Identity()

	if d.limiter != nil {
		release, err := d.limiter.Acquire(id)
		if err != nil {
			metrics.DeploysTotal.WithLabelValues("rejected").Inc()
			return types.Identity{}, err
		}
		defer release()
	}

	unlock := d.lock(id)
	defer unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OpDuration, "deploy")

	return id, d.deploy(ctx, spec, id, causationID)
}

func (d *Deployer) deploy(ctx context.Context, spec *types.ServiceSpec, id types.Identity, causationID uint64) error {
	if _, exists := d.registry.Lookup(id); exists {
		metrics.DeploysTotal.WithLabelValues("conflict").Inc()
		return fmt.Errorf("%s: %w", id, types.ErrAlreadyRegistered)
	}

	policy := d.defaultPolicy
	if spec.Restart != nil {
		policy = *spec.Restart
	}

	prog, err := d.factory.Make(spec)
	if err != nil {
		return d.failed(ctx, id, "compile", err)
	}

	sup := d.root.Tenant(id.Tenant)
	w, err := sup.StartChild(id, prog, policy)
	if err != nil {
		if errors.Is(err, types.ErrAlreadyRegistered) {
			metrics.DeploysTotal.WithLabelValues("conflict").Inc()
			return fmt.Errorf("%s: %w", id, err)
		}
		return d.failed(ctx, id, "start", err)
	}

	if err := d.registry.Register(w); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), policy.ShutdownTimeout.Std())
		_, _ = sup.StopChild(stopCtx, id)
		cancel()
		return d.failed(ctx, id, "register", err)
	}

	_, err = d.events.Append(ctx, &types.Event{
		Tenant:      id.Tenant,
		Type:        types.EventServiceDeployed,
		Subject:     types.Subject{Tenant: id.Tenant, Service: id.Service},
		Payload:     deployPayload(spec, policy),
		CausationID: causationID,
	})
	if err != nil {
		// The deployment must not outlive a log that never heard of
		// it: take the worker back down and report the failure.
		d.registry.Unregister(id)
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, _ = sup.StopChild(stopCtx, id)
		cancel()
		metrics.DeploysTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("record deployment: %w", err)
	}

	metrics.DeploysTotal.WithLabelValues("deployed").Inc()
	d.logger.Info().
		Str("service", id.String()).
		Int("source_bytes", len(spec.Source)).
		Msg("Service deployed")
	return nil
}

// Kill gracefully stops the service, unregisters it and records
// service_killed. Unknown identities yield ErrNotFound, so a repeated
// Kill reports not found.
func (d *Deployer) Kill(ctx context.Context, id types.Identity) error {
	unlock := d.lock(id)
	defer unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OpDuration, "kill")

	return d.kill(ctx, id)
}

func (d *Deployer) kill(ctx context.Context, id types.Identity) error {
	w, ok := d.registry.Lookup(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}

	timeout := d.defaultPolicy.ShutdownTimeout.Std()
	var sup *supervisor.TenantSupervisor
	if s, ok := d.root.Get(id.Tenant); ok {
		sup = s
		if p, ok := s.ChildPolicy(id); ok {
			timeout = p.ShutdownTimeout.Std()
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	detached := false
	if sup != nil {
		found, err := sup.StopChild(stopCtx, id)
		if err != nil {
			d.logger.Error().Err(err).Str("service", id.String()).Msg("Graceful stop failed")
		}
		detached = found
	}
	if !detached {
		// Registered but not supervised: take the worker down directly.
		w.Kill()
	}

	d.registry.Unregister(id)
	if d.breakers != nil {
		d.breakers.Drop(id)
	}

	if _, err := d.events.Append(ctx, &types.Event{
		Tenant:  id.Tenant,
		Type:    types.EventServiceKilled,
		Subject: types.Subject{Tenant: id.Tenant, Service: id.Service},
	}); err != nil {
		return fmt.Errorf("record kill: %w", err)
	}

	d.logger.Info().Str("service", id.String()).Msg("Service killed")
	return nil
}

// Replace kills the current deployment of the spec's identity, when one
// exists, and deploys the spec fresh (new worker, new inbox, new
// state).
func (d *Deployer) Replace(ctx context.Context, spec *types.ServiceSpec) (types.Identity, error) {
	if err := validateSpec(spec); err != nil {
		metrics.DeploysTotal.WithLabelValues("invalid").Inc()
		return types.Identity{}, err
	}
	id := spec.Identity()

	if d.limiter != nil {
		release, err := d.limiter.Acquire(id)
		if err != nil {
			metrics.DeploysTotal.WithLabelValues("rejected").Inc()
			return types.Identity{}, err
		}
		defer release()
	}

	unlock := d.lock(id)
	defer unlock()

	if err := d.kill(ctx, id); err != nil && !errors.Is(err, types.ErrNotFound) {
		return types.Identity{}, err
	}
	return id, d.deploy(ctx, spec, id, 0)
}

// Status reports the live stats of the identity's worker.
func (d *Deployer) Status(id types.Identity) (*types.ServiceStatus, error) {
	w, ok := d.registry.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}
	st := w.Stats()
	return &st, nil
}

// List returns the tenant's live services. Entries whose worker has
// died since the last lifecycle callback are filtered out.
func (d *Deployer) List(tenant string) []types.ServiceInfo {
	all := d.registry.List(tenant)
	out := all[:0]
	for _, info := range all {
		if info.Alive {
			out = append(out, info)
		}
	}
	return out
}

// Call delivers one request-reply message to the service, bounded by
// timeout, through admission and the service's circuit breaker.
func (d *Deployer) Call(ctx context.Context, id types.Identity, payload map[string]any, timeout time.Duration) (any, error) {
	if d.limiter != nil {
		release, err := d.limiter.Acquire(id)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	w, ok := d.registry.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OpDuration, "call")

	invoke := func() (any, error) { return w.Call(ctx, payload) }
	var out any
	var err error
	if d.breakers != nil {
		out, err = d.breakers.Execute(id, invoke)
	} else {
		out, err = invoke()
	}
	if errors.Is(err, runtime.ErrWorkerExited) {
		return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}
	return out, err
}

// Worker exposes the identity's live worker. The hot swap coordinator
// uses it to apply code in place.
func (d *Deployer) Worker(id types.Identity) (*runtime.Worker, error) {
	w, ok := d.registry.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}
	return w, nil
}

// CommitProgram makes prog the identity's restart program. Used by the
// hot swap coordinator once a swap survives its rollback window.
func (d *Deployer) CommitProgram(id types.Identity, prog *runtime.Program) bool {
	sup, ok := d.root.Get(id.Tenant)
	if !ok {
		return false
	}
	return sup.CommitProgram(id, prog)
}

// TerminateAll stops every tenant worker without recording kill events.
// Kernel shutdown path: these services come back through recovery.
func (d *Deployer) TerminateAll(ctx context.Context) {
	d.root.TerminateAll(ctx)
}

// OnWorkerRestarted is the supervision callback for a completed crash
// restart: re-register the fresh worker under the same identity and
// record the crash and the restart.
func (d *Deployer) OnWorkerRestarted(fresh *runtime.Worker, cause error, restarts int) {
	id := fresh.Identity()
	d.registry.Replace(fresh)
	metrics.RestartsTotal.WithLabelValues(id.Tenant).Inc()

	ctx := context.Background()
	crashID, err := d.events.Append(ctx, &types.Event{
		Tenant:  id.Tenant,
		Type:    types.EventServiceCrashed,
		Subject: types.Subject{Tenant: id.Tenant, Service: id.Service},
		Payload: map[string]any{"error": errString(cause)},
	})
	if err != nil {
		d.logger.Error().Err(err).Str("service", id.String()).Msg("Failed to record crash")
	}
	if _, err := d.events.Append(ctx, &types.Event{
		Tenant:      id.Tenant,
		Type:        types.EventServiceRestarted,
		Subject:     types.Subject{Tenant: id.Tenant, Service: id.Service},
		Payload:     map[string]any{"restarts": restarts},
		CausationID: crashID,
	}); err != nil {
		d.logger.Error().Err(err).Str("service", id.String()).Msg("Failed to record restart")
	}
}

// OnWorkerDown is the supervision callback for a permanently down
// identity: drop it from the registry and, when it died crashing,
// record the final crash.
func (d *Deployer) OnWorkerDown(id types.Identity, cause error) {
	d.registry.Unregister(id)
	if d.breakers != nil {
		d.breakers.Drop(id)
	}
	if cause == nil {
		return
	}
	if _, err := d.events.Append(context.Background(), &types.Event{
		Tenant:  id.Tenant,
		Type:    types.EventServiceCrashed,
		Subject: types.Subject{Tenant: id.Tenant, Service: id.Service},
		Payload: map[string]any{"error": errString(cause), "gave_up": true},
	}); err != nil {
		d.logger.Error().Err(err).Str("service", id.String()).Msg("Failed to record final crash")
	}
}

// OnTenantEscalated is the supervision callback for a terminated tenant
// tree: unregister everything and record the escalating crash. The
// victims get no kill events; the verifier reports them as orphaned
// until the tenant redeploys.
func (d *Deployer) OnTenantEscalated(tenant string, cause types.Identity, causeErr error, victims []types.Identity) {
	for _, id := range victims {
		d.registry.Unregister(id)
	}
	d.registry.Unregister(cause)
	if d.breakers != nil {
		d.breakers.DropTenant(tenant)
	}

	victimNames := make([]any, 0, len(victims))
	for _, id := range victims {
		victimNames = append(victimNames, id.Service)
	}
	if _, err := d.events.Append(context.Background(), &types.Event{
		Tenant:  tenant,
		Type:    types.EventServiceCrashed,
		Subject: types.Subject{Tenant: cause.Tenant, Service: cause.Service},
		Payload: map[string]any{
			"error":     errString(causeErr),
			"escalated": true,
			"victims":   victimNames,
		},
	}); err != nil {
		d.logger.Error().Err(err).Str("tenant", tenant).Msg("Failed to record escalation")
	}
}

func (d *Deployer) failed(ctx context.Context, id types.Identity, stage string, cause error) error {
	metrics.DeploysTotal.WithLabelValues("failed").Inc()
	d.logger.Warn().
		Str("service", id.String()).
		Str("stage", stage).
		Err(cause).
		Msg("Deployment failed")

	if _, err := d.events.Append(ctx, &types.Event{
		Tenant:  id.Tenant,
		Type:    types.EventServiceDeploymentFailed,
		Subject: types.Subject{Tenant: id.Tenant, Service: id.Service},
		Payload: map[string]any{"stage": stage, "reason": errString(cause)},
	}); err != nil {
		d.logger.Error().Err(err).Str("service", id.String()).Msg("Failed to record deployment failure")
	}
	return cause
}

func (d *Deployer) lock(id types.Identity) func() {
	d.lmu.Lock()
	m, ok := d.locks[id]
	if !ok {
		m = &sync.Mutex{}
		d.locks[id] = m
	}
	d.lmu.Unlock()

	m.Lock()
	return m.Unlock
}

func validateSpec(spec *types.ServiceSpec) error {
	if spec == nil {
		return &types.ValidationError{Field: "spec", Reason: "must not be nil"}
	}
	if !identPattern.MatchString(spec.Tenant) {
		return &types.ValidationError{Field: "tenant_id", Reason: "must match " + identPattern.String()}
	}
	if spec.Tenant == reservedTenant {
		return &types.ValidationError{Field: "tenant_id", Reason: "tenant name is reserved"}
	}
	if !identPattern.MatchString(spec.Service) {
		return &types.ValidationError{Field: "service_id", Reason: "must match " + identPattern.String()}
	}
	if spec.Source == "" {
		return &types.ValidationError{Field: "source", Reason: "must not be empty"}
	}
	if spec.Format == "" {
		return &types.ValidationError{Field: "format", Reason: "must not be empty"}
	}
	return nil
}

func deployPayload(spec *types.ServiceSpec, policy types.RestartPolicy) map[string]any {
	return map[string]any{
		"source": spec.Source,
		"format": string(spec.Format),
		"restart_policy": map[string]any{
			"max_restarts":     policy.MaxRestarts,
			"window":           policy.Window.Std().String(),
			"startup_timeout":  policy.StartupTimeout.Std().String(),
			"shutdown_timeout": policy.ShutdownTimeout.Std().String(),
		},
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
