package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	defaultTenantMaxRestarts = 10
	defaultTenantWindow      = 60 * time.Second
)

// ErrSupervisorStopped reports an operation against a terminated
// supervisor.
var ErrSupervisorStopped = errors.New("supervisor stopped")

// DownReporter receives worker lifecycle outcomes. The deployer
// implements it to keep the registry and the event log in step with
// what supervision decides; supervisors themselves never touch either.
type DownReporter interface {
	// OnWorkerRestarted fires after a crashed worker came back up.
	// The fresh worker carries the same identity as the dead one.
	OnWorkerRestarted(fresh *runtime.Worker, cause error, restarts int)

	// OnWorkerDown fires when an identity is permanently down: its
	// restart budget is exhausted or its last start attempt failed.
	OnWorkerDown(id types.Identity, cause error)

	// OnTenantEscalated fires when one tenant burned through the
	// tenant-wide restart budget. The whole tenant tree is already
	// terminated; victims lists the identities taken down alongside
	// the escalating one.
	OnTenantEscalated(tenant string, cause types.Identity, causeErr error, victims []types.Identity)
}

// NopReporter discards all notifications.
type NopReporter struct{}

func (NopReporter) OnWorkerRestarted(*runtime.Worker, error, int)                   {}
func (NopReporter) OnWorkerDown(types.Identity, error)                              {}
func (NopReporter) OnTenantEscalated(string, types.Identity, error, []types.Identity) {}

// child is one supervised service. The committed program is what
// restarts boot from; during a hot swap rollback window it deliberately
// lags the code running in the live worker.
type child struct {
	id        types.Identity
	program   *runtime.Program
	policy    types.RestartPolicy
	worker    *runtime.Worker
	intensity *intensityWindow
	removed   bool
}

// TenantSupervisor supervises the workers of a single tenant with
// one_for_one strategy: a crash restarts only the crashed child. Crash
// intensity is tracked per child and per tenant; blowing the tenant
// budget terminates the whole tenant tree so one hot-looping tenant
// cannot monopolise the kernel (other tenants are untouched).
type TenantSupervisor struct {
	tenant   string
	reporter DownReporter
	logger   zerolog.Logger

	inboxSize int

	mu         sync.Mutex
	children   map[types.Identity]*child
	escalation *intensityWindow
	stopped    bool

	wg sync.WaitGroup
}

func newTenantSupervisor(tenant string, reporter DownReporter, inboxSize, tenantMax int, tenantWindow time.Duration) *TenantSupervisor {
	return &TenantSupervisor{
		tenant:     tenant,
		reporter:   reporter,
		logger:     log.WithTenant(tenant),
		inboxSize:  inboxSize,
		children:   make(map[types.Identity]*child),
		escalation: newIntensityWindow(tenantMax, tenantWindow),
	}
}

// StartChild boots a worker for the identity and begins supervising it.
// The program becomes the child's committed program: the code restarts
// boot from until CommitProgram replaces it.
func (s *TenantSupervisor) StartChild(id types.Identity, prog *runtime.Program, policy types.RestartPolicy) (*runtime.Worker, error) {
	if policy.Window <= 0 {
		policy = *types.DefaultRestartPolicy()
	}

	w := runtime.NewWorker(runtime.Config{
		Identity:       id,
		Program:        prog,
		InboxSize:      s.inboxSize,
		StartupTimeout: policy.StartupTimeout.Std(),
	})
	if err := w.Start(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		w.Kill()
		return nil, ErrSupervisorStopped
	}
	if _, exists := s.children[id]; exists {
		s.mu.Unlock()
		w.Kill()
		return nil, types.ErrAlreadyRegistered
	}
	c := &child{
		id:        id,
		program:   prog,
		policy:    policy,
		worker:    w,
		intensity: newIntensityWindow(policy.MaxRestarts, policy.Window.Std()),
	}
	s.children[id] = c
	s.wg.Add(1)
	go s.watch(c, w)
	s.mu.Unlock()

	return w, nil
}

// StopChild detaches the child and shuts its worker down without
// triggering a restart. Reports whether the child existed. The context
// bounds the graceful drain; on expiry the worker is interrupted.
func (s *TenantSupervisor) StopChild(ctx context.Context, id types.Identity) (bool, error) {
	s.mu.Lock()
	c, ok := s.children[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	c.removed = true
	delete(s.children, id)
	w := c.worker
	s.mu.Unlock()

	err := w.Shutdown(ctx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return true, err
	}
	return true, nil
}

// Worker returns the child's current worker instance.
func (s *TenantSupervisor) Worker(id types.Identity) (*runtime.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok {
		return nil, false
	}
	return c.worker, true
}

// CommittedProgram returns the program restarts currently boot from.
func (s *TenantSupervisor) CommittedProgram(id types.Identity) (*runtime.Program, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok {
		return nil, false
	}
	return c.program, true
}

// CommitProgram replaces the child's committed program. The hot swap
// coordinator calls this once a swap survives its rollback window.
func (s *TenantSupervisor) CommitProgram(id types.Identity, prog *runtime.Program) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok {
		return false
	}
	c.program = prog
	return true
}

// ChildPolicy returns the child's restart policy.
func (s *TenantSupervisor) ChildPolicy(id types.Identity) (types.RestartPolicy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok {
		return types.RestartPolicy{}, false
	}
	return c.policy, true
}

// ChildCount returns the number of supervised children.
func (s *TenantSupervisor) ChildCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// TerminateAll shuts every child down without restarts and stops the
// supervisor for good. Kernel shutdown path.
func (s *TenantSupervisor) TerminateAll(ctx context.Context) {
	s.mu.Lock()
	s.stopped = true
	workers := make([]*runtime.Worker, 0, len(s.children))
	for _, c := range s.children {
		c.removed = true
		workers = append(workers, c.worker)
	}
	s.children = make(map[types.Identity]*child)
	s.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			_ = w.Shutdown(ctx)
			return nil
		})
	}
	_ = g.Wait()
	s.wg.Wait()
}

// watch waits for one worker instance to stop and routes the outcome.
func (s *TenantSupervisor) watch(c *child, w *runtime.Worker) {
	defer s.wg.Done()
	<-w.Done()

	s.mu.Lock()
	if s.stale(c, w) {
		s.mu.Unlock()
		return
	}
	cause := w.ExitErr()
	if cause == nil {
		// Clean exit without StopChild: the service ended itself.
		// Nothing to restart.
		delete(s.children, c.id)
		s.mu.Unlock()
		s.reporter.OnWorkerDown(c.id, nil)
		return
	}
	s.mu.Unlock()

	s.restart(c, w, cause)
}

// restart drives the recovery of one crashed child, consuming restart
// budget per attempt until a fresh worker boots, the child budget runs
// out, or the tenant escalates.
func (s *TenantSupervisor) restart(c *child, failed *runtime.Worker, cause error) {
	for {
		now := time.Now()

		s.mu.Lock()
		if s.stopped || s.stale(c, failed) {
			s.mu.Unlock()
			return
		}
		if !s.escalation.Add(now) {
			s.escalate(c, cause)
			return
		}
		if !c.intensity.Add(now) {
			delete(s.children, c.id)
			s.mu.Unlock()
			s.logger.Warn().
				Str("service", c.id.String()).
				Int("max_restarts", c.policy.MaxRestarts).
				Msg("Restart budget exhausted, giving up on service")
			s.reporter.OnWorkerDown(c.id, cause)
			return
		}
		restarts := c.intensity.Count()
		prog := c.program
		policy := c.policy
		s.mu.Unlock()

		fresh := runtime.NewWorker(runtime.Config{
			Identity:       c.id,
			Program:        prog,
			InboxSize:      s.inboxSize,
			StartupTimeout: policy.StartupTimeout.Std(),
		})
		err := fresh.Start()
		if err == nil {
			s.mu.Lock()
			if s.stopped || s.stale(c, failed) {
				s.mu.Unlock()
				fresh.Kill()
				return
			}
			c.worker = fresh
			s.wg.Add(1)
			go s.watch(c, fresh)
			s.mu.Unlock()

			s.logger.Info().
				Str("service", c.id.String()).
				Int("restarts", restarts).
				Err(cause).
				Msg("Service restarted after crash")
			s.reporter.OnWorkerRestarted(fresh, cause, restarts)
			return
		}
		// The replacement would not boot; burn another budget slot and
		// try again with the start failure as the new cause.
		cause = err
	}
}

// escalate terminates the whole tenant tree. Called with the lock held;
// releases it.
func (s *TenantSupervisor) escalate(c *child, cause error) {
	victims := make([]*runtime.Worker, 0, len(s.children))
	victimIDs := make([]types.Identity, 0, len(s.children))
	for id, other := range s.children {
		other.removed = true
		if id == c.id {
			continue // the escalating worker is already dead
		}
		victims = append(victims, other.worker)
		victimIDs = append(victimIDs, id)
	}
	s.children = make(map[types.Identity]*child)
	// Fresh budget for whatever gets deployed to this tenant next.
	s.escalation = newIntensityWindow(s.escalation.max, s.escalation.window)
	s.mu.Unlock()

	for _, w := range victims {
		w.Kill()
	}

	s.logger.Error().
		Str("service", c.id.String()).
		Int("victims", len(victimIDs)).
		Msg("Tenant restart intensity exceeded, terminating tenant tree")
	s.reporter.OnTenantEscalated(s.tenant, c.id, cause, victimIDs)
}

// stale reports whether this child/worker pair is no longer the one the
// supervisor tracks: removed, replaced by a restart, or re-deployed.
func (s *TenantSupervisor) stale(c *child, w *runtime.Worker) bool {
	cur, ok := s.children[c.id]
	return !ok || cur != c || c.worker != w || c.removed
}

// Root owns one TenantSupervisor per tenant, created on first use.
type Root struct {
	reporter DownReporter
	logger   zerolog.Logger

	inboxSize    int
	tenantMax    int
	tenantWindow time.Duration

	mu      sync.Mutex
	tenants map[string]*TenantSupervisor
}

// RootOption customises the Root.
type RootOption func(*Root)

// WithTenantIntensity sets the tenant-wide escalation budget.
func WithTenantIntensity(max int, window time.Duration) RootOption {
	return func(r *Root) {
		if max > 0 {
			r.tenantMax = max
		}
		if window > 0 {
			r.tenantWindow = window
		}
	}
}

// WithInboxSize sets the inbox capacity for new workers.
func WithInboxSize(n int) RootOption {
	return func(r *Root) {
		if n > 0 {
			r.inboxSize = n
		}
	}
}

// NewRoot creates the supervision root. A nil reporter discards
// notifications.
func NewRoot(reporter DownReporter, opts ...RootOption) *Root {
	if reporter == nil {
		reporter = NopReporter{}
	}
	r := &Root{
		reporter:     reporter,
		logger:       log.WithComponent("supervisor"),
		tenantMax:    defaultTenantMaxRestarts,
		tenantWindow: defaultTenantWindow,
		tenants:      make(map[string]*TenantSupervisor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tenant returns the supervisor for a tenant, creating it on first use.
func (r *Root) Tenant(name string) *TenantSupervisor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sup, ok := r.tenants[name]; ok {
		return sup
	}
	sup := newTenantSupervisor(name, r.reporter, r.inboxSize, r.tenantMax, r.tenantWindow)
	r.tenants[name] = sup
	return sup
}

// Get returns the supervisor for a tenant when one exists.
func (r *Root) Get(name string) (*TenantSupervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, ok := r.tenants[name]
	return sup, ok
}

// TerminateAll terminates every tenant tree concurrently. Kernel
// shutdown path.
func (r *Root) TerminateAll(ctx context.Context) {
	r.mu.Lock()
	sups := make([]*TenantSupervisor, 0, len(r.tenants))
	for _, sup := range r.tenants {
		sups = append(sups, sup)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, sup := range sups {
		sup := sup
		g.Go(func() error {
			sup.TerminateAll(ctx)
			return nil
		})
	}
	_ = g.Wait()
}
