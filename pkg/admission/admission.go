package admission

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/types"
)

const defaultInFlight = 64

// Limiter sheds load per tenant: every work-carrying operation (deploy,
// call, swap) holds one admission slot for its duration. A tenant at its
// in-flight limit gets ErrResourceExhausted instead of queueing, so one
// busy tenant cannot back the kernel up for everyone else.
//
// The monitor's throttle action suspends single identities for a while;
// suspended identities are rejected outright until the suspension
// expires.
type Limiter struct {
	resolve func(tenant string) int64
	logger  zerolog.Logger

	mu        sync.Mutex
	tenants   map[string]*tenantState
	suspended map[types.Identity]time.Time
}

type tenantState struct {
	sem      *semaphore.Weighted
	limit    int64
	inFlight atomic.Int64
	rejected atomic.Uint64
}

// New creates a Limiter. resolve maps a tenant to its in-flight limit;
// nil means every tenant gets the default of 64.
func New(resolve func(tenant string) int64) *Limiter {
	if resolve == nil {
		resolve = func(string) int64 { return defaultInFlight }
	}
	return &Limiter{
		resolve:   resolve,
		logger:    log.WithComponent("admission"),
		tenants:   make(map[string]*tenantState),
		suspended: make(map[types.Identity]time.Time),
	}
}

// Acquire takes one admission slot for the identity's tenant. On success
// the returned release must be called exactly once when the work ends.
// A full tenant or a suspended identity yields ErrResourceExhausted.
func (l *Limiter) Acquire(id types.Identity) (func(), error) {
	ts := l.tenant(id.Tenant)

	if l.isSuspended(id) {
		ts.rejected.Add(1)
		metrics.AdmissionRejectedTotal.WithLabelValues(id.Tenant).Inc()
		return nil, types.ErrResourceExhausted
	}

	if !ts.sem.TryAcquire(1) {
		ts.rejected.Add(1)
		metrics.AdmissionRejectedTotal.WithLabelValues(id.Tenant).Inc()
		l.logger.Debug().
			Str("tenant", id.Tenant).
			Int64("limit", ts.limit).
			Msg("Admission rejected, tenant at in-flight limit")
		return nil, types.ErrResourceExhausted
	}
	ts.inFlight.Add(1)

	var once sync.Once
	release := func() {
		once.Do(func() {
			ts.inFlight.Add(-1)
			ts.sem.Release(1)
		})
	}
	return release, nil
}

// Suspend rejects the identity's work until the duration passes. The
// monitor applies this as the throttle violation action.
func (l *Limiter) Suspend(id types.Identity, d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	l.mu.Lock()
	l.suspended[id] = until
	l.mu.Unlock()
	l.logger.Warn().
		Str("service", id.String()).
		Time("until", until).
		Msg("Identity suspended")
}

// Resume lifts a suspension early.
func (l *Limiter) Resume(id types.Identity) {
	l.mu.Lock()
	delete(l.suspended, id)
	l.mu.Unlock()
}

// Suspended reports whether the identity is currently suspended.
func (l *Limiter) Suspended(id types.Identity) bool {
	return l.isSuspended(id)
}

// Stats returns the per-tenant admission view, sorted by tenant.
func (l *Limiter) Stats() []types.AdmissionStats {
	l.mu.Lock()
	out := make([]types.AdmissionStats, 0, len(l.tenants))
	for name, ts := range l.tenants {
		out = append(out, types.AdmissionStats{
			Tenant:   name,
			InFlight: ts.inFlight.Load(),
			Limit:    ts.limit,
			Rejected: ts.rejected.Load(),
		})
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out
}

func (l *Limiter) tenant(name string) *tenantState {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts, ok := l.tenants[name]
	if !ok {
		limit := l.resolve(name)
		if limit <= 0 {
			limit = defaultInFlight
		}
		ts = &tenantState{sem: semaphore.NewWeighted(limit), limit: limit}
		l.tenants[name] = ts
	}
	return ts
}

func (l *Limiter) isSuspended(id types.Identity) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.suspended[id]
	if !ok {
		return false
	}
	if time.Now().Before(until) {
		return true
	}
	delete(l.suspended, id)
	return false
}
