package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/types"
)

// Registry is the in-memory routing table from identity to live worker.
// It holds no durable state: after a restart, recovery rebuilds it by
// replaying the event log.
type Registry struct {
	mu      sync.RWMutex
	workers map[types.Identity]*runtime.Worker
	logger  zerolog.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		workers: make(map[types.Identity]*runtime.Worker),
		logger:  log.WithComponent("registry"),
	}
}

// Register adds a worker under its identity. Registering an identity
// that is already present fails with ErrAlreadyRegistered; deploys are
// create-only and replacement goes through Replace.
func (r *Registry) Register(w *runtime.Worker) error {
	id := w.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[id]; exists {
		return fmt.Errorf("service %s: %w", id, types.ErrAlreadyRegistered)
	}
	r.workers[id] = w
	r.logger.Debug().Str("service", id.String()).Str("worker_id", w.ID()).Msg("Service registered")
	return nil
}

// Replace installs a worker under its identity, overwriting any previous
// entry. Restarts keep the identity but swap the instance.
func (r *Registry) Replace(w *runtime.Worker) {
	id := w.Identity()

	r.mu.Lock()
	r.workers[id] = w
	r.mu.Unlock()

	r.logger.Debug().Str("service", id.String()).Str("worker_id", w.ID()).Msg("Service replaced")
}

// Unregister removes an identity. Removing an absent identity is a
// no-op, so kill paths stay idempotent.
func (r *Registry) Unregister(id types.Identity) {
	r.mu.Lock()
	_, existed := r.workers[id]
	delete(r.workers, id)
	r.mu.Unlock()

	if existed {
		r.logger.Debug().Str("service", id.String()).Msg("Service unregistered")
	}
}

// Lookup returns the worker registered under the identity.
func (r *Registry) Lookup(id types.Identity) (*runtime.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// Snapshot returns all registered workers in no particular order.
func (r *Registry) Snapshot() []*runtime.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.workers)
}

// Identities returns all registered identities.
func (r *Registry) Identities() []types.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.workers)
}

// List returns the services registered for a tenant, sorted by name.
func (r *Registry) List(tenant string) []types.ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]types.ServiceInfo, 0)
	for id, w := range r.workers {
		if id.Tenant != tenant {
			continue
		}
		infos = append(infos, types.ServiceInfo{Service: id.Service, Alive: w.Alive()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Service < infos[j].Service })
	return infos
}

// Count returns the number of registered identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// CountByTenant returns the number of live workers per tenant. Dead but
// still-registered workers are not counted.
func (r *Registry) CountByTenant() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for id, w := range r.workers {
		if w.Alive() {
			counts[id.Tenant]++
		}
	}
	return counts
}
