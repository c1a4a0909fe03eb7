package recovery

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/eventstore"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/registry"
	"github.com/cuemby/hutch/pkg/types"
)

// ConsistencyReport is the outcome of comparing the registry against
// the event log. OrphanedServices are alive without log cover;
// OrphanedEvents should be running per the log but are not;
// AliveKilled are killed per the log yet still alive, and are repaired
// in place.
type ConsistencyReport struct {
	Consistent       bool             `json:"consistent"`
	OrphanedServices []types.Identity `json:"orphaned_services,omitempty"`
	OrphanedEvents   []types.Identity `json:"orphaned_events,omitempty"`
	AliveKilled      []types.Identity `json:"alive_killed,omitempty"`
}

// Verifier cross-checks the live registry against the event log.
type Verifier struct {
	registry *registry.Registry
	events   *eventstore.Store
	deployer Deployer
	logger   zerolog.Logger
}

// NewVerifier creates a consistency verifier.
func NewVerifier(reg *registry.Registry, events *eventstore.Store, deployer Deployer) *Verifier {
	return &Verifier{
		registry: reg,
		events:   events,
		deployer: deployer,
		logger:   log.WithComponent("verifier"),
	}
}

// Verify computes the consistency report. Identities the log has
// retired but the registry still runs are killed on the spot; the other
// divergence classes are reported for the operator.
func (v *Verifier) Verify(ctx context.Context) (*ConsistencyReport, error) {
	records, err := scan(v.events)
	if err != nil {
		return nil, err
	}

	var alive []types.Identity
	for _, w := range v.registry.Snapshot() {
		if w.Alive() {
			alive = append(alive, w.Identity())
		}
	}

	var shouldRun, killed []types.Identity
	for id, rec := range records {
		if rec.killed {
			killed = append(killed, id)
		} else {
			shouldRun = append(shouldRun, id)
		}
	}

	report := &ConsistencyReport{
		OrphanedServices: sorted(lo.Without(alive, lo.Keys(records)...)),
		OrphanedEvents:   sorted(lo.Without(shouldRun, alive...)),
		AliveKilled:      sorted(lo.Filter(alive, func(id types.Identity, _ int) bool {
			return lo.Contains(killed, id)
		})),
	}

	for _, id := range report.AliveKilled {
		v.logger.Warn().Str("service", id.String()).Msg("Service killed per log but still alive, repairing")
		if err := v.deployer.Kill(ctx, id); err != nil {
			v.logger.Error().Err(err).Str("service", id.String()).Msg("Consistency repair failed")
		}
	}

	report.Consistent = len(report.OrphanedServices) == 0 &&
		len(report.OrphanedEvents) == 0 &&
		len(report.AliveKilled) == 0
	return report, nil
}

func sorted(ids []types.Identity) []types.Identity {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
