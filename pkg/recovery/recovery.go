package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/eventstore"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

// Deployer is the slice of the deploy surface recovery drives: the
// causation-linked redeploy path and Kill for consistency repairs.
type Deployer interface {
	Recover(ctx context.Context, spec *types.ServiceSpec, causationID uint64) (types.Identity, error)
	Kill(ctx context.Context, id types.Identity) error
}

// Report summarises one recovery pass.
type Report struct {
	Recovered  int              `json:"recovered"`
	Skipped    int              `json:"skipped"`
	Failed     int              `json:"failed"`
	Identities []types.Identity `json:"identities,omitempty"`
}

// Engine rebuilds the running set from the event log after a restart.
// The log is the source of truth: every service whose latest deployment
// has no later kill is redeployed from the recorded payload.
type Engine struct {
	events   *eventstore.Store
	deployer Deployer
	logger   zerolog.Logger
}

// NewEngine creates a recovery engine.
func NewEngine(events *eventstore.Store, deployer Deployer) *Engine {
	return &Engine{
		events:   events,
		deployer: deployer,
		logger:   log.WithComponent("recovery"),
	}
}

// Run performs one recovery pass: scan the log, redeploy everything
// that should be running, record the outcome per service. Failures do
// not stop the pass. Running twice is harmless: the deploy path rejects
// duplicates, which count as skipped.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	records, err := scan(e.events)
	if err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}

	report := &Report{}
	for _, rec := range orderedLive(records) {
		id := rec.id
		spec, err := parseSpec(rec.deployed)
		if err != nil {
			e.fail(ctx, id, rec.deployed.ID, err)
			report.Failed++
			continue
		}

		switch _, err := e.deployer.Recover(ctx, spec, rec.deployed.ID); {
		case err == nil:
			if _, aerr := e.events.Append(ctx, &types.Event{
				Tenant:      id.Tenant,
				Type:        types.EventServiceRecovered,
				Subject:     types.Subject{Tenant: id.Tenant, Service: id.Service},
				Payload:     map[string]any{"deploy_event": rec.deployed.ID},
				CausationID: rec.deployed.ID,
			}); aerr != nil {
				e.logger.Error().Err(aerr).Str("service", id.String()).Msg("Failed to record recovery")
			}
			report.Recovered++
			report.Identities = append(report.Identities, id)
		case errors.Is(err, types.ErrAlreadyRegistered):
			report.Skipped++
		default:
			e.fail(ctx, id, rec.deployed.ID, err)
			report.Failed++
		}
	}

	e.logger.Info().
		Int("recovered", report.Recovered).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("Recovery pass complete")
	return report, nil
}

func (e *Engine) fail(ctx context.Context, id types.Identity, deployID uint64, cause error) {
	e.logger.Error().Err(cause).Str("service", id.String()).Msg("Recovery failed for service")
	if _, err := e.events.Append(ctx, &types.Event{
		Tenant:      id.Tenant,
		Type:        types.EventServiceRecoveryFailed,
		Subject:     types.Subject{Tenant: id.Tenant, Service: id.Service},
		Payload:     map[string]any{"reason": cause.Error()},
		CausationID: deployID,
	}); err != nil {
		e.logger.Error().Err(err).Str("service", id.String()).Msg("Failed to record recovery failure")
	}
}

// record is one identity's disposition after a full log scan: its
// latest deployment, and whether a kill follows it.
type record struct {
	id       types.Identity
	deployed *types.Event
	killed   bool
}

// scan folds the log into per-identity dispositions. A redeploy after a
// kill resurrects the identity; only a kill after the latest deployment
// retires it.
func scan(events *eventstore.Store) (map[types.Identity]*record, error) {
	evs, err := events.Filter(&types.EventQuery{
		Types: []types.EventType{types.EventServiceDeployed, types.EventServiceKilled},
	})
	if err != nil {
		return nil, err
	}

	records := make(map[types.Identity]*record)
	for _, ev := range evs {
		id := types.Identity{Tenant: ev.Subject.Tenant, Service: ev.Subject.Service}
		switch ev.Type {
		case types.EventServiceDeployed:
			records[id] = &record{id: id, deployed: ev}
		case types.EventServiceKilled:
			if rec, ok := records[id]; ok {
				rec.killed = true
			}
		}
	}
	return records, nil
}

// orderedLive returns the not-killed records in deploy order, so
// recovery brings services back in the order they first appeared.
func orderedLive(records map[types.Identity]*record) []*record {
	live := lo.Filter(lo.Values(records), func(r *record, _ int) bool { return !r.killed })
	sort.Slice(live, func(i, j int) bool { return live[i].deployed.ID < live[j].deployed.ID })
	return live
}

// parseSpec rebuilds a deployable spec from a service_deployed payload.
func parseSpec(ev *types.Event) (*types.ServiceSpec, error) {
	source, ok := ev.Payload["source"].(string)
	if !ok || source == "" {
		return nil, fmt.Errorf("event %d: payload has no source", ev.ID)
	}
	format, ok := ev.Payload["format"].(string)
	if !ok || format == "" {
		return nil, fmt.Errorf("event %d: payload has no format", ev.ID)
	}

	spec := &types.ServiceSpec{
		Tenant:  ev.Subject.Tenant,
		Service: ev.Subject.Service,
		Source:  source,
		Format:  types.SourceFormat(format),
	}

	if raw, ok := ev.Payload["restart_policy"].(map[string]any); ok {
		policy, err := parsePolicy(raw)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.ID, err)
		}
		spec.Restart = policy
	}
	return spec, nil
}

func parsePolicy(raw map[string]any) (*types.RestartPolicy, error) {
	policy := types.DefaultRestartPolicy()
	if v, ok := raw["max_restarts"].(float64); ok {
		policy.MaxRestarts = int(v)
	}
	for field, dst := range map[string]*types.Duration{
		"window":           &policy.Window,
		"startup_timeout":  &policy.StartupTimeout,
		"shutdown_timeout": &policy.ShutdownTimeout,
	} {
		s, ok := raw[field].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("restart_policy.%s: %w", field, err)
		}
		*dst = types.Duration(d)
	}
	return policy, nil
}
