package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	defaultTripFailures = 5
	defaultResetAfter   = 30 * time.Second
)

// EventSink receives kernel events. Satisfied by *eventstore.Store.
type EventSink interface {
	Append(ctx context.Context, ev *types.Event) (uint64, error)
}

// Breakers holds one circuit breaker per service identity. A breaker
// trips after a run of consecutive call failures and rejects further
// calls with ErrCircuitOpen until the reset timeout admits a probe.
// State transitions are recorded in the event log.
type Breakers struct {
	tripAfter  uint32
	resetAfter time.Duration
	sink       EventSink
	logger     zerolog.Logger

	mu  sync.Mutex
	cbs map[types.Identity]*gobreaker.CircuitBreaker
}

// NewBreakers creates the breaker table. Zero tripAfter or resetAfter
// select the defaults (5 failures, 30s reset).
func NewBreakers(tripAfter uint32, resetAfter time.Duration, sink EventSink) *Breakers {
	if tripAfter == 0 {
		tripAfter = defaultTripFailures
	}
	if resetAfter <= 0 {
		resetAfter = defaultResetAfter
	}
	return &Breakers{
		tripAfter:  tripAfter,
		resetAfter: resetAfter,
		sink:       sink,
		logger:     log.WithComponent("breaker"),
		cbs:        make(map[types.Identity]*gobreaker.CircuitBreaker),
	}
}

// Execute runs fn under the identity's breaker. An open breaker fails
// fast with ErrCircuitOpen without running fn.
func (b *Breakers) Execute(id types.Identity, fn func() (any, error)) (any, error) {
	out, err := b.breaker(id).Execute(func() (any, error) { return fn() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, types.ErrCircuitOpen
	}
	return out, err
}

// State returns the identity's breaker state.
func (b *Breakers) State(id types.Identity) gobreaker.State {
	return b.breaker(id).State()
}

// Drop forgets the identity's breaker; a redeployed service starts
// closed.
func (b *Breakers) Drop(id types.Identity) {
	b.mu.Lock()
	delete(b.cbs, id)
	b.mu.Unlock()
	metrics.BreakerState.DeleteLabelValues(id.Tenant, id.Service)
}

// DropTenant forgets every breaker of the tenant.
func (b *Breakers) DropTenant(tenant string) {
	b.mu.Lock()
	for id := range b.cbs {
		if id.Tenant == tenant {
			delete(b.cbs, id)
			metrics.BreakerState.DeleteLabelValues(id.Tenant, id.Service)
		}
	}
	b.mu.Unlock()
}

func (b *Breakers) breaker(id types.Identity) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.cbs[id]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        id.String(),
			MaxRequests: 1, // half-open admits a single probe
			Timeout:     b.resetAfter,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= b.tripAfter
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				b.onStateChange(id, from, to)
			},
		})
		b.cbs[id] = cb
	}
	return cb
}

func (b *Breakers) onStateChange(id types.Identity, from, to gobreaker.State) {
	metrics.BreakerState.WithLabelValues(id.Tenant, id.Service).Set(stateValue(to))
	b.logger.Warn().
		Str("service", id.String()).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")

	if b.sink == nil {
		return
	}
	var evType types.EventType
	switch to {
	case gobreaker.StateOpen:
		evType = types.EventCircuitBreakerOpened
	case gobreaker.StateClosed:
		evType = types.EventCircuitBreakerClosed
	default:
		return // half-open is transitional, not logged
	}
	_, err := b.sink.Append(context.Background(), &types.Event{
		Tenant: id.Tenant,
		Type:   evType,
		Subject: types.Subject{
			Tenant:  id.Tenant,
			Service: id.Service,
		},
		Payload: map[string]any{
			"from": from.String(),
			"to":   to.String(),
		},
	})
	if err != nil {
		b.logger.Error().Err(err).
			Str("service", id.String()).
			Msg("Failed to record breaker transition")
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
