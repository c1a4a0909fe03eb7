package types

import (
	"time"
)

// EventType names one kind of kernel event. The vocabulary is closed: every
// type the kernel can emit is declared here, together with its durability
// class (see Durable).
type EventType string

const (
	EventServiceDeployed         EventType = "service_deployed"
	EventServiceDeploymentFailed EventType = "service_deployment_failed"
	EventServiceKilled           EventType = "service_killed"
	EventServiceCrashed          EventType = "service_crashed"
	EventServiceRestarted        EventType = "service_restarted"
	EventServiceRecovered        EventType = "service_recovered"
	EventServiceRecoveryFailed   EventType = "service_recovery_failed"
	EventCapabilityGranted       EventType = "capability_granted"
	EventCapabilityVerified      EventType = "capability_verified"
	EventCapabilityDenied        EventType = "capability_denied"
	EventCapabilityRevoked       EventType = "capability_revoked"
	EventResourceViolation       EventType = "resource_violation"
	EventCircuitBreakerOpened    EventType = "circuit_breaker_opened"
	EventCircuitBreakerClosed    EventType = "circuit_breaker_closed"
	EventHotSwapStarted          EventType = "hot_swap_started"
	EventHotSwapSucceeded        EventType = "hot_swap_succeeded"
	EventHotSwapRolledBack       EventType = "hot_swap_rolled_back"
	EventHotSwapFailed           EventType = "hot_swap_failed"
	EventSecretStored            EventType = "secret_stored"
	EventSecretAccessed          EventType = "secret_accessed"
	EventSecretAccessDenied      EventType = "secret_access_denied"
	EventSecretRevoked           EventType = "secret_revoked"
	EventAtomUsageHigh           EventType = "atom_usage_high"
	EventSystemShutdownStarted   EventType = "system_shutdown_started"
	EventSystemShutdownComplete  EventType = "system_shutdown_complete"
)

// bestEffort lists the high-frequency telemetry types whose appends may be
// buffered and lost on a hard crash. Everything else is durable: Append does
// not return until the event is fsynced.
var bestEffort = map[EventType]bool{
	EventCapabilityVerified: true,
	EventResourceViolation:  true,
}

// knownEventTypes is the closed vocabulary. The event store rejects
// appends of any type not listed here.
var knownEventTypes = map[EventType]bool{
	EventServiceDeployed:         true,
	EventServiceDeploymentFailed: true,
	EventServiceKilled:           true,
	EventServiceCrashed:          true,
	EventServiceRestarted:        true,
	EventServiceRecovered:        true,
	EventServiceRecoveryFailed:   true,
	EventCapabilityGranted:       true,
	EventCapabilityVerified:      true,
	EventCapabilityDenied:        true,
	EventCapabilityRevoked:       true,
	EventResourceViolation:       true,
	EventCircuitBreakerOpened:    true,
	EventCircuitBreakerClosed:    true,
	EventHotSwapStarted:          true,
	EventHotSwapSucceeded:        true,
	EventHotSwapRolledBack:       true,
	EventHotSwapFailed:           true,
	EventSecretStored:            true,
	EventSecretAccessed:          true,
	EventSecretAccessDenied:      true,
	EventSecretRevoked:           true,
	EventAtomUsageHigh:           true,
	EventSystemShutdownStarted:   true,
	EventSystemShutdownComplete:  true,
}

// Durable reports whether appends of this type must be synced to disk
// before Append returns.
func (t EventType) Durable() bool {
	return !bestEffort[t]
}

// Known reports whether the type belongs to the closed event vocabulary.
func (t EventType) Known() bool {
	return knownEventTypes[t]
}

// Subject is what an event is about: a service identity, or the system
// itself for kernel-level events.
type Subject struct {
	Tenant  string `json:"tenant_id,omitempty"`
	Service string `json:"service_id,omitempty"`
}

// SystemSubject is the subject of kernel-level events (shutdown, runtime
// pressure) that concern no single service.
func SystemSubject() Subject {
	return Subject{Tenant: "system"}
}

// Event is one immutable record in the kernel's append-only log. ID is
// assigned by the event store at commit time: dense, strictly increasing,
// starting at 1.
type Event struct {
	ID          uint64         `json:"id"`
	WallClock   time.Time      `json:"wall_clock"`
	Monotonic   int64          `json:"monotonic_ts"`
	Tenant      string         `json:"tenant_id,omitempty"`
	Type        EventType      `json:"event_type"`
	Subject     Subject        `json:"subject"`
	Payload     map[string]any `json:"payload,omitempty"`
	CausationID uint64         `json:"causation_id,omitempty"`
}

// EventQuery selects events by tenant, service, type set and a since-id
// watermark. The zero query matches everything. SinceID is exclusive: a
// stream restarted with the last seen id resumes exactly after it.
type EventQuery struct {
	Tenant  string      `json:"tenant_id,omitempty"`
	Service string      `json:"service_id,omitempty"`
	Types   []EventType `json:"types,omitempty"`
	SinceID uint64      `json:"since_id,omitempty"`
	Limit   int         `json:"limit,omitempty"`
}

// Match reports whether the event satisfies the query. Limit is not
// evaluated here; callers enforce it while iterating.
func (q *EventQuery) Match(ev *Event) bool {
	if ev.ID <= q.SinceID {
		return false
	}
	if q.Tenant != "" && ev.Tenant != q.Tenant && ev.Subject.Tenant != q.Tenant {
		return false
	}
	if q.Service != "" && ev.Subject.Service != q.Service {
		return false
	}
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
