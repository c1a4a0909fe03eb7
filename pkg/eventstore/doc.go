/*
Package eventstore implements the append-only event log at the heart of Hutch.

Every observable state change in the kernel is recorded as an event. The log
is the source of truth: service registrations, capability grants, crashes,
swaps, and shutdown markers all flow through it, and recovery rebuilds the
running system by replaying it. Consumers watch the log through replay-then-
follow subscriptions.

# Architecture

	┌─────────────────────── EVENT STORE ───────────────────────┐
	│                                                           │
	│   Append(durable)          Append(best-effort)            │
	│        │ blocks                 │ returns immediately     │
	│        ▼                        ▼                         │
	│  ┌─────────────────────────────────────────────┐          │
	│  │           bounded append queue              │          │
	│  │  (full queue: durable waits, best-effort    │          │
	│  │   is dropped and counted)                   │          │
	│  └──────────────────┬──────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼──────────────────────────┐          │
	│  │          single writer goroutine            │          │
	│  │  - batches queued requests                  │          │
	│  │  - one bbolt transaction per batch          │          │
	│  │  - ids assigned at commit (dense, gapless)  │          │
	│  │  - acks durable waiters after fsync         │          │
	│  └──────────────────┬──────────────────────────┘          │
	│                     │                                     │
	│         ┌───────────┴────────────┐                        │
	│         ▼                        ▼                        │
	│  ┌─────────────┐      ┌────────────────────┐              │
	│  │  bbolt log  │      │   events.Broker    │              │
	│  │  (storage)  │      │  (live fan-out)    │              │
	│  └─────────────┘      └────────────────────┘              │
	└───────────────────────────────────────────────────────────┘

# Ordering and IDs

All appends, durable and best-effort alike, funnel through one writer
goroutine. Ids come from the storage sequence inside the commit
transaction, so the persisted log is always dense: a failed commit
consumes no ids, and a dropped best-effort event never reserves one.
Events from a single goroutine keep their submission order because the
queue is FIFO and batches commit in order.

# Durability Classes

Durable types (the default) block the caller until their batch is synced
to disk; the returned id is final. Best-effort types, capability_verified
and resource_violation, are high-frequency telemetry: they ride the same
queue and the same batches, but callers do not wait, and when the queue
is full they are dropped and counted in hutch_events_dropped_total.

# Subscriptions

Subscribe attaches to the broker first, then replays the persisted log,
then follows the live feed, suppressing duplicates with an id watermark.
The returned channel yields strictly increasing ids. Slow consumers miss
tail events instead of back-pressuring the kernel; a consumer that cares
restarts its subscription from the last id it saw.

# Usage

	es := eventstore.New(boltStore, broker)
	es.Start()
	defer es.Stop()

	id, err := es.Append(ctx, &types.Event{
		Tenant:  "acme",
		Type:    types.EventServiceDeployed,
		Subject: types.Subject{Tenant: "acme", Service: "billing"},
	})

	ch, _ := es.Subscribe(ctx, &types.EventQuery{Tenant: "acme"})
	for ev := range ch {
		fmt.Println(ev.ID, ev.Type)
	}
*/
package eventstore
