/*
Package deploy owns the service lifecycle: deploying, killing,
replacing, calling and reporting on tenant services.

# Architecture

	┌──────────────────── DEPLOYER ────────────────────────┐
	│                                                      │
	│  Deploy ──► validate ─► compile ─► start worker      │
	│                │            │          │             │
	│                ▼            ▼          ▼             │
	│           admission      factory   supervisor        │
	│                                        │             │
	│                                    register          │
	│                                        │             │
	│                              append service_deployed │
	│                                                      │
	│  Kill ────► graceful stop ─► unregister ─► event     │
	│  Replace ─► Kill (if any) + Deploy (fresh state)     │
	│  Call ────► admission ─► breaker ─► worker.Call      │
	│  Status / List ─► registry view                      │
	└──────────────────────────────────────────────────────┘

# Lifecycle Events

Every outcome lands in the event log before the operation reports
success: service_deployed (with the full spec payload, so recovery can
replay it), service_deployment_failed (stage + reason),
service_killed, service_crashed, service_restarted. If recording
service_deployed fails, the just-started worker is taken back down:
the log never lags reality in the success direction.

# Supervision Callbacks

The Deployer is the supervision root's DownReporter. Crash restarts
re-register the fresh worker and record service_crashed followed by
service_restarted (linked by causation). A child that exhausts its
restart budget, or a tenant tree torn down by escalation, is
unregistered and recorded with a final service_crashed. Kernel
shutdown terminates workers through TerminateAll without kill events;
those services return through recovery on the next boot.

# Serialisation

Mutating operations are serialised per identity with a keyed mutex, so
concurrent Deploy/Kill/Replace calls for one service cannot interleave.
Reads (Status, List, Call) take no identity lock.
*/
package deploy
