// Package kernel assembles the hosting kernel: one call to New boots
// storage, the event log, recovery, admission, supervision, the vault
// and the background loops in dependency order, and one call to
// Shutdown unwinds them.
//
// Boot order (each stage may depend on everything above it):
//
//	bolt store
//	  └─ event broker + event store
//	       └─ registry, admission limiter, circuit breakers
//	            └─ deployer
//	                 └─ recovery replay (rebuilds the running set)
//	                      └─ capability manager, vault, monitor,
//	                         hot swap coordinator, collector, loops
//
// Shutdown is the reverse, bracketed by the two system events:
//
//	system_shutdown_started
//	  stop swap watchdogs, loops, collector
//	  terminate workers        (no service_killed events: these
//	                            deployments come back on next boot)
//	  flush event log + tokens
//	system_shutdown_complete
//	  close storage
//
// The vault is only constructed when key material is configured;
// Vault() returns nil otherwise and callers must treat secrets as
// unavailable rather than fall back to a default key.
package kernel
