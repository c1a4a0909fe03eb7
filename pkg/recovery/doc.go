/*
Package recovery rebuilds the running set from the event log and keeps
the registry honest about it afterwards.

The log is the source of truth for what should be running: the latest
service_deployed for an identity, unless a later service_killed retires
it. On boot the Engine folds the log into that set and redeploys every
member through the normal deploy path, linking each service_recovered
back to the deployment event that caused it. Failures are recorded and
skipped; a recovery pass never blocks boot.

Because recovery reuses the deploy path, running it twice is safe: the
second pass finds every identity already registered and counts it as
skipped.

The Verifier answers the inverse question at runtime: does the registry
agree with the log? It reports three divergence classes

	orphaned_services  alive, but the log never deployed them or has
	                   retired them
	orphaned_events    deployed per the log, but not alive
	alive_killed       retired per the log, yet still running

and repairs the last one in place by killing the worker, since a
retirement recorded in the log must win over an undead process.
*/
package recovery
