// Package supervisor provides crash supervision for tenant services
// and for the kernel's own system loops.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────┐
//	│                        Root                          │
//	│   one TenantSupervisor per tenant, created lazily    │
//	└────────────┬──────────────────────────┬──────────────┘
//	             │                          │
//	   ┌─────────▼─────────┐      ┌─────────▼─────────┐
//	   │ TenantSupervisor  │      │ TenantSupervisor  │
//	   │   (one_for_one)   │      │   (one_for_one)   │
//	   │  child child child│      │  child child      │
//	   └───────────────────┘      └───────────────────┘
//
//	   ┌───────────────────────────────────────────────┐
//	   │            Group (rest_for_one)               │
//	   │   monitor → sweeper → guard … kernel loops    │
//	   └───────────────────────────────────────────────┘
//
// # Tenant Supervision
//
// Each tenant gets its own supervisor with one_for_one strategy: a
// crashed worker is restarted alone, from its committed program, with
// fresh state. Every restart attempt consumes one slot in the child's
// sliding intensity window (default 3 restarts per 30s) and one slot in
// the tenant-wide window (default 10 per 60s).
//
// A child that blows its own budget is given up on and reported down.
// A tenant that blows the tenant-wide budget escalates: the entire
// tenant tree is terminated and the victims are reported, while other
// tenants keep running. Supervisors only manage processes; the
// DownReporter wired in by the deployer is responsible for keeping the
// registry and the event log consistent with these outcomes.
//
// # Committed Programs
//
// Restarts always boot from the child's committed program, which is the
// last deployed or committed code. An in-place swap updates the live
// worker first and commits only after the rollback window passes, so a
// crash inside the window restarts on the previous version.
//
// # System Group
//
// Group supervises the kernel's long-running loops with rest_for_one
// strategy: when a loop fails, it and every loop started after it
// restart in order, since later loops may depend on earlier ones.
// Blowing the group budget is fatal and surfaces through Done/Err.
package supervisor
