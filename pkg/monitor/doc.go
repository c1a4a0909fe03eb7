// Package monitor enforces resource limits and call health.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────┐
//	│                        Monitor                          │
//	│  ticker ── sample every registered worker's stats       │
//	│            {memory, inbox depth, work units}            │
//	│                │                                        │
//	│     over limit ├── warn     → log + event               │
//	│                ├── throttle → admission suspension      │
//	│                └── kill     → crash worker (supervisor  │
//	│                               restarts per policy)      │
//	├─────────────────────────────────────────────────────────┤
//	│  Breakers: one circuit breaker per service; a run of    │
//	│  call failures opens it, calls fail fast until a probe  │
//	│  succeeds after the reset timeout                       │
//	├─────────────────────────────────────────────────────────┤
//	│  Guard: goroutine count + heap high-water marks for     │
//	│  the kernel process itself (atom_usage_high)            │
//	└─────────────────────────────────────────────────────────┘
//
// Worker memory is an estimate of the Lua state plus a fixed VM
// overhead, not an OS measurement; limits should be read as budgets for
// state growth. Violations are recorded as best-effort events so a
// misbehaving service cannot slow the monitor down through its own
// event volume.
package monitor
