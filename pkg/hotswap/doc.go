/*
Package hotswap replaces a running service's code without dropping its
state, inbox or identity.

A swap compiles the new source, applies it inside the live VM, then
watches a rollback window before making the change permanent:

	Swap ──▶ compile ──▶ hot_swap_started ──▶ apply in VM
	                                              │
	                              ┌───────────────┴───────────────┐
	                         apply error                     apply ok
	                              │                               │
	                      hot_swap_failed              window == 0 ── commit
	                   (old code restored)                        │      │
	                                                     arm watchdog    ▼
	                                                              │  hot_swap_succeeded
	                                            ┌─────────────────┤
	                                      crash in window    quiet window
	                                            │                 │
	                                  hot_swap_rolled_back     commit
	                                 (supervisor restarted     hot_swap_succeeded
	                                   the old program)

Applying runs the new chunk in the existing VM and, when the chunk
defines code_change(state), lets it migrate the state. Until the window
closes the supervisor's committed program is still the old one, so any
crash restarts old code; the watchdog merely records that outcome.
Only a quiet window commits the new program for future restarts.

One swap per identity is in flight at a time, and a windowed swap holds
the slot until its watchdog concludes. Replace (kill plus redeploy)
remains the blunt alternative when state migration is not worth it.
*/
package hotswap
