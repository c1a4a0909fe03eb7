/*
Package runtime compiles service code and hosts it in worker VMs.

Each service instance runs in its own embedded Lua state with a private
inbox. Workers follow the actor discipline: all VM access happens on one
loop goroutine, messages arrive through the inbox in FIFO order, and a
runtime error in service code crashes the worker so the supervisor can
restart it from the committed program.

# Service Contract

A service chunk defines its entry points as globals:

	function init()                      -- optional: returns initial state
	function handle_message(state, msg)  -- required: returns state, reply
	function code_change(state)          -- optional: migrates state on swap

Messages and replies are JSON-shaped values converted to and from Lua
tables at the inbox boundary. State never leaves the VM.

# Compilation

Compile parses and compiles source once per deploy under a sanitised
chunk name derived from the identity ("_" + tenant + "_" + service, with
anything outside [A-Za-z0-9_] mapped to "_"). The compiled proto is
immutable; swaps and restarts instantiate it into a live state without
recompiling.

# Sandbox

Worker VMs load only the side-effect-free standard libraries: package,
base, table, string, and math. There is no io, no os, and no debug
library, so service code cannot reach the filesystem, the environment,
or the clock beyond what messages carry.

# In-place Swap

Swap requests ride the worker inbox like any other message, which gives
them a precise position in the stream: everything enqueued before the
swap runs old code, everything after runs new code. The new chunk
executes in the live VM, code_change migrates the state when present,
and any failure restores the old definitions and reports the error
without disturbing the worker.
*/
package runtime
