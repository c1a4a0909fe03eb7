package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/types"
)

const okSource = `
function handle_message(state, msg)
	return state, "ok"
end
`

const crashSource = `
function handle_message(state, msg)
	error("boom")
end
`

const badBootSource = `
function handle_message(state, msg)
	return state, "ok"
end
function init()
	error("cannot start")
end
`

type recorder struct {
	mu        sync.Mutex
	restarted int
	down      []types.Identity
	downErrs  []error
	escalated int
	victims   []types.Identity
	cause     types.Identity
}

func (r *recorder) OnWorkerRestarted(fresh *runtime.Worker, cause error, restarts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarted++
}

func (r *recorder) OnWorkerDown(id types.Identity, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = append(r.down, id)
	r.downErrs = append(r.downErrs, cause)
}

func (r *recorder) OnTenantEscalated(tenant string, cause types.Identity, causeErr error, victims []types.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalated++
	r.cause = cause
	r.victims = append([]types.Identity(nil), victims...)
}

func (r *recorder) restartCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarted
}

func (r *recorder) downCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.down)
}

func (r *recorder) escalateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.escalated
}

func compileOrFail(t *testing.T, id types.Identity, source string) *runtime.Program {
	t.Helper()
	prog, err := runtime.Compile(id.Tenant, id.Service, source)
	require.NoError(t, err)
	return prog
}

func testPolicy(maxRestarts int) types.RestartPolicy {
	return types.RestartPolicy{
		MaxRestarts:     maxRestarts,
		Window:          types.Duration(30 * time.Second),
		StartupTimeout:  types.Duration(5 * time.Second),
		ShutdownTimeout: types.Duration(2 * time.Second),
	}
}

func crashWorker(t *testing.T, w *runtime.Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := w.Call(ctx, map[string]any{"go": true})
	require.Error(t, err)
}

func TestStartChildAndLookup(t *testing.T) {
	rec := &recorder{}
	root := NewRoot(rec)
	defer root.TerminateAll(context.Background())

	sup := root.Tenant("acme")
	id := types.Identity{Tenant: "acme", Service: "echo"}

	w, err := sup.StartChild(id, compileOrFail(t, id, okSource), testPolicy(3))
	require.NoError(t, err)
	require.True(t, w.Alive())

	got, ok := sup.Worker(id)
	require.True(t, ok)
	assert.Same(t, w, got)
	assert.Equal(t, 1, sup.ChildCount())
}

func TestStartChildDuplicate(t *testing.T) {
	root := NewRoot(nil)
	defer root.TerminateAll(context.Background())

	sup := root.Tenant("acme")
	id := types.Identity{Tenant: "acme", Service: "echo"}
	prog := compileOrFail(t, id, okSource)

	_, err := sup.StartChild(id, prog, testPolicy(3))
	require.NoError(t, err)

	_, err = sup.StartChild(id, prog, testPolicy(3))
	require.ErrorIs(t, err, types.ErrAlreadyRegistered)
	assert.Equal(t, 1, sup.ChildCount())
}

func TestRestartAfterCrash(t *testing.T) {
	rec := &recorder{}
	root := NewRoot(rec)
	defer root.TerminateAll(context.Background())

	sup := root.Tenant("acme")
	id := types.Identity{Tenant: "acme", Service: "flaky"}

	w, err := sup.StartChild(id, compileOrFail(t, id, crashSource), testPolicy(3))
	require.NoError(t, err)

	crashWorker(t, w)

	require.Eventually(t, func() bool {
		return rec.restartCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	fresh, ok := sup.Worker(id)
	require.True(t, ok)
	assert.NotSame(t, w, fresh)
	assert.True(t, fresh.Alive())
	assert.Equal(t, 0, rec.downCount())
}

func TestRestartBudgetExhausted(t *testing.T) {
	rec := &recorder{}
	root := NewRoot(rec)
	defer root.TerminateAll(context.Background())

	sup := root.Tenant("acme")
	id := types.Identity{Tenant: "acme", Service: "flaky"}

	w, err := sup.StartChild(id, compileOrFail(t, id, crashSource), testPolicy(1))
	require.NoError(t, err)

	crashWorker(t, w)
	require.Eventually(t, func() bool {
		return rec.restartCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	fresh, ok := sup.Worker(id)
	require.True(t, ok)
	crashWorker(t, fresh)

	require.Eventually(t, func() bool {
		return rec.downCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	assert.Equal(t, id, rec.down[0])
	assert.Error(t, rec.downErrs[0])
	rec.mu.Unlock()

	_, ok = sup.Worker(id)
	assert.False(t, ok)
	assert.Equal(t, 0, sup.ChildCount())
}

func TestRepeatedStartFailureBurnsBudget(t *testing.T) {
	rec := &recorder{}
	root := NewRoot(rec)
	defer root.TerminateAll(context.Background())

	sup := root.Tenant("acme")
	id := types.Identity{Tenant: "acme", Service: "mixed"}

	// Starts fine, crashes on first message; every restart then fails
	// at boot, so the supervisor retries until the budget is gone.
	w, err := sup.StartChild(id, compileOrFail(t, id, crashSource), testPolicy(2))
	require.NoError(t, err)

	sup.mu.Lock()
	c := sup.children[id]
	c.program = compileOrFail(t, id, badBootSource)
	sup.mu.Unlock()

	crashWorker(t, w)

	require.Eventually(t, func() bool {
		return rec.downCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, rec.restartCount())
	assert.Equal(t, 0, sup.ChildCount())
}

func TestCleanExitReportsDownWithoutRestart(t *testing.T) {
	rec := &recorder{}
	root := NewRoot(rec)
	defer root.TerminateAll(context.Background())

	sup := root.Tenant("acme")
	id := types.Identity{Tenant: "acme", Service: "echo"}

	w, err := sup.StartChild(id, compileOrFail(t, id, okSource), testPolicy(3))
	require.NoError(t, err)

	// Killed out-of-band: a clean exit is not a crash.
	w.Kill()

	require.Eventually(t, func() bool {
		return rec.downCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	assert.NoError(t, rec.downErrs[0])
	rec.mu.Unlock()
	assert.Equal(t, 0, rec.restartCount())
	assert.Equal(t, 0, sup.ChildCount())
}

func TestStopChildNoRestart(t *testing.T) {
	rec := &recorder{}
	root := NewRoot(rec)
	defer root.TerminateAll(context.Background())

	sup := root.Tenant("acme")
	id := types.Identity{Tenant: "acme", Service: "echo"}

	w, err := sup.StartChild(id, compileOrFail(t, id, okSource), testPolicy(3))
	require.NoError(t, err)

	found, err := sup.StopChild(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, w.Alive())
	assert.Equal(t, 0, sup.ChildCount())

	assert.Never(t, func() bool {
		return rec.restartCount() > 0 || rec.downCount() > 0
	}, 300*time.Millisecond, 20*time.Millisecond)

	found, err = sup.StopChild(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTenantEscalation(t *testing.T) {
	rec := &recorder{}
	root := NewRoot(rec, WithTenantIntensity(1, time.Minute))
	defer root.TerminateAll(context.Background())

	sup := root.Tenant("acme")
	flaky := types.Identity{Tenant: "acme", Service: "flaky"}
	steady := types.Identity{Tenant: "acme", Service: "steady"}

	w, err := sup.StartChild(flaky, compileOrFail(t, flaky, crashSource), testPolicy(5))
	require.NoError(t, err)
	steadyW, err := sup.StartChild(steady, compileOrFail(t, steady, okSource), testPolicy(5))
	require.NoError(t, err)

	crashWorker(t, w)
	require.Eventually(t, func() bool {
		return rec.restartCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	fresh, ok := sup.Worker(flaky)
	require.True(t, ok)
	crashWorker(t, fresh)

	require.Eventually(t, func() bool {
		return rec.escalateCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	assert.Equal(t, flaky, rec.cause)
	assert.Equal(t, []types.Identity{steady}, rec.victims)
	rec.mu.Unlock()

	assert.Equal(t, 0, sup.ChildCount())
	require.Eventually(t, func() bool {
		return !steadyW.Alive()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCommitProgram(t *testing.T) {
	root := NewRoot(nil)
	defer root.TerminateAll(context.Background())

	sup := root.Tenant("acme")
	id := types.Identity{Tenant: "acme", Service: "echo"}
	v1 := compileOrFail(t, id, okSource)

	_, err := sup.StartChild(id, v1, testPolicy(3))
	require.NoError(t, err)

	got, ok := sup.CommittedProgram(id)
	require.True(t, ok)
	assert.Same(t, v1, got)

	v2 := compileOrFail(t, id, okSource)
	require.True(t, sup.CommitProgram(id, v2))

	got, ok = sup.CommittedProgram(id)
	require.True(t, ok)
	assert.Same(t, v2, got)

	missing := types.Identity{Tenant: "acme", Service: "ghost"}
	assert.False(t, sup.CommitProgram(missing, v2))
}

func TestTerminateAll(t *testing.T) {
	root := NewRoot(nil)
	sup := root.Tenant("acme")

	a := types.Identity{Tenant: "acme", Service: "a"}
	b := types.Identity{Tenant: "acme", Service: "b"}
	wa, err := sup.StartChild(a, compileOrFail(t, a, okSource), testPolicy(3))
	require.NoError(t, err)
	wb, err := sup.StartChild(b, compileOrFail(t, b, okSource), testPolicy(3))
	require.NoError(t, err)

	root.TerminateAll(context.Background())

	assert.False(t, wa.Alive())
	assert.False(t, wb.Alive())
	assert.Equal(t, 0, sup.ChildCount())

	_, err = sup.StartChild(a, compileOrFail(t, a, okSource), testPolicy(3))
	require.ErrorIs(t, err, ErrSupervisorStopped)
}

func TestRootTenantIsolation(t *testing.T) {
	root := NewRoot(nil)
	defer root.TerminateAll(context.Background())

	a := root.Tenant("a")
	b := root.Tenant("b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, root.Tenant("a"))

	_, ok := root.Get("c")
	assert.False(t, ok)
	root.Tenant("c")
	_, ok = root.Get("c")
	assert.True(t, ok)
}
