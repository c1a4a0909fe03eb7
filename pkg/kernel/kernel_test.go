package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/types"
)

const pingSource = `
function handle_message(state, msg)
  return state, {pong = msg.seq}
end
`

const counterV1 = `
function init()
  return {n = 0}
end

function handle_message(state, msg)
  state.n = state.n + 1
  return state, {n = state.n}
end
`

const counterV2 = `
function init()
  return {n = 0}
end

function handle_message(state, msg)
  state.n = state.n + 10
  return state, {n = state.n}
end
`

const crashingSource = `
function handle_message(state, msg)
  error("boom")
end
`

const busySource = `
function handle_message(state, msg)
  while true do end
end
`

// testConfig returns a config tuned for fast test turnaround: private
// data dir, short drain pauses and an aggressive worker stop deadline
// so busy VMs are interrupted quickly.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Shutdown.Drain = types.Duration(10 * time.Millisecond)
	cfg.Shutdown.Settle = types.Duration(10 * time.Millisecond)
	cfg.Restart.ShutdownTimeout = types.Duration(200 * time.Millisecond)
	return cfg
}

func bootKernel(t *testing.T, cfg *config.Config) *Kernel {
	t.Helper()
	k, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = k.Shutdown(ctx)
	})
	return k
}

func stop(t *testing.T, k *Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, k.Shutdown(ctx))
}

func deployLua(t *testing.T, k *Kernel, tenant, service, source string) types.Identity {
	t.Helper()
	id, err := k.Deployer().Deploy(context.Background(), &types.ServiceSpec{
		Tenant:  tenant,
		Service: service,
		Source:  source,
		Format:  types.FormatLua,
	})
	require.NoError(t, err)
	return id
}

// call waits for a live worker first so restarts and recovery do not
// race the request, then sends one message.
func call(t *testing.T, k *Kernel, id types.Identity, payload map[string]any) map[string]any {
	t.Helper()
	require.Eventually(t, func() bool {
		w, err := k.Deployer().Worker(id)
		return err == nil && w.Alive()
	}, 2*time.Second, 10*time.Millisecond)

	reply, err := k.Deployer().Call(context.Background(), id, payload, time.Second)
	require.NoError(t, err)
	m, ok := reply.(map[string]any)
	require.True(t, ok, "reply type %T", reply)
	return m
}

func eventsOf(t *testing.T, k *Kernel, evType types.EventType) []*types.Event {
	t.Helper()
	require.NoError(t, k.Events().Flush(context.Background()))
	evs, err := k.Events().Filter(&types.EventQuery{Types: []types.EventType{evType}})
	require.NoError(t, err)
	return evs
}

func TestKernelBootDeployRecover(t *testing.T) {
	cfg := testConfig(t)

	k1 := bootKernel(t, cfg)
	assert.Equal(t, 0, k1.BootReport().Recovered)

	id := deployLua(t, k1, "acme", "ping", pingSource)
	reply := call(t, k1, id, map[string]any{"seq": float64(7)})
	assert.Equal(t, float64(7), reply["pong"])
	stop(t, k1)

	// Same data dir: the deployment comes back from the log.
	k2 := bootKernel(t, cfg)
	require.Equal(t, 1, k2.BootReport().Recovered)
	assert.Equal(t, 0, k2.BootReport().Failed)
	assert.Contains(t, k2.BootReport().Identities, id)

	reply = call(t, k2, id, map[string]any{"seq": float64(8)})
	assert.Equal(t, float64(8), reply["pong"])

	recovered := eventsOf(t, k2, types.EventServiceRecovered)
	require.Len(t, recovered, 1)
	assert.Equal(t, "ping", recovered[0].Subject.Service)
}

func TestKernelKilledServiceStaysDead(t *testing.T) {
	cfg := testConfig(t)

	k1 := bootKernel(t, cfg)
	id := deployLua(t, k1, "acme", "ephemeral", pingSource)
	call(t, k1, id, map[string]any{"seq": float64(1)})
	require.NoError(t, k1.Deployer().Kill(context.Background(), id))
	stop(t, k1)

	k2 := bootKernel(t, cfg)
	assert.Equal(t, 0, k2.BootReport().Recovered)
	assert.Equal(t, 1, k2.BootReport().Skipped)
	_, err := k2.Deployer().Status(id)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestKernelShutdownEventSequence(t *testing.T) {
	cfg := testConfig(t)

	k1 := bootKernel(t, cfg)
	deployLua(t, k1, "acme", "quiet", pingSource)
	stop(t, k1)

	k2 := bootKernel(t, cfg)

	started := eventsOf(t, k2, types.EventSystemShutdownStarted)
	complete := eventsOf(t, k2, types.EventSystemShutdownComplete)
	require.Len(t, started, 1)
	require.Len(t, complete, 1)
	assert.Less(t, started[0].ID, complete[0].ID)
	assert.Equal(t, "system", started[0].Subject.Tenant)

	// Shutdown terminates workers without killing the deployments.
	assert.Empty(t, eventsOf(t, k2, types.EventServiceKilled))
}

func TestKernelCapabilitiesSurviveReboot(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	k1 := bootKernel(t, cfg)
	keep, _, err := k1.Capabilities().Grant(ctx, "acme", "service:billing", []string{"call"}, time.Hour, nil)
	require.NoError(t, err)
	doomed, doomedGrant, err := k1.Capabilities().Grant(ctx, "acme", "service:billing", []string{"call"}, time.Hour, nil)
	require.NoError(t, err)

	require.NoError(t, k1.Capabilities().Verify(ctx, "acme", keep, "service:billing", "call"))
	require.NoError(t, k1.Capabilities().Revoke(ctx, doomedGrant.TokenHash))

	var denied *types.DeniedError
	err = k1.Capabilities().Verify(ctx, "acme", doomed, "service:billing", "call")
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, types.DenyRevoked, denied.Reason)
	stop(t, k1)

	k2 := bootKernel(t, cfg)
	require.NoError(t, k2.Capabilities().Verify(ctx, "acme", keep, "service:billing", "call"))

	// The revoked token was dropped from storage, so after a reboot it
	// is simply unknown.
	err = k2.Capabilities().Verify(ctx, "acme", doomed, "service:billing", "call")
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, types.DenyNotFound, denied.Reason)
}

func TestKernelVaultAcrossReboot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Secrets.Passphrase = "kernel-test-passphrase"
	ctx := context.Background()

	k1 := bootKernel(t, cfg)
	require.NotNil(t, k1.Vault())
	_, err := k1.Vault().Put(ctx, "acme", "acme", "db_password", []byte("hunter2"))
	require.NoError(t, err)
	stop(t, k1)

	k2 := bootKernel(t, cfg)
	got, err := k2.Vault().Get(ctx, "acme", "acme", "db_password")
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), got)
}

func TestKernelVaultDisabledWithoutKeyMaterial(t *testing.T) {
	k := bootKernel(t, testConfig(t))
	assert.Nil(t, k.Vault())
}

func TestKernelHotSwap(t *testing.T) {
	k := bootKernel(t, testConfig(t))
	ctx := context.Background()

	id := deployLua(t, k, "acme", "counter", counterV1)
	call(t, k, id, map[string]any{})
	reply := call(t, k, id, map[string]any{})
	assert.Equal(t, float64(2), reply["n"])

	receipt, err := k.Swapper().Swap(ctx, "acme", "counter", counterV2, 0)
	require.NoError(t, err)
	assert.True(t, receipt.Committed)
	assert.NotEqual(t, receipt.FromVersion, receipt.ToVersion)

	// State carried across the swap; only the handler changed.
	reply = call(t, k, id, map[string]any{})
	assert.Equal(t, float64(12), reply["n"])
}

func TestKernelCallSheddingAtTenantLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tenants = map[string]config.Tenant{"slow": {InFlight: 1}}

	k := bootKernel(t, cfg)
	id := deployLua(t, k, "slow", "tarpit", busySource)

	require.Eventually(t, func() bool {
		w, err := k.Deployer().Worker(id)
		return err == nil && w.Alive()
	}, 2*time.Second, 10*time.Millisecond)

	// Occupy the tenant's only slot with a call stuck in the VM.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = k.Deployer().Call(ctx, id, map[string]any{}, 2*time.Second)
	}()

	require.Eventually(t, func() bool {
		_, err := k.Deployer().Call(context.Background(), id, map[string]any{}, 100*time.Millisecond)
		return errors.Is(err, types.ErrResourceExhausted)
	}, time.Second, 20*time.Millisecond)

	// Other tenants are not affected by slow's saturation.
	other := deployLua(t, k, "fast", "echo", pingSource)
	reply := call(t, k, other, map[string]any{"seq": float64(1)})
	assert.Equal(t, float64(1), reply["pong"])

	// Killing the service interrupts the spinning VM and frees the slot.
	require.NoError(t, k.Deployer().Kill(context.Background(), id))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stuck call never returned after kill")
	}
}

func TestKernelCrashEscalationClearsTenant(t *testing.T) {
	cfg := testConfig(t)
	cfg.Restart.TenantMax = 1
	cfg.Restart.TenantWindow = types.Duration(time.Minute)

	k := bootKernel(t, cfg)

	flaky := deployLua(t, k, "acme", "flaky", crashingSource)
	steady := deployLua(t, k, "acme", "steady", pingSource)
	bystander := deployLua(t, k, "umbrella", "calm", pingSource)

	crashAlive(t, k, flaky)
	crashAlive(t, k, flaky)

	require.Eventually(t, func() bool {
		_, errA := k.Deployer().Status(flaky)
		_, errB := k.Deployer().Status(steady)
		return errors.Is(errA, types.ErrNotFound) && errors.Is(errB, types.ErrNotFound)
	}, 5*time.Second, 20*time.Millisecond)

	st, err := k.Deployer().Status(bystander)
	require.NoError(t, err)
	assert.True(t, st.Alive)

	crashed := eventsOf(t, k, types.EventServiceCrashed)
	require.NotEmpty(t, crashed)
	last := crashed[len(crashed)-1]
	assert.Equal(t, "flaky", last.Subject.Service)
	assert.Equal(t, true, last.Payload["escalated"])
}

// crashAlive waits for a live worker under the identity and crashes it
// with one message, so each call counts as exactly one fresh crash.
func crashAlive(t *testing.T, k *Kernel, id types.Identity) {
	t.Helper()
	var w *runtime.Worker
	require.Eventually(t, func() bool {
		cur, err := k.Deployer().Worker(id)
		if err != nil || !cur.Alive() {
			return false
		}
		w = cur
		return true
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := w.Call(ctx, map[string]any{})
	require.Error(t, err)
}
