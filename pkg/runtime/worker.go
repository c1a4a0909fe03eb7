package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	defaultInboxSize      = 4096
	defaultStartupTimeout = 5 * time.Second

	// vmOverheadBytes approximates the fixed footprint of one VM so the
	// memory estimate never reads zero for an idle worker.
	vmOverheadBytes = 64 << 10
)

// Service entry points looked up in the chunk's globals.
const (
	fnHandleMessage = "handle_message"
	fnInit          = "init"
	fnCodeChange    = "code_change"
)

// ErrWorkerExited reports delivery to a worker that is no longer running.
var ErrWorkerExited = errors.New("worker exited")

// envelope is one unit of inbox work: a cast, a call, or a swap. Swaps
// ride the same inbox as messages so every message enqueued before the
// swap runs old code and every one after runs new code.
type envelope struct {
	msg   map[string]any
	reply chan callResult // non-nil for calls
	ctx   context.Context // caller's deadline, calls only

	swap    *Program // non-nil for swap requests
	swapErr chan error
}

type callResult struct {
	value any
	err   error
}

// Config describes one worker instance.
type Config struct {
	Identity       types.Identity
	Program        *Program
	InboxSize      int
	StartupTimeout time.Duration
}

// Worker hosts one service instance in a private Lua VM. The VM is only
// ever touched by the loop goroutine; the exported API communicates
// through the inbox and atomics. A runtime error in service code crashes
// the worker, closing Done with the error retained for the supervisor.
type Worker struct {
	id       string
	identity types.Identity
	logger   zerolog.Logger

	startupTimeout time.Duration

	inbox  chan *envelope
	stopCh chan struct{}
	doneCh chan struct{}
	stop   sync.Once

	runCtx context.Context
	cancel context.CancelFunc

	alive  atomic.Bool
	units  atomic.Uint64
	memory atomic.Int64

	mu      sync.Mutex
	program *Program
	exitErr error
}

// NewWorker builds a worker around a compiled program. Call Start to
// boot the VM.
func NewWorker(cfg Config) *Worker {
	inboxSize := cfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	startupTimeout := cfg.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = defaultStartupTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:             uuid.New().String(),
		identity:       cfg.Identity,
		logger:         log.WithService(cfg.Identity.Tenant, cfg.Identity.Service),
		startupTimeout: startupTimeout,
		inbox:          make(chan *envelope, inboxSize),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		runCtx:         ctx,
		cancel:         cancel,
		program:        cfg.Program,
	}
}

// Start boots the VM: runs the chunk, validates handle_message, and runs
// init when defined. It blocks until the worker is ready to take
// messages or boot failed. Boot is bounded by the startup timeout.
func (w *Worker) Start() error {
	ready := make(chan error, 1)
	go w.loop(ready)

	if err := <-ready; err != nil {
		return err
	}
	w.logger.Debug().Str("worker_id", w.id).Msg("Worker started")
	return nil
}

// ID returns the instance id. Restarts produce a new id under the same
// identity.
func (w *Worker) ID() string {
	return w.id
}

// Identity returns the {tenant, service} pair.
func (w *Worker) Identity() types.Identity {
	return w.identity
}

// Alive reports whether the loop is accepting messages.
func (w *Worker) Alive() bool {
	return w.alive.Load()
}

// Done closes when the worker has fully stopped, crashed or not.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

// ExitErr returns the crash reason, nil after a clean stop.
func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// Program returns the program currently running in the VM.
func (w *Worker) Program() *Program {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.program
}

// Stats returns a point-in-time status sample.
func (w *Worker) Stats() types.ServiceStatus {
	return types.ServiceStatus{
		Alive:       w.alive.Load(),
		MemoryBytes: w.memory.Load(),
		InboxLen:    len(w.inbox),
		WorkUnits:   w.units.Load(),
	}
}

// Send delivers a message without waiting for a reply. A full inbox
// sheds the message with ErrResourceExhausted rather than blocking the
// caller.
func (w *Worker) Send(msg map[string]any) error {
	// Checked first: the inbox stays writable after the loop exits, so a
	// combined select could enqueue into a dead worker.
	select {
	case <-w.doneCh:
		return fmt.Errorf("service %s: %w", w.identity, ErrWorkerExited)
	default:
	}

	select {
	case w.inbox <- &envelope{msg: msg}:
		return nil
	case <-w.doneCh:
		return fmt.Errorf("service %s: %w", w.identity, ErrWorkerExited)
	default:
		return fmt.Errorf("service %s inbox full: %w", w.identity, types.ErrResourceExhausted)
	}
}

// Call delivers a message and waits for the handler's reply. The context
// bounds the wait only; the handler itself is not interrupted, so a
// timed-out call leaves the worker running.
func (w *Worker) Call(ctx context.Context, msg map[string]any) (any, error) {
	env := &envelope{msg: msg, reply: make(chan callResult, 1), ctx: ctx}
	select {
	case w.inbox <- env:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.doneCh:
		return nil, fmt.Errorf("service %s: %w", w.identity, ErrWorkerExited)
	}

	select {
	case res := <-env.reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.doneCh:
		// The handler may have replied in the same instant the loop
		// exited; prefer the reply.
		select {
		case res := <-env.reply:
			return res.value, res.err
		default:
			return nil, fmt.Errorf("service %s: %w", w.identity, ErrWorkerExited)
		}
	}
}

// Swap replaces the running code in place, preserving state, inbox, and
// identity. The new chunk runs in the same VM; when it defines
// code_change, that hook migrates the state. On any failure the old
// code is restored and the error returned.
func (w *Worker) Swap(ctx context.Context, prog *Program) error {
	env := &envelope{swap: prog, swapErr: make(chan error, 1)}
	select {
	case w.inbox <- env:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.doneCh:
		return fmt.Errorf("service %s: %w", w.identity, ErrWorkerExited)
	}

	select {
	case err := <-env.swapErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.doneCh:
		select {
		case err := <-env.swapErr:
			return err
		default:
			return fmt.Errorf("service %s: %w", w.identity, ErrWorkerExited)
		}
	}
}

// Shutdown stops the worker, letting any in-flight message finish. When
// the context expires first, the VM is interrupted.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.stop.Do(func() { close(w.stopCh) })
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.doneCh
		return ctx.Err()
	}
}

// Kill interrupts the VM and stops the worker immediately.
func (w *Worker) Kill() {
	w.stop.Do(func() { close(w.stopCh) })
	w.cancel()
	<-w.doneCh
}

// Crash records err as the exit cause and stops the worker as if it had
// crashed, so its supervisor restarts it per policy. The resource
// monitor uses this for the kill violation action.
func (w *Worker) Crash(err error) {
	if err == nil {
		err = errors.New("killed")
	}
	w.fail(err)
	w.stop.Do(func() { close(w.stopCh) })
	w.cancel()
	<-w.doneCh
}

// loop owns the VM for the worker's whole life.
func (w *Worker) loop(ready chan<- error) {
	defer close(w.doneCh)
	defer w.alive.Store(false)

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	openSafeLibs(L)

	// Boot is bounded by the startup budget; anything slower is a
	// deploy failure, not a hung kernel.
	bootCtx, bootCancel := context.WithTimeout(w.runCtx, w.startupTimeout)
	L.SetContext(bootCtx)
	state, err := w.boot(L)
	bootCancel()
	if err != nil {
		w.fail(err)
		ready <- err
		return
	}

	// From here on, only Kill or a forced Shutdown interrupts the VM.
	L.SetContext(w.runCtx)
	w.alive.Store(true)
	w.memory.Store(w.estimate(state))
	ready <- nil

	for {
		// Stop wins over queued work.
		select {
		case <-w.stopCh:
			return
		default:
		}

		select {
		case env := <-w.inbox:
			var ok bool
			if env.swap != nil {
				state, ok = w.applySwap(L, env, state)
			} else {
				state, ok = w.handle(L, env, state)
			}
			if !ok {
				return
			}
		case <-w.stopCh:
			return
		}
	}
}

// boot runs the chunk and the optional init hook, returning the initial
// service state.
func (w *Worker) boot(L *lua.LState) (lua.LValue, error) {
	prog := w.Program()
	if err := runChunk(L, prog); err != nil {
		return lua.LNil, fmt.Errorf("service %s: %w", w.identity, err)
	}
	if _, ok := L.GetGlobal(fnHandleMessage).(*lua.LFunction); !ok {
		return lua.LNil, &types.CompileError{Module: prog.Module, Message: fnHandleMessage + " is not defined"}
	}

	state := lua.LValue(lua.LNil)
	if initFn, ok := L.GetGlobal(fnInit).(*lua.LFunction); ok {
		if err := L.CallByParam(lua.P{Fn: initFn, NRet: 1, Protect: true}); err != nil {
			return lua.LNil, fmt.Errorf("service %s: %s: %w", w.identity, fnInit, err)
		}
		state = L.Get(-1)
		L.Pop(1)
	}
	return state, nil
}

// handle runs one message through handle_message. Any error from
// service code crashes the worker; the caller, if any, sees the error
// before the crash propagates.
func (w *Worker) handle(L *lua.LState, env *envelope, state lua.LValue) (lua.LValue, bool) {
	if env.ctx != nil {
		select {
		case <-env.ctx.Done():
			// Caller gave up while this call sat in the inbox.
			w.replyErr(env, env.ctx.Err())
			return state, true
		default:
		}
	}

	handler, ok := L.GetGlobal(fnHandleMessage).(*lua.LFunction)
	if !ok {
		err := fmt.Errorf("service %s: %s is not defined", w.identity, fnHandleMessage)
		w.replyErr(env, err)
		w.fail(err)
		return state, false
	}

	if err := L.CallByParam(lua.P{Fn: handler, NRet: 2, Protect: true}, state, toLua(L, env.msg)); err != nil {
		w.replyErr(env, err)
		w.fail(fmt.Errorf("service %s: %w", w.identity, err))
		return state, false
	}

	replyVal := L.Get(-1)
	newState := L.Get(-2)
	L.Pop(2)

	w.units.Add(1)
	w.memory.Store(w.estimate(newState))

	if env.reply != nil {
		env.reply <- callResult{value: fromLua(replyVal)}
	}
	return newState, true
}

// applySwap runs the replacement chunk in the live VM. Failures restore
// the old definitions and leave the worker running on old code; only a
// failed restore crashes the worker.
func (w *Worker) applySwap(L *lua.LState, env *envelope, state lua.LValue) (lua.LValue, bool) {
	old := w.Program()
	next := env.swap

	restore := func(cause error) (lua.LValue, bool) {
		clearHooks(L)
		if rerr := runChunk(L, old); rerr != nil {
			err := fmt.Errorf("service %s: swap restore failed: %w", w.identity, rerr)
			env.swapErr <- cause
			w.fail(err)
			return state, false
		}
		env.swapErr <- cause
		return state, true
	}

	// Hooks must reflect exactly the active chunk, so drop the old ones
	// before the new chunk defines its own.
	clearHooks(L)
	if err := runChunk(L, next); err != nil {
		return restore(err)
	}
	if _, ok := L.GetGlobal(fnHandleMessage).(*lua.LFunction); !ok {
		return restore(&types.CompileError{Module: next.Module, Message: fnHandleMessage + " is not defined"})
	}

	if ccFn, ok := L.GetGlobal(fnCodeChange).(*lua.LFunction); ok {
		if err := L.CallByParam(lua.P{Fn: ccFn, NRet: 1, Protect: true}, state); err != nil {
			return restore(fmt.Errorf("%s: %w", fnCodeChange, err))
		}
		state = L.Get(-1)
		L.Pop(1)
	}

	w.setProgram(next)
	w.memory.Store(w.estimate(state))
	w.logger.Debug().Str("module", next.Module).Msg("Code swapped in place")
	env.swapErr <- nil
	return state, true
}

func (w *Worker) replyErr(env *envelope, err error) {
	if env.reply != nil {
		env.reply <- callResult{err: err}
	}
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	if w.exitErr == nil {
		w.exitErr = err
	}
	w.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		w.logger.Debug().Str("worker_id", w.id).Msg("Worker interrupted")
		return
	}
	w.logger.Error().Err(err).Str("worker_id", w.id).Msg("Worker crashed")
}

func (w *Worker) setProgram(p *Program) {
	w.mu.Lock()
	w.program = p
	w.mu.Unlock()
}

func (w *Worker) estimate(state lua.LValue) int64 {
	return vmOverheadBytes + int64(len(w.Program().Source)) + estimateSize(state, 0)
}

func runChunk(L *lua.LState, prog *Program) error {
	L.Push(L.NewFunctionFromProto(prog.Proto))
	return L.PCall(0, 0, nil)
}

func clearHooks(L *lua.LState) {
	L.SetGlobal(fnHandleMessage, lua.LNil)
	L.SetGlobal(fnInit, lua.LNil)
	L.SetGlobal(fnCodeChange, lua.LNil)
}

// openSafeLibs loads the side-effect-free standard libraries. No io, no
// os, no debug: services compute over messages and state, nothing else.
func openSafeLibs(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage}, // must load first
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			panic(err)
		}
	}
}
