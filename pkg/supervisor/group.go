package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
)

const (
	defaultGroupMaxRestarts = 5
	defaultGroupWindow      = 30 * time.Second
)

// RunFunc is a long-running system loop. It returns nil on a clean
// finish (no restart) and an error on failure. Implementations must
// honour ctx cancellation.
type RunFunc func(ctx context.Context) error

type groupChild struct {
	name   string
	run    RunFunc
	cancel context.CancelFunc
	done   chan struct{}
}

type failure struct {
	idx int
	err error
}

// Group supervises the kernel's own loops (monitor, sweeper, guard)
// with rest_for_one strategy: when a child fails, it and every child
// started after it are restarted, in order. Children earlier in the
// list must not depend on later ones.
//
// Exceeding the group restart budget is fatal: the group stops every
// child, records the error, and closes Done. The kernel treats that as
// an unrecoverable condition.
type Group struct {
	name   string
	logger zerolog.Logger

	mu       sync.Mutex
	children []*groupChild

	intensity *intensityWindow
	failCh    chan failure
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once

	baseCtx context.Context
	fatal   error
}

// GroupOption customises a Group.
type GroupOption func(*Group)

// WithGroupIntensity sets the group restart budget.
func WithGroupIntensity(max int, window time.Duration) GroupOption {
	return func(g *Group) {
		g.intensity = newIntensityWindow(max, window)
	}
}

// NewGroup creates an empty system-child group.
func NewGroup(name string, opts ...GroupOption) *Group {
	g := &Group{
		name:      name,
		logger:    log.WithComponent("supervisor").With().Str("group", name).Logger(),
		intensity: newIntensityWindow(defaultGroupMaxRestarts, defaultGroupWindow),
		failCh:    make(chan failure, 16),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Add appends a child. Must be called before Start.
func (g *Group) Add(name string, run RunFunc) {
	g.children = append(g.children, &groupChild{name: name, run: run})
}

// Start launches every child in order and begins supervising.
func (g *Group) Start(ctx context.Context) {
	g.baseCtx = ctx
	for i := range g.children {
		g.launch(i)
	}
	go g.supervise()
}

// Stop terminates all children in reverse start order and waits for
// them. Idempotent.
func (g *Group) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	<-g.doneCh
}

// Done closes when the group has stopped, deliberately or fatally.
func (g *Group) Done() <-chan struct{} {
	return g.doneCh
}

// Err returns the fatal error when the group gave up, nil otherwise.
func (g *Group) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fatal
}

func (g *Group) supervise() {
	defer close(g.doneCh)

	for {
		select {
		case f := <-g.failCh:
			g.logger.Warn().
				Str("child", g.children[f.idx].name).
				Err(f.err).
				Msg("System child failed")

			if !g.intensity.Add(time.Now()) {
				g.mu.Lock()
				g.fatal = fmt.Errorf("group %s: restart intensity exceeded: last failure from %s: %w",
					g.name, g.children[f.idx].name, f.err)
				g.mu.Unlock()
				g.stopAll()
				return
			}

			// rest_for_one: everything started after the failed child
			// goes down with it, then the whole suffix comes back in
			// order.
			for i := len(g.children) - 1; i > f.idx; i-- {
				g.stopChild(i)
			}
			g.stopChild(f.idx)
			for i := f.idx; i < len(g.children); i++ {
				g.launch(i)
			}
			g.logger.Info().
				Str("child", g.children[f.idx].name).
				Msg("System children restarted")

		case <-g.stopCh:
			g.stopAll()
			return
		}
	}
}

func (g *Group) stopAll() {
	for i := len(g.children) - 1; i >= 0; i-- {
		g.stopChild(i)
	}
}

func (g *Group) stopChild(i int) {
	c := g.children[i]
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}

func (g *Group) launch(i int) {
	c := g.children[i]
	ctx, cancel := context.WithCancel(g.baseCtx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		err := runRecovering(ctx, c.run)
		if err == nil || ctx.Err() != nil {
			return
		}
		select {
		case g.failCh <- failure{idx: i, err: err}:
		case <-g.stopCh:
		}
	}()
}

// runRecovering converts a child panic into an error so one bad loop
// cannot take the process down.
func runRecovering(ctx context.Context, run RunFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("panic: %w", e)
				return
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return run(ctx)
}
