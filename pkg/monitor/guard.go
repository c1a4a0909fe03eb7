package monitor

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	defaultGoroutineHighWater = 10000
	defaultHeapHighWater      = 1 << 30 // 1 GiB
	defaultGuardInterval      = 10 * time.Second
)

// Guard watches the kernel's own runtime: total goroutines and heap in
// use. Crossing a high-water mark emits a single atom_usage_high event
// until the pressure drops below the mark again, so a long overload does
// not flood the log.
type Guard struct {
	goroutineHigh int
	heapHigh      int64
	sink          EventSink
	logger        zerolog.Logger
	interval      time.Duration

	above bool
}

// GuardOption customises the Guard.
type GuardOption func(*Guard)

// WithGuardInterval sets the sampling interval.
func WithGuardInterval(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.interval = d
		}
	}
}

// NewGuard creates the runtime guard. Zero thresholds select the
// defaults (10000 goroutines, 1 GiB heap).
func NewGuard(goroutineHigh int, heapHigh int64, sink EventSink, opts ...GuardOption) *Guard {
	if goroutineHigh <= 0 {
		goroutineHigh = defaultGoroutineHighWater
	}
	if heapHigh <= 0 {
		heapHigh = defaultHeapHighWater
	}
	g := &Guard{
		goroutineHigh: goroutineHigh,
		heapHigh:      heapHigh,
		sink:          sink,
		logger:        log.WithComponent("guard"),
		interval:      defaultGuardInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run samples the Go runtime until ctx ends. Shaped as a supervisor
// group child.
func (g *Guard) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.Sample(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Sample takes one reading and reports a crossing if there is one.
func (g *Guard) Sample(ctx context.Context) {
	goroutines := runtime.NumGoroutine()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heap := int64(ms.HeapInuse)

	high := goroutines > g.goroutineHigh || heap > g.heapHigh
	if !high {
		g.above = false
		return
	}
	if g.above {
		return // already reported this excursion
	}
	g.above = true

	g.logger.Warn().
		Int("goroutines", goroutines).
		Int64("heap_bytes", heap).
		Int("goroutine_high_water", g.goroutineHigh).
		Int64("heap_high_water", g.heapHigh).
		Msg("Runtime usage above high-water mark")

	if g.sink == nil {
		return
	}
	_, err := g.sink.Append(ctx, &types.Event{
		Type:    types.EventAtomUsageHigh,
		Subject: types.SystemSubject(),
		Payload: map[string]any{
			"goroutines":           goroutines,
			"heap_bytes":           heap,
			"goroutine_high_water": g.goroutineHigh,
			"heap_high_water":      g.heapHigh,
		},
	})
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to record runtime pressure event")
	}
}
