package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func TestGuardReportsCrossingOnce(t *testing.T) {
	sink := &fakeSink{}
	// Any test process runs more than one goroutine.
	g := NewGuard(1, 1<<40, sink)

	g.Sample(context.Background())
	g.Sample(context.Background())

	events := sink.byType(types.EventAtomUsageHigh)
	require.Len(t, events, 1)
	assert.Equal(t, "system", events[0].Subject.Tenant)
	assert.NotZero(t, events[0].Payload["goroutines"])
}

func TestGuardQuietBelowThresholds(t *testing.T) {
	sink := &fakeSink{}
	g := NewGuard(1<<20, 1<<40, sink)

	g.Sample(context.Background())
	assert.Empty(t, sink.events)
}

func TestGuardDefaults(t *testing.T) {
	g := NewGuard(0, 0, nil)
	assert.Equal(t, defaultGoroutineHighWater, g.goroutineHigh)
	assert.Equal(t, int64(defaultHeapHighWater), g.heapHigh)
}
