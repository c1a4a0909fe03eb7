package metrics

import (
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// ServiceSource reports live worker counts per tenant
type ServiceSource interface {
	CountByTenant() map[string]int
}

// AdmissionSource reports per-tenant admission state
type AdmissionSource interface {
	Stats() []types.AdmissionStats
}

// LogSource reports the durable event log watermark
type LogSource interface {
	LastID() uint64
}

// Collector samples gauge metrics from the kernel components
type Collector struct {
	services  ServiceSource
	admission AdmissionSource
	log       LogSource
	interval  time.Duration
	stopCh    chan struct{}
}

// NewCollector creates a metrics collector over the given sources.
// Any source may be nil; its metrics are skipped.
func NewCollector(services ServiceSource, admission AdmissionSource, log LogSource) *Collector {
	return &Collector{
		services:  services,
		admission: admission,
		log:       log,
		interval:  15 * time.Second,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectServiceMetrics()
	c.collectAdmissionMetrics()
	c.collectLogMetrics()
}

func (c *Collector) collectServiceMetrics() {
	if c.services == nil {
		return
	}

	// Reset so tenants whose last worker died drop off the gauge.
	ServicesRunning.Reset()
	for tenant, count := range c.services.CountByTenant() {
		ServicesRunning.WithLabelValues(tenant).Set(float64(count))
	}
}

func (c *Collector) collectAdmissionMetrics() {
	if c.admission == nil {
		return
	}

	AdmissionInFlight.Reset()
	for _, st := range c.admission.Stats() {
		AdmissionInFlight.WithLabelValues(st.Tenant).Set(float64(st.InFlight))
	}
}

func (c *Collector) collectLogMetrics() {
	if c.log == nil {
		return
	}

	EventLogLastID.Set(float64(c.log.LastID()))
}
