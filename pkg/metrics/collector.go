package metrics

import (
	"time"
)

// Sampler is anything that can report point-in-time registry sizes for the
// collector to turn into gauges. pkg/governance implements it.
type Sampler interface {
	InstalledModules() int
	StoredCodes() int
}

// Collector periodically samples registry state into gauges. Counters and
// histograms update inline at their call sites; only the "how many exist
// right now" numbers need polling.
type Collector struct {
	sampler  Sampler
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector polling sampler every interval
// (defaulting to 15s when interval is zero).
func NewCollector(sampler Sampler, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		sampler:  sampler,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	InstalledModules.Set(float64(c.sampler.InstalledModules()))
	StoredCodes.Set(float64(c.sampler.StoredCodes()))
}
