package metrics

import (
	"time"

	"github.com/omnipkg/omnipkgd/pkg/types"
)

// BubbleLister is the subset of the Bubble Store's interface the
// collector needs to report bubble counts; satisfied by *bubble.Store
// without this package importing it directly.
type BubbleLister interface {
	List() ([]*types.BubbleRecord, error)
}

// WorkerCounter is the subset of the Worker Supervisor's interface the
// collector needs to report live worker counts by variant.
type WorkerCounter interface {
	ActiveCounts() map[string]int
}

// Collector periodically samples the Bubble Store and Worker Supervisor
// and updates the corresponding gauges, mirroring how warren's own
// Collector polls its manager on a ticker rather than updating gauges
// inline on every mutation.
type Collector struct {
	bubbles BubbleLister
	workers WorkerCounter
	stopCh  chan struct{}
}

// NewCollector builds a Collector. workers may be nil if the daemon has
// not yet started a Supervisor.
func NewCollector(bubbles BubbleLister, workers WorkerCounter) *Collector {
	return &Collector{bubbles: bubbles, workers: workers, stopCh: make(chan struct{})}
}

// Start begins the ticking collection loop.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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

// Stop halts the collection loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.bubbles != nil {
		if records, err := c.bubbles.List(); err == nil {
			BubblesTotal.Set(float64(len(records)))
		}
	}
	if c.workers != nil {
		for variant, count := range c.workers.ActiveCounts() {
			WorkersActive.WithLabelValues(variant).Set(float64(count))
		}
	}
}
