package metrics

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/opendag/opendag/pkg/entry"
	"github.com/opendag/opendag/pkg/id"
)

// Collector periodically samples gauges (entry counts, tip counts) for a
// tracked set of database roots. Counters and histograms are updated
// inline by their owning packages; this loop exists only for the values
// that need a point-in-time snapshot.
type Collector struct {
	mu     sync.RWMutex
	roots  map[id.ID]rootSource
	ticker *time.Ticker
	stopCh chan struct{}
}

// rootSource is the narrow surface the collector needs from a database to
// sample its gauges, declared here rather than imported from pkg/instance:
// pkg/instance imports this package, so the reverse import would be a cycle.
type rootSource interface {
	GetTips(ctx context.Context, root id.ID) (mapset.Set[id.ID], error)
	GetTree(ctx context.Context, root id.ID) ([]*entry.Entry, error)
}

// NewCollector creates a collector sampling every interval.
func NewCollector(interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		roots:  make(map[id.ID]rootSource),
		ticker: time.NewTicker(interval),
		stopCh: make(chan struct{}),
	}
}

// Track registers root for periodic sampling via source.
func (c *Collector) Track(root id.ID, source rootSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roots[root] = source
}

// Untrack stops sampling root.
func (c *Collector) Untrack(root id.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.roots, root)
	EntriesTotal.DeleteLabelValues(string(root))
	TipsTotal.DeleteLabelValues(string(root))
}

// Start begins the sampling loop in its own goroutine.
func (c *Collector) Start() {
	go func() {
		c.collect()
		for {
			select {
			case <-c.ticker.C:
				c.collect()
			case <-c.stopCh:
				c.ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctx := context.Background()
	for root, source := range c.roots {
		if tips, err := source.GetTips(ctx, root); err == nil {
			TipsTotal.WithLabelValues(string(root)).Set(float64(tips.Cardinality()))
		}
		if entries, err := source.GetTree(ctx, root); err == nil {
			EntriesTotal.WithLabelValues(string(root)).Set(float64(len(entries)))
		}
	}
}
