package metrics

import (
	"context"
	"time"

	"github.com/datainfrapilot/datainfrapilot/pkg/store"
)

// Collector periodically samples the store and republishes gauge metrics,
// the same "tick and snapshot" shape the rest of this codebase uses for
// background loops.
type Collector struct {
	store  store.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over store.
func NewCollector(s store.Store) *Collector {
	return &Collector{
		store:  s,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.collectClusterMetrics(ctx)
	c.collectDeploymentMetrics(ctx)
	c.collectVolumeMetrics(ctx)
}

func (c *Collector) collectClusterMetrics(ctx context.Context) {
	clusters, err := c.store.ListClusters(ctx)
	if err != nil {
		UpdateComponent("store", false, err.Error())
		return
	}
	UpdateComponent("store", true, "")

	counts := make(map[string]int)
	for _, cl := range clusters {
		counts[string(cl.Status)]++
	}
	for status, n := range counts {
		ClustersTotal.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) collectDeploymentMetrics(ctx context.Context) {
	clusters, err := c.store.ListClusters(ctx)
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, cl := range clusters {
		for _, d := range cl.Deployments {
			counts[string(d.Status)]++
		}
	}
	for status, n := range counts {
		DeploymentsTotal.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) collectVolumeMetrics(ctx context.Context) {
	volumes, err := c.store.ListVolumes(ctx)
	if err != nil {
		return
	}

	var inUse, free int
	for _, v := range volumes {
		if v.InUse {
			inUse++
		} else {
			free++
		}
	}
	VolumesTotal.WithLabelValues("true").Set(float64(inUse))
	VolumesTotal.WithLabelValues("false").Set(float64(free))
}
