package coordinator

import (
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/fetcher"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/health"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/persistence"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/scheduler"
)

// Status is the monitor state served on the health endpoint.
type Status struct {
	State      health.State         `json:"state"`
	Components []health.Status      `json:"components"`
	Addresses  int                  `json:"addresses"`
	HighWater  int64                `json:"high_water"`
	Refresh    scheduler.Stats      `json:"refresh"`
	Fetch      *fetcher.Counters    `json:"fetch,omitempty"`
	Storage    persistence.Counters `json:"storage"`
	Restarts   map[string]int64     `json:"restarts"`
}

// Status returns a point-in-time view of the monitor.
func (c *Coordinator) Status() Status {
	s := Status{
		State:      c.health.Overall(),
		Components: c.health.Snapshot(),
		Addresses:  c.addresses.Len(),
		HighWater:  c.highWater.Load(),
		Refresh:    c.refresh.Stats(),
		Storage:    c.positions.Counters(),
		Restarts:   c.Restarts(),
	}
	if fc, ok := c.fetcher.(interface{ Counters() fetcher.Counters }); ok {
		counters := fc.Counters()
		s.Fetch = &counters
	}
	return s
}
