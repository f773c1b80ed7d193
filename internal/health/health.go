// Package health tracks per-component state from consecutive failures.
package health

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/logging"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/observability"
)

// Component names.
const (
	Discovery = "discovery"
	Refresh   = "refresh"
	Storage   = "storage"
	Fetch     = "fetch"
	Cleanup   = "cleanup"
)

// State is a component's health.
type State int

const (
	Healthy State = iota
	Degraded
	Failed
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Thresholds are consecutive failure counts at which a component degrades or fails.
type Thresholds struct {
	DegradedAfter int
	FailedAfter   int
}

// DefaultThresholds is used for zero fields.
var DefaultThresholds = Thresholds{DegradedAfter: 5, FailedAfter: 10}

// Status is a point-in-time view of one component.
type Status struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalFailures       int64     `json:"total_failures"`
	TotalSuccesses      int64     `json:"total_successes"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
}

// Tracker holds the state of every registered component. Safe for concurrent use.
type Tracker struct {
	thresholds Thresholds
	logger     zerolog.Logger
	metrics    *observability.Metrics
	now        func() time.Time

	mu         sync.Mutex
	components map[string]*Status
}

// NewTracker creates a Tracker with the given components registered as healthy.
func NewTracker(th Thresholds, logger zerolog.Logger, metrics *observability.Metrics, components ...string) *Tracker {
	if th.DegradedAfter <= 0 {
		th.DegradedAfter = DefaultThresholds.DegradedAfter
	}
	if th.FailedAfter < th.DegradedAfter {
		th.FailedAfter = max(DefaultThresholds.FailedAfter, th.DegradedAfter)
	}
	t := &Tracker{
		thresholds: th,
		logger:     logging.Component(logger, "health"),
		metrics:    metrics,
		now:        time.Now,
		components: make(map[string]*Status),
	}
	for _, name := range components {
		t.get(name)
	}
	return t
}

func (t *Tracker) get(name string) *Status {
	st, ok := t.components[name]
	if !ok {
		st = &Status{Name: name}
		t.components[name] = st
		t.metrics.SetComponentHealth(name, int(Healthy), 0)
	}
	return st
}

// Success records a successful operation and returns the component to Healthy.
func (t *Tracker) Success(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.get(name)
	prev := st.State
	st.State = Healthy
	st.ConsecutiveFailures = 0
	st.TotalSuccesses++
	st.LastSuccess = t.now()
	t.metrics.SetComponentHealth(name, int(Healthy), 0)

	if prev != Healthy {
		t.logger.Info().Str("target", name).Str("from", prev.String()).Msg("component recovered")
	}
}

// Failure records a failed operation and returns the resulting state.
func (t *Tracker) Failure(name string, err error) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.get(name)
	prev := st.State
	st.ConsecutiveFailures++
	st.TotalFailures++
	st.LastFailure = t.now()
	if err != nil {
		st.LastError = err.Error()
	}

	switch {
	case st.ConsecutiveFailures >= t.thresholds.FailedAfter:
		st.State = Failed
	case st.ConsecutiveFailures >= t.thresholds.DegradedAfter:
		st.State = Degraded
	}
	t.metrics.SetComponentHealth(name, int(st.State), st.ConsecutiveFailures)
	t.metrics.RecordComponentError(name)

	if st.State != prev {
		t.logger.Warn().Err(err).
			Str("target", name).
			Str("from", prev.String()).
			Str("to", st.State.String()).
			Int("consecutive", st.ConsecutiveFailures).
			Msg("component health changed")
	}
	return st.State
}

// Status returns the status of one component.
func (t *Tracker) Status(name string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.get(name)
}

// Snapshot returns every component's status sorted by name.
func (t *Tracker) Snapshot() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Status, 0, len(t.components))
	for _, st := range t.components {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst state across components.
func (t *Tracker) Overall() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	worst := Healthy
	for _, st := range t.components {
		if st.State > worst {
			worst = st.State
		}
	}
	return worst
}
