package repeater

import (
	"sync"

	"go.uber.org/zap"

	"github.com/venustools/tankbridge/internal/metrics"
	"github.com/venustools/tankbridge/model"
)

// Registry is the fixed-size, index-addressed collection of repeaters.
// All slots are created at startup and live until the process exits;
// restart is the only teardown path.
type Registry struct {
	repeaters [model.TankCount]*Repeater
	log       *zap.SugaredLogger
	met       *metrics.Metrics

	mu        sync.Mutex
	loggedBad map[int]struct{}
}

// NewRegistry builds repeaters for every tank slot.
func NewRegistry(factory EndpointFactory, watchdogTicks int, log *zap.SugaredLogger, met *metrics.Metrics) *Registry {
	g := &Registry{
		log:       log,
		met:       met,
		loggedBad: make(map[int]struct{}),
	}
	for i := range g.repeaters {
		g.repeaters[i] = NewRepeater(model.TankIndex(i), factory, watchdogTicks, log, met)
	}
	return g
}

// Dispatch forwards a correlated reading to the repeater for the given
// tank. Out-of-range indices are dropped, counted, and logged once per
// distinct index; senders are free to report fluid types we do not
// manage.
func (g *Registry) Dispatch(tank int, level, capacity float64) {
	idx := model.TankIndex(tank)
	if !idx.Valid() {
		g.met.DroppedOutOfRange.Inc()
		g.mu.Lock()
		_, logged := g.loggedBad[tank]
		g.loggedBad[tank] = struct{}{}
		g.mu.Unlock()
		if !logged {
			g.log.Warnw("dropping reading for unmanaged tank index", "tank", tank)
		}
		return
	}
	g.met.TuplesDispatched.Inc()
	g.repeaters[idx].UpdateRepeater(level, capacity)
}

// Get returns the repeater for a valid tank index.
func (g *Registry) Get(tank model.TankIndex) *Repeater {
	return g.repeaters[tank]
}

// All returns every repeater, in tank order.
func (g *Registry) All() []*Repeater {
	return g.repeaters[:]
}

// Snapshot reports the state of every repeater, in tank order.
func (g *Registry) Snapshot() []State {
	out := make([]State, 0, len(g.repeaters))
	for _, r := range g.repeaters {
		out = append(out, r.Snapshot())
	}
	return out
}
