// Package repeater implements the per-tank output services. Each
// repeater owns one lazily created bus endpoint and republishes the
// stable single-tank view reconstructed from the multiplexed upstream.
package repeater

import (
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/venustools/tankbridge/internal/bus"
	"github.com/venustools/tankbridge/internal/metrics"
	"github.com/venustools/tankbridge/model"
)

// ServiceName is the base name of the repeater output services; the
// tank number is appended so each tank gets its own service.
const ServiceName = "com.victronenergy.tank.repeater"

// DefaultWatchdogTicks is how many ticks without an applied update are
// tolerated before a repeater is marked disconnected. Roughly twice the
// SeeLevel reporting period.
const DefaultWatchdogTicks = 6

// EndpointFactory creates the output endpoint for a repeater. It is
// called from the repeater's own tick, never from the update path, so
// implementations may do slow transport work.
type EndpointFactory func(r *Repeater) (bus.Endpoint, error)

// State is a point-in-time snapshot of one repeater, used by the status
// endpoint and by tests.
type State struct {
	Tank        int     `json:"tank"`
	Name        string  `json:"name"`
	Level       float64 `json:"level"`
	Capacity    float64 `json:"capacity"`
	Remaining   float64 `json:"remaining"`
	Published   bool    `json:"published"`
	Connected   bool    `json:"connected"`
	Pending     bool    `json:"pending"`
	MissedTicks int     `json:"missed_ticks"`
}

// Repeater is the per-tank state machine. UpdateRepeater may be called
// from the correlator's context (bus dispatch goroutine or poll loop);
// Tick runs on the repeater's own timer. The mutex covers the handful of
// fields crossing that boundary.
type Repeater struct {
	tank          model.TankIndex
	factory       EndpointFactory
	watchdogTicks int
	log           *zap.SugaredLogger
	met           *metrics.Metrics

	mu          sync.Mutex
	level       float64
	capacity    float64
	pending     bool
	endpoint    bus.Endpoint
	connected   bool
	missedTicks int
}

// NewRepeater creates an unpublished repeater for one tank slot. The
// endpoint is not created until data for this tank actually arrives, to
// keep idle tanks out of the GUI.
func NewRepeater(tank model.TankIndex, factory EndpointFactory, watchdogTicks int, log *zap.SugaredLogger, met *metrics.Metrics) *Repeater {
	if watchdogTicks <= 0 {
		watchdogTicks = DefaultWatchdogTicks
	}
	return &Repeater{
		tank:          tank,
		factory:       factory,
		watchdogTicks: watchdogTicks,
		log:           log,
		met:           met,
	}
}

// Tank returns the tank slot this repeater serves.
func (r *Repeater) Tank() model.TankIndex { return r.tank }

// UpdateRepeater stores a newly correlated reading. NoData in either
// field leaves the stored value untouched; the pending flag is raised
// regardless so the watchdog sees the update.
func (r *Repeater) UpdateRepeater(level, capacity float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if level != model.NoData {
		r.level = level
	}
	if capacity != model.NoData {
		r.capacity = capacity
	}
	r.pending = true
}

// MarkPending schedules a republish of the stored values on the next
// tick. Used when an external client writes one of the value paths.
func (r *Repeater) MarkPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = true
}

// SetCustomName pushes a display name to the endpoint, if it exists yet.
func (r *Repeater) SetCustomName(name string) {
	r.mu.Lock()
	ep := r.endpoint
	r.mu.Unlock()
	if ep == nil {
		return
	}
	if err := ep.Set("/CustomName", bus.Str(name)); err != nil {
		r.log.Warnw("failed to update custom name", "tank", int(r.tank), "error", err)
	}
}

// Tick runs one pass of the repeater state machine: create the endpoint
// if a first update is waiting, apply a pending update, and evaluate the
// watchdog.
func (r *Repeater) Tick() {
	r.mu.Lock()

	if r.pending && r.endpoint == nil {
		r.mu.Unlock()
		ep, err := r.factory(r)
		if err != nil {
			// pending stays set, so creation is retried next tick
			r.log.Errorw("failed to create tank endpoint", "tank", int(r.tank), "error", err)
			return
		}
		r.mu.Lock()
		r.endpoint = ep
		r.missedTicks = 0
		r.mu.Unlock()
		// the triggering update is applied on the next tick; nothing
		// else runs in the tick that created the endpoint
		return
	}

	var (
		apply           bool
		level, capacity float64
	)
	if r.pending && r.endpoint != nil {
		apply = true
		level, capacity = r.level, r.capacity
		r.pending = false
		r.missedTicks = 0
	}

	ep := r.endpoint
	if ep == nil {
		r.mu.Unlock()
		return
	}

	var becameConnected, becameDisconnected bool
	if r.missedTicks == 0 && !r.connected {
		r.connected = true
		becameConnected = true
	}
	if r.missedTicks > r.watchdogTicks {
		if r.connected {
			r.connected = false
			becameDisconnected = true
		}
	} else {
		r.missedTicks++
	}
	r.mu.Unlock()

	if apply {
		r.publish(ep, level, capacity)
	}
	if becameConnected {
		r.setConnected(ep, true)
		r.log.Infow("tank is responding", "tank", r.tank.String())
	}
	if becameDisconnected {
		r.setConnected(ep, false)
		r.log.Warnw("tank is NOT responding", "tank", r.tank.String())
	}
}

func (r *Repeater) publish(ep bus.Endpoint, level, capacity float64) {
	remaining := capacity * level / 100
	for path, v := range map[string]float64{
		"/Level":     level,
		"/Capacity":  capacity,
		"/Remaining": remaining,
	} {
		if err := ep.Set(path, bus.Float(v)); err != nil {
			r.log.Warnw("failed to publish tank value", "tank", int(r.tank), "path", path, "error", err)
		}
	}
	r.met.TankLevel.WithLabelValues(strconv.Itoa(int(r.tank))).Set(level)
}

func (r *Repeater) setConnected(ep bus.Endpoint, connected bool) {
	// numeric 1/0, not a boolean, so the GUI renders the state correctly
	v := 0
	if connected {
		v = 1
		r.met.WatchdogRecovers.Inc()
	} else {
		r.met.WatchdogDrops.Inc()
	}
	if err := ep.Set("/Connected", bus.Int(v)); err != nil {
		r.log.Warnw("failed to publish connected flag", "tank", int(r.tank), "error", err)
	}
	r.met.TankConnected.WithLabelValues(strconv.Itoa(int(r.tank))).Set(float64(v))
}

// Snapshot returns the repeater's current state.
func (r *Repeater) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := State{
		Tank:        int(r.tank),
		Name:        r.tank.String(),
		Level:       r.level,
		Capacity:    r.capacity,
		Remaining:   r.capacity * r.level / 100,
		Published:   r.endpoint != nil,
		Connected:   r.connected,
		Pending:     r.pending,
		MissedTicks: r.missedTicks,
	}
	return s
}
