// Package correlator reconstructs consistent per-tank readings from the
// multiplexed upstream service. Two producers feed it: asynchronous
// property-change notifications from the bus, and a periodic poll used
// as a fallback for fields whose value never changes and therefore
// never signals.
package correlator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/venustools/tankbridge/internal/bus"
	"github.com/venustools/tankbridge/internal/metrics"
	"github.com/venustools/tankbridge/model"
)

// Property paths on the upstream multiplexed tank service.
const (
	PathFluidType = "/FluidType"
	PathLevel     = "/Level"
	PathCapacity  = "/Capacity"
)

// DefaultFallbackPolls is how many consecutive polls a field may stay
// signal-less (while the selector is known) before the polled value is
// adopted as authoritative.
const DefaultFallbackPolls = 10

// upstream is the correlator's view of the resolved source, implemented
// by the channel watcher.
type upstream interface {
	// Owner returns the stable identity of the resolved source, or
	// false while unresolved.
	Owner() (string, bool)

	// Read fetches one property of the resolved source.
	Read(path string) (bus.Value, error)

	// MarkUnresponsive clears the resolution after a transport failure;
	// recovery is the watcher's job.
	MarkUnresponsive(err error)
}

// dispatcher receives completed per-tank tuples.
type dispatcher interface {
	Dispatch(tank int, level, capacity float64)
}

// Correlator owns the buffer of values seen since the last committed
// tuple. Notifications arrive on the bus dispatch goroutine and polls on
// the service tick loop, so the buffer is mutex-guarded; critical
// sections are short and never block on transport calls.
type Correlator struct {
	src           upstream
	reg           dispatcher
	fallbackPolls int
	log           *zap.SugaredLogger
	met           *metrics.Metrics

	mu              sync.Mutex
	lastTank        int
	lastLevel       float64
	lastCapacity    float64
	noLevelCount    int
	noCapacityCount int
}

// New creates a correlator with an empty buffer.
func New(src upstream, reg dispatcher, fallbackPolls int, log *zap.SugaredLogger, met *metrics.Metrics) *Correlator {
	if fallbackPolls <= 0 {
		fallbackPolls = DefaultFallbackPolls
	}
	c := &Correlator{
		src:           src,
		reg:           reg,
		fallbackPolls: fallbackPolls,
		log:           log,
		met:           met,
	}
	c.Reset()
	return c
}

// Reset clears the buffer. The watcher calls it whenever the upstream is
// (re)resolved so values from a previous source are never mixed with the
// new one.
func (c *Correlator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTank = model.NoData
	c.lastLevel = model.NoData
	c.lastCapacity = model.NoData
	c.noLevelCount = 0
	c.noCapacityCount = 0
}

// HandleChange consumes one property-change notification. Notifications
// from anything but the resolved source are ignored, defending against a
// stale or rotated sender.
func (c *Correlator) HandleChange(ch bus.Change) {
	owner, ok := c.src.Owner()
	if !ok || ch.Sender != owner {
		return
	}
	if !ch.Value.Valid() {
		return
	}

	switch ch.Path {
	case PathLevel:
		c.mu.Lock()
		c.lastLevel = ch.Value.Num
		c.mu.Unlock()

	case PathCapacity:
		c.mu.Lock()
		c.lastCapacity = ch.Value.Num
		c.mu.Unlock()

	case PathFluidType:
		// The upstream reports one tank per cycle. By the time the
		// selector moves on, the level/capacity collected since the
		// previous selector change are complete for the previous tank,
		// even if one of them never signalled this cycle.
		c.mu.Lock()
		flushTank := c.lastTank
		flushLevel := c.lastLevel
		flushCapacity := c.lastCapacity
		c.lastTank = int(ch.Value.Num)
		c.mu.Unlock()

		if model.TankIndex(flushTank).Valid() {
			c.reg.Dispatch(flushTank, flushLevel, flushCapacity)
		}
	}
}

// Poll reads a full sample from the upstream and dispatches it directly.
// This is a fallback, not a replacement for signals: a field whose value
// is identical across cycles emits no notification at all.
func (c *Correlator) Poll() {
	if _, ok := c.src.Owner(); !ok {
		return
	}

	tank, err := c.src.Read(PathFluidType)
	if err != nil {
		c.pollFailed(err)
		return
	}
	level, err := c.src.Read(PathLevel)
	if err != nil {
		c.pollFailed(err)
		return
	}
	capacity, err := c.src.Read(PathCapacity)
	if err != nil {
		c.pollFailed(err)
		return
	}
	tank2, err := c.src.Read(PathFluidType)
	if err != nil {
		c.pollFailed(err)
		return
	}

	// A selector that moved between the two reads means the level and
	// capacity reads raced a mid-flight upstream update. Discard the
	// whole sample; this happens routinely under normal multiplexing
	// and is not worth logging.
	if tank.Num != tank2.Num {
		c.met.PollRaces.Inc()
		return
	}
	c.met.PollSamples.Inc()

	idx := int(tank.Num)
	if tank.Valid() && model.TankIndex(idx).Valid() {
		c.reg.Dispatch(idx, sampleValue(level), sampleValue(capacity))
	}

	c.adoptSignallessFields(level, capacity)
}

// adoptSignallessFields handles the no-notification case: if every tank
// reports the same level, no level signal ever fires and the buffer's
// last level stays at the sentinel forever. After enough consecutive
// polls in that state the polled value is adopted.
func (c *Correlator) adoptSignallessFields(level, capacity bus.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastLevel == model.NoData && c.lastTank != model.NoData && usable(level) {
		c.noLevelCount++
		if c.noLevelCount > c.fallbackPolls {
			c.lastLevel = level.Num
			c.met.FallbackAdoptions.Inc()
			c.log.Infow("no level change signals received, using polled data")
		}
	} else {
		c.noLevelCount = 0
	}

	if c.lastCapacity == model.NoData && c.lastTank != model.NoData && usable(capacity) {
		c.noCapacityCount++
		if c.noCapacityCount > c.fallbackPolls {
			c.lastCapacity = capacity.Num
			c.met.FallbackAdoptions.Inc()
			c.log.Infow("no capacity change signals received, using polled data")
		}
	} else {
		c.noCapacityCount = 0
	}
}

func (c *Correlator) pollFailed(err error) {
	c.met.TransportFailures.Inc()
	// polling is best-effort; the watcher owns recovery
	c.src.MarkUnresponsive(err)
}

// Buffer returns the current selector and buffered fields, for the
// status endpoint.
func (c *Correlator) Buffer() (tank int, level, capacity float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTank, c.lastLevel, c.lastCapacity
}

func sampleValue(v bus.Value) float64 {
	if !usable(v) {
		return model.NoData
	}
	return v.Num
}

func usable(v bus.Value) bool {
	return v.Valid() && v.Num != model.NoData
}
