package correlator

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/venustools/tankbridge/internal/bus"
	"github.com/venustools/tankbridge/internal/metrics"
	"github.com/venustools/tankbridge/model"
)

type fakeUpstream struct {
	mu       sync.Mutex
	owner    string
	resolved bool
	queues   map[string][]bus.Value // popped per read; last value sticks
	readErr  error
	marked   error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{owner: ":1.42", resolved: true, queues: make(map[string][]bus.Value)}
}

func (f *fakeUpstream) Owner() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner, f.resolved
}

func (f *fakeUpstream) Read(path string) (bus.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return bus.Value{}, f.readErr
	}
	q := f.queues[path]
	if len(q) == 0 {
		return bus.Value{}, errors.New("no value staged for " + path)
	}
	v := q[0]
	if len(q) > 1 {
		f.queues[path] = q[1:]
	}
	return v, nil
}

func (f *fakeUpstream) MarkUnresponsive(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = false
	f.marked = err
}

func (f *fakeUpstream) stage(path string, vs ...bus.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[path] = append(f.queues[path], vs...)
}

type tuple struct {
	tank            int
	level, capacity float64
}

type fakeDispatcher struct {
	mu     sync.Mutex
	tuples []tuple
}

func (f *fakeDispatcher) Dispatch(tank int, level, capacity float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tuples = append(f.tuples, tuple{tank, level, capacity})
}

func (f *fakeDispatcher) all() []tuple {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tuple(nil), f.tuples...)
}

func newTestCorrelator(fallbackPolls int) (*Correlator, *fakeUpstream, *fakeDispatcher) {
	src := newFakeUpstream()
	reg := &fakeDispatcher{}
	c := New(src, reg, fallbackPolls, zap.NewNop().Sugar(), metrics.New(prometheus.NewRegistry()))
	return c, src, reg
}

func change(path string, v bus.Value, sender string) bus.Change {
	return bus.Change{Path: path, Value: v, Sender: sender}
}

func TestHandleChange_SelectorChangeFlushesPreviousTuple(t *testing.T) {
	c, src, reg := newTestCorrelator(10)

	c.HandleChange(change(PathFluidType, bus.Int(0), src.owner))
	c.HandleChange(change(PathLevel, bus.Float(50), src.owner))
	c.HandleChange(change(PathCapacity, bus.Float(300), src.owner))
	require.Empty(t, reg.all(), "no tuple may be dispatched before the selector moves on")

	c.HandleChange(change(PathFluidType, bus.Int(1), src.owner))

	got := reg.all()
	require.Len(t, got, 1)
	require.Equal(t, tuple{0, 50, 300}, got[0])

	// tank 1 is not committed until its own fields arrive and a further
	// selector change closes its cycle
	c.HandleChange(change(PathLevel, bus.Float(25), src.owner))
	require.Len(t, reg.all(), 1)

	c.HandleChange(change(PathFluidType, bus.Int(5), src.owner))
	got = reg.all()
	require.Len(t, got, 2)
	require.Equal(t, tuple{1, 25, 300}, got[1])
}

func TestHandleChange_IgnoresForeignSender(t *testing.T) {
	c, src, reg := newTestCorrelator(10)

	c.HandleChange(change(PathFluidType, bus.Int(0), src.owner))
	c.HandleChange(change(PathLevel, bus.Float(50), ":1.99"))
	c.HandleChange(change(PathFluidType, bus.Int(1), src.owner))

	got := reg.all()
	require.Len(t, got, 1)
	if got[0].level != model.NoData {
		t.Errorf("level from a foreign sender leaked into the buffer: %+v", got[0])
	}
}

func TestHandleChange_IgnoredWhileUnresolved(t *testing.T) {
	c, src, reg := newTestCorrelator(10)
	src.MarkUnresponsive(errors.New("gone"))

	c.HandleChange(change(PathFluidType, bus.Int(0), src.owner))
	c.HandleChange(change(PathLevel, bus.Float(50), src.owner))
	c.HandleChange(change(PathFluidType, bus.Int(1), src.owner))
	require.Empty(t, reg.all())
}

func TestHandleChange_InvalidValueLeavesBufferAlone(t *testing.T) {
	c, src, reg := newTestCorrelator(10)

	c.HandleChange(change(PathFluidType, bus.Int(0), src.owner))
	c.HandleChange(change(PathLevel, bus.Invalid(), src.owner))
	c.HandleChange(change(PathFluidType, bus.Int(1), src.owner))

	got := reg.all()
	require.Len(t, got, 1)
	require.Equal(t, float64(model.NoData), got[0].level)
}

func TestPoll_DispatchesStableSample(t *testing.T) {
	c, src, reg := newTestCorrelator(10)
	src.stage(PathFluidType, bus.Int(2))
	src.stage(PathLevel, bus.Float(70))
	src.stage(PathCapacity, bus.Float(0.3))

	c.Poll()

	got := reg.all()
	require.Len(t, got, 1)
	require.Equal(t, tuple{2, 70, 0.3}, got[0])
}

func TestPoll_MismatchedSelectorReadsDiscardSample(t *testing.T) {
	c, src, reg := newTestCorrelator(10)
	src.stage(PathFluidType, bus.Int(2), bus.Int(3))
	src.stage(PathLevel, bus.Float(70))
	src.stage(PathCapacity, bus.Float(0.3))

	c.Poll()

	require.Empty(t, reg.all(), "racing sample must be discarded entirely")
}

func TestPoll_OutOfRangeSelectorNotDispatched(t *testing.T) {
	c, src, reg := newTestCorrelator(10)
	src.stage(PathFluidType, bus.Int(17))
	src.stage(PathLevel, bus.Float(70))
	src.stage(PathCapacity, bus.Float(0.3))

	c.Poll()
	require.Empty(t, reg.all())
}

func TestPoll_TransportFailureMarksUnresponsive(t *testing.T) {
	c, src, reg := newTestCorrelator(10)
	src.readErr = errors.New("connection reset")

	c.Poll()

	require.Empty(t, reg.all())
	src.mu.Lock()
	defer src.mu.Unlock()
	require.False(t, src.resolved)
	require.Error(t, src.marked)
}

func TestPoll_SkippedWhileUnresolved(t *testing.T) {
	c, src, reg := newTestCorrelator(10)
	src.MarkUnresponsive(errors.New("gone"))
	src.marked = nil

	c.Poll()
	require.Empty(t, reg.all())
	require.NoError(t, src.marked, "poll must not touch the transport while unresolved")
}

func TestPoll_AdoptsPolledLevelAfterSignallessThreshold(t *testing.T) {
	const threshold = 10
	c, src, reg := newTestCorrelator(threshold)

	// selector signals arrive, level signals never do (level identical
	// across all cycles)
	c.HandleChange(change(PathFluidType, bus.Int(1), src.owner))

	src.stage(PathFluidType, bus.Int(1))
	src.stage(PathLevel, bus.Float(70))
	src.stage(PathCapacity, bus.Float(0.3))

	for i := 0; i < threshold; i++ {
		c.Poll()
		_, level, _ := c.Buffer()
		require.Equal(t, float64(model.NoData), level, "poll %d adopted too early", i+1)
	}

	c.Poll() // 11th consecutive signal-less poll crosses the threshold

	_, level, _ := c.Buffer()
	require.Equal(t, 70.0, level)

	// the adopted value is what a later selector change flushes
	before := len(reg.all())
	c.HandleChange(change(PathFluidType, bus.Int(2), src.owner))
	got := reg.all()
	require.Len(t, got, before+1)
	require.Equal(t, 70.0, got[len(got)-1].level)
}

func TestPoll_SignallessCounterResetsOnceLevelSignals(t *testing.T) {
	c, src, _ := newTestCorrelator(10)
	c.HandleChange(change(PathFluidType, bus.Int(1), src.owner))

	src.stage(PathFluidType, bus.Int(1))
	src.stage(PathLevel, bus.Float(70))
	src.stage(PathCapacity, bus.Float(0.3))

	for i := 0; i < 5; i++ {
		c.Poll()
	}
	// a real level signal arrives; fallback counting starts over
	c.HandleChange(change(PathLevel, bus.Float(70), src.owner))
	for i := 0; i < 8; i++ {
		c.Poll()
	}
	_, level, _ := c.Buffer()
	require.Equal(t, 70.0, level, "signalled level must be kept")
}

func TestReset_ClearsBuffer(t *testing.T) {
	c, src, reg := newTestCorrelator(10)
	c.HandleChange(change(PathFluidType, bus.Int(1), src.owner))
	c.HandleChange(change(PathLevel, bus.Float(50), src.owner))

	c.Reset()

	c.HandleChange(change(PathFluidType, bus.Int(2), src.owner))
	require.Empty(t, reg.all(), "stale selector must not be flushed after a reset")
}
