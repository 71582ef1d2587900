// Package service wires the bridge together: the channel watcher, the
// update correlator and the repeater registry, driven by the poll and
// tick loops. It owns no domain logic of its own.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/venustools/tankbridge/internal/bus"
	"github.com/venustools/tankbridge/internal/correlator"
	"github.com/venustools/tankbridge/internal/metrics"
	"github.com/venustools/tankbridge/internal/repeater"
	"github.com/venustools/tankbridge/internal/settings"
	"github.com/venustools/tankbridge/internal/watcher"
	"github.com/venustools/tankbridge/model"
)

// ProcessName is published on every repeater endpoint's management path.
const ProcessName = "tankbridge"

const customNameSuffix = "/CustomName"

// Config carries the tunables the service loops run with. Zero values
// fall back to the defaults the upstream hardware was measured against.
type Config struct {
	PollInterval  time.Duration // upstream sample cadence
	TickInterval  time.Duration // repeater state machine cadence
	WatchdogTicks int
	FallbackPolls int
	ScanEvery     int
	Clock         clockz.Clock // tests inject a fake
}

// Service is the assembled bridge. Create it with New, then call Run.
type Service struct {
	conn  bus.Conn
	store *settings.FileStore
	log   *zap.SugaredLogger

	watcher    *watcher.Watcher
	correlator *correlator.Correlator
	registry   *repeater.Registry

	clock        clockz.Clock
	pollInterval time.Duration
	tickInterval time.Duration
}

// New assembles the bridge on the given connection and settings store.
// The store must have been opened with the keys from Specs. Change
// subscriptions are registered here, so readings may start flowing
// before Run is called; they are buffered until the loops drain them.
func New(conn bus.Conn, store *settings.FileStore, cfg Config, log *zap.SugaredLogger, met *metrics.Metrics) (*Service, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockz.RealClock
	}

	s := &Service{
		conn:         conn,
		store:        store,
		log:          log,
		clock:        cfg.Clock,
		pollInterval: cfg.PollInterval,
		tickInterval: cfg.TickInterval,
	}

	factory := repeater.NewEndpointFactory(conn, storedNames{store}, ProcessName, log)
	s.registry = repeater.NewRegistry(factory, cfg.WatchdogTicks, log, met)
	s.watcher = watcher.New(conn, store, cfg.ScanEvery, log)
	s.correlator = correlator.New(s.watcher, s.registry, cfg.FallbackPolls, log, met)

	// a rotated or restarted upstream must not leak buffered values
	// from its predecessor
	s.watcher.OnResolve(s.correlator.Reset)
	store.OnChange(s.settingChanged)

	for _, path := range []string{correlator.PathFluidType, correlator.PathLevel, correlator.PathCapacity} {
		if err := conn.SubscribeChanges(path, s.correlator.HandleChange); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", path, err)
		}
	}
	return s, nil
}

// Run drives the poll and tick loops until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.log.Infow("bridge running",
		"poll_interval", s.pollInterval,
		"tick_interval", s.tickInterval,
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pollLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.tickLoop(ctx)
	}()
	wg.Wait()

	s.log.Infow("bridge stopped")
	return nil
}

func (s *Service) pollLoop(ctx context.Context) {
	timer := s.clock.NewTimer(s.pollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			if s.watcher.EnsureResolved() {
				s.correlator.Poll()
			}
			timer.Reset(s.pollInterval)
		}
	}
}

func (s *Service) tickLoop(ctx context.Context) {
	timer := s.clock.NewTimer(s.tickInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			for _, r := range s.registry.All() {
				r.Tick()
			}
			timer.Reset(s.tickInterval)
		}
	}
}

// settingChanged fans a settings change out to the interested parts.
func (s *Service) settingChanged(key string, old, new any) {
	s.watcher.SettingChanged(key, old, new)

	if tank, ok := customNameTank(key); ok {
		name, _ := new.(string)
		s.registry.Get(tank).SetCustomName(name)
	}
}

// Binding reports the current upstream binding.
func (s *Service) Binding() watcher.Binding { return s.watcher.Binding() }

// Tanks reports the state of every repeater, in tank order.
func (s *Service) Tanks() []repeater.State { return s.registry.Snapshot() }

// Buffer reports the correlator's selector and buffered fields.
func (s *Service) Buffer() (tank int, level, capacity float64) {
	return s.correlator.Buffer()
}

// Specs declares every settings key the bridge uses. Pass the result to
// settings.NewFileStore before calling New.
func Specs() []settings.Spec {
	specs := []settings.Spec{
		{Key: watcher.KeyProductID, Default: watcher.DefaultProductID, Min: -1, Max: 999999},
		{Key: watcher.KeyServiceName, Default: ""},
	}
	for i := 0; i < model.TankCount; i++ {
		specs = append(specs, settings.Spec{Key: customNameKey(model.TankIndex(i)), Default: ""})
	}
	return specs
}

// storedNames adapts the settings store to the repeater's CustomNames.
type storedNames struct {
	store *settings.FileStore
}

func (n storedNames) Get(tank model.TankIndex) string {
	return n.store.GetString(customNameKey(tank))
}

func (n storedNames) Set(tank model.TankIndex, name string) error {
	return n.store.SetString(customNameKey(tank), name)
}

func customNameKey(tank model.TankIndex) string {
	return fmt.Sprintf("Tank%d%s", int(tank), customNameSuffix)
}

// customNameTank parses a Tank<n>/CustomName key back to its index.
func customNameTank(key string) (model.TankIndex, bool) {
	rest, ok := strings.CutPrefix(key, "Tank")
	if !ok {
		return 0, false
	}
	digits, ok := strings.CutSuffix(rest, customNameSuffix)
	if !ok || len(digits) != 1 || digits[0] < '0' || digits[0] > '9' {
		return 0, false
	}
	idx := model.TankIndex(digits[0] - '0')
	if !idx.Valid() {
		return 0, false
	}
	return idx, true
}
