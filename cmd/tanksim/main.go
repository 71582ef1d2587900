// tanksim exports a dummy tank service that mimics a multiplexing
// SeeLevel N2K sensor, for exercising the bridge without hardware.
// Point the bridge at it by setting the incoming product id to 999999.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/venustools/tankbridge/internal/bus"
	"github.com/venustools/tankbridge/internal/buildinfo"
	"github.com/venustools/tankbridge/model"
)

const (
	serviceName = "com.victronenergy.tank.SimulatedSeeLevel"
	productID   = 999999
)

// A real SeeLevel reports one tank every ~1.5s; the simulator is a
// little slower so changes are easy to follow with dbus-spy.
const updatePeriod = time.Second

// 30 gallons in cubic meters.
const defaultCapacity = 30 * 0.0037854118

type simulator struct {
	ep   bus.Endpoint
	auto bool
	log  *zap.SugaredLogger

	tank      int
	levels    [model.TankCount]float64
	increment [model.TankCount]float64
}

func newSimulator(ep bus.Endpoint, auto bool, log *zap.SugaredLogger) *simulator {
	return &simulator{
		ep:   ep,
		auto: auto,
		log:  log,
		// NoData in a slot means the sender skips that tank entirely
		levels:    [model.TankCount]float64{model.NoData, 70, 30, model.NoData, model.NoData, 60},
		increment: [model.TankCount]float64{0, -3, 2, 0, 0, 1},
	}
}

// update publishes the current tank's values and advances the selector,
// skipping disabled tanks. One call per update period.
func (s *simulator) update() {
	level := s.levels[s.tank]
	if level != model.NoData {
		if s.auto {
			level += s.increment[s.tank]
			if level > 100 || level < 0 {
				s.increment[s.tank] = -s.increment[s.tank]
				level += s.increment[s.tank]
			}
			s.levels[s.tank] = level
		}

		if err := s.ep.Set("/FluidType", bus.Int(s.tank)); err != nil {
			s.log.Warnw("failed to publish fluid type", "error", err)
		}
		if err := s.ep.Set("/Level", bus.Float(level)); err != nil {
			s.log.Warnw("failed to publish level", "error", err)
		}
	}

	for {
		s.tank++
		if s.tank >= model.TankCount {
			s.tank = 0
		}
		if s.levels[s.tank] != model.NoData {
			break
		}
	}
}

func main() {
	buildinfo.PrintBuildInfo()

	simulate := flag.Bool("simulate", false, "rotate through the tanks, republishing fixed levels")
	auto := flag.Bool("auto", false, "like -simulate, but levels drift up and down each cycle")
	flag.Parse()
	if *auto {
		*simulate = true
	}

	logger := zap.Must(zap.NewProduction()).Sugar()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := bus.ConnectDBus(logger)
	if err != nil {
		logger.Fatal(err)
	}
	defer conn.Close()

	ep, err := conn.Export(serviceName, []bus.PropertySpec{
		{Path: "/Mgmt/ProcessName", Value: bus.Str("tanksim")},
		{Path: "/Mgmt/ProcessVersion", Value: bus.Str("2.0")},
		{Path: "/Mgmt/Connection", Value: bus.Str("")},
		{Path: "/DeviceInstance", Value: bus.Int(1)},
		{Path: "/ProductName", Value: bus.Str("Simulated SeeLevel N2K")},
		{Path: "/ProductId", Value: bus.Int(productID)},
		{Path: "/FirmwareVersion", Value: bus.Int(0)},
		{Path: "/HardwareVersion", Value: bus.Int(0)},
		{Path: "/Serial", Value: bus.Str("no hardware")},
		{Path: "/Connected", Value: bus.Int(1), Writable: true},
		{Path: "/Level", Value: bus.Int(0), Writable: true},
		{Path: "/FluidType", Value: bus.Int(0), Writable: true},
		{Path: "/Capacity", Value: bus.Float(defaultCapacity), Writable: true},
		{Path: "/CustomName", Value: bus.Str(""), Writable: true},
	}, nil)
	if err != nil {
		logger.Fatal(err)
	}
	logger.Infow("simulated tank service running", "service", serviceName, "simulate", *simulate, "auto", *auto)

	if !*simulate {
		// idle mode: values are edited externally via dbus-spy
		<-ctx.Done()
		return
	}

	sim := newSimulator(ep, *auto, logger)
	ticker := time.NewTicker(updatePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sim.update()
		}
	}
}
