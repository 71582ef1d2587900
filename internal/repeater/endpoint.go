package repeater

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/venustools/tankbridge/internal/bus"
	"github.com/venustools/tankbridge/model"
)

// CustomNames persists per-tank display names across restarts.
type CustomNames interface {
	Get(tank model.TankIndex) string
	Set(tank model.TankIndex, name string) error
}

// NewEndpointFactory returns the production endpoint factory. It exports
// one Venus tank service per repeater, carrying the usual management
// properties plus the tank values, a numeric Connected flag and a
// writable, persisted CustomName.
func NewEndpointFactory(conn bus.Conn, names CustomNames, processName string, log *zap.SugaredLogger) EndpointFactory {
	return func(r *Repeater) (bus.Endpoint, error) {
		tank := r.Tank()
		serviceName := fmt.Sprintf("%s_%d", ServiceName, int(tank))

		props := []bus.PropertySpec{
			{Path: "/Mgmt/ProcessName", Value: bus.Str(processName)},
			{Path: "/Mgmt/ProcessVersion", Value: bus.Str("1.0")},
			{Path: "/Mgmt/Connection", Value: bus.Str("dBus")},
			{Path: "/DeviceInstance", Value: bus.Int(int(tank))},
			{Path: "/ProductName", Value: bus.Str(fmt.Sprintf("NMEA2000 multi-tank repeater (tank %d)", int(tank)))},
			{Path: "/ProductId", Value: bus.Int(0)},
			{Path: "/FirmwareVersion", Value: bus.Int(0)},
			{Path: "/HardwareVersion", Value: bus.Int(0)},
			{Path: "/Serial", Value: bus.Str("")},
			{Path: "/Connected", Value: bus.Int(0)},
			{Path: "/Level", Value: bus.Int(0), Writable: true},
			{Path: "/FluidType", Value: bus.Int(int(tank)), Writable: true},
			{Path: "/Capacity", Value: bus.Int(0), Writable: true},
			{Path: "/Remaining", Value: bus.Int(0), Writable: true},
			{Path: "/CustomName", Value: bus.Str(names.Get(tank)), Writable: true},
		}

		onWrite := func(path string, v bus.Value) bool {
			if path == "/CustomName" {
				if err := names.Set(tank, v.Text); err != nil {
					log.Warnw("failed to persist custom name", "tank", int(tank), "error", err)
					return false
				}
				return true
			}
			// A write to a value path is accepted but the stored reading
			// wins: it is republished on the next tick.
			r.MarkPending()
			return true
		}

		ep, err := conn.Export(serviceName, props, onWrite)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", serviceName, err)
		}
		log.Infow("created tank service", "service", serviceName, "tank", tank.String())
		return ep, nil
	}
}
