// Package watcher locates the multiplexed upstream tank service on the
// bus and owns the binding to it: which service name matched the
// configured product id, its stable sender identity, and whether it is
// currently responding.
package watcher

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/venustools/tankbridge/internal/bus"
	"github.com/venustools/tankbridge/internal/repeater"
)

const (
	// TankServicePrefix is shared by every Venus tank service.
	TankServicePrefix = "com.victronenergy.tank"

	// DisabledProductID in the settings store suppresses scanning
	// entirely; existing repeater services are purged only by restart.
	DisabledProductID = -1

	// DefaultScanEveryTicks is how many poll ticks pass between full
	// bus scans while unresolved.
	DefaultScanEveryTicks = 10

	// Settings keys. The recorded service name lets the GUI hide the
	// rotating source from the tanks list.
	KeyProductID   = "IncomingTankProductId"
	KeyServiceName = "IncomingTankService"

	// DefaultProductID matches a stock SeeLevel N2K sender.
	DefaultProductID = 41312

	productIDPath = "/ProductId"
)

// ErrUnresolved is returned by Read while no upstream source is bound.
var ErrUnresolved = errors.New("upstream source not resolved")

type conn interface {
	ListNames() ([]string, error)
	NameOwner(name string) (string, error)
	GetValue(service, path string) (bus.Value, error)
}

type store interface {
	GetInt(key string) int
	SetString(key, value string) error
}

// Binding describes the current upstream binding for the status
// endpoint.
type Binding struct {
	ProductID int    `json:"product_id"`
	Service   string `json:"service"`
	Owner     string `json:"owner"`
	Resolved  bool   `json:"resolved"`
}

// Watcher resolves and re-resolves the upstream source. EnsureResolved
// runs on the poll tick; SettingChanged and MarkUnresponsive may be
// called from other goroutines.
type Watcher struct {
	bus       conn
	settings  store
	scanEvery int
	log       *zap.SugaredLogger
	onResolve func()

	mu            sync.Mutex
	service       string
	owner         string
	resolved      bool
	scanDelay     int
	forceScan     bool
	failureLogged bool
}

// New creates a watcher. The first EnsureResolved call scans
// immediately; afterwards scans happen every scanEvery ticks while
// unresolved, or at once when the product id setting changes.
func New(c conn, s store, scanEvery int, log *zap.SugaredLogger) *Watcher {
	if scanEvery <= 0 {
		scanEvery = DefaultScanEveryTicks
	}
	return &Watcher{
		bus:       c,
		settings:  s,
		scanEvery: scanEvery,
		log:       log,
		forceScan: true,
	}
}

// OnResolve registers a callback invoked after each successful
// (re)resolution, before any readings flow. The correlator uses it to
// clear its buffer.
func (w *Watcher) OnResolve(fn func()) {
	w.onResolve = fn
}

// SettingChanged is wired to the settings store; a changed product id
// forces a scan on the next tick even while resolved.
func (w *Watcher) SettingChanged(key string, _, _ any) {
	if key != KeyProductID {
		return
	}
	w.mu.Lock()
	w.forceScan = true
	w.mu.Unlock()
}

// EnsureResolved runs once per poll tick. It returns whether an upstream
// source is bound after this tick's (possible) scan.
func (w *Watcher) EnsureResolved() bool {
	w.mu.Lock()
	w.scanDelay++
	if w.scanDelay >= w.scanEvery {
		w.scanDelay = 0
	}
	due := (!w.resolved && w.scanDelay == 0) || w.forceScan
	if !due {
		resolved := w.resolved
		w.mu.Unlock()
		return resolved
	}
	force := w.forceScan
	w.forceScan = false
	w.resolved = false
	w.scanDelay = 0
	w.mu.Unlock()

	productID := w.settings.GetInt(KeyProductID)
	if productID == DisabledProductID {
		if force {
			w.log.Warnw("tank repeater disabled by settings")
			if err := w.settings.SetString(KeyServiceName, ""); err != nil {
				w.log.Errorw("failed to clear recorded service name", "error", err)
			}
		}
		return false
	}

	return w.scan(productID)
}

func (w *Watcher) scan(productID int) bool {
	names, err := w.bus.ListNames()
	if err != nil {
		w.MarkUnresponsive(err)
		return false
	}

	var match string
	for _, name := range names {
		// our own output services also carry the tank prefix
		if strings.HasPrefix(name, repeater.ServiceName) {
			continue
		}
		if !strings.HasPrefix(name, TankServicePrefix) {
			continue
		}
		v, err := w.bus.GetValue(name, productIDPath)
		if err != nil || !v.Valid() {
			continue
		}
		if int(v.Num) == productID {
			match = name
			break
		}
	}
	if match == "" {
		return false
	}

	owner, err := w.bus.NameOwner(match)
	if err != nil {
		w.MarkUnresponsive(err)
		return false
	}

	w.mu.Lock()
	w.service = match
	w.owner = owner
	w.resolved = true
	w.failureLogged = false
	w.scanDelay = 0
	w.mu.Unlock()

	w.log.Infow("incoming tank connection established", "service", match, "owner", owner)
	if err := w.settings.SetString(KeyServiceName, match); err != nil {
		w.log.Errorw("failed to record incoming tank service name", "error", err)
	}
	if w.onResolve != nil {
		w.onResolve()
	}
	return true
}

// Owner returns the bound sender identity, or false while unresolved.
func (w *Watcher) Owner() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.owner, w.resolved
}

// Read fetches one property of the bound upstream service.
func (w *Watcher) Read(path string) (bus.Value, error) {
	w.mu.Lock()
	service, resolved := w.service, w.resolved
	w.mu.Unlock()
	if !resolved {
		return bus.Value{}, ErrUnresolved
	}
	return w.bus.GetValue(service, path)
}

// MarkUnresponsive clears the binding after a transport failure. The
// failure is logged once per onset; repeats are suppressed until
// resolution is regained.
func (w *Watcher) MarkUnresponsive(err error) {
	w.mu.Lock()
	service := w.service
	logged := w.failureLogged
	w.failureLogged = true
	w.resolved = false
	w.mu.Unlock()

	if !logged {
		w.log.Warnw("no response from incoming tank", "service", service, "error", err)
	}
}

// Binding reports the current binding for the status endpoint.
func (w *Watcher) Binding() Binding {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Binding{
		ProductID: w.settings.GetInt(KeyProductID),
		Service:   w.service,
		Owner:     w.owner,
		Resolved:  w.resolved,
	}
}
