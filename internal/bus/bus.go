// Package bus defines the transport the bridge talks through and the
// adapters implementing it. The interface mirrors the Victron BusItem
// model: every property is a (value, text) pair addressed by a slash
// path, services are flat name -> property maps, and property changes
// are broadcast to subscribers together with the sender's identity.
package bus

import (
	"errors"
	"strconv"
)

// Common errors.
var (
	ErrClosed       = errors.New("bus closed")
	ErrNotFound     = errors.New("service or property not found")
	ErrNameTaken    = errors.New("service name already taken")
	ErrInvalidValue = errors.New("invalid value")
)

// Value is a BusItem property value: a number or a string, plus the
// display text. An empty Text marks the value as invalid - the upstream
// driver publishes empty text when a field holds no usable reading.
type Value struct {
	Num    float64
	Text   string
	IsText bool
}

// Float builds a numeric Value.
func Float(f float64) Value {
	return Value{Num: f, Text: strconv.FormatFloat(f, 'g', -1, 64)}
}

// Int builds a numeric Value from an integer.
func Int(i int) Value {
	return Value{Num: float64(i), Text: strconv.Itoa(i)}
}

// Str builds a string Value.
func Str(s string) Value {
	return Value{Text: s, IsText: true}
}

// Invalid returns the empty-text value the upstream publishes for a
// field with no data.
func Invalid() Value {
	return Value{}
}

// Valid reports whether the value carries usable data.
func (v Value) Valid() bool {
	return v.Text != ""
}

// Change is one property-change notification delivered to subscribers.
type Change struct {
	Path   string
	Value  Value
	Sender string // stable identity of the service that changed
}

// ChangeHandler consumes property-change notifications. Adapters may
// invoke it from their own dispatch goroutine; handlers must be safe to
// call concurrently with the rest of the program.
type ChangeHandler func(Change)

// PropertySpec declares one property on an exported endpoint.
type PropertySpec struct {
	Path     string
	Value    Value
	Writable bool
}

// WriteHandler is invoked when an external client writes a writable
// property. Returning false rejects the write.
type WriteHandler func(path string, v Value) bool

// Conn is the bridge's view of the message bus.
type Conn interface {
	// ListNames returns the names of all currently active services.
	ListNames() ([]string, error)

	// NameOwner returns the stable identity owning a service name.
	NameOwner(name string) (string, error)

	// GetValue reads one property of a remote service. May fail
	// transiently while the remote end is restarting.
	GetValue(service, path string) (Value, error)

	// SetValue writes one property of a remote service.
	SetValue(service, path string, v Value) error

	// SubscribeChanges registers a handler for change notifications on
	// the given property path, regardless of which service emits them.
	// Callers filter by Change.Sender.
	SubscribeChanges(path string, h ChangeHandler) error

	// Export publishes a new service under the given name. Writes to
	// writable properties are routed through onWrite.
	Export(name string, props []PropertySpec, onWrite WriteHandler) (Endpoint, error)

	// Close shuts down the connection.
	Close() error
}

// Endpoint is one service exported by this process.
type Endpoint interface {
	// Name returns the service name the endpoint was exported under.
	Name() string

	// Set updates a property and notifies subscribers.
	Set(path string, v Value) error

	// Get reads a property of this endpoint.
	Get(path string) (Value, error)
}
