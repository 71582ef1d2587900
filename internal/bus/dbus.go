package bus

import (
	"fmt"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// busItemInterface is the interface Venus OS services speak for every
// property: GetValue/GetText/SetValue plus a PropertiesChanged signal
// carrying {"Value": variant, "Text": text}.
const busItemInterface = "com.victronenergy.BusItem"

const propertiesChangedMember = busItemInterface + ".PropertiesChanged"

// DBusConn implements Conn over the D-Bus daemon using godbus. Exported
// endpoints each get their own private connection: BusItem objects live
// at fixed paths like /Level, so two services exported on one connection
// would collide.
type DBusConn struct {
	conn *dbus.Conn
	log  *zap.SugaredLogger

	mu       sync.Mutex
	handlers map[string][]ChangeHandler // object path -> handlers
	sigCh    chan *dbus.Signal
	closed   bool
}

// ConnectDBus opens the session bus when DBUS_SESSION_BUS_ADDRESS is set
// (developer machines) and the system bus otherwise (Venus devices).
func ConnectDBus(log *zap.SugaredLogger) (*DBusConn, error) {
	conn, err := connect()
	if err != nil {
		return nil, fmt.Errorf("dbus connect: %w", err)
	}
	return &DBusConn{
		conn:     conn,
		log:      log,
		handlers: make(map[string][]ChangeHandler),
	}, nil
}

func connect() (*dbus.Conn, error) {
	if os.Getenv("DBUS_SESSION_BUS_ADDRESS") != "" {
		return dbus.ConnectSessionBus()
	}
	return dbus.ConnectSystemBus()
}

func (d *DBusConn) ListNames() ([]string, error) {
	var names []string
	err := d.conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names)
	if err != nil {
		return nil, fmt.Errorf("list names: %w", err)
	}
	return names, nil
}

func (d *DBusConn) NameOwner(name string) (string, error) {
	var owner string
	err := d.conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, name).Store(&owner)
	if err != nil {
		return "", fmt.Errorf("name owner %q: %w", name, err)
	}
	return owner, nil
}

func (d *DBusConn) GetValue(service, path string) (Value, error) {
	var variant dbus.Variant
	obj := d.conn.Object(service, dbus.ObjectPath(path))
	if err := obj.Call(busItemInterface+".GetValue", 0).Store(&variant); err != nil {
		return Value{}, fmt.Errorf("get %s%s: %w", service, path, err)
	}
	return variantToValue(variant), nil
}

func (d *DBusConn) SetValue(service, path string, v Value) error {
	var result int32
	obj := d.conn.Object(service, dbus.ObjectPath(path))
	if err := obj.Call(busItemInterface+".SetValue", 0, valueToVariant(v)).Store(&result); err != nil {
		return fmt.Errorf("set %s%s: %w", service, path, err)
	}
	if result != 0 {
		return fmt.Errorf("set %s%s: rejected (%d): %w", service, path, result, ErrInvalidValue)
	}
	return nil
}

func (d *DBusConn) SubscribeChanges(path string, h ChangeHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	if _, ok := d.handlers[path]; !ok {
		err := d.conn.AddMatchSignal(
			dbus.WithMatchInterface(busItemInterface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchObjectPath(dbus.ObjectPath(path)),
		)
		if err != nil {
			return fmt.Errorf("add match %s: %w", path, err)
		}
	}
	d.handlers[path] = append(d.handlers[path], h)

	if d.sigCh == nil {
		d.sigCh = make(chan *dbus.Signal, 64)
		d.conn.Signal(d.sigCh)
		go d.dispatch(d.sigCh)
	}
	return nil
}

// dispatch runs on its own goroutine for the lifetime of the connection,
// so handlers must synchronize against the rest of the program.
func (d *DBusConn) dispatch(ch <-chan *dbus.Signal) {
	for sig := range ch {
		if sig.Name != propertiesChangedMember || len(sig.Body) == 0 {
			continue
		}
		changes, ok := sig.Body[0].(map[string]dbus.Variant)
		if !ok {
			continue
		}

		path := string(sig.Path)
		d.mu.Lock()
		handlers := append([]ChangeHandler(nil), d.handlers[path]...)
		d.mu.Unlock()
		if len(handlers) == 0 {
			continue
		}

		c := Change{Path: path, Value: changesToValue(changes), Sender: sig.Sender}
		for _, h := range handlers {
			h(c)
		}
	}
}

func (d *DBusConn) Export(name string, props []PropertySpec, onWrite WriteHandler) (Endpoint, error) {
	// Private connection per exported service, same as the python velib
	// services do.
	conn, err := connect()
	if err != nil {
		return nil, fmt.Errorf("export %q: connect: %w", name, err)
	}

	ep := &dbusEndpoint{
		conn:    conn,
		name:    name,
		onWrite: onWrite,
		props:   make(map[string]Value, len(props)),
	}
	for _, p := range props {
		ep.props[p.Path] = p.Value
		item := &busItem{ep: ep, path: p.Path, writable: p.Writable}
		if err := conn.Export(item, dbus.ObjectPath(p.Path), busItemInterface); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("export %q: item %s: %w", name, p.Path, err)
		}
	}

	reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("export %q: request name: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		_ = conn.Close()
		return nil, fmt.Errorf("export %q: %w", name, ErrNameTaken)
	}

	d.log.Infow("exported bus service", "name", name)
	return ep, nil
}

func (d *DBusConn) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.conn.Close()
}

// dbusEndpoint is one exported Venus service.
type dbusEndpoint struct {
	conn    *dbus.Conn
	name    string
	onWrite WriteHandler

	mu    sync.RWMutex
	props map[string]Value
}

func (e *dbusEndpoint) Name() string { return e.name }

func (e *dbusEndpoint) Set(path string, v Value) error {
	e.mu.Lock()
	if _, ok := e.props[path]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("set %s%s: %w", e.name, path, ErrNotFound)
	}
	e.props[path] = v
	e.mu.Unlock()

	return e.emitChanged(path, v)
}

func (e *dbusEndpoint) Get(path string) (Value, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.props[path]
	if !ok {
		return Value{}, fmt.Errorf("get %s%s: %w", e.name, path, ErrNotFound)
	}
	return v, nil
}

func (e *dbusEndpoint) emitChanged(path string, v Value) error {
	changes := map[string]dbus.Variant{
		"Value": valueToVariant(v),
		"Text":  dbus.MakeVariant(v.Text),
	}
	return e.conn.Emit(dbus.ObjectPath(path), propertiesChangedMember, changes)
}

// busItem serves the BusItem methods for a single property path.
type busItem struct {
	ep       *dbusEndpoint
	path     string
	writable bool
}

func (b *busItem) GetValue() (dbus.Variant, *dbus.Error) {
	v, err := b.ep.Get(b.path)
	if err != nil {
		return dbus.Variant{}, dbus.MakeFailedError(err)
	}
	return valueToVariant(v), nil
}

func (b *busItem) GetText() (string, *dbus.Error) {
	v, err := b.ep.Get(b.path)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return v.Text, nil
}

func (b *busItem) SetValue(variant dbus.Variant) (int32, *dbus.Error) {
	if !b.writable {
		return 1, nil
	}
	v := variantToValue(variant)
	if b.ep.onWrite != nil && !b.ep.onWrite(b.path, v) {
		return 1, nil
	}
	if err := b.ep.Set(b.path, v); err != nil {
		return 1, dbus.MakeFailedError(err)
	}
	return 0, nil
}

func valueToVariant(v Value) dbus.Variant {
	if v.IsText {
		return dbus.MakeVariant(v.Text)
	}
	return dbus.MakeVariant(v.Num)
}

func changesToValue(changes map[string]dbus.Variant) Value {
	text, _ := changes["Text"].Value().(string)
	if text == "" {
		return Invalid()
	}
	v := variantToValue(changes["Value"])
	v.Text = text
	return v
}

func variantToValue(variant dbus.Variant) Value {
	switch val := variant.Value().(type) {
	case float32:
		return Float(float64(val))
	case float64:
		return Float(val)
	case int16:
		return Float(float64(val))
	case uint16:
		return Float(float64(val))
	case int32:
		return Float(float64(val))
	case uint32:
		return Float(float64(val))
	case int64:
		return Float(float64(val))
	case uint64:
		return Float(float64(val))
	case byte:
		return Float(float64(val))
	case bool:
		if val {
			return Float(1)
		}
		return Float(0)
	case string:
		return Str(val)
	default:
		// Venus publishes an empty array for "no data".
		return Invalid()
	}
}

var _ Conn = (*DBusConn)(nil)
