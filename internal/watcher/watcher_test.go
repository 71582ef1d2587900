package watcher

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/venustools/tankbridge/internal/bus"
)

type fakeConn struct {
	mu        sync.Mutex
	services  map[string]map[string]bus.Value // name -> path -> value
	owners    map[string]string
	listCalls int
	listErr   error
	getErr    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		services: make(map[string]map[string]bus.Value),
		owners:   make(map[string]string),
	}
}

func (f *fakeConn) addService(name, owner string, productID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[name] = map[string]bus.Value{"/ProductId": bus.Int(productID)}
	f.owners[name] = owner
}

func (f *fakeConn) ListNames() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	names := make([]string, 0, len(f.services))
	for name := range f.services {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeConn) NameOwner(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[name]
	if !ok {
		return "", bus.ErrNotFound
	}
	return owner, nil
}

func (f *fakeConn) GetValue(service, path string) (bus.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return bus.Value{}, f.getErr
	}
	props, ok := f.services[service]
	if !ok {
		return bus.Value{}, bus.ErrNotFound
	}
	v, ok := props[path]
	if !ok {
		return bus.Value{}, bus.ErrNotFound
	}
	return v, nil
}

func (f *fakeConn) lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type fakeStore struct {
	mu      sync.Mutex
	ints    map[string]int
	strings map[string]string
	setLog  []string
}

func newFakeStore(productID int) *fakeStore {
	return &fakeStore{
		ints:    map[string]int{KeyProductID: productID},
		strings: map[string]string{KeyServiceName: ""},
	}
}

func (f *fakeStore) GetInt(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ints[key]
}

func (f *fakeStore) SetString(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strings[key] = value
	f.setLog = append(f.setLog, key+"="+value)
	return nil
}

func (f *fakeStore) recorded() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strings[KeyServiceName]
}

func TestEnsureResolved_MatchesConfiguredProductID(t *testing.T) {
	conn := newFakeConn()
	conn.addService("com.victronenergy.tank.ttyO2", ":1.7", 41312)
	conn.addService("com.victronenergy.battery.ttyO1", ":1.3", 41312)
	store := newFakeStore(41312)
	w := New(conn, store, 10, zap.NewNop().Sugar())

	resolved := 0
	w.OnResolve(func() { resolved++ })

	require.True(t, w.EnsureResolved())
	require.Equal(t, 1, resolved)
	require.Equal(t, "com.victronenergy.tank.ttyO2", store.recorded())

	owner, ok := w.Owner()
	require.True(t, ok)
	require.Equal(t, ":1.7", owner)
}

func TestEnsureResolved_SkipsOwnRepeaterServices(t *testing.T) {
	conn := newFakeConn()
	// a repeater output service with a matching product id must never
	// be bound as the upstream
	conn.addService("com.victronenergy.tank.repeater_1", ":1.9", 41312)
	store := newFakeStore(41312)
	w := New(conn, store, 10, zap.NewNop().Sugar())

	require.False(t, w.EnsureResolved())
	_, ok := w.Owner()
	require.False(t, ok)
}

func TestEnsureResolved_NoMatchWrongProductID(t *testing.T) {
	conn := newFakeConn()
	conn.addService("com.victronenergy.tank.ttyO2", ":1.7", 12345)
	w := New(conn, newFakeStore(41312), 10, zap.NewNop().Sugar())
	require.False(t, w.EnsureResolved())
}

func TestEnsureResolved_ScansOnCadenceWhileUnresolved(t *testing.T) {
	conn := newFakeConn()
	w := New(conn, newFakeStore(41312), 10, zap.NewNop().Sugar())

	w.EnsureResolved() // initial forced scan
	require.Equal(t, 1, conn.lists())

	for i := 0; i < 10; i++ {
		w.EnsureResolved()
	}
	// only the tick where the delay wrapped may rescan
	require.Equal(t, 2, conn.lists())
}

func TestEnsureResolved_NoScanWhileResolved(t *testing.T) {
	conn := newFakeConn()
	conn.addService("com.victronenergy.tank.ttyO2", ":1.7", 41312)
	w := New(conn, newFakeStore(41312), 10, zap.NewNop().Sugar())

	require.True(t, w.EnsureResolved())
	calls := conn.lists()
	for i := 0; i < 30; i++ {
		require.True(t, w.EnsureResolved())
	}
	require.Equal(t, calls, conn.lists())
}

func TestEnsureResolved_ProductIDChangeForcesImmediateRescan(t *testing.T) {
	conn := newFakeConn()
	conn.addService("com.victronenergy.tank.ttyO2", ":1.7", 41312)
	conn.addService("com.victronenergy.tank.sim", ":1.8", 999999)
	store := newFakeStore(41312)
	w := New(conn, store, 10, zap.NewNop().Sugar())

	require.True(t, w.EnsureResolved())

	store.mu.Lock()
	store.ints[KeyProductID] = 999999
	store.mu.Unlock()
	w.SettingChanged(KeyProductID, 41312, 999999)

	require.True(t, w.EnsureResolved())
	b := w.Binding()
	require.Equal(t, "com.victronenergy.tank.sim", b.Service)
	require.Equal(t, ":1.8", b.Owner)
}

func TestEnsureResolved_DisabledSentinelClearsRecordedName(t *testing.T) {
	conn := newFakeConn()
	conn.addService("com.victronenergy.tank.ttyO2", ":1.7", 41312)
	store := newFakeStore(DisabledProductID)
	store.strings[KeyServiceName] = "com.victronenergy.tank.ttyO2"
	w := New(conn, store, 10, zap.NewNop().Sugar())

	require.False(t, w.EnsureResolved())
	require.Equal(t, "", store.recorded())
	require.Zero(t, conn.lists(), "disabled watcher must not scan the bus")
}

func TestMarkUnresponsive_LogsOncePerOnset(t *testing.T) {
	conn := newFakeConn()
	conn.addService("com.victronenergy.tank.ttyO2", ":1.7", 41312)
	core, logs := observer.New(zap.WarnLevel)
	w := New(conn, newFakeStore(41312), 10, zap.New(core).Sugar())

	require.True(t, w.EnsureResolved())

	for i := 0; i < 5; i++ {
		w.MarkUnresponsive(errors.New("timeout"))
	}
	require.Equal(t, 1, logs.FilterMessage("no response from incoming tank").Len())

	_, ok := w.Owner()
	require.False(t, ok)

	// resolution regained: the next onset logs again
	for i := 0; i < 11; i++ {
		if w.EnsureResolved() {
			break
		}
	}
	_, ok = w.Owner()
	require.True(t, ok)
	w.MarkUnresponsive(errors.New("timeout"))
	require.Equal(t, 2, logs.FilterMessage("no response from incoming tank").Len())
}

func TestRead_FailsWhileUnresolved(t *testing.T) {
	w := New(newFakeConn(), newFakeStore(41312), 10, zap.NewNop().Sugar())
	_, err := w.Read("/Level")
	require.ErrorIs(t, err, ErrUnresolved)
}
