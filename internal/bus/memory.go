package bus

import (
	"fmt"
	"sync"
)

// MemoryBus implements Conn in process memory. Useful for tests and
// single-process scenarios; notifications are delivered synchronously on
// the goroutine that performed the write.
type MemoryBus struct {
	mu       sync.RWMutex
	services map[string]*memEndpoint
	subs     map[string][]ChangeHandler // property path -> handlers
	ownerSeq int
	closed   bool
}

type memEndpoint struct {
	bus     *MemoryBus
	name    string
	owner   string
	onWrite WriteHandler

	mu       sync.RWMutex
	props    map[string]Value
	writable map[string]bool
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		services: make(map[string]*memEndpoint),
		subs:     make(map[string][]ChangeHandler),
	}
}

func (b *MemoryBus) ListNames() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	names := make([]string, 0, len(b.services))
	for name := range b.services {
		names = append(names, name)
	}
	return names, nil
}

func (b *MemoryBus) NameOwner(name string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep, ok := b.services[name]
	if !ok {
		return "", fmt.Errorf("name owner %q: %w", name, ErrNotFound)
	}
	return ep.owner, nil
}

func (b *MemoryBus) GetValue(service, path string) (Value, error) {
	b.mu.RLock()
	ep, ok := b.services[service]
	b.mu.RUnlock()
	if !ok {
		return Value{}, fmt.Errorf("get %s%s: %w", service, path, ErrNotFound)
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	v, ok := ep.props[path]
	if !ok {
		return Value{}, fmt.Errorf("get %s%s: %w", service, path, ErrNotFound)
	}
	return v, nil
}

func (b *MemoryBus) SetValue(service, path string, v Value) error {
	b.mu.RLock()
	ep, ok := b.services[service]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("set %s%s: %w", service, path, ErrNotFound)
	}

	ep.mu.RLock()
	_, exists := ep.props[path]
	writable := ep.writable[path]
	onWrite := ep.onWrite
	ep.mu.RUnlock()

	if !exists || !writable {
		return fmt.Errorf("set %s%s: %w", service, path, ErrNotFound)
	}
	if onWrite != nil && !onWrite(path, v) {
		return fmt.Errorf("set %s%s: %w", service, path, ErrInvalidValue)
	}
	return ep.Set(path, v)
}

func (b *MemoryBus) SubscribeChanges(path string, h ChangeHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.subs[path] = append(b.subs[path], h)
	return nil
}

func (b *MemoryBus) Export(name string, props []PropertySpec, onWrite WriteHandler) (Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.services[name]; ok {
		return nil, fmt.Errorf("export %q: %w", name, ErrNameTaken)
	}

	b.ownerSeq++
	ep := &memEndpoint{
		bus:      b,
		name:     name,
		owner:    fmt.Sprintf(":mem.%d", b.ownerSeq),
		onWrite:  onWrite,
		props:    make(map[string]Value, len(props)),
		writable: make(map[string]bool),
	}
	for _, p := range props {
		ep.props[p.Path] = p.Value
		if p.Writable {
			ep.writable[p.Path] = true
		}
	}
	b.services[name] = ep
	return ep, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.services = make(map[string]*memEndpoint)
	b.subs = make(map[string][]ChangeHandler)
	return nil
}

// Remove withdraws a service from the bus, simulating a remote peer
// going away. Subsequent reads fail with ErrNotFound.
func (b *MemoryBus) Remove(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.services, name)
}

func (b *MemoryBus) notify(path string, v Value, sender string) {
	b.mu.RLock()
	handlers := append([]ChangeHandler(nil), b.subs[path]...)
	b.mu.RUnlock()

	ch := Change{Path: path, Value: v, Sender: sender}
	for _, h := range handlers {
		h(ch)
	}
}

func (e *memEndpoint) Name() string { return e.name }

func (e *memEndpoint) Set(path string, v Value) error {
	e.mu.Lock()
	if _, ok := e.props[path]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("set %s%s: %w", e.name, path, ErrNotFound)
	}
	e.props[path] = v
	e.mu.Unlock()

	e.bus.notify(path, v, e.owner)
	return nil
}

func (e *memEndpoint) Get(path string) (Value, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.props[path]
	if !ok {
		return Value{}, fmt.Errorf("get %s%s: %w", e.name, path, ErrNotFound)
	}
	return v, nil
}

var _ Conn = (*MemoryBus)(nil)
