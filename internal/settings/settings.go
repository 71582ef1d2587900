// Package settings implements the durable key/value store the bridge
// keeps its non-volatile configuration in: the upstream product id, the
// matched service name recorded for the GUI, and per-tank custom names.
// Keys are declared up front with a default and, for numeric keys, a
// min/max range. Changes made by other processes are picked up from the
// backing file and reported through change callbacks.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrUnknownKey is returned for keys that were not declared at open time.
var ErrUnknownKey = fmt.Errorf("unknown settings key")

// Spec declares one key. Default must be a string or an int; Min/Max
// apply to int keys only and are ignored when both are zero.
type Spec struct {
	Key     string
	Default any
	Min     int
	Max     int
}

// ChangeFunc observes a value change. It runs on the watcher goroutine
// for external edits and on the caller's goroutine for Set calls made by
// another part of this process.
type ChangeFunc func(key string, old, new any)

// FileStore is a Store backed by a JSON file. External edits (the
// dbus-spy equivalent on a dev machine is a text editor) are detected
// via fsnotify and fire the registered callbacks.
type FileStore struct {
	path string
	log  *zap.SugaredLogger

	mu        sync.Mutex
	specs     map[string]Spec
	values    map[string]any
	callbacks []ChangeFunc
}

// NewFileStore opens or creates the settings file and seeds any missing
// keys with their declared defaults.
func NewFileStore(path string, specs []Spec, log *zap.SugaredLogger) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		log:    log,
		specs:  make(map[string]Spec, len(specs)),
		values: make(map[string]any, len(specs)),
	}
	for _, spec := range specs {
		s.specs[spec.Key] = spec
		s.values[spec.Key] = spec.Default
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return s, nil
}

// OnChange registers a callback fired for every observed value change.
func (s *FileStore) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

// GetInt returns the current value of an int key. Unknown keys return 0;
// they indicate a programming error and are logged.
func (s *FileStore) GetInt(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key].(int)
	if !ok {
		s.log.Errorw("settings: GetInt on unknown or non-int key", "key", key)
		return 0
	}
	return v
}

// GetString returns the current value of a string key.
func (s *FileStore) GetString(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key].(string)
	if !ok {
		s.log.Errorw("settings: GetString on unknown or non-string key", "key", key)
		return ""
	}
	return v
}

// SetInt updates an int key, clamps it to the declared range, persists
// the file, and fires callbacks if the value changed.
func (s *FileStore) SetInt(key string, v int) error {
	return s.set(key, v)
}

// SetString updates a string key, persists, and fires callbacks.
func (s *FileStore) SetString(key, v string) error {
	return s.set(key, v)
}

func (s *FileStore) set(key string, v any) error {
	s.mu.Lock()
	spec, ok := s.specs[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set %q: %w", key, ErrUnknownKey)
	}
	if iv, isInt := v.(int); isInt {
		v = clamp(iv, spec)
	}
	old := s.values[key]
	if old == v {
		s.mu.Unlock()
		return nil
	}
	s.values[key] = v
	err := s.persistLocked()
	callbacks := append([]ChangeFunc(nil), s.callbacks...)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, fn := range callbacks {
		fn(key, old, v)
	}
	return nil
}

// Watch follows the backing file for external edits until ctx is done.
// Self-initiated writes update memory first, so reloading them produces
// no diff and no callbacks.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings watcher: %w", err)
	}
	// Watch the directory: editors and atomic writers replace the file,
	// which drops a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("settings watch %s: %w", s.path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				s.reload()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (s *FileStore) reload() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var onDisk map[string]any
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		s.log.Warnw("settings: ignoring malformed settings file", "path", s.path, "error", err)
		return
	}

	type change struct{ key string; old, new any }
	var changes []change

	s.mu.Lock()
	for key, spec := range s.specs {
		raw, ok := onDisk[key]
		if !ok {
			continue
		}
		v, ok := coerce(raw, spec)
		if !ok {
			continue
		}
		if old := s.values[key]; old != v {
			s.values[key] = v
			changes = append(changes, change{key, old, v})
		}
	}
	callbacks := append([]ChangeFunc(nil), s.callbacks...)
	s.mu.Unlock()

	for _, c := range changes {
		s.log.Infow("settings changed externally", "key", c.key, "old", c.old, "new", c.new)
		for _, fn := range callbacks {
			fn(c.key, c.old, c.new)
		}
	}
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read settings %s: %w", s.path, err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	for key, spec := range s.specs {
		if rawVal, ok := onDisk[key]; ok {
			if v, ok := coerce(rawVal, spec); ok {
				s.values[key] = v
			}
		}
	}
	return nil
}

func (s *FileStore) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *FileStore) persistLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// coerce converts a decoded JSON value to the key's declared type.
// JSON numbers decode as float64.
func coerce(raw any, spec Spec) (any, bool) {
	switch spec.Default.(type) {
	case int:
		f, ok := raw.(float64)
		if !ok {
			return nil, false
		}
		return clamp(int(f), spec), true
	case string:
		str, ok := raw.(string)
		if !ok {
			return nil, false
		}
		return str, true
	default:
		return nil, false
	}
}

func clamp(v int, spec Spec) int {
	if spec.Min == 0 && spec.Max == 0 {
		return v
	}
	if v < spec.Min {
		return spec.Min
	}
	if v > spec.Max {
		return spec.Max
	}
	return v
}
