// Package settings implements the settings store: a validated,
// file-backed configuration the pollers only ever read. Mutation
// happens externally (an operator editing the file); this package
// watches for that and turns it into per-field property-changed
// notifications.
package settings

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DeviceSettings configures one statically-known inverter. Devices
// found by the discovery scanner rather than listed here still get a
// DeviceSettings record, synthesized by the agent with only Host and
// Port set (the other fields are zero).
type DeviceSettings struct {
	Host     string `yaml:"host" validate:"required,ip"`
	Port     uint16 `yaml:"port" validate:"required"`
	UnitID   uint8  `yaml:"unit_id"`
	GridCode uint32 `yaml:"grid_code"`
	// Phase is one of "L1", "L2", "L3"; only meaningful for
	// single-phase inverters.
	Phase string `yaml:"phase" validate:"omitempty,oneof=L1 L2 L3"`
}

// Settings is the on-disk document this store loads and validates.
type Settings struct {
	AutoDetect bool `yaml:"auto_detect"`

	// KnownIPAddresses is loaded, validated and change-notified
	// ("known_ips"); the agent does not connect to these addresses.
	// IPAddresses is the scanner's current working range.
	KnownIPAddresses []string `yaml:"known_ips" validate:"dive,ip"`
	IPAddresses      []string `yaml:"ip_addresses" validate:"dive,ip"`

	Devices map[string]DeviceSettings `yaml:"devices" validate:"dive"`
}

// Store holds the current validated Settings and notifies subscribers
// when a reload changes a watched field.
type Store struct {
	path     string
	validate *validator.Validate

	mu      sync.RWMutex
	current Settings

	subMu sync.Mutex
	subs  map[string][]chan struct{}
}

// Load reads and validates path, returning a Store seeded with the
// result. Call Watch to keep it live.
func Load(path string) (*Store, error) {
	s := &Store{
		path:     path,
		validate: validator.New(),
		subs:     make(map[string][]chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("settings: read %s: %w", s.path, err)
	}

	var next Settings
	if err := yaml.Unmarshal(b, &next); err != nil {
		return fmt.Errorf("settings: parse %s: %w", s.path, err)
	}
	if err := s.validate.Struct(next); err != nil {
		return fmt.Errorf("settings: validate %s: %w", s.path, err)
	}

	s.mu.Lock()
	prev := s.current
	s.current = next
	s.mu.Unlock()

	s.notifyChanges(prev, next)
	return nil
}

// Current returns a snapshot of the settings currently in effect.
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe returns a channel that receives a notification (an empty
// struct, not the new value — callers re-read via Current) whenever
// field changes on reload. field is one of "auto_detect", "known_ips",
// "ip_addresses", or "devices"; unrecognized names are accepted but
// never fire.
func (s *Store) Subscribe(field string) <-chan struct{} {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ch := make(chan struct{}, 1)
	s.subs[field] = append(s.subs[field], ch)
	return ch
}

func (s *Store) notifyChanges(prev, next Settings) {
	if prev.AutoDetect != next.AutoDetect {
		s.notify("auto_detect")
	}
	if !stringsEqual(prev.KnownIPAddresses, next.KnownIPAddresses) {
		s.notify("known_ips")
	}
	if !stringsEqual(prev.IPAddresses, next.IPAddresses) {
		s.notify("ip_addresses")
	}
	if !devicesEqual(prev.Devices, next.Devices) {
		s.notify("devices")
	}
}

func (s *Store) notify(field string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[field] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch runs until stop is closed, re-validating and swapping in the
// settings file on every write event. A write that fails to parse or
// validate is logged and the previous settings are kept in effect —
// an operator typo must not crash a running daemon.
func (s *Store) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: new watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.path); err != nil {
		return fmt.Errorf("settings: watch %s: %w", s.path, err)
	}

	for {
		select {
		case <-stop:
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("settings: watcher error", "err", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				slog.Warn("settings: reload failed, keeping previous settings", "err", err)
			}
		}
	}
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func devicesEqual(a, b map[string]DeviceSettings) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
