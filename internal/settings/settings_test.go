package settings_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/holmgren-iot/smamon/internal/settings"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadValidatesAndParses(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, `
auto_detect: true
known_ips: ["10.0.0.5"]
devices:
  inv1:
    host: 10.0.0.5
    port: 502
    unit_id: 3
    grid_code: 1
    phase: L1
`)

	s, err := settings.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cur := s.Current()
	if !cur.AutoDetect {
		t.Errorf("auto_detect = false, want true")
	}
	if cur.Devices["inv1"].GridCode != 1 {
		t.Errorf("grid code = %d, want 1", cur.Devices["inv1"].GridCode)
	}
}

func TestLoadRejectsInvalidPhase(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, `
devices:
  inv1:
    host: 10.0.0.5
    port: 502
    phase: L9
`)

	if _, err := settings.Load(path); err == nil {
		t.Fatalf("expected validation error for phase L9")
	}
}

func TestWatchNotifiesOnFieldChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "auto_detect: false\n")

	s, err := settings.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	changed := s.Subscribe("auto_detect")

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- s.Watch(stop) }()
	defer func() {
		close(stop)
		<-done
	}()

	// Give the watcher time to register before mutating the file.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("auto_detect: true\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatalf("no change notification observed")
	}

	if !s.Current().AutoDetect {
		t.Errorf("auto_detect = false after reload, want true")
	}
}
