package configstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherAppliesFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netcfgd.yaml")
	s, e := newTestStore(t, Options{FilePath: path})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatcher(path, s)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("interface:\n  lan0: {address: 10.0.0.1/24}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	applied := func() bool {
		lan, _ := s.Active().Category([]string{"interface"})
		return lan["lan0"]["address"] == "10.0.0.1/24"
	}
	deadline := time.Now().Add(3 * time.Second)
	for !applied() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !applied() {
		t.Fatal("file change was not applied")
	}
	if e.Stats().Passes == 0 {
		t.Error("engine never ran")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Error("watcher did not stop")
	}
}
