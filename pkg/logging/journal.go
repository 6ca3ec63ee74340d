package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Journal appends records to a local file as JSON lines, rotating it by
// size.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	maxSize  int64
	maxFiles int
	written  int64
}

// JournalConfig configures a Journal.
type JournalConfig struct {
	Path     string
	MaxSize  int64 // bytes, default 10MB
	MaxFiles int   // rotated files kept, default 5
}

// OpenJournal opens (or creates) the journal file for appending.
func OpenJournal(cfg JournalConfig) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10 * 1024 * 1024
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 5
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &Journal{file: f, path: cfg.Path, maxSize: cfg.MaxSize, maxFiles: cfg.MaxFiles}
	if info, err := f.Stat(); err == nil {
		j.written = info.Size()
	}
	return j, nil
}

// Write appends one record.
func (j *Journal) Write(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("journal closed")
	}
	n, err := j.file.Write(line)
	j.written += int64(n)
	if err != nil {
		return err
	}
	if j.written >= j.maxSize {
		j.rotate()
	}
	return nil
}

// Follow writes every record of sub until it is closed or done fires.
func (j *Journal) Follow(sub *Subscription, done <-chan struct{}) {
	defer sub.Close()
	for {
		select {
		case <-done:
			return
		case rec := <-sub.C:
			if err := j.Write(rec); err != nil {
				slog.Warn("journal write failed", "path", j.path, "err", err)
			}
		}
	}
}

// Close closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// rotate shifts path.N to path.N+1, path to path.1, and reopens path.
func (j *Journal) rotate() {
	j.file.Close()
	j.file = nil

	os.Remove(fmt.Sprintf("%s.%d", j.path, j.maxFiles))
	for i := j.maxFiles - 1; i > 0; i-- {
		os.Rename(fmt.Sprintf("%s.%d", j.path, i), fmt.Sprintf("%s.%d", j.path, i+1))
	}
	os.Rename(j.path, j.path+".1")

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		slog.Warn("reopen rotated journal", "path", j.path, "err", err)
		return
	}
	j.file = f
	j.written = 0
}
