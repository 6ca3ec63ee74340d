// Package configstore gates configuration changes: it validates a
// candidate tree, runs it through the reapply engine and rolls back to the
// previous configuration when any instance fails.
package configstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/plugin"
	"github.com/psaab/netcfgd/pkg/reconcile"
)

// Engine runs reconciliation passes.
type Engine interface {
	Reapply(ctx context.Context, tree config.Tree, dryRun bool) (*reconcile.Result, error)
	Manifest() *plugin.Manifest
}

// RejectedError is returned when a candidate configuration is refused.
type RejectedError struct {
	Reasons []string
	// Validation is set when the candidate never reached the engine.
	Validation bool
	// RolledBack is set when the previous configuration was re-applied.
	RolledBack bool
	// RollbackErr is the rollback pass failure, if any. It is logged only.
	RollbackErr error
}

func (e *RejectedError) Error() string {
	kind := "config rejected"
	if e.Validation {
		kind = "config invalid"
	}
	return kind + ": " + strings.Join(e.Reasons, "; ")
}

// IsRejected reports whether err is a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// Options configures a Store.
type Options struct {
	// FilePath is where the active tree is saved. Empty disables saving.
	FilePath string
	// DefaultPath is the packaged default tree used when nothing is active.
	DefaultPath string
	HistorySize int
	DB          *DB
}

// Store holds the active configuration and applies candidates.
type Store struct {
	engine Engine
	opts   Options

	applyMu sync.Mutex // serializes TryApply

	mu       sync.RWMutex
	active   config.Tree
	defaults config.Tree
	history  *History
}

// New creates a store in front of engine.
func New(engine Engine, opts Options) *Store {
	return &Store{
		engine:  engine,
		opts:    opts,
		history: NewHistory(opts.HistorySize),
	}
}

// Load reads the saved configuration and the packaged default from disk
// and seeds history from the database. Nothing is applied.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.DefaultPath != "" {
		tree, err := config.Load(s.opts.DefaultPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("default config: %w", err)
		}
		s.defaults = tree
	}
	if s.opts.FilePath != "" {
		tree, err := config.Load(s.opts.FilePath)
		switch {
		case err == nil:
			s.active = tree
		case errors.Is(err, os.ErrNotExist):
			slog.Info("no saved configuration, using default", "path", s.opts.FilePath)
		default:
			return err
		}
	}
	if s.opts.DB != nil {
		entries, err := s.opts.DB.Recent(s.history.maxSize)
		if err != nil {
			return err
		}
		for _, e := range entries {
			s.history.Push(e)
		}
	}
	return nil
}

// Save writes the active configuration to FilePath.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.opts.FilePath == "" || s.active == nil {
		return nil
	}
	data, err := s.active.Format()
	if err != nil {
		return fmt.Errorf("format config: %w", err)
	}
	tmp := s.opts.FilePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.opts.FilePath), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.opts.FilePath); err != nil {
		return fmt.Errorf("install config: %w", err)
	}
	return nil
}

// Active returns a copy of the active configuration, falling back to the
// packaged default, or an empty tree.
func (s *Store) Active() config.Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.basisLocked()
}

func (s *Store) basisLocked() config.Tree {
	switch {
	case s.active != nil:
		return s.active.Clone()
	case s.defaults != nil:
		return s.defaults.Clone()
	default:
		return config.Tree{}
	}
}

// History lists accepted configurations, most recent first.
func (s *Store) History() []*HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.List()
}

// Validate checks a candidate without touching the system.
func (s *Store) Validate(tree config.Tree) error {
	if reasons := Validate(s.engine.Manifest(), tree); len(reasons) > 0 {
		return &RejectedError{Reasons: reasons, Validation: true}
	}
	return nil
}

// Boot applies the active configuration (or the default) at startup. A
// failing instance is logged; the configuration stays active.
func (s *Store) Boot(ctx context.Context) (*reconcile.Result, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	tree := s.Active()
	res, err := s.engine.Reapply(ctx, tree, false)
	if err != nil {
		return nil, err
	}
	for _, msg := range res.Messages() {
		slog.Warn("boot configuration instance failed", "err", msg)
	}
	return res, nil
}

// TryApply validates tree and reconciles the system to it. If any
// instance fails, the previous configuration is re-applied and a
// RejectedError carrying the failures is returned with the failed pass's
// result. A dry run validates and plans without changing anything.
func (s *Store) TryApply(ctx context.Context, tree config.Tree, dryRun bool) (*reconcile.Result, error) {
	return s.apply(ctx, tree, dryRun, "")
}

// TryApplyComment is TryApply with a history comment.
func (s *Store) TryApplyComment(ctx context.Context, tree config.Tree, comment string) (*reconcile.Result, error) {
	return s.apply(ctx, tree, false, comment)
}

func (s *Store) apply(ctx context.Context, tree config.Tree, dryRun bool, comment string) (*reconcile.Result, error) {
	if tree == nil {
		tree = config.Tree{}
	}
	if err := s.Validate(tree); err != nil {
		slog.Warn("candidate configuration invalid", "err", err)
		return nil, err
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	prev := s.Active()
	res, err := s.engine.Reapply(ctx, tree, dryRun)
	if err != nil {
		return nil, &RejectedError{Reasons: []string{err.Error()}}
	}
	if dryRun {
		if len(res.Errors) > 0 {
			return res, &RejectedError{Reasons: res.Messages()}
		}
		return res, nil
	}

	if len(res.Errors) > 0 {
		rej := &RejectedError{Reasons: res.Messages(), RolledBack: true}
		slog.Warn("candidate configuration failed, rolling back", "errors", len(res.Errors))
		rres, rerr := s.engine.Reapply(ctx, prev, false)
		switch {
		case rerr != nil:
			rej.RollbackErr = rerr
		case len(rres.Errors) > 0:
			rej.RollbackErr = rres.Err()
		}
		if rej.RollbackErr != nil {
			slog.Error("rollback incomplete", "err", rej.RollbackErr)
		}
		return res, rej
	}

	entry := &HistoryEntry{Config: tree.Clone(), Timestamp: res.Timestamp, Comment: comment}
	s.mu.Lock()
	s.active = tree.Clone()
	s.history.Push(entry)
	s.mu.Unlock()

	if s.opts.DB != nil {
		if err := s.opts.DB.Insert(entry); err != nil {
			slog.Warn("failed to record config history", "err", err)
		} else if err := s.opts.DB.Prune(s.history.maxSize); err != nil {
			slog.Warn("failed to prune config history", "err", err)
		}
	}
	if err := s.Save(); err != nil {
		slog.Warn("failed to save configuration", "err", err)
	}
	return res, nil
}

// Rollback re-applies the nth most recent accepted configuration
// (0 = the current one) through the same gate.
func (s *Store) Rollback(ctx context.Context, n int) (*reconcile.Result, error) {
	s.mu.RLock()
	entry, err := s.history.Get(n)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, entry.Config.Clone(), false,
		fmt.Sprintf("rollback to %s", entry.Timestamp.Format(time.RFC3339)))
}
