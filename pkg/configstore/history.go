package configstore

import (
	"fmt"
	"time"

	"github.com/psaab/netcfgd/pkg/config"
)

// HistoryEntry is a snapshot of an accepted configuration.
type HistoryEntry struct {
	ID        int64       `json:"id"`
	Config    config.Tree `json:"config"`
	Timestamp time.Time   `json:"timestamp"`
	Comment   string      `json:"comment,omitempty"`
}

// History is a ring buffer of accepted configurations for rollback.
type History struct {
	entries []*HistoryEntry
	maxSize int
}

// NewHistory creates a new History with the given maximum size.
func NewHistory(maxSize int) *History {
	if maxSize <= 0 {
		maxSize = 50
	}
	return &History{maxSize: maxSize}
}

// Push adds a snapshot, evicting the oldest when full.
func (h *History) Push(entry *HistoryEntry) {
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.maxSize {
		h.entries = h.entries[1:]
	}
}

// Get returns the nth most recent entry (0 = most recent).
func (h *History) Get(n int) (*HistoryEntry, error) {
	if n < 0 || n >= len(h.entries) {
		return nil, fmt.Errorf("rollback %d: no such configuration (have %d entries)",
			n, len(h.entries))
	}
	return h.entries[len(h.entries)-1-n], nil
}

// Len returns the number of entries.
func (h *History) Len() int {
	return len(h.entries)
}

// List returns all entries, most recent first.
func (h *History) List() []*HistoryEntry {
	result := make([]*HistoryEntry, len(h.entries))
	for i, entry := range h.entries {
		result[len(h.entries)-1-i] = entry
	}
	return result
}
