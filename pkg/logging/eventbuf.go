package logging

import (
	"sync"
	"time"
)

// Record kinds.
const (
	KindPass  = "pass"
	KindWAN   = "wan"
	KindEvent = "event"
)

// Record is one entry of the event buffer.
type Record struct {
	Seq     uint64         `json:"seq"`
	Time    time.Time      `json:"time"`
	Kind    string         `json:"kind"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// EventBuffer is a thread-safe circular buffer of recent records.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []Record
	size  int
	head  int // next write position
	count int
	seq   uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives records added after it was created.
type Subscription struct {
	C  chan Record
	eb *EventBuffer
}

// Close unsubscribes. C is not closed.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer returns a buffer holding the last size records.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]Record, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add stamps rec with the next sequence number (and the current time if
// unset), stores it and offers it to every subscriber without blocking.
func (eb *EventBuffer) Add(rec Record) Record {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	if rec.Level == "" {
		rec.Level = "info"
	}
	eb.mu.Lock()
	eb.seq++
	rec.Seq = eb.seq
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // slow subscriber
		}
	}
	eb.subMu.RUnlock()
	return rec
}

// Subscribe returns a subscription with a channel of bufSize records.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{C: make(chan Record, bufSize), eb: eb}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	delete(eb.subs, sub)
	eb.subMu.Unlock()
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	Kind  string
	After uint64 // only records with a larger Seq
}

func (f Filter) Match(rec *Record) bool {
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	return rec.Seq > f.After
}

// LatestFiltered returns up to n matching records, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f Filter) []Record {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Record
	for i := 0; i < eb.count && len(out) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.Match(&eb.buf[idx]) {
			out = append(out, eb.buf[idx])
		}
	}
	return out
}

// Latest returns up to n records, newest first.
func (eb *EventBuffer) Latest(n int) []Record {
	return eb.LatestFiltered(n, Filter{})
}

// Len returns the number of stored records.
func (eb *EventBuffer) Len() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.count
}
