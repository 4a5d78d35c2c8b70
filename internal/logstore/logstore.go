// Package logstore implements a bounded, multi-module, in-memory structured
// log buffer used for observability of the bridge runtime.
//
// Capacity policy:
//   - each module's sequence is capped at MaxLogsPerModule via FIFO trim
//   - at most MaxLogModules distinct modules are kept; adding a new module
//     beyond that evicts the module with the oldest first entry wholesale
//   - a global counter capped at MaxGlobalEntries triggers a sweep removing
//     oldest entries round-robin across modules until usage falls to 80%
package logstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/walkingzzzy/office-mcp-sub009/internal/observability"
)

const (
	// MaxLogModules is the maximum number of distinct modules kept.
	MaxLogModules = 100
	// MaxLogsPerModule caps each module's entry sequence.
	MaxLogsPerModule = 1000
	// MaxGlobalEntries caps the total entry count across all modules.
	MaxGlobalEntries = 50000

	// sweepTarget is the fraction of MaxGlobalEntries the global sweep
	// trims down to.
	sweepTarget = 0.8
)

// Level is a log severity level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel converts a string into a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return Level(s), nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

func (l Level) severity() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	}
	return 1
}

// Entry is a single structured log record.
type Entry struct {
	Time    time.Time      `json:"timestamp"`
	Level   Level          `json:"level"`
	Module  string         `json:"module"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Listener receives every entry added to the store, synchronously.
type Listener func(Entry)

// Query filters entry retrieval.
type Query struct {
	Limit int       // Maximum entries returned. 0 = 100.
	Level Level     // Minimum severity. Empty = all.
	Since time.Time // Only entries after this time. Zero = all.
}

const defaultQueryLimit = 100

type moduleLog struct {
	entries []Entry
}

func (m *moduleLog) oldest() time.Time {
	if len(m.entries) == 0 {
		return time.Time{}
	}
	return m.entries[0].Time
}

// Store is the bounded multi-module log buffer. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	modules   map[string]*moduleLog
	total     int
	listeners map[int]Listener
	nextID    int

	metrics *observability.MetricsCollector // nil = no metrics
}

// New creates an empty log store. The metrics collector may be nil.
func New(metrics *observability.MetricsCollector) *Store {
	return &Store{
		modules:   make(map[string]*moduleLog),
		listeners: make(map[int]Listener),
		metrics:   metrics,
	}
}

// Add appends an entry to the module's sequence, applying the capacity
// policy, then fans the entry out to listeners. A panicking listener does
// not prevent the entry from being stored or other listeners from running.
func (s *Store) Add(module string, e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	e.Module = module

	s.mu.Lock()

	ml, ok := s.modules[module]
	if !ok {
		if len(s.modules) >= MaxLogModules {
			s.evictOldestModuleLocked()
		}
		ml = &moduleLog{}
		s.modules[module] = ml
	}

	ml.entries = append(ml.entries, e)
	s.total++

	if len(ml.entries) > MaxLogsPerModule {
		drop := len(ml.entries) - MaxLogsPerModule
		ml.entries = append([]Entry(nil), ml.entries[drop:]...)
		s.total -= drop
		s.countEvictions(drop)
	}

	if s.total > MaxGlobalEntries {
		s.sweepLocked()
	}

	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.LogEntriesTotal.WithLabelValues(string(e.Level)).Inc()
	}

	for _, fn := range listeners {
		notify(fn, e)
	}
}

func notify(fn Listener, e Entry) {
	defer func() { _ = recover() }()
	fn(e)
}

// evictOldestModuleLocked removes the module whose first entry is oldest.
func (s *Store) evictOldestModuleLocked() {
	var victim string
	var victimTime time.Time
	for name, ml := range s.modules {
		t := ml.oldest()
		if victim == "" || t.Before(victimTime) {
			victim = name
			victimTime = t
		}
	}
	if victim != "" {
		dropped := len(s.modules[victim].entries)
		s.total -= dropped
		delete(s.modules, victim)
		s.countEvictions(dropped)
	}
}

// sweepLocked removes oldest entries round-robin across modules until
// usage falls to the sweep target.
func (s *Store) sweepLocked() {
	target := int(float64(MaxGlobalEntries) * sweepTarget)
	for s.total > target {
		removed := false
		for name, ml := range s.modules {
			if s.total <= target {
				break
			}
			if len(ml.entries) == 0 {
				delete(s.modules, name)
				continue
			}
			ml.entries = append([]Entry(nil), ml.entries[1:]...)
			s.total--
			removed = true
			s.countEvictions(1)
		}
		if !removed {
			break
		}
	}
}

func (s *Store) countEvictions(n int) {
	if s.metrics != nil {
		s.metrics.LogEvictionsTotal.Add(float64(n))
	}
}

// Get returns the most recent matching entries for one module, in
// ascending time order.
func (s *Store) Get(module string, q Query) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ml, ok := s.modules[module]
	if !ok {
		return nil
	}
	return filterEntries(ml.entries, q)
}

// GetAll merges all modules' entries, sorts by timestamp ascending, applies
// the filters, and returns at most Limit of the most recent matches.
func (s *Store) GetAll(q Query) []Entry {
	s.mu.RLock()
	merged := make([]Entry, 0, s.total)
	for _, ml := range s.modules {
		merged = append(merged, ml.entries...)
	}
	s.mu.RUnlock()

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Time.Before(merged[j].Time)
	})
	return filterEntries(merged, q)
}

func filterEntries(entries []Entry, q Query) []Entry {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	matched := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !q.Since.IsZero() && !e.Time.After(q.Since) {
			continue
		}
		if q.Level != "" && e.Level.severity() < q.Level.severity() {
			continue
		}
		matched = append(matched, e)
	}

	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// AddListener registers a synchronous listener and returns a handle for
// removal.
func (s *Store) AddListener(fn Listener) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return id
}

// RemoveListener unregisters the listener with the given handle.
func (s *Store) RemoveListener(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, id)
}

// Clear removes all entries for one module.
func (s *Store) Clear(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ml, ok := s.modules[module]; ok {
		s.total -= len(ml.entries)
		delete(s.modules, module)
	}
}

// ClearAll removes every entry from every module.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules = make(map[string]*moduleLog)
	s.total = 0
}

// Len returns the total entry count across all modules.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// Modules returns the names of all modules currently held.
func (s *Store) Modules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.modules))
	for name := range s.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
