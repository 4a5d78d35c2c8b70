package logstore

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func addN(t *testing.T, s *Store, module string, n int) {
	t.Helper()
	base := time.Now().Add(-time.Duration(n) * time.Millisecond)
	for i := 0; i < n; i++ {
		s.Add(module, Entry{
			Time:    base.Add(time.Duration(i) * time.Millisecond),
			Level:   LevelInfo,
			Message: fmt.Sprintf("%s-%d", module, i),
		})
	}
}

func TestPerModuleCap(t *testing.T) {
	s := New(nil)
	addN(t, s, "A", MaxLogsPerModule+1)

	got := s.Get("A", Query{Limit: MaxLogsPerModule + 10})
	if len(got) != MaxLogsPerModule {
		t.Fatalf("module holds %d entries, want %d", len(got), MaxLogsPerModule)
	}
	// The oldest entry (index 0) must have been dropped.
	if got[0].Message != "A-1" {
		t.Errorf("oldest surviving entry = %q, want %q", got[0].Message, "A-1")
	}
	if got[len(got)-1].Message != fmt.Sprintf("A-%d", MaxLogsPerModule) {
		t.Errorf("newest entry = %q", got[len(got)-1].Message)
	}
}

func TestModuleCountEviction(t *testing.T) {
	s := New(nil)
	for i := 0; i < MaxLogModules; i++ {
		s.Add(fmt.Sprintf("m%03d", i), Entry{Time: time.Now().Add(time.Duration(i) * time.Millisecond), Message: "x"})
	}
	// One more module: the module with the oldest first entry (m000) goes.
	s.Add("newcomer", Entry{Message: "y"})

	mods := s.Modules()
	if len(mods) != MaxLogModules {
		t.Fatalf("got %d modules, want %d", len(mods), MaxLogModules)
	}
	if got := s.Get("m000", Query{}); got != nil {
		t.Errorf("m000 should have been evicted, still has %d entries", len(got))
	}
	if got := s.Get("newcomer", Query{}); len(got) != 1 {
		t.Errorf("newcomer missing after eviction")
	}
}

func TestGlobalSweep(t *testing.T) {
	s := New(nil)
	// Fill 60 modules up to nearly the per-module cap so the global cap
	// trips first.
	perModule := MaxGlobalEntries/60 + 20
	if perModule > MaxLogsPerModule {
		t.Fatalf("test setup: perModule %d exceeds module cap", perModule)
	}
	for i := 0; i < 60; i++ {
		addN(t, s, fmt.Sprintf("mod%02d", i), perModule)
	}

	if s.Len() > MaxGlobalEntries {
		t.Fatalf("total %d exceeds global cap %d", s.Len(), MaxGlobalEntries)
	}
	if added := 60 * perModule; s.Len() >= added {
		t.Errorf("no entries were swept: total = %d, added = %d", s.Len(), added)
	}

	// Crossing the cap by a single entry must trim usage to the sweep target.
	s2 := New(nil)
	for i := 0; i < 50; i++ {
		addN(t, s2, fmt.Sprintf("x%02d", i), 999)
	}
	addN(t, s2, "y", MaxGlobalEntries-s2.Len()+1)
	target := int(float64(MaxGlobalEntries) * sweepTarget)
	if s2.Len() != target {
		t.Errorf("after sweep total = %d, want %d", s2.Len(), target)
	}
}

func TestGetAllMergeSortFilter(t *testing.T) {
	s := New(nil)
	now := time.Now()
	s.Add("a", Entry{Time: now.Add(1 * time.Second), Level: LevelInfo, Message: "first"})
	s.Add("b", Entry{Time: now.Add(3 * time.Second), Level: LevelError, Message: "third"})
	s.Add("a", Entry{Time: now.Add(2 * time.Second), Level: LevelWarn, Message: "second"})

	all := s.GetAll(Query{})
	if len(all) != 3 {
		t.Fatalf("got %d entries, want 3", len(all))
	}
	for i, want := range []string{"first", "second", "third"} {
		if all[i].Message != want {
			t.Errorf("entry %d = %q, want %q", i, all[i].Message, want)
		}
	}

	warns := s.GetAll(Query{Level: LevelWarn})
	if len(warns) != 2 {
		t.Fatalf("level filter: got %d, want 2", len(warns))
	}

	since := s.GetAll(Query{Since: now.Add(1 * time.Second)})
	if len(since) != 2 {
		t.Fatalf("since filter: got %d, want 2", len(since))
	}

	limited := s.GetAll(Query{Limit: 1})
	if len(limited) != 1 || limited[0].Message != "third" {
		t.Fatalf("limit should keep the most recent match, got %v", limited)
	}
}

func TestListenerFanOutAndIsolation(t *testing.T) {
	s := New(nil)
	var got []string
	id := s.AddListener(func(e Entry) { got = append(got, e.Message) })
	s.AddListener(func(Entry) { panic("bad listener") })
	var second []string
	s.AddListener(func(e Entry) { second = append(second, e.Message) })

	s.Add("m", Entry{Message: "hello"})

	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("first listener got %v", got)
	}
	if len(second) != 1 {
		t.Errorf("panicking listener blocked the others")
	}
	if s.Len() != 1 {
		t.Errorf("entry not stored despite panicking listener")
	}

	s.RemoveListener(id)
	s.Add("m", Entry{Message: "again"})
	if len(got) != 1 {
		t.Errorf("removed listener still invoked")
	}
}

func TestClear(t *testing.T) {
	s := New(nil)
	addN(t, s, "a", 5)
	addN(t, s, "b", 5)

	s.Clear("a")
	if s.Len() != 5 {
		t.Errorf("after Clear(a) total = %d, want 5", s.Len())
	}
	s.ClearAll()
	if s.Len() != 0 {
		t.Errorf("after ClearAll total = %d, want 0", s.Len())
	}
}

func TestSlogHandlerRoutesModules(t *testing.T) {
	s := New(nil)
	logger := slog.New(NewHandler(s, &HandlerOptions{Level: slog.LevelDebug, DefaultModule: "core"}))

	logger.Info("plain message", slog.String("k", "v"))
	logger.Warn("supervisor message", slog.String(ModuleKey, "supervisor"), slog.Int("pid", 42))

	core := s.Get("core", Query{})
	if len(core) != 1 || core[0].Message != "plain message" {
		t.Fatalf("core module entries: %v", core)
	}
	if core[0].Data["k"] != "v" {
		t.Errorf("attr not captured: %v", core[0].Data)
	}

	sup := s.Get("supervisor", Query{})
	if len(sup) != 1 || sup[0].Level != LevelWarn {
		t.Fatalf("supervisor module entries: %v", sup)
	}
	if _, ok := sup[0].Data[ModuleKey]; ok {
		t.Error("module attr should not leak into data")
	}
}

func TestSQLiteSinkPersistsEntries(t *testing.T) {
	s := New(nil)
	path := filepath.Join(t.TempDir(), "logs.db")
	sink, err := NewSQLiteSink(path, s, nil)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}

	s.Add("supervisor", Entry{Message: "started", Level: LevelInfo, Data: map[string]any{"pid": 7}})
	s.Add("proxy", Entry{Message: "request", Level: LevelDebug})

	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen and count rows.
	s2 := New(nil)
	sink2, err := NewSQLiteSink(path, s2, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer sink2.Close()

	var count int64
	if err := sink2.db.Model(&sinkRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("persisted %d rows, want 2", count)
	}
}
