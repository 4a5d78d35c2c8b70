package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/walkingzzzy/office-mcp-sub009/internal/observability"
)

type fakeProcess struct {
	pid int

	exitCh chan error
	once   sync.Once

	mu            sync.Mutex
	terminates    int
	kills         int
	ignoreSignals bool
}

func (p *fakeProcess) exitWith(err error) {
	p.once.Do(func() { p.exitCh <- err })
}

func (p *fakeProcess) PID() int    { return p.pid }
func (p *fakeProcess) Wait() error { return <-p.exitCh }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminates++
	ignore := p.ignoreSignals
	p.mu.Unlock()
	if !ignore {
		p.exitWith(nil)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.exitWith(errors.New("killed"))
	return nil
}

func (p *fakeProcess) Stdin() io.WriteCloser { return nil }
func (p *fakeProcess) Stdout() io.Reader     { return nil }

type fakeLauncher struct {
	mu            sync.Mutex
	procs         []*fakeProcess
	failNext      error
	ignoreSignals bool
}

func (l *fakeLauncher) Launch(cfg ServerConfig) (process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		return nil, err
	}
	p := &fakeProcess{
		pid:           1000 + len(l.procs),
		exitCh:        make(chan error, 1),
		ignoreSignals: l.ignoreSignals,
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func newTestSupervisor(t *testing.T, cfg Config) (*Supervisor, *fakeLauncher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, logger, observability.NewMetricsCollector())
	fl := &fakeLauncher{}
	s.launcher = fl
	return s, fl
}

func fastConfig() Config {
	return Config{
		BaseRestartDelay: 5 * time.Millisecond,
		MaxRestartDelay:  20 * time.Millisecond,
		MaxRestarts:      3,
		StopTimeout:      100 * time.Millisecond,
	}
}

func nodeServer(id string) ServerConfig {
	return ServerConfig{ID: id, Name: id, Command: "node", Args: []string{"server.js"}, Enabled: true}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func TestRegisterIdempotent(t *testing.T) {
	s, _ := newTestSupervisor(t, fastConfig())
	if err := s.Register(nodeServer("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Register(nodeServer("a")); err != nil {
		t.Fatalf("second Register() error = %v", err)
	}
	if got := len(s.GetAllStatuses()); got != 1 {
		t.Errorf("got %d status records, want 1", got)
	}
	st, ok := s.GetStatus("a")
	if !ok || st.Status != StatusStopped || st.RestartCount != 0 {
		t.Errorf("fresh status = %+v", st)
	}
}

func TestStartValidationNeverSpawns(t *testing.T) {
	s, fl := newTestSupervisor(t, fastConfig())
	cfg := nodeServer("a")
	cfg.Command = "bash"
	if err := s.Register(cfg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := s.Start(context.Background(), "a")
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if fl.launches() != 0 {
		t.Error("validation failure still spawned a process")
	}
	st, _ := s.GetStatus("a")
	if st.Status != StatusStopped {
		t.Errorf("status = %q, want stopped", st.Status)
	}
}

func TestStartInjectionInArgsNeverSpawns(t *testing.T) {
	s, fl := newTestSupervisor(t, fastConfig())
	cfg := nodeServer("a")
	cfg.Args = []string{"server.js", "; rm -rf /"}
	if err := s.Register(cfg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := s.Start(context.Background(), "a")
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if fl.launches() != 0 {
		t.Error("injection attempt still spawned a process")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	s, fl := newTestSupervisor(t, fastConfig())
	if err := s.Register(nodeServer("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := s.Start(context.Background(), "a"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	st, _ := s.GetStatus("a")
	if st.Status != StatusRunning || st.PID != 1000 || st.StartedAt == nil {
		t.Errorf("running status = %+v", st)
	}

	if err := s.Stop(context.Background(), "a"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	st, _ = s.GetStatus("a")
	if st.Status != StatusStopped || st.PID != 0 || st.StartedAt != nil {
		t.Errorf("stopped status = %+v", st)
	}
	if fl.proc(0).terminates != 1 {
		t.Errorf("terminates = %d, want 1", fl.proc(0).terminates)
	}
	if fl.proc(0).kills != 0 {
		t.Error("graceful stop escalated to kill")
	}
}

func TestStopEscalatesToKillAfterTimeout(t *testing.T) {
	s, fl := newTestSupervisor(t, Config{
		BaseRestartDelay: 5 * time.Millisecond,
		MaxRestartDelay:  20 * time.Millisecond,
		MaxRestarts:      3,
		StopTimeout:      10 * time.Millisecond,
	})
	fl.ignoreSignals = true

	if err := s.Register(nodeServer("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Start(context.Background(), "a"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Stop(context.Background(), "a"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	p := fl.proc(0)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminates != 1 || p.kills != 1 {
		t.Errorf("terminates=%d kills=%d, want 1 and 1", p.terminates, p.kills)
	}
}

func TestSpawnFailureMarksCrashed(t *testing.T) {
	s, fl := newTestSupervisor(t, fastConfig())
	fl.failNext = errors.New("no such file or directory")

	if err := s.Register(nodeServer("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	// OS-level spawn failures surface in the status record, not the call.
	if err := s.Start(context.Background(), "a"); err != nil {
		t.Fatalf("Start() error = %v, want nil", err)
	}
	st, _ := s.GetStatus("a")
	if st.Status != StatusCrashed {
		t.Errorf("status = %q, want crashed", st.Status)
	}
	if st.LastError == "" {
		t.Error("LastError empty after spawn failure")
	}
}

func TestCrashRestartsWithBackoffUntilCap(t *testing.T) {
	s, fl := newTestSupervisor(t, fastConfig())
	if err := s.Register(nodeServer("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Start(context.Background(), "a"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Crash every incarnation. MaxRestarts=3 allows three automatic
	// restarts, so four launches total before the terminal state.
	for i := 0; i < 4; i++ {
		waitFor(t, time.Second, func() bool { return fl.launches() == i+1 },
			fmt.Sprintf("launch %d", i+1))
		fl.proc(i).exitWith(errors.New("boom"))
	}

	waitFor(t, time.Second, func() bool {
		st, _ := s.GetStatus("a")
		return st.Status == StatusCrashed
	}, "terminal crashed status")

	time.Sleep(50 * time.Millisecond)
	if fl.launches() != 4 {
		t.Errorf("launches = %d, want 4 (no restarts past the cap)", fl.launches())
	}
	st, _ := s.GetStatus("a")
	if st.RestartCount != 4 {
		t.Errorf("restartCount = %d, want 4", st.RestartCount)
	}
	if st.LastError != "boom" {
		t.Errorf("lastError = %q, want boom", st.LastError)
	}
}

func TestStatusReadsDoNotBlockDuringStop(t *testing.T) {
	cfg := fastConfig()
	cfg.StopTimeout = 300 * time.Millisecond
	s, fl := newTestSupervisor(t, cfg)
	fl.ignoreSignals = true

	if err := s.Register(nodeServer("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Start(context.Background(), "a"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	stopDone := make(chan error, 1)
	go func() {
		stopDone <- s.Stop(context.Background(), "a")
	}()

	// Stop is now waiting out the grace period for a child that ignores
	// SIGTERM. Snapshot reads must still return immediately.
	waitFor(t, time.Second, func() bool {
		st, _ := s.GetStatus("a")
		return st.Status == StatusStopping
	}, "server never entered stopping")

	start := time.Now()
	st, ok := s.GetStatus("a")
	if !ok || st.Status != StatusStopping {
		t.Errorf("GetStatus() = %+v, %v", st, ok)
	}
	if all := s.GetAllStatuses(); len(all) != 1 {
		t.Errorf("GetAllStatuses() returned %d records", len(all))
	}
	if _, ok := s.GetConfig("a"); !ok {
		t.Error("GetConfig() lost the server")
	}
	if elapsed := time.Since(start); elapsed >= cfg.StopTimeout {
		t.Errorf("status reads took %s, blocked behind the stop wait", elapsed)
	}

	if err := <-stopDone; err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	st, _ = s.GetStatus("a")
	if st.Status != StatusStopped {
		t.Errorf("status after stop = %q", st.Status)
	}
	if fl.proc(0).kills != 1 {
		t.Errorf("kills = %d, want escalation to 1", fl.proc(0).kills)
	}
}

func TestRestartDelayDoublesAndCaps(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{}) // defaults: base 1s, cap 60s

	tests := []struct {
		count int
		want  time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},  // 64s capped
		{40, 60 * time.Second}, // shift overflow absorbed by the cap
	}
	for _, tt := range tests {
		if got := s.restartDelay(tt.count); got != tt.want {
			t.Errorf("restartDelay(%d) = %s, want %s", tt.count, got, tt.want)
		}
	}
}

func TestStopCancelsPendingRestart(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseRestartDelay = 200 * time.Millisecond
	s, fl := newTestSupervisor(t, cfg)

	if err := s.Register(nodeServer("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Start(context.Background(), "a"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	fl.proc(0).exitWith(errors.New("boom"))
	waitFor(t, time.Second, func() bool {
		st, _ := s.GetStatus("a")
		return st.RestartCount == 1
	}, "crash handled")

	if err := s.Stop(context.Background(), "a"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if fl.launches() != 1 {
		t.Errorf("launches = %d, stop did not cancel the pending restart", fl.launches())
	}
	st, _ := s.GetStatus("a")
	if st.Status != StatusStopped {
		t.Errorf("status = %q, want stopped", st.Status)
	}
}

func TestManualStartResetsRestartCount(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseRestartDelay = 200 * time.Millisecond
	s, fl := newTestSupervisor(t, cfg)

	if err := s.Register(nodeServer("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Start(context.Background(), "a"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	fl.proc(0).exitWith(errors.New("boom"))
	waitFor(t, time.Second, func() bool {
		st, _ := s.GetStatus("a")
		return st.RestartCount == 1
	}, "crash handled")

	if err := s.Stop(context.Background(), "a"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := s.Start(context.Background(), "a"); err != nil {
		t.Fatalf("manual Start() error = %v", err)
	}

	st, _ := s.GetStatus("a")
	if st.RestartCount != 0 {
		t.Errorf("restartCount = %d after manual start, want 0", st.RestartCount)
	}
	if st.Status != StatusRunning {
		t.Errorf("status = %q, want running", st.Status)
	}
}

func TestConcurrentStartConflicts(t *testing.T) {
	s, _ := newTestSupervisor(t, fastConfig())
	if err := s.Register(nodeServer("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ms, _ := s.lookup("a")
	ms.mu.Lock()
	err := s.Start(context.Background(), "a")
	ms.mu.Unlock()
	if !errors.Is(err, ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}
}

func TestStartWhileRunningConflicts(t *testing.T) {
	s, _ := newTestSupervisor(t, fastConfig())
	if err := s.Register(nodeServer("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Start(context.Background(), "a"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background(), "a"); !errors.Is(err, ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}
}

func TestRestart(t *testing.T) {
	s, fl := newTestSupervisor(t, fastConfig())
	if err := s.Register(nodeServer("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Start(context.Background(), "a"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Restart(context.Background(), "a"); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if fl.launches() != 2 {
		t.Errorf("launches = %d, want 2", fl.launches())
	}
	st, _ := s.GetStatus("a")
	if st.Status != StatusRunning || st.PID != 1001 {
		t.Errorf("status after restart = %+v", st)
	}
}

func TestUnregisterStopsAndRemoves(t *testing.T) {
	s, fl := newTestSupervisor(t, fastConfig())
	if err := s.Register(nodeServer("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Start(context.Background(), "a"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Unregister(context.Background(), "a"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if _, ok := s.GetStatus("a"); ok {
		t.Error("status record survived unregister")
	}
	if fl.proc(0).terminates != 1 {
		t.Error("unregister did not stop the process")
	}
	if err := s.Start(context.Background(), "a"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("error = %v, want ErrNotRegistered", err)
	}
}

func TestAutoStart(t *testing.T) {
	s, fl := newTestSupervisor(t, fastConfig())
	auto := nodeServer("auto")
	auto.AutoStart = true
	idle := nodeServer("idle")
	disabled := nodeServer("disabled")
	disabled.AutoStart = true
	disabled.Enabled = false

	for _, cfg := range []ServerConfig{auto, idle, disabled} {
		if err := s.Register(cfg); err != nil {
			t.Fatalf("Register(%s) error = %v", cfg.ID, err)
		}
	}

	s.AutoStart(context.Background())
	if fl.launches() != 1 {
		t.Fatalf("launches = %d, want 1", fl.launches())
	}
	st, _ := s.GetStatus("auto")
	if st.Status != StatusRunning {
		t.Errorf("auto server status = %q, want running", st.Status)
	}
	st, _ = s.GetStatus("idle")
	if st.Status != StatusStopped {
		t.Errorf("idle server status = %q, want stopped", st.Status)
	}
}

func TestShutdownStopsAll(t *testing.T) {
	s, fl := newTestSupervisor(t, fastConfig())
	for _, id := range []string{"a", "b"} {
		if err := s.Register(nodeServer(id)); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if err := s.Start(context.Background(), id); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	}

	s.Shutdown(context.Background())
	for _, st := range s.GetAllStatuses() {
		if st.Status != StatusStopped {
			t.Errorf("server %s status = %q, want stopped", st.ID, st.Status)
		}
	}
	if fl.launches() != 2 {
		t.Errorf("launches = %d, want 2", fl.launches())
	}
}

func TestReadyAfterDelaysRunning(t *testing.T) {
	cfg := fastConfig()
	cfg.ReadyAfter = 30 * time.Millisecond
	s, _ := newTestSupervisor(t, cfg)

	if err := s.Register(nodeServer("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Start(context.Background(), "a"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	st, _ := s.GetStatus("a")
	if st.Status != StatusStarting {
		t.Errorf("status = %q immediately after start, want starting", st.Status)
	}
	waitFor(t, time.Second, func() bool {
		st, _ := s.GetStatus("a")
		return st.Status == StatusRunning
	}, "starting->running transition")
}
