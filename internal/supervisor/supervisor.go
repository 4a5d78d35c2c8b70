// Package supervisor owns the lifecycle of configured child tool-server
// processes: spawning, crash detection, and backoff-based restart. Every
// spawn is validated by cmdvalidate first; a validation failure never
// reaches the operating system.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/walkingzzzy/office-mcp-sub009/internal/cmdvalidate"
	"github.com/walkingzzzy/office-mcp-sub009/internal/observability"
)

// Restart policy defaults.
const (
	DefaultBaseRestartDelay = 1 * time.Second
	DefaultMaxRestartDelay  = 60 * time.Second
	DefaultMaxRestarts      = 5
	DefaultStopTimeout      = 10 * time.Second
)

// Status values for a supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusCrashed  Status = "crashed"
)

var (
	// ErrNotRegistered is returned for operations on an unknown server id.
	ErrNotRegistered = errors.New("server not registered")

	// ErrConflict is returned when a lifecycle operation is already in
	// flight for the same server id.
	ErrConflict = errors.New("operation already in flight for server")

	// ErrNotRunning is returned by operations that need a live process.
	ErrNotRunning = errors.New("server is not running")
)

// ValidationError wraps a command validation failure. Start returns it
// without spawning anything.
type ValidationError struct {
	Reason error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("command validation: %v", e.Reason) }
func (e *ValidationError) Unwrap() error { return e.Reason }

// ServerConfig describes one supervised tool server.
type ServerConfig struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name"`
	Command   string            `json:"command" yaml:"command"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Cwd       string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Enabled   bool              `json:"enabled" yaml:"enabled"`
	AutoStart bool              `json:"autoStart" yaml:"autoStart"`
}

// ProcessStatus is a point-in-time snapshot of a supervised process.
type ProcessStatus struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       Status     `json:"status"`
	PID          int        `json:"pid,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	RestartCount int        `json:"restartCount"`
	LastError    string     `json:"lastError,omitempty"`
}

// Config tunes the restart policy. Zero values take the defaults above.
type Config struct {
	BaseRestartDelay time.Duration
	MaxRestartDelay  time.Duration
	MaxRestarts      int
	StopTimeout      time.Duration

	// ReadyAfter delays the starting→running transition. Zero means a
	// successful spawn is immediately considered running.
	ReadyAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseRestartDelay == 0 {
		c.BaseRestartDelay = DefaultBaseRestartDelay
	}
	if c.MaxRestartDelay == 0 {
		c.MaxRestartDelay = DefaultMaxRestartDelay
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStopTimeout
	}
}

// managedServer pairs a config with its status record. Lifecycle operations
// for one id serialize on mu; operations across ids are independent.
// A stop can hold mu for up to the stop timeout while waiting on the child,
// so the status and config snapshots readers see are guarded by statusMu
// instead. Mutations happen under both locks; snapshot reads take only
// statusMu and never wait behind a lifecycle operation.
type managedServer struct {
	mu sync.Mutex

	statusMu sync.Mutex
	config   ServerConfig
	status   ProcessStatus

	proc   process
	exited chan struct{}
	// gen increments on every spawn and deliberate stop so stale exit
	// watchers and timers can detect they no longer own the process.
	gen int

	restartTimer *time.Timer

	// MCP session cache, owned by discovery.go. Invalidated by gen.
	mcpSession *mcpSession
}

func (ms *managedServer) snapshot() ProcessStatus {
	ms.statusMu.Lock()
	defer ms.statusMu.Unlock()
	return ms.status
}

// setStatus applies a status mutation. The caller must hold ms.mu.
func (ms *managedServer) setStatus(mutate func(*ProcessStatus)) {
	ms.statusMu.Lock()
	defer ms.statusMu.Unlock()
	mutate(&ms.status)
}

// Supervisor manages all registered tool servers.
type Supervisor struct {
	mu      sync.RWMutex
	servers map[string]*managedServer

	cfg      Config
	launcher launcher
	logger   *slog.Logger
	metrics  *observability.MetricsCollector
}

// New creates a Supervisor. Child output is routed to logger; transitions
// and crashes are counted on metrics.
func New(cfg Config, logger *slog.Logger, metrics *observability.MetricsCollector) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		servers:  make(map[string]*managedServer),
		cfg:      cfg,
		launcher: &osLauncher{logger: logger},
		logger:   logger,
		metrics:  metrics,
	}
}

// Register adds a server with a fresh stopped status. Registering an id
// again updates the config and keeps the existing status record.
func (s *Supervisor) Register(config ServerConfig) error {
	if config.ID == "" {
		return errors.New("server config missing id")
	}
	if config.Command == "" {
		return errors.New("server config missing command")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ms, ok := s.servers[config.ID]; ok {
		ms.mu.Lock()
		ms.statusMu.Lock()
		ms.config = config
		ms.status.Name = config.Name
		ms.statusMu.Unlock()
		ms.mu.Unlock()
		return nil
	}

	s.servers[config.ID] = &managedServer{
		config: config,
		status: ProcessStatus{ID: config.ID, Name: config.Name, Status: StatusStopped},
	}
	s.logger.Info("server registered",
		slog.String("server_id", config.ID),
		slog.String("command", config.Command),
	)
	return nil
}

// Unregister stops the server if needed and removes its status record.
func (s *Supervisor) Unregister(ctx context.Context, id string) error {
	ms, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, id)
	}

	ms.mu.Lock()
	s.stopLocked(ctx, ms)
	ms.mu.Unlock()

	s.mu.Lock()
	delete(s.servers, id)
	s.mu.Unlock()

	s.metrics.ProcessUp.DeleteLabelValues(id)
	s.logger.Info("server unregistered", slog.String("server_id", id))
	return nil
}

// Start validates and spawns the server's process. A second Start while
// another lifecycle operation holds the id is rejected with ErrConflict.
// Spawn-level OS failures (binary missing, permission denied) land in the
// status record as a crash rather than in the returned error.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	ms, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, id)
	}

	if !ms.mu.TryLock() {
		return fmt.Errorf("%w: %q", ErrConflict, id)
	}
	defer ms.mu.Unlock()

	return s.startLocked(ctx, ms, true)
}

// Stop terminates the server's process, escalating to a kill after the
// stop timeout. A pending crash-restart timer is cancelled first.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	ms, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, id)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	s.stopLocked(ctx, ms)
	return nil
}

// Restart is a stop followed by a start under one serialized operation.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	ms, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, id)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	s.stopLocked(ctx, ms)
	return s.startLocked(ctx, ms, true)
}

// GetStatus returns a snapshot for one server. Never blocks on a
// lifecycle operation in flight.
func (s *Supervisor) GetStatus(id string) (ProcessStatus, bool) {
	ms, ok := s.lookup(id)
	if !ok {
		return ProcessStatus{}, false
	}
	return ms.snapshot(), true
}

// GetAllStatuses returns snapshots for every registered server.
func (s *Supervisor) GetAllStatuses() []ProcessStatus {
	s.mu.RLock()
	servers := make([]*managedServer, 0, len(s.servers))
	for _, ms := range s.servers {
		servers = append(servers, ms)
	}
	s.mu.RUnlock()

	statuses := make([]ProcessStatus, 0, len(servers))
	for _, ms := range servers {
		statuses = append(statuses, ms.snapshot())
	}
	return statuses
}

// GetConfig returns the registered config for one server.
func (s *Supervisor) GetConfig(id string) (ServerConfig, bool) {
	ms, ok := s.lookup(id)
	if !ok {
		return ServerConfig{}, false
	}
	ms.statusMu.Lock()
	defer ms.statusMu.Unlock()
	return ms.config, true
}

// AutoStart starts every enabled server flagged for automatic startup.
func (s *Supervisor) AutoStart(ctx context.Context) {
	s.mu.RLock()
	var ids []string
	for id, ms := range s.servers {
		if ms.config.Enabled && ms.config.AutoStart {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.Start(ctx, id); err != nil {
			s.logger.Warn("auto-start failed",
				slog.String("server_id", id),
				slog.Any("error", err),
			)
		}
	}
}

// Shutdown stops all running servers.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.RLock()
	servers := make([]*managedServer, 0, len(s.servers))
	for _, ms := range s.servers {
		servers = append(servers, ms)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ms := range servers {
		wg.Add(1)
		go func(ms *managedServer) {
			defer wg.Done()
			ms.mu.Lock()
			s.stopLocked(ctx, ms)
			ms.mu.Unlock()
		}(ms)
	}
	wg.Wait()
}

func (s *Supervisor) lookup(id string) (*managedServer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.servers[id]
	return ms, ok
}

// startLocked spawns under ms.mu. Manual starts forgive prior crash history
// by resetting the restart counter; automatic restarts do not.
func (s *Supervisor) startLocked(ctx context.Context, ms *managedServer, manual bool) error {
	if ms.status.Status == StatusRunning || ms.status.Status == StatusStarting {
		return fmt.Errorf("%w: %q already running", ErrConflict, ms.config.ID)
	}
	s.cancelRestartTimerLocked(ms)

	result := cmdvalidate.ValidateCommandWithArgs(ms.config.Command, ms.config.Args)
	if !result.Valid {
		return &ValidationError{Reason: result.Err}
	}
	if err := cmdvalidate.ValidateEnv(ms.config.Env); err != nil {
		return &ValidationError{Reason: err}
	}
	for _, w := range result.Warnings {
		s.logger.Warn("command validation warning",
			slog.String("server_id", ms.config.ID),
			slog.String("warning", w),
		)
	}

	ms.setStatus(func(st *ProcessStatus) {
		if manual {
			st.RestartCount = 0
		}
		st.Status = StatusStarting
		st.LastError = ""
	})

	proc, err := s.launcher.Launch(ms.config)
	if err != nil {
		ms.setStatus(func(st *ProcessStatus) {
			st.Status = StatusCrashed
			st.LastError = err.Error()
		})
		s.metrics.ProcessCrashesTotal.WithLabelValues(ms.config.ID).Inc()
		s.metrics.ProcessUp.WithLabelValues(ms.config.ID).Set(0)
		s.logger.Error("spawn failed",
			slog.String("server_id", ms.config.ID),
			slog.String("command", ms.config.Command),
			slog.Any("error", err),
		)
		// Spawn failures surface through the status record, not the call.
		return nil
	}

	ms.gen++
	gen := ms.gen
	ms.proc = proc
	ms.exited = make(chan struct{})
	ms.mcpSession = nil

	now := time.Now()
	ms.setStatus(func(st *ProcessStatus) {
		st.PID = proc.PID()
		st.StartedAt = &now
		if s.cfg.ReadyAfter <= 0 {
			st.Status = StatusRunning
		}
	})
	if s.cfg.ReadyAfter > 0 {
		time.AfterFunc(s.cfg.ReadyAfter, func() {
			ms.mu.Lock()
			defer ms.mu.Unlock()
			if ms.gen == gen && ms.status.Status == StatusStarting {
				ms.setStatus(func(st *ProcessStatus) { st.Status = StatusRunning })
			}
		})
	}

	s.metrics.ProcessUp.WithLabelValues(ms.config.ID).Set(1)
	s.logger.Info("server started",
		slog.String("server_id", ms.config.ID),
		slog.Int("pid", proc.PID()),
		slog.Int("restart_count", ms.status.RestartCount),
	)

	exited := ms.exited
	go func() {
		waitErr := proc.Wait()
		close(exited)
		s.handleExit(ms, gen, waitErr)
	}()

	return nil
}

// stopLocked brings the process down under ms.mu. Safe on any state; a
// stopped or crashed server just settles to stopped.
func (s *Supervisor) stopLocked(ctx context.Context, ms *managedServer) {
	s.cancelRestartTimerLocked(ms)

	if ms.proc == nil || (ms.status.Status != StatusRunning && ms.status.Status != StatusStarting) {
		ms.setStatus(func(st *ProcessStatus) {
			st.Status = StatusStopped
			st.PID = 0
			st.StartedAt = nil
		})
		return
	}

	ms.setStatus(func(st *ProcessStatus) { st.Status = StatusStopping })
	// Claim the process: the exit watcher for the old generation becomes
	// stale and will not treat this exit as a crash.
	ms.gen++
	ms.mcpSession = nil

	proc, exited := ms.proc, ms.exited

	if err := proc.Terminate(); err != nil {
		s.logger.Warn("terminate signal failed",
			slog.String("server_id", ms.config.ID),
			slog.Any("error", err),
		)
	}

	select {
	case <-exited:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("graceful stop timed out, killing process group",
			slog.String("server_id", ms.config.ID),
			slog.Int("pid", ms.status.PID),
		)
		if err := proc.Kill(); err != nil {
			s.logger.Error("kill failed",
				slog.String("server_id", ms.config.ID),
				slog.Any("error", err),
			)
		}
		<-exited
	case <-ctx.Done():
		// Caller gave up waiting; kill and reap.
		_ = proc.Kill()
		<-exited
	}

	ms.proc = nil
	ms.setStatus(func(st *ProcessStatus) {
		st.Status = StatusStopped
		st.PID = 0
		st.StartedAt = nil
	})
	s.metrics.ProcessUp.WithLabelValues(ms.config.ID).Set(0)
	s.logger.Info("server stopped", slog.String("server_id", ms.config.ID))
}

// handleExit reacts to an unexpected process exit. Deliberate stops bump
// the generation first, so only genuine crashes arrive here.
func (s *Supervisor) handleExit(ms *managedServer, gen int, waitErr error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.gen != gen {
		return
	}

	reason := "process exited"
	if waitErr != nil {
		reason = waitErr.Error()
	}

	ms.proc = nil
	ms.mcpSession = nil
	ms.setStatus(func(st *ProcessStatus) {
		st.PID = 0
		st.StartedAt = nil
		st.LastError = reason
		st.RestartCount++
	})

	s.metrics.ProcessCrashesTotal.WithLabelValues(ms.config.ID).Inc()
	s.metrics.ProcessUp.WithLabelValues(ms.config.ID).Set(0)

	if ms.status.RestartCount > s.cfg.MaxRestarts {
		ms.setStatus(func(st *ProcessStatus) { st.Status = StatusCrashed })
		s.logger.Error("server crashed too many times, giving up",
			slog.String("server_id", ms.config.ID),
			slog.Int("restart_count", ms.status.RestartCount),
			slog.String("reason", reason),
		)
		return
	}

	delay := s.restartDelay(ms.status.RestartCount)

	ms.setStatus(func(st *ProcessStatus) { st.Status = StatusStopped })
	s.metrics.ProcessRestartsTotal.WithLabelValues(ms.config.ID).Inc()
	s.logger.Warn("server crashed, scheduling restart",
		slog.String("server_id", ms.config.ID),
		slog.String("reason", reason),
		slog.Int("restart_count", ms.status.RestartCount),
		slog.Duration("delay", delay),
	)

	ms.restartTimer = time.AfterFunc(delay, func() {
		ms.mu.Lock()
		defer ms.mu.Unlock()
		if ms.restartTimer == nil {
			// Cancelled by a stop or unregister that lost the race.
			return
		}
		ms.restartTimer = nil
		if ms.status.Status != StatusStopped {
			return
		}
		if err := s.startLocked(context.Background(), ms, false); err != nil {
			s.logger.Error("scheduled restart failed",
				slog.String("server_id", ms.config.ID),
				slog.Any("error", err),
			)
		}
	})
}

// restartDelay computes the backoff before restart attempt count:
// base * 2^(count-1), capped at the maximum. The shift overflows to a
// non-positive value for large counts, which the cap also absorbs.
func (s *Supervisor) restartDelay(count int) time.Duration {
	delay := s.cfg.BaseRestartDelay << (count - 1)
	if delay > s.cfg.MaxRestartDelay || delay <= 0 {
		delay = s.cfg.MaxRestartDelay
	}
	return delay
}

func (s *Supervisor) cancelRestartTimerLocked(ms *managedServer) {
	if ms.restartTimer != nil {
		ms.restartTimer.Stop()
		ms.restartTimer = nil
	}
}
