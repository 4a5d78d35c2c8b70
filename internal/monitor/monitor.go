// Package monitor runs a scheduled health sweep over supervised servers,
// refreshing gauges and surfacing crashed processes in the logs.
package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/walkingzzzy/office-mcp-sub009/internal/observability"
	"github.com/walkingzzzy/office-mcp-sub009/internal/supervisor"
)

// Monitor periodically snapshots supervisor state.
type Monitor struct {
	cron    *cron.Cron
	sup     *supervisor.Supervisor
	logger  *slog.Logger
	metrics *observability.MetricsCollector
}

// New creates a monitor with a standard 5-field cron schedule.
func New(schedule string, sup *supervisor.Supervisor, logger *slog.Logger, metrics *observability.MetricsCollector) (*Monitor, error) {
	m := &Monitor{
		cron:    cron.New(),
		sup:     sup,
		logger:  logger,
		metrics: metrics,
	}
	if _, err := m.cron.AddFunc(schedule, m.Sweep); err != nil {
		return nil, fmt.Errorf("parsing monitor schedule %q: %w", schedule, err)
	}
	return m, nil
}

// Start begins the sweep schedule.
func (m *Monitor) Start() {
	m.cron.Start()
	m.logger.Info("health monitor started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (m *Monitor) Stop(ctx context.Context) {
	stopped := m.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	m.logger.Info("health monitor stopped")
}

// Sweep snapshots every server once. Exported so the gateway can trigger
// an on-demand health check.
func (m *Monitor) Sweep() {
	statuses := m.sup.GetAllStatuses()

	var running, crashed int
	for _, st := range statuses {
		up := 0.0
		if st.Status == supervisor.StatusRunning {
			up = 1.0
			running++
		}
		m.metrics.ProcessUp.WithLabelValues(st.ID).Set(up)

		switch st.Status {
		case supervisor.StatusCrashed:
			crashed++
			m.logger.Error("server in terminal crashed state",
				slog.String("server_id", st.ID),
				slog.Int("restart_count", st.RestartCount),
				slog.String("last_error", st.LastError),
			)
		case supervisor.StatusStopped:
			if st.RestartCount > 0 {
				m.logger.Warn("server flapping",
					slog.String("server_id", st.ID),
					slog.Int("restart_count", st.RestartCount),
				)
			}
		}
	}

	m.logger.Debug("health sweep completed",
		slog.Int("servers", len(statuses)),
		slog.Int("running", running),
		slog.Int("crashed", crashed),
	)
}
