// Package health tracks whether the remote style API is reachable.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stylebench/internal/styleapi"
)

type State string

const (
	StateChecking State = "checking"
	StateOnline   State = "online"
	StateOffline  State = "offline"
)

type Checker interface {
	Health(ctx context.Context) (styleapi.HealthResponse, error)
}

type Snapshot struct {
	State        State      `json:"state"`
	RemoteStatus string     `json:"remote_status,omitempty"`
	LastChecked  *time.Time `json:"last_checked,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

type Monitor struct {
	checker  Checker
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	snap Snapshot
}

func NewMonitor(checker Checker, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		checker:  checker,
		interval: interval,
		timeout:  10 * time.Second,
		logger:   logger,
		now:      time.Now,
		snap:     Snapshot{State: StateChecking},
	}
}

// Run checks immediately and then once per interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) Check(ctx context.Context) Snapshot {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	resp, err := m.checker.Health(cctx)
	checked := m.now().UTC()

	m.mu.Lock()
	prev := m.snap.State
	m.snap.LastChecked = &checked
	if err != nil {
		m.snap.State = StateOffline
		m.snap.RemoteStatus = ""
		m.snap.LastError = err.Error()
	} else {
		m.snap.State = StateOnline
		m.snap.RemoteStatus = resp.Status
		m.snap.LastError = ""
	}
	snap := m.snap
	m.mu.Unlock()

	if prev != snap.State {
		if err != nil {
			m.logger.Warn("style api offline", "error", err)
		} else {
			m.logger.Info("style api online", "status", resp.Status)
		}
	}
	return snap
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}
