package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/basetenlabs/avatar-generation-app-tutorial/config"
	"github.com/basetenlabs/avatar-generation-app-tutorial/logger"
	"github.com/basetenlabs/avatar-generation-app-tutorial/runstate"
)

// recordLister is the slice of the record store the monitor needs.
type recordLister interface {
	ListTracked(ctx context.Context) ([]config.UserRecord, error)
}

// statusPoller is the slice of the training platform the monitor needs.
type statusPoller interface {
	PollStatus(ctx context.Context, runID string) (runstate.Snapshot, error)
}

// RunMonitor periodically polls every tracked run and logs lifecycle
// transitions. Observability only: the snapshot is never persisted and
// the run pointer is never touched, so reads stay the single source of
// derived state.
type RunMonitor struct {
	repo     recordLister
	platform statusPoller
	log      *logger.Logger
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu   sync.Mutex
	last map[string]runstate.State
}

// NewRunMonitor creates a new run monitor.
func NewRunMonitor(repo recordLister, platform statusPoller, interval time.Duration, baseLog *logger.Logger) *RunMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RunMonitor{
		repo:     repo,
		platform: platform,
		log:      baseLog.With("component", "RunMonitor"),
		interval: interval,
		stopChan: make(chan struct{}),
		last:     make(map[string]runstate.State),
	}
}

// Start begins the polling loop.
func (m *RunMonitor) Start() {
	m.wg.Add(1)
	go m.loop()
	m.log.Info("Run monitor started", "interval", m.interval)
}

// Stop stops the monitor gracefully.
func (m *RunMonitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
	m.log.Info("Run monitor stopped")
}

func (m *RunMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

// checkAll polls every tracked run once.
func (m *RunMonitor) checkAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records, err := m.repo.ListTracked(ctx)
	if err != nil {
		m.log.Warn("Failed to list tracked runs", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	for _, record := range records {
		if record.RunID == nil {
			continue
		}
		m.checkRun(record.UserID, *record.RunID)
	}
	m.prune(records)
}

func (m *RunMonitor) checkRun(userID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := m.platform.PollStatus(ctx, runID)
	if err != nil {
		m.log.Warn("Failed to poll run", "user_id", userID, "run_id", runID, "error", err)
		return
	}
	state := runstate.Derive(true, snap)

	m.mu.Lock()
	prev, seen := m.last[runID]
	m.last[runID] = state
	m.mu.Unlock()

	if !seen || prev != state {
		m.log.Info("Run state changed",
			"user_id", userID, "run_id", runID,
			"from", string(prev), "to", string(state))
	}
}

// prune drops state for runs no longer tracked so the map doesn't grow
// with every reset.
func (m *RunMonitor) prune(records []config.UserRecord) {
	tracked := make(map[string]struct{}, len(records))
	for _, record := range records {
		if record.RunID != nil {
			tracked[*record.RunID] = struct{}{}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for runID := range m.last {
		if _, ok := tracked[runID]; !ok {
			delete(m.last, runID)
		}
	}
}
