package fleet

import (
	"context"
	"time"

	"aifleet/core"
)

// StartMonitoring launches the health-check loop: after
// FirstCheckDelay, a tick fires every BaseCheckInterval. Each tick
// collects the clients whose per-status timeout has elapsed and checks
// them outside the manager lock, one at a time.
func (m *Manager) StartMonitoring(ctx context.Context) error {
	m.mu.Lock()
	if m.monitorCancel != nil {
		m.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	m.monitorCancel = cancel
	m.monitorDone = make(chan struct{})
	done := m.monitorDone
	m.mu.Unlock()

	go m.monitorLoop(ctx, done)
	m.logger.Info("Health monitoring started", map[string]interface{}{
		"base_interval":     m.baseCheckInterval.String(),
		"first_check_delay": m.firstCheckDelay.String(),
	})
	return nil
}

// StopMonitoring stops the loop and waits for the current tick to
// finish, giving up after stopTimeout so a wedged upstream cannot hold
// shutdown hostage.
func (m *Manager) StopMonitoring() error {
	m.mu.Lock()
	cancel := m.monitorCancel
	done := m.monitorDone
	m.monitorCancel = nil
	m.monitorDone = nil
	m.mu.Unlock()

	if cancel == nil {
		return core.ErrNotStarted
	}
	cancel()

	timer := time.NewTimer(m.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		m.logger.Info("Health monitoring stopped", nil)
	case <-timer.C:
		m.logger.Warn("Monitor did not stop in time, abandoning it", map[string]interface{}{
			"timeout": m.stopTimeout.String(),
		})
	}
	return nil
}

func (m *Manager) monitorLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	select {
	case <-ctx.Done():
		return
	case <-time.After(m.firstCheckDelay):
	}

	ticker := time.NewTicker(m.baseCheckInterval)
	defer ticker.Stop()

	for {
		m.runChecks(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runChecks collects due clients under the manager lock, then checks
// them with the lock released so a slow upstream cannot stall the
// scheduler.
func (m *Manager) runChecks(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var due []*Client
	for _, c := range m.clients {
		if c.IsAcquired() {
			continue
		}
		timeout := m.checkTimeout(c)
		if now.Sub(c.lastActivity()) > timeout {
			due = append(due, c)
		}
	}
	m.mu.Unlock()

	for _, c := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.checkClient(ctx, c)
	}
}

// checkTimeout is the per-status quiet period before the monitor
// re-checks a client:
//
//	AVAILABLE    base x 15   (stable, check rarely)
//	UNAVAILABLE  base x 30   (long reset interval back through UNKNOWN)
//	UNKNOWN      0           (check immediately)
//	ERROR        base x 2^min(error_count,4)
func (m *Manager) checkTimeout(c *Client) time.Duration {
	switch c.Status() {
	case core.StatusAvailable:
		return m.baseCheckInterval * 15
	case core.StatusUnavailable:
		return m.baseCheckInterval * 30
	case core.StatusUnknown:
		return 0
	default:
		shift := c.ErrorCount()
		if shift > 4 {
			shift = 4
		}
		return m.baseCheckInterval * (1 << shift)
	}
}
