package eventlog

import (
	"fmt"
	"sort"
)

// legend maps timeline states to the dashboard's fixed colors.
var legend = map[string]string{
	StateRunSuccess:  "#22c55e",
	StateRunFail:     "#ef4444",
	StateRunning:     "#f59e0b",
	StateIdleOK:      "#e5e7eb",
	StateIdleError:   "#fb923c",
	StateUnavailable: "#6b7280",
	"UNKNOWN":        "#93c5fd",
}

// timelineRowLimit caps one query's result set; a run long enough to
// exceed it should be windowed by the caller.
const timelineRowLimit = 200000

// RunInfo is one session in the run list.
type RunInfo struct {
	RunID           string  `json:"run_id"`
	StartTS         float64 `json:"start_ts"`
	EndTS           float64 `json:"end_ts"`
	LastHeartbeatTS float64 `json:"last_heartbeat_ts"`
	PID             int     `json:"pid"`
	Host            string  `json:"host"`
}

// TimelineItem is one clipped interval for drawing. Extra carries the
// interval's JSON annotation when one was recorded.
type TimelineItem struct {
	Client string  `json:"client"`
	Model  string  `json:"model,omitempty"`
	State  string  `json:"state"`
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	Extra  string  `json:"extra,omitempty"`
}

// TimelineWindow is the effective query window.
type TimelineWindow struct {
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

// Timeline is the result of QueryTimeline.
type Timeline struct {
	RunID   string            `json:"run_id"`
	Window  TimelineWindow    `json:"window"`
	Clients []string          `json:"clients"`
	Items   []TimelineItem    `json:"items"`
	Legend  map[string]string `json:"legend"`
}

// ReconcileStaleRuns heals crashed sessions: every run without an
// end_ts whose heartbeat is older than the grace window gets its
// end_ts stamped at the last heartbeat, and all of its dangling
// intervals are closed there. Idempotent; a healed run no longer
// matches the predicate.
func (l *Logger) ReconcileStaleRuns() error {
	cutoff := tsNow() - l.heartbeatGrace.Seconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`
		SELECT run_id, last_heartbeat_ts FROM run_meta
		WHERE end_ts IS NULL AND last_heartbeat_ts < ? AND run_id != ?`,
		cutoff, l.runID)
	if err != nil {
		return fmt.Errorf("query stale runs: %w", err)
	}

	type staleRun struct {
		runID  string
		lastHB float64
	}
	var stale []staleRun
	for rows.Next() {
		var r staleRun
		if err := rows.Scan(&r.runID, &r.lastHB); err != nil {
			rows.Close()
			return fmt.Errorf("scan stale run: %w", err)
		}
		stale = append(stale, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate stale runs: %w", err)
	}

	for _, r := range stale {
		if _, err := l.db.Exec(
			`UPDATE run_meta SET end_ts=? WHERE run_id=? AND end_ts IS NULL`,
			r.lastHB, r.runID); err != nil {
			return fmt.Errorf("close stale run %s: %w", r.runID, err)
		}
		if _, err := l.db.Exec(`
			UPDATE client_state_log SET ts_end=?
			WHERE run_id=? AND ts_end IS NULL AND ts_start <= ?`,
			r.lastHB, r.runID, r.lastHB); err != nil {
			return fmt.Errorf("close stale intervals of %s: %w", r.runID, err)
		}
		l.logger.Info("Reconciled crashed run", map[string]interface{}{
			"run_id":         r.runID,
			"last_heartbeat": r.lastHB,
		})
	}
	return nil
}

// GetRunList returns the most recent sessions, newest first.
func (l *Logger) GetRunList(limit int) ([]RunInfo, error) {
	if limit <= 0 {
		limit = 50
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`
		SELECT run_id, start_ts, COALESCE(end_ts, 0), COALESCE(last_heartbeat_ts, 0),
		       COALESCE(pid, 0), COALESCE(host, '')
		FROM run_meta ORDER BY start_ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]RunInfo, 0, limit)
	for rows.Next() {
		var r RunInfo
		if err := rows.Scan(&r.RunID, &r.StartTS, &r.EndTS, &r.LastHeartbeatTS, &r.PID, &r.Host); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// QueryTimeline returns the intervals of a run overlapping
// [fromTS, toTS], clipped to that window. A null ts_end counts as
// toTS. Stale runs are reconciled first so a crashed run's timeline
// never shows intervals running to the present.
func (l *Logger) QueryTimeline(runID string, fromTS, toTS float64, clientName string) (*Timeline, error) {
	if toTS <= fromTS {
		toTS = fromTS + 1.0
	}

	if err := l.ReconcileStaleRuns(); err != nil {
		l.logger.Warn("Pre-query reconciliation failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	query := `
		SELECT client_name, COALESCE(model_name, ''), state, ts_start, COALESCE(ts_end, ?), COALESCE(extra, '')
		FROM client_state_log
		WHERE run_id = ? AND ts_start <= ? AND COALESCE(ts_end, ?) >= ?`
	args := []interface{}{toTS, runID, toTS, toTS, fromTS}
	if clientName != "" {
		query += ` AND client_name = ?`
		args = append(args, clientName)
	}
	query += ` ORDER BY client_name, ts_start ASC LIMIT ?`
	args = append(args, timelineRowLimit)

	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	tl := &Timeline{
		RunID:   runID,
		Window:  TimelineWindow{From: fromTS, To: toTS},
		Items:   []TimelineItem{},
		Clients: []string{},
		Legend:  legend,
	}
	clientSet := make(map[string]bool)

	for rows.Next() {
		var item TimelineItem
		if err := rows.Scan(&item.Client, &item.Model, &item.State, &item.Start, &item.End, &item.Extra); err != nil {
			return nil, fmt.Errorf("scan interval: %w", err)
		}

		if item.Start < fromTS {
			item.Start = fromTS
		}
		if item.End > toTS {
			item.End = toTS
		}
		if item.End <= item.Start {
			continue
		}

		clientSet[item.Client] = true
		tl.Items = append(tl.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for name := range clientSet {
		tl.Clients = append(tl.Clients, name)
	}
	sort.Strings(tl.Clients)
	return tl, nil
}
