// Package eventlog persists per-backend state timelines to SQLite. A
// session (run) owns a set of contiguous intervals per client; a
// heartbeat row makes crashed sessions detectable so the next start
// can close their dangling intervals.
package eventlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"aifleet/core"
	"aifleet/fleet"
)

// Timeline interval states. RUNNING covers an in-flight chat; the
// RUN_* pair records its outcome; the idle states mirror the client
// status between calls.
const (
	StateRunning     = "RUNNING"
	StateRunSuccess  = "RUN_SUCCESS"
	StateRunFail     = "RUN_FAIL"
	StateIdleOK      = "IDLE_OK"
	StateIdleError   = "IDLE_ERROR"
	StateUnavailable = "UNAVAILABLE"
)

const defaultQueueSize = 1024

// Config configures the event log.
type Config struct {
	DBPath string

	// RunID identifies this session; generated when empty.
	RunID string

	HeartbeatInterval time.Duration // default 30s
	HeartbeatGrace    time.Duration // default 120s; crash threshold

	// QueueSize bounds the event channel. Publishing never blocks: a
	// full queue drops the event.
	QueueSize int

	Logger core.Logger
}

// Logger is the interval event log. It implements fleet.EventSink:
// events arrive on a bounded channel and a single consumer goroutine
// applies them to the store, so fleet locks are never held across
// SQLite calls.
type Logger struct {
	runID             string
	heartbeatInterval time.Duration
	heartbeatGrace    time.Duration
	logger            core.Logger

	mu   sync.Mutex // guards db writes and the open-interval map
	db   *sql.DB
	open map[string]*openInterval

	events       chan fleet.Event
	quit         chan struct{}
	consumerDone chan struct{}
	hbDone       chan struct{}
	started      bool
}

type openInterval struct {
	rowID int64
	state string
	model string
}

// Open creates or opens the store, registers this run and reconciles
// any crashed predecessor runs. Call Start to begin consuming events.
func Open(cfg Config) (*Logger, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("%w: sqlite db path is required", core.ErrMissingConfiguration)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	runID := cfg.RunID
	if runID == "" {
		runID = generateRunID()
	}
	hbInterval := cfg.HeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = 30 * time.Second
	}
	hbGrace := cfg.HeartbeatGrace
	if hbGrace <= 0 {
		hbGrace = 120 * time.Second
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3",
		"file:"+cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Serialize access through one connection; the single consumer
	// plus query endpoints share it safely.
	db.SetMaxOpenConns(1)

	l := &Logger{
		runID:             runID,
		heartbeatInterval: hbInterval,
		heartbeatGrace:    hbGrace,
		logger:            logger,
		db:                db,
		open:              make(map[string]*openInterval),
		events:            make(chan fleet.Event, queueSize),
		quit:              make(chan struct{}),
		consumerDone:      make(chan struct{}),
		hbDone:            make(chan struct{}),
	}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := l.registerRun(); err != nil {
		db.Close()
		return nil, err
	}
	if err := l.ReconcileStaleRuns(); err != nil {
		logger.Warn("Stale run reconciliation failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return l, nil
}

// RunID returns this session's identifier.
func (l *Logger) RunID() string { return l.runID }

func (l *Logger) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_meta (
			run_id TEXT PRIMARY KEY,
			start_ts REAL NOT NULL,
			last_heartbeat_ts REAL,
			end_ts REAL,
			pid INTEGER,
			host TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS client_state_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts_start REAL NOT NULL,
			ts_end REAL,
			client_name TEXT NOT NULL,
			model_name TEXT,
			state TEXT NOT NULL,
			is_health_check INTEGER DEFAULT 0,
			error_code TEXT,
			error_type TEXT,
			extra TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_run_client_ts
			ON client_state_log(run_id, client_name, ts_start)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (l *Logger) registerRun() error {
	now := tsNow()
	host, _ := os.Hostname()
	_, err := l.db.Exec(`
		INSERT OR IGNORE INTO run_meta(run_id, start_ts, last_heartbeat_ts, end_ts, pid, host)
		VALUES(?, ?, ?, NULL, ?, ?)`,
		l.runID, now, now, os.Getpid(), host)
	if err != nil {
		return fmt.Errorf("register run: %w", err)
	}
	return nil
}

// Start launches the consumer and heartbeat workers.
func (l *Logger) Start() error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	l.started = true
	l.mu.Unlock()

	go l.consumeLoop()
	go l.heartbeatLoop()
	l.logger.Info("Event log started", map[string]interface{}{
		"run_id": l.runID,
	})
	return nil
}

// Stop drains the queue, closes every open interval at now and stamps
// the run's end_ts. A session that never calls Stop is healed by
// reconciliation on the next start.
func (l *Logger) Stop() error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return core.ErrNotStarted
	}
	l.started = false
	l.mu.Unlock()

	close(l.quit)
	<-l.consumerDone
	<-l.hbDone

	now := tsNow()
	l.mu.Lock()
	for name := range l.open {
		l.closeIntervalLocked(name, now, "", "", "")
	}
	_, err := l.db.Exec(
		`UPDATE run_meta SET end_ts=? WHERE run_id=? AND end_ts IS NULL`, now, l.runID)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set run end: %w", err)
	}

	l.logger.Info("Event log stopped", map[string]interface{}{
		"run_id": l.runID,
	})
	return nil
}

// Close closes the underlying store. Call after Stop.
func (l *Logger) Close() error {
	return l.db.Close()
}

// Publish implements fleet.EventSink. It never blocks: when the queue
// is full the event is dropped and counted against the operator's
// attention instead.
func (l *Logger) Publish(ev fleet.Event) {
	select {
	case l.events <- ev:
	default:
		l.logger.Warn("Event queue full, dropping event", map[string]interface{}{
			"kind":   string(ev.Kind),
			"client": ev.Client,
		})
	}
}

// AttachClient opens the baseline idle interval for a freshly
// registered client so the timeline starts at registration, not at the
// first event.
func (l *Logger) AttachClient(c *fleet.Client) {
	now := tsNow()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.open[c.Name()]; exists {
		l.closeIntervalLocked(c.Name(), now, "", "", "")
	}
	l.openIntervalLocked(c.Name(), idleStateFor(c.Status()), c.UsingModel(), now, false,
		`{"event": "register"}`)
}

func (l *Logger) consumeLoop() {
	defer close(l.consumerDone)
	for {
		select {
		case ev := <-l.events:
			l.handleEvent(ev)
		case <-l.quit:
			// Drain what is already queued, then exit.
			for {
				select {
				case ev := <-l.events:
					l.handleEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) heartbeatLoop() {
	defer close(l.hbDone)
	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.touchHeartbeat(tsNow())
		case <-l.quit:
			return
		}
	}
}

func (l *Logger) touchHeartbeat(ts float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.db.Exec(
		`UPDATE run_meta SET last_heartbeat_ts=? WHERE run_id=?`, ts, l.runID); err != nil {
		l.logger.Warn("Heartbeat update failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// handleEvent applies one lifecycle event to the interval machine.
func (l *Logger) handleEvent(ev fleet.Event) {
	ts := tsOf(ev.Time)
	l.touchHeartbeat(ts)

	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev.Kind {
	case fleet.EventChatStart:
		l.ensureStateLocked(ev.Client, StateRunning, ev.Model, ts, ev.HealthCheck)

	case fleet.EventChatEnd:
		final := StateRunSuccess
		if !ev.Success {
			final = StateRunFail
		}
		l.closeIntervalLocked(ev.Client, ts, final, ev.ErrorType, ev.ErrorCode)
		l.openIntervalLocked(ev.Client, idleStateFor(ev.Status), ev.Model, ts, ev.HealthCheck, "")

	case fleet.EventStatusChange:
		// Never interrupt an in-flight call; chat_end will open the
		// correct idle interval afterwards.
		if open := l.open[ev.Client]; open != nil && open.state == StateRunning {
			return
		}
		l.ensureStateLocked(ev.Client, idleStateFor(ev.NewStatus), ev.Model, ts, false)
	}
}

// idleStateFor maps a client status to its idle timeline state.
func idleStateFor(status core.ClientStatus) string {
	switch status {
	case core.StatusUnavailable:
		return StateUnavailable
	case core.StatusError, core.StatusUnknown:
		return StateIdleError
	default:
		return StateIdleOK
	}
}

// ensureStateLocked opens an interval in the desired state, closing
// the previous one first. Identical adjacent (state, model) pairs are
// not split.
func (l *Logger) ensureStateLocked(client, state, model string, ts float64, healthCheck bool) {
	if open := l.open[client]; open != nil && open.state == state && open.model == model {
		return
	}
	if l.open[client] != nil {
		l.closeIntervalLocked(client, ts, "", "", "")
	}
	l.openIntervalLocked(client, state, model, ts, healthCheck, "")
}

// openIntervalLocked inserts a new open interval. extra is an optional
// JSON annotation, e.g. {"event": "register"} for the baseline interval.
func (l *Logger) openIntervalLocked(client, state, model string, ts float64, healthCheck bool, extra string) {
	hc := 0
	if healthCheck {
		hc = 1
	}
	res, err := l.db.Exec(`
		INSERT INTO client_state_log(run_id, ts_start, ts_end, client_name, model_name, state, is_health_check, extra)
		VALUES(?, ?, NULL, ?, ?, ?, ?, ?)`,
		l.runID, ts, client, nullable(model), state, hc, nullable(extra))
	if err != nil {
		l.logger.Error("Open interval failed", map[string]interface{}{
			"client": client,
			"state":  state,
			"error":  err.Error(),
		})
		return
	}
	rowID, _ := res.LastInsertId()
	l.open[client] = &openInterval{rowID: rowID, state: state, model: model}
}

// closeIntervalLocked stamps ts_end on the open interval. finalState
// overrides the stored state (chat outcome); error metadata is kept
// only for failures.
func (l *Logger) closeIntervalLocked(client string, ts float64, finalState, errorType, errorCode string) {
	open := l.open[client]
	if open == nil {
		return
	}
	state := open.state
	if finalState != "" {
		state = finalState
	}

	_, err := l.db.Exec(`
		UPDATE client_state_log
		SET ts_end=?, state=?, error_type=?, error_code=?
		WHERE id=?`,
		ts, state, nullable(errorType), nullable(errorCode), open.rowID)
	if err != nil {
		l.logger.Error("Close interval failed", map[string]interface{}{
			"client": client,
			"error":  err.Error(),
		})
	}
	delete(l.open, client)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func tsNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func tsOf(t time.Time) float64 {
	if t.IsZero() {
		return tsNow()
	}
	return float64(t.UnixNano()) / 1e9
}

// generateRunID builds "yyyymmdd_hhmmss_pid_xxxxxxxx", sortable by
// start time and unique across restarts within the same second.
func generateRunID() string {
	u := uuid.New()
	return fmt.Sprintf("%s_%d_%x", time.Now().Format("20060102_150405"), os.Getpid(), u[:4])
}
