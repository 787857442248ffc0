package eventlog

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"aifleet/core"
	"aifleet/fleet"
)

func newTestLog(t *testing.T) *Logger {
	t.Helper()
	l, err := Open(Config{
		DBPath:            filepath.Join(t.TempDir(), "state.sqlite"),
		HeartbeatInterval: time.Second,
		HeartbeatGrace:    2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func at(base time.Time, offsetSec float64) time.Time {
	return base.Add(time.Duration(offsetSec * float64(time.Second)))
}

// intervalRow mirrors one client_state_log row for assertions.
type intervalRow struct {
	State   string
	Model   string
	TsStart float64
	TsEnd   float64 // 0 when still open
	ErrType string
	ErrCode string
	Extra   string
}

func readIntervals(t *testing.T, l *Logger, client string) []intervalRow {
	t.Helper()
	rows, err := l.db.Query(`
		SELECT state, COALESCE(model_name, ''), ts_start, COALESCE(ts_end, 0),
		       COALESCE(error_type, ''), COALESCE(error_code, ''), COALESCE(extra, '')
		FROM client_state_log
		WHERE run_id = ? AND client_name = ?
		ORDER BY ts_start, id`, l.runID, client)
	require.NoError(t, err)
	defer rows.Close()

	var out []intervalRow
	for rows.Next() {
		var r intervalRow
		require.NoError(t, rows.Scan(&r.State, &r.Model, &r.TsStart, &r.TsEnd, &r.ErrType, &r.ErrCode, &r.Extra))
		out = append(out, r)
	}
	return out
}

// TestChatLifecycleIntervals tests the chat_start/chat_end interval
// machine: RUNNING closes into RUN_SUCCESS, then an idle interval
// opens per the client's status
func TestChatLifecycleIntervals(t *testing.T) {
	l := newTestLog(t)
	base := time.Now()

	l.handleEvent(fleet.Event{
		Kind: fleet.EventStatusChange, Time: at(base, 0), Client: "c1",
		NewStatus: core.StatusUnknown, Status: core.StatusUnknown,
	})
	l.handleEvent(fleet.Event{
		Kind: fleet.EventChatStart, Time: at(base, 1), Client: "c1",
		Model: "m1", Status: core.StatusUnknown,
	})
	l.handleEvent(fleet.Event{
		Kind: fleet.EventChatEnd, Time: at(base, 3), Client: "c1",
		Model: "m1", Success: true, Status: core.StatusAvailable,
	})

	rows := readIntervals(t, l, "c1")
	require.Len(t, rows, 3)

	require.Equal(t, StateIdleError, rows[0].State) // UNKNOWN idles as IDLE_ERROR
	require.NotZero(t, rows[0].TsEnd)

	require.Equal(t, StateRunSuccess, rows[1].State)
	require.Equal(t, "m1", rows[1].Model)
	require.NotZero(t, rows[1].TsEnd)

	require.Equal(t, StateIdleOK, rows[2].State)
	require.Zero(t, rows[2].TsEnd, "idle interval should remain open")
}

// TestChatEndFailureKeepsErrorMetadata tests RUN_FAIL stamping
func TestChatEndFailureKeepsErrorMetadata(t *testing.T) {
	l := newTestLog(t)
	base := time.Now()

	l.handleEvent(fleet.Event{
		Kind: fleet.EventChatStart, Time: at(base, 0), Client: "c1", Model: "m1",
	})
	l.handleEvent(fleet.Event{
		Kind: fleet.EventChatEnd, Time: at(base, 2), Client: "c1", Model: "m1",
		Success: false, ErrorType: "TRANSIENT_SERVER", ErrorCode: "HTTP_429",
		Status: core.StatusError,
	})

	rows := readIntervals(t, l, "c1")
	require.Len(t, rows, 2)
	require.Equal(t, StateRunFail, rows[0].State)
	require.Equal(t, "TRANSIENT_SERVER", rows[0].ErrType)
	require.Equal(t, "HTTP_429", rows[0].ErrCode)
	require.Equal(t, StateIdleError, rows[1].State)
}

// TestStatusChangeDuringRunningIgnored tests that an in-flight call is
// never interrupted by status noise
func TestStatusChangeDuringRunningIgnored(t *testing.T) {
	l := newTestLog(t)
	base := time.Now()

	l.handleEvent(fleet.Event{
		Kind: fleet.EventChatStart, Time: at(base, 0), Client: "c1", Model: "m1",
	})
	l.handleEvent(fleet.Event{
		Kind: fleet.EventStatusChange, Time: at(base, 1), Client: "c1",
		OldStatus: core.StatusUnknown, NewStatus: core.StatusAvailable,
		Status: core.StatusAvailable,
	})

	rows := readIntervals(t, l, "c1")
	require.Len(t, rows, 1)
	require.Equal(t, StateRunning, rows[0].State)
	require.Zero(t, rows[0].TsEnd)
}

// TestEnsureOpenDeduplicates tests that identical adjacent
// (state, model) intervals are not split
func TestEnsureOpenDeduplicates(t *testing.T) {
	l := newTestLog(t)
	base := time.Now()

	for i := 0; i < 3; i++ {
		l.handleEvent(fleet.Event{
			Kind: fleet.EventStatusChange, Time: at(base, float64(i)), Client: "c1",
			NewStatus: core.StatusAvailable, Status: core.StatusAvailable,
		})
	}

	rows := readIntervals(t, l, "c1")
	require.Len(t, rows, 1, "repeated identical status must not split intervals")
}

// TestReconcileStaleRuns tests crash recovery: a run whose
// heartbeat went silent gets closed at its last heartbeat, and the
// operation is idempotent
func TestReconcileStaleRuns(t *testing.T) {
	l := newTestLog(t)

	// A crashed predecessor: started at t=0, heartbeats stopped at 60.
	_, err := l.db.Exec(`
		INSERT INTO run_meta(run_id, start_ts, last_heartbeat_ts, end_ts, pid, host)
		VALUES('crashed-run', 0, 60, NULL, 123, 'h')`)
	require.NoError(t, err)
	_, err = l.db.Exec(`
		INSERT INTO client_state_log(run_id, ts_start, ts_end, client_name, state)
		VALUES('crashed-run', 0, 30, 'c1', 'IDLE_OK'),
		      ('crashed-run', 30, NULL, 'c1', 'RUNNING'),
		      ('crashed-run', 50, NULL, 'c2', 'IDLE_OK')`)
	require.NoError(t, err)

	require.NoError(t, l.ReconcileStaleRuns())

	var endTS float64
	require.NoError(t, l.db.QueryRow(
		`SELECT end_ts FROM run_meta WHERE run_id='crashed-run'`).Scan(&endTS))
	require.Equal(t, 60.0, endTS)

	var openCount int
	require.NoError(t, l.db.QueryRow(
		`SELECT COUNT(*) FROM client_state_log WHERE run_id='crashed-run' AND ts_end IS NULL`).Scan(&openCount))
	require.Zero(t, openCount)

	var closedAt float64
	require.NoError(t, l.db.QueryRow(
		`SELECT ts_end FROM client_state_log WHERE run_id='crashed-run' AND ts_start=30`).Scan(&closedAt))
	require.Equal(t, 60.0, closedAt)

	// Second pass is a no-op.
	require.NoError(t, l.ReconcileStaleRuns())
	require.NoError(t, l.db.QueryRow(
		`SELECT end_ts FROM run_meta WHERE run_id='crashed-run'`).Scan(&endTS))
	require.Equal(t, 60.0, endTS)
}

// TestReconcileSparesCurrentRun tests that the live session is never
// reconciled away even with an old heartbeat
func TestReconcileSparesCurrentRun(t *testing.T) {
	l := newTestLog(t)

	_, err := l.db.Exec(
		`UPDATE run_meta SET last_heartbeat_ts=0 WHERE run_id=?`, l.runID)
	require.NoError(t, err)

	require.NoError(t, l.ReconcileStaleRuns())

	var endTS sql.NullFloat64
	require.NoError(t, l.db.QueryRow(
		`SELECT end_ts FROM run_meta WHERE run_id=?`, l.runID).Scan(&endTS))
	require.False(t, endTS.Valid, "current run must stay open")
}

// TestQueryTimelineClipping tests window overlap, clipping and the
// null-ts_end-as-now rule
func TestQueryTimelineClipping(t *testing.T) {
	l := newTestLog(t)

	_, err := l.db.Exec(`
		INSERT INTO client_state_log(run_id, ts_start, ts_end, client_name, model_name, state)
		VALUES(?, 0, 100, 'b-client', 'm', 'IDLE_OK'),
		      (?, 100, 200, 'b-client', 'm', 'RUN_SUCCESS'),
		      (?, 150, NULL, 'a-client', 'm', 'RUNNING'),
		      (?, 500, 600, 'b-client', 'm', 'IDLE_OK')`,
		l.runID, l.runID, l.runID, l.runID)
	require.NoError(t, err)

	tl, err := l.QueryTimeline(l.runID, 50, 300, "")
	require.NoError(t, err)

	require.Equal(t, []string{"a-client", "b-client"}, tl.Clients, "client names must be sorted")
	require.Len(t, tl.Items, 3, "interval outside the window must be excluded")

	for _, item := range tl.Items {
		require.GreaterOrEqual(t, item.Start, 50.0)
		require.LessOrEqual(t, item.End, 300.0)
	}

	var running *TimelineItem
	for i := range tl.Items {
		if tl.Items[i].State == StateRunning {
			running = &tl.Items[i]
		}
	}
	require.NotNil(t, running)
	require.Equal(t, 300.0, running.End, "open interval must clip to to_ts")

	require.Equal(t, "#22c55e", tl.Legend[StateRunSuccess])

	// Client filter narrows the result.
	tl, err = l.QueryTimeline(l.runID, 50, 300, "a-client")
	require.NoError(t, err)
	require.Equal(t, []string{"a-client"}, tl.Clients)
	require.Len(t, tl.Items, 1)
}

// TestGetRunList tests ordering and limit
func TestGetRunList(t *testing.T) {
	l := newTestLog(t)

	_, err := l.db.Exec(`
		INSERT INTO run_meta(run_id, start_ts, last_heartbeat_ts, end_ts, pid, host)
		VALUES('old-run', 1, 2, 3, 42, 'h1')`)
	require.NoError(t, err)

	runs, err := l.GetRunList(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, l.runID, runs[0].RunID, "newest run first")
	require.Equal(t, "old-run", runs[1].RunID)
	require.Equal(t, 42, runs[1].PID)

	runs, err = l.GetRunList(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

// TestPublishAndStop tests the consumer path end to end: events
// queued through Publish land in the store, and Stop closes all open
// intervals and stamps end_ts
func TestPublishAndStop(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Start())

	l.Publish(fleet.Event{
		Kind: fleet.EventChatStart, Time: time.Now(), Client: "c1", Model: "m1",
	})

	// Consumer is async; wait for the interval to appear.
	require.Eventually(t, func() bool {
		var n int
		if err := l.db.QueryRow(
			`SELECT COUNT(*) FROM client_state_log WHERE run_id=? AND client_name='c1'`,
			l.runID).Scan(&n); err != nil {
			return false
		}
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Stop())

	rows := readIntervals(t, l, "c1")
	require.Len(t, rows, 1)
	require.NotZero(t, rows[0].TsEnd, "Stop must close open intervals")

	var endTS sql.NullFloat64
	require.NoError(t, l.db.QueryRow(
		`SELECT end_ts FROM run_meta WHERE run_id=?`, l.runID).Scan(&endTS))
	require.True(t, endTS.Valid)
}

// TestAttachClientOpensBaseline tests the registration baseline
// interval
func TestAttachClientOpensBaseline(t *testing.T) {
	l := newTestLog(t)

	c, err := fleet.NewClient(fleet.ClientConfig{
		Name:             "c1",
		DefaultAvailable: true,
		Adapter:          stubAdapter{},
	})
	require.NoError(t, err)

	l.AttachClient(c)

	rows := readIntervals(t, l, "c1")
	require.Len(t, rows, 1)
	require.Equal(t, StateIdleOK, rows[0].State)
	require.Zero(t, rows[0].TsEnd)
	require.JSONEq(t, `{"event": "register"}`, rows[0].Extra)
}

// stubAdapter is the minimal core.Adapter for wiring tests.
type stubAdapter struct{}

func (stubAdapter) APIToken() string       { return "tok" }
func (stubAdapter) SetAPIToken(string)     {}
func (stubAdapter) UsingModel() string     { return "stub-model" }
func (stubAdapter) BaseURL() string        { return "http://stub.test/v1" }
func (stubAdapter) ModelList(ctx context.Context) (*core.ModelList, error) {
	return &core.ModelList{}, nil
}
func (stubAdapter) CreateChatCompletion(ctx context.Context, req core.ChatRequest) core.APIResult {
	return core.OK(&core.ChatCompletion{Choices: []core.Choice{{
		Message: core.Message{Role: "assistant", Content: "OK"},
	}}})
}

// TestForcedStatusDoesNotSplitIdleInterval tests that a redundant
// status event with the same state and model leaves the open interval
// alone
func TestForcedStatusDoesNotSplitIdleInterval(t *testing.T) {
	l := newTestLog(t)

	c, err := fleet.NewClient(fleet.ClientConfig{
		Name:             "c1",
		DefaultAvailable: true,
		Adapter:          stubAdapter{},
	})
	require.NoError(t, err)
	l.AttachClient(c)

	l.handleEvent(fleet.Event{
		Kind: fleet.EventStatusChange, Time: time.Now(), Client: "c1",
		Model:     "stub-model",
		OldStatus: core.StatusAvailable, NewStatus: core.StatusAvailable,
		Status: core.StatusAvailable,
	})

	rows := readIntervals(t, l, "c1")
	require.Len(t, rows, 1, "same state and model must not split the interval")
}
