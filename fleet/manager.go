package fleet

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"aifleet/core"
)

// systemCheckPrefix marks the synthetic caller the health checker
// registers while it holds a client, so dashboards can see self-checks
// in the active-user map.
const systemCheckPrefix = "[System Check] "

// ManagerConfig configures the scheduler.
type ManagerConfig struct {
	// BaseCheckInterval drives the monitor cadence; every per-status
	// timeout is a multiple of it. Defaults to 60s.
	BaseCheckInterval time.Duration

	// FirstCheckDelay postpones the monitor's first tick after start.
	// Defaults to 10s.
	FirstCheckDelay time.Duration

	Logger    core.Logger
	EventSink EventSink
}

// AcquireOptions narrows client selection.
type AcquireOptions struct {
	// RequestChange excludes the caller's current holding and excludes
	// it from group usage, enabling a swap within a saturated group.
	RequestChange bool

	TargetGroupID    string
	TargetClientName string
}

// Manager owns the set of backend clients, the caller affinity map,
// the group concurrency limits and the health-check loop.
//
// Lock order is manager before client; the manager lock is never taken
// while holding a client lock.
type Manager struct {
	logger            core.Logger
	metrics           *fleetMetrics
	baseCheckInterval time.Duration
	firstCheckDelay   time.Duration
	stopTimeout       time.Duration

	// msink is what clients publish into; it carries its own leaf
	// mutex because clients publish while holding their client lock.
	msink *managerSink

	mu            sync.Mutex
	clients       []*Client // ascending priority, stable by registration
	byName        map[string]*Client
	userClientMap map[string]*Client
	groupLimits   map[string]int

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// NewManager builds an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	base := cfg.BaseCheckInterval
	if base <= 0 {
		base = 60 * time.Second
	}
	delay := cfg.FirstCheckDelay
	if delay <= 0 {
		delay = 10 * time.Second
	}

	m := &Manager{
		logger:            logger,
		metrics:           newFleetMetrics(),
		baseCheckInterval: base,
		firstCheckDelay:   delay,
		stopTimeout:       10 * time.Second,
		byName:            make(map[string]*Client),
		userClientMap:     make(map[string]*Client),
		groupLimits:       make(map[string]int),
	}
	m.msink = &managerSink{metrics: m.metrics, next: cfg.EventSink}
	return m
}

// managerSink is installed on every registered client: it records
// metrics for each event and forwards to the external sink. Its mutex
// is a leaf: clients publish while holding their own lock, so this
// sink must never reach for the manager or a client lock.
type managerSink struct {
	metrics *fleetMetrics

	mu   sync.Mutex
	next EventSink
}

func (s *managerSink) Publish(ev Event) {
	switch ev.Kind {
	case EventChatEnd:
		s.metrics.recordChat(context.Background(), ev.Client, ev.Success, ev.ErrorType, ev.ErrorCode)
	case EventStatusChange:
		if ev.OldStatus != ev.NewStatus {
			s.metrics.recordStatusChange(context.Background(), ev.Client,
				string(ev.OldStatus), string(ev.NewStatus))
		}
	}

	s.mu.Lock()
	next := s.next
	s.mu.Unlock()
	if next != nil {
		next.Publish(ev)
	}
}

// SetEventSink replaces the external event consumer for all clients.
func (m *Manager) SetEventSink(sink EventSink) {
	m.msink.mu.Lock()
	defer m.msink.mu.Unlock()
	m.msink.next = sink
}

// RegisterClient adds a client to the fleet. Clients are kept in
// ascending priority order; registration order breaks ties.
func (m *Manager) RegisterClient(c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[c.Name()]; exists {
		return fmt.Errorf("client %q already registered: %w", c.Name(), core.ErrInvalidConfiguration)
	}

	c.SetEventSink(m.msink)
	m.byName[c.Name()] = c
	m.clients = append(m.clients, c)
	sort.SliceStable(m.clients, func(i, j int) bool {
		return m.clients[i].Priority() < m.clients[j].Priority()
	})

	m.logger.Info("Client registered", map[string]interface{}{
		"client":   c.Name(),
		"group":    c.GroupID(),
		"priority": c.Priority(),
		"base_url": c.BaseURL(),
	})
	return nil
}

// SetGroupLimit caps concurrent holdings in a group. A limit of 0 is
// an active cap that forbids any acquisition in the group; a negative
// limit removes the cap.
func (m *Manager) SetGroupLimit(groupID string, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit < 0 {
		delete(m.groupLimits, groupID)
		return
	}
	m.groupLimits[groupID] = limit
}

// GetClientByName returns a registered client.
func (m *Manager) GetClientByName(name string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byName[name]
	return c, ok
}

// Clients returns a snapshot of the fleet in priority order.
func (m *Manager) Clients() []*Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Client, len(m.clients))
	copy(out, m.clients)
	return out
}

// GetAvailableClient selects and leases a backend for callerID. The
// caller's existing holding is preferred when it is still healthy and
// RequestChange is false. Returns core.ErrNoClientAvailable when every
// candidate is filtered out.
func (m *Manager) GetAvailableClient(callerID string, opts AcquireOptions) (*Client, error) {
	if callerID == "" {
		return nil, fmt.Errorf("%w: caller id is required", core.ErrInvalidConfiguration)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Drop a stale holding: client gone from the fleet or degraded.
	current := m.userClientMap[callerID]
	if current != nil {
		if _, inFleet := m.byName[current.Name()]; !inFleet {
			delete(m.userClientMap, callerID)
			current = nil
		} else if st := current.Status(); st == core.StatusError || st == core.StatusUnavailable {
			current.Release()
			delete(m.userClientMap, callerID)
			current = nil
		}
	}

	usage := m.groupUsageLocked(callerID, opts.RequestChange)

	for _, c := range m.clients {
		if opts.TargetClientName != "" && c.Name() != opts.TargetClientName {
			continue
		}
		if opts.TargetGroupID != "" && c.GroupID() != opts.TargetGroupID {
			continue
		}
		if opts.RequestChange && c == current {
			continue
		}
		status := c.Status()
		if status == core.StatusUnavailable {
			continue
		}
		if status == core.StatusError && c.ErrorCount() > 1 {
			continue
		}
		if c.CalculateHealth() <= 0 {
			continue
		}
		if limit, capped := m.groupLimits[c.GroupID()]; capped && c != current && usage[c.GroupID()] >= limit {
			continue
		}

		// Reachable only when RequestChange is false: keep the
		// existing lease, just refresh affinity.
		if c == current {
			c.TouchUsed()
			return c, nil
		}

		if c.IsBusy() || !c.Acquire() {
			continue
		}
		if current != nil {
			current.Release()
		}
		m.userClientMap[callerID] = c
		c.TouchUsed()
		m.metrics.recordAcquisition(context.Background(), c.Name(), callerID)
		m.logger.Debug("Client assigned", map[string]interface{}{
			"client": c.Name(),
			"caller": callerID,
		})
		return c, nil
	}

	return nil, core.ErrNoClientAvailable
}

// groupUsageLocked counts current holdings per group. With
// requestChange the calling user's holding is excluded so a swap
// within a full group can succeed.
func (m *Manager) groupUsageLocked(callerID string, requestChange bool) map[string]int {
	usage := make(map[string]int, len(m.groupLimits))
	for caller, c := range m.userClientMap {
		if requestChange && caller == callerID {
			continue
		}
		usage[c.GroupID()]++
	}
	return usage
}

// ReleaseClient releases by caller ID or by client name. Releasing by
// client name drops every caller mapped to it.
func (m *Manager) ReleaseClient(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.userClientMap[key]; ok {
		delete(m.userClientMap, key)
		c.Release()
		return true
	}

	c, ok := m.byName[key]
	if !ok {
		return false
	}
	for caller, held := range m.userClientMap {
		if held == c {
			delete(m.userClientMap, caller)
		}
	}
	c.Release()
	return true
}

// SetClientStatus forces a status transition from the admin surface.
// Only available, error and unavailable are accepted.
func (m *Manager) SetClientStatus(name, status string) error {
	m.mu.Lock()
	c, ok := m.byName[name]
	m.mu.Unlock()
	if !ok {
		return core.ErrClientNotFound
	}

	parsed := core.ClientStatus(strings.ToLower(strings.TrimSpace(status)))
	switch parsed {
	case core.StatusAvailable, core.StatusError, core.StatusUnavailable:
	default:
		return fmt.Errorf("%w: %q", core.ErrInvalidStatus, status)
	}

	c.ForceStatus(parsed)
	m.logger.Info("Client status forced", map[string]interface{}{
		"client": name,
		"status": string(parsed),
	})
	return nil
}

// TriggerManualCheck fires an asynchronous health check for one
// client.
func (m *Manager) TriggerManualCheck(name string) error {
	m.mu.Lock()
	c, ok := m.byName[name]
	m.mu.Unlock()
	if !ok {
		return core.ErrClientNotFound
	}

	go m.checkClient(context.Background(), c)
	return nil
}

// checkClient runs one health check holding the client's lease. A
// synthetic caller is registered for the duration so observers can see
// self-checks in the active-user map. UNAVAILABLE clients are reset to
// UNKNOWN first; this is the only automatic path out of UNAVAILABLE.
func (m *Manager) checkClient(ctx context.Context, c *Client) {
	if c.Status() == core.StatusUnavailable {
		c.ForceStatus(core.StatusUnknown)
	}
	if !c.Acquire() {
		m.logger.Debug("Health check skipped, client leased", map[string]interface{}{
			"client": c.Name(),
		})
		return
	}

	syntheticCaller := systemCheckPrefix + c.Name()
	m.mu.Lock()
	m.userClientMap[syntheticCaller] = c
	m.mu.Unlock()

	passed := c.SelfTest(ctx)

	m.mu.Lock()
	delete(m.userClientMap, syntheticCaller)
	m.mu.Unlock()
	c.Release()

	m.metrics.recordHealthCheck(ctx, c.Name(), passed)
	m.logger.Info("Health check finished", map[string]interface{}{
		"client": c.Name(),
		"passed": passed,
		"status": string(c.Status()),
	})
}

// Summary is the header block of the overview.
type Summary struct {
	Timestamp         int64          `json:"timestamp"`
	TotalClients      int            `json:"total_clients"`
	GroupLimits       map[string]int `json:"group_limits"`
	Available         int            `json:"available"`
	Busy              int            `json:"busy"`
	ClientsWithErrors int            `json:"clients_with_errors"`
	ActiveUsers       int            `json:"active_users"`
	SystemLoad        float64        `json:"system_load"`
}

// Overview is the full dashboard snapshot.
type Overview struct {
	Summary Summary       `json:"summary"`
	Clients []ClientStats `json:"clients"`
}

// GetClientStats builds the overview: summary counters plus one stats
// row per client in priority order. The busy counter counts in-flight
// chats, not leases.
func (m *Manager) GetClientStats() Overview {
	m.mu.Lock()
	clients := make([]*Client, len(m.clients))
	copy(clients, m.clients)
	limits := make(map[string]int, len(m.groupLimits))
	for g, l := range m.groupLimits {
		limits[g] = l
	}
	activeUsers := len(m.userClientMap)
	m.mu.Unlock()

	ov := Overview{
		Summary: Summary{
			Timestamp:    time.Now().Unix(),
			TotalClients: len(clients),
			GroupLimits:  limits,
			ActiveUsers:  activeUsers,
		},
		Clients: make([]ClientStats, 0, len(clients)),
	}

	for _, c := range clients {
		stats := c.Stats()
		ov.Clients = append(ov.Clients, stats)

		if stats.State.Status == string(core.StatusAvailable) {
			ov.Summary.Available++
		}
		if stats.Allocation.InUse {
			ov.Summary.Busy++
		}
		if stats.State.ErrorCount > 0 {
			ov.Summary.ClientsWithErrors++
		}
	}
	if len(clients) > 0 {
		ov.Summary.SystemLoad = float64(ov.Summary.Busy) / float64(len(clients))
	}
	return ov
}

// FormatStatsReport renders the overview as a plain-text table for log
// output.
func (m *Manager) FormatStatsReport() string {
	ov := m.GetClientStats()

	var b strings.Builder
	fmt.Fprintf(&b, "fleet: %d clients, %d available, %d busy, %d with errors, %d active users, load %.2f\n",
		ov.Summary.TotalClients, ov.Summary.Available, ov.Summary.Busy,
		ov.Summary.ClientsWithErrors, ov.Summary.ActiveUsers, ov.Summary.SystemLoad)
	fmt.Fprintf(&b, "%-24s %-10s %8s %-12s %6s %6s %6s\n",
		"NAME", "GROUP", "PRIORITY", "STATUS", "ERRS", "CHATS", "INUSE")
	for _, c := range ov.Clients {
		fmt.Fprintf(&b, "%-24s %-10s %8d %-12s %6d %6d %6t\n",
			c.Meta.Name, c.Meta.GroupID, c.Meta.Priority, c.State.Status,
			c.State.ErrorCount, c.Runtime.ChatCount, c.Allocation.InUse)
	}
	return b.String()
}
