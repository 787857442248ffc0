package fleet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"aifleet/core"
)

// Caller-visible failure reasons. "fatal" tells the scheduler the
// request itself is doomed (do not retry anywhere); "recoverable"
// means this backend failed but another may serve the request.
const (
	ReasonClientUnavailable  = "client_unavailable"
	ReasonClientBusy         = "client_busy"
	ReasonUnifiedAPIError    = "unified_api_error"
	ReasonInternalException  = "internal_exception"
	ReasonEmptyResponse      = "empty_response"
	ReasonResponseProcessing = "response_processing_error"
)

// ErrorCategory splits chat failures into fatal and recoverable.
type ErrorCategory string

const (
	CategoryFatal       ErrorCategory = "fatal"
	CategoryRecoverable ErrorCategory = "recoverable"
)

// ChatError is the caller-visible failure envelope of Client.Chat.
// APIType/APICode are populated only for the unified_api_error reason.
type ChatError struct {
	Reason   string         `json:"error"`
	Category ErrorCategory  `json:"error_type"`
	APIType  core.ErrorType `json:"api_error_type,omitempty"`
	APICode  string         `json:"api_error_code,omitempty"`
	Message  string         `json:"message,omitempty"`
}

func (e *ChatError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (%s)", e.Reason, e.Category)
	}
	return fmt.Sprintf("%s (%s): %s", e.Reason, e.Category, e.Message)
}

// Fatal reports whether the scheduler should stop retrying the request.
func (e *ChatError) Fatal() bool {
	return e.Category == CategoryFatal
}

// selfTestPrompt is the fixed health-check prompt; the response must
// contain selfTestExpected to pass.
const (
	selfTestPrompt    = "If you are working, please respond with 'OK'."
	selfTestExpected  = "OK"
	selfTestMaxTokens = 100
)

// ClientConfig configures one backend client.
type ClientConfig struct {
	Name     string
	GroupID  string // empty means "default"
	Priority int    // lower schedules first

	// DefaultAvailable marks the client AVAILABLE at construction
	// instead of waiting for the first successful check.
	DefaultAvailable bool

	Adapter core.Adapter
	Meter   core.Meter  // nil means NoOpMeter
	Logger  core.Logger // nil means NoOpLogger
}

// Client is the per-backend state machine. It wraps an adapter with
// status tracking, error accounting, token/model rotation and the chat
// pipeline that converts APIResults into status transitions.
//
// One mutex guards all mutable state. Helpers suffixed Locked assume
// the caller holds it.
type Client struct {
	name     string
	groupID  string
	priority int
	adapter  core.Adapter
	meter    core.Meter
	logger   core.Logger

	mu                sync.Mutex
	sink              EventSink
	status            core.ClientStatus
	statusLastUpdated time.Time // zero exactly when status is UNKNOWN
	errorCount        int
	errorSum          int
	chatCount         int
	acquireCount      int
	acquired          bool
	inUse             bool
	lastChat          time.Time
	lastTest          time.Time
	lastUsed          time.Time
	lastAcquired      time.Time
	lastReleased      time.Time

	modelRotator *core.Rotator[string]
	tokenRotator *core.Rotator[string]
}

// NewClient builds a backend client in status UNKNOWN (or AVAILABLE
// when cfg.DefaultAvailable is set).
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: client name is required", core.ErrMissingConfiguration)
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("%w: client %q has no adapter", core.ErrMissingConfiguration, cfg.Name)
	}

	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "default"
	}
	meter := cfg.Meter
	if meter == nil {
		meter = core.NoOpMeter{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	c := &Client{
		name:     cfg.Name,
		groupID:  groupID,
		priority: cfg.Priority,
		adapter:  cfg.Adapter,
		meter:    meter,
		logger:   logger,
		status:   core.StatusUnknown,
	}
	if cfg.DefaultAvailable {
		c.status = core.StatusAvailable
		c.statusLastUpdated = time.Now()
	}
	return c, nil
}

func (c *Client) Name() string    { return c.name }
func (c *Client) GroupID() string { return c.groupID }
func (c *Client) Priority() int   { return c.priority }
func (c *Client) BaseURL() string { return c.adapter.BaseURL() }

// SetEventSink attaches the lifecycle event consumer.
func (c *Client) SetEventSink(sink EventSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// SetModelRotation installs a round-robin model pool; each chat that
// does not name a model resolves it through the rotator.
func (c *Client) SetModelRotation(models []string, usesPerRotation int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(models) == 0 {
		c.modelRotator = nil
		return
	}
	c.modelRotator = core.NewRotator(models, usesPerRotation)
}

// SetTokenRotation installs a round-robin token pool; each chat applies
// the next token to the adapter before the call.
func (c *Client) SetTokenRotation(tokens []string, usesPerRotation int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(tokens) == 0 {
		c.tokenRotator = nil
		return
	}
	c.tokenRotator = core.NewRotator(tokens, usesPerRotation)
}

// UpdateAPIToken swaps the adapter credential and resets the client to
// UNKNOWN so the monitor re-validates it promptly.
func (c *Client) UpdateAPIToken(token string) {
	c.adapter.SetAPIToken(token)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStatusLocked(core.StatusUnknown)
	c.logger.Info("API token updated, status reset", map[string]interface{}{
		"client": c.name,
	})
}

// Status returns the current status.
func (c *Client) Status() core.ClientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ErrorCount returns the consecutive-error counter.
func (c *Client) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCount
}

// IsAcquired reports whether a caller or the health checker holds the
// exclusive lease.
func (c *Client) IsAcquired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

// IsBusy reports whether the client is leased or mid-chat.
func (c *Client) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired || c.inUse
}

// CalculateHealth proxies the pluggable meter; a value <= 0 removes
// the client from rotation.
func (c *Client) CalculateHealth() float64 {
	return c.meter.CalculateHealth()
}

// ModelList proxies the adapter's model listing.
func (c *Client) ModelList(ctx context.Context) (*core.ModelList, error) {
	return c.adapter.ModelList(ctx)
}

// UsingModel returns the model the next chat would use: the rotator's
// current item when rotation is installed, else the adapter default.
func (c *Client) UsingModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usingModelLocked()
}

func (c *Client) usingModelLocked() string {
	if c.modelRotator != nil {
		if m, ok := c.modelRotator.Peek(); ok {
			return m
		}
	}
	return c.adapter.UsingModel()
}

// Acquire takes the exclusive lease. It fails when the lease is held
// or the client is UNAVAILABLE.
func (c *Client) Acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquired || c.status == core.StatusUnavailable {
		return false
	}
	c.acquired = true
	c.acquireCount++
	c.lastAcquired = time.Now()
	return true
}

// Release returns the lease. Releasing an unheld lease is a no-op.
func (c *Client) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired = false
	c.lastReleased = time.Now()
}

// ForceStatus sets the status unconditionally (admin path). Setting
// AVAILABLE also clears the consecutive-error counter so the client
// rejoins rotation immediately.
func (c *Client) ForceStatus(status core.ClientStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status == core.StatusAvailable {
		c.errorCount = 0
	}
	c.setStatusLocked(status)
}

// ComplainError reports a business-level failure observed outside the
// chat pipeline (e.g. self-test validation): bumps the error counters
// and moves the client to ERROR.
func (c *Client) ComplainError(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bumpErrorLocked()
	c.setStatusLocked(core.StatusError)
	c.logger.Warn("Client error reported", map[string]interface{}{
		"client":      c.name,
		"reason":      reason,
		"error_count": c.errorCount,
	})
}

// ValidateResponse checks a completion for usable content and, when
// expected is non-empty, for the expected substring. Pure predicate;
// does not touch client state.
func ValidateResponse(resp *core.ChatCompletion, expected string) error {
	if resp == nil || len(resp.Choices) == 0 {
		return fmt.Errorf("%s: response has no choices", ReasonEmptyResponse)
	}
	content := resp.FirstContent()
	if content == "" {
		return fmt.Errorf("%s: empty message content", ReasonResponseProcessing)
	}
	if expected != "" && !strings.Contains(content, expected) {
		return fmt.Errorf("response does not contain %q: %s", expected, truncateContent(content, 80))
	}
	return nil
}

// Chat runs one chat call through the full pipeline: admission, token
// and model rotation, the adapter call, and the conversion of the
// APIResult into a status transition plus a caller-visible outcome.
func (c *Client) Chat(ctx context.Context, req core.ChatRequest) (resp *core.ChatCompletion, chatErr *ChatError) {
	c.mu.Lock()
	if c.status == core.StatusUnavailable {
		c.mu.Unlock()
		return nil, &ChatError{
			Reason:   ReasonClientUnavailable,
			Category: CategoryFatal,
			Message:  fmt.Sprintf("client %s is unavailable", c.name),
		}
	}
	if c.inUse {
		c.mu.Unlock()
		return nil, &ChatError{
			Reason:   ReasonClientBusy,
			Category: CategoryRecoverable,
			Message:  fmt.Sprintf("client %s is handling another call", c.name),
		}
	}
	c.inUse = true
	c.chatCount++

	if req.Model == "" && c.modelRotator != nil {
		if m, ok := c.modelRotator.Next(); ok {
			req.Model = m
		}
	}
	if c.tokenRotator != nil {
		if t, ok := c.tokenRotator.Next(); ok {
			c.adapter.SetAPIToken(t)
		}
	}
	model := req.Model
	if model == "" {
		model = c.adapter.UsingModel()
	}
	status := c.status
	c.mu.Unlock()

	c.publish(Event{
		Kind:        EventChatStart,
		Time:        time.Now(),
		Client:      c.name,
		Model:       model,
		HealthCheck: req.HealthCheck,
		Status:      status,
	})

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in chat pipeline", map[string]interface{}{
				"client": c.name,
				"panic":  fmt.Sprintf("%v", r),
			})
			c.mu.Lock()
			c.bumpErrorLocked()
			c.setStatusLocked(core.StatusError)
			c.mu.Unlock()
			resp = nil
			chatErr = &ChatError{
				Reason:   ReasonInternalException,
				Category: CategoryRecoverable,
				Message:  fmt.Sprintf("internal panic: %v", r),
			}
		}

		c.mu.Lock()
		c.inUse = false
		c.lastChat = time.Now()
		endStatus := c.status
		c.mu.Unlock()

		end := Event{
			Kind:        EventChatEnd,
			Time:        time.Now(),
			Client:      c.name,
			Model:       model,
			HealthCheck: req.HealthCheck,
			Success:     chatErr == nil,
			Status:      endStatus,
		}
		if chatErr != nil {
			if chatErr.Reason == ReasonUnifiedAPIError {
				end.ErrorType = string(chatErr.APIType)
				end.ErrorCode = chatErr.APICode
			} else {
				end.ErrorType = string(chatErr.Category)
				end.ErrorCode = chatErr.Reason
			}
		}
		c.publish(end)
	}()

	result := c.adapter.CreateChatCompletion(ctx, req)
	if !result.Success {
		return nil, c.applyAPIError(result.Err)
	}
	return c.handleResponse(result.Data)
}

// applyAPIError implements the error-to-state table. Bad requests are
// the caller's fault and leave the client untouched; other PERMANENT
// errors kill the backend; transients mark it ERROR and let the
// scheduler try elsewhere.
func (c *Client) applyAPIError(apiErr *core.APIError) *ChatError {
	chatErr := &ChatError{
		Reason:  ReasonUnifiedAPIError,
		APIType: apiErr.Type,
		APICode: apiErr.Code,
		Message: apiErr.Message,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case apiErr.IsBadRequest():
		chatErr.Category = CategoryFatal
	case apiErr.Type == core.ErrorPermanent:
		chatErr.Category = CategoryFatal
		c.bumpErrorLocked()
		c.setStatusLocked(core.StatusUnavailable)
	default:
		// TRANSIENT_SERVER, TRANSIENT_NETWORK, and anything
		// unrecognized.
		chatErr.Category = CategoryRecoverable
		c.bumpErrorLocked()
		c.setStatusLocked(core.StatusError)
	}

	c.logger.Warn("Chat call failed", map[string]interface{}{
		"client":      c.name,
		"api_type":    string(apiErr.Type),
		"api_code":    apiErr.Code,
		"status":      string(c.status),
		"error_count": c.errorCount,
	})
	return chatErr
}

// handleResponse finishes a successful call: rejects empty choice
// lists, records usage, resets the error counter and marks the client
// AVAILABLE.
func (c *Client) handleResponse(data *core.ChatCompletion) (*core.ChatCompletion, *ChatError) {
	if data == nil || len(data.Choices) == 0 {
		c.mu.Lock()
		c.bumpErrorLocked()
		c.setStatusLocked(core.StatusError)
		c.mu.Unlock()
		return nil, &ChatError{
			Reason:   ReasonEmptyResponse,
			Category: CategoryRecoverable,
			Message:  "upstream returned no choices",
		}
	}

	if fr := data.FinishReason(); fr == "length" || fr == "content_filter" {
		c.logger.Warn("Completion truncated", map[string]interface{}{
			"client":        c.name,
			"finish_reason": fr,
		})
	}
	if data.Usage != nil {
		c.meter.RecordUsage(*data.Usage)
	}

	c.mu.Lock()
	c.errorCount = 0
	c.setStatusLocked(core.StatusAvailable)
	c.mu.Unlock()
	return data, nil
}

// SelfTest runs the fixed health-check prompt through the chat
// pipeline and validates the answer. lastTest is stamped regardless of
// the outcome.
func (c *Client) SelfTest(ctx context.Context) bool {
	defer func() {
		c.mu.Lock()
		c.lastTest = time.Now()
		c.mu.Unlock()
	}()

	resp, chatErr := c.Chat(ctx, core.ChatRequest{
		Messages:    []core.Message{{Role: "user", Content: selfTestPrompt}},
		MaxTokens:   selfTestMaxTokens,
		HealthCheck: true,
	})
	if chatErr != nil {
		c.logger.Warn("Self-test chat failed", map[string]interface{}{
			"client": c.name,
			"error":  chatErr.Error(),
		})
		return false
	}

	if err := ValidateResponse(resp, selfTestExpected); err != nil {
		c.ComplainError("self-test validation failed: " + err.Error())
		return false
	}

	c.mu.Lock()
	c.errorCount = 0
	c.setStatusLocked(core.StatusAvailable)
	c.mu.Unlock()
	return true
}

// bumpErrorLocked increments both error counters.
func (c *Client) bumpErrorLocked() {
	c.errorCount++
	c.errorSum++
}

// setStatusLocked updates the status and stamps statusLastUpdated
// (zeroed for UNKNOWN, whose age is undefined). An event is emitted on
// every call; the event log deduplicates identical adjacent states.
func (c *Client) setStatusLocked(status core.ClientStatus) {
	old := c.status
	c.status = status
	if status == core.StatusUnknown {
		c.statusLastUpdated = time.Time{}
	} else {
		c.statusLastUpdated = time.Now()
	}

	if old != status {
		c.logger.Info("Client status changed", map[string]interface{}{
			"client": c.name,
			"from":   string(old),
			"to":     string(status),
		})
	}
	if c.sink != nil {
		c.sink.Publish(Event{
			Kind:      EventStatusChange,
			Time:      time.Now(),
			Client:    c.name,
			Model:     c.usingModelLocked(),
			OldStatus: old,
			NewStatus: status,
			Status:    status,
		})
	}
}

func (c *Client) publish(ev Event) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink.Publish(ev)
	}
}

// TouchUsed refreshes the affinity timestamp when the scheduler hands
// the caller its existing holding.
func (c *Client) TouchUsed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsed = time.Now()
}

// ClientStats is one client's row in the overview.
type ClientStats struct {
	Meta struct {
		Name     string `json:"name"`
		GroupID  string `json:"group_id"`
		Priority int    `json:"priority"`
		BaseURL  string `json:"api_base_url"`
	} `json:"meta"`
	State struct {
		Status            string `json:"status"`
		StatusLastUpdated int64  `json:"status_last_updated"`
		ErrorCount        int    `json:"error_count"`
		ErrorSum          int    `json:"error_sum"`
	} `json:"state"`
	Allocation struct {
		Acquired     bool  `json:"acquired"`
		InUse        bool  `json:"in_use"`
		AcquireCount int   `json:"acquire_count"`
		LastAcquired int64 `json:"last_acquired"`
		LastReleased int64 `json:"last_released"`
	} `json:"allocation"`
	Runtime struct {
		ChatCount int   `json:"chat_count"`
		LastChat  int64 `json:"last_chat"`
		LastTest  int64 `json:"last_test"`
		LastUsed  int64 `json:"last_used"`
	} `json:"runtime"`
	Metrics struct {
		Health        float64               `json:"health"`
		Standardized  []core.MetricSnapshot `json:"standardized,omitempty"`
		ModelRotation *core.RotatorStats    `json:"model_rotation,omitempty"`
	} `json:"metrics"`
	CurrentModel string `json:"current_model,omitempty"`
}

// Stats returns a point-in-time snapshot for the overview endpoint.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s ClientStats
	s.Meta.Name = c.name
	s.Meta.GroupID = c.groupID
	s.Meta.Priority = c.priority
	s.Meta.BaseURL = c.adapter.BaseURL()

	s.State.Status = string(c.status)
	s.State.StatusLastUpdated = unixOrZero(c.statusLastUpdated)
	s.State.ErrorCount = c.errorCount
	s.State.ErrorSum = c.errorSum

	s.Allocation.Acquired = c.acquired
	s.Allocation.InUse = c.inUse
	s.Allocation.AcquireCount = c.acquireCount
	s.Allocation.LastAcquired = unixOrZero(c.lastAcquired)
	s.Allocation.LastReleased = unixOrZero(c.lastReleased)

	s.Runtime.ChatCount = c.chatCount
	s.Runtime.LastChat = unixOrZero(c.lastChat)
	s.Runtime.LastTest = unixOrZero(c.lastTest)
	s.Runtime.LastUsed = unixOrZero(c.lastUsed)

	s.Metrics.Health = c.meter.CalculateHealth()
	s.Metrics.Standardized = c.meter.StandardizedMetrics()
	if c.modelRotator != nil {
		rs := c.modelRotator.Stats()
		s.Metrics.ModelRotation = &rs
	}
	return s
}

// lastActivity returns max(lastChat, lastTest) for the monitor's
// cadence rule.
func (c *Client) lastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastChat.After(c.lastTest) {
		return c.lastChat
	}
	return c.lastTest
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func truncateContent(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
