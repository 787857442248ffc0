// Package core provides the fundamental contracts shared by every layer of
// the fleet: the logging interface, the adapter contract for upstream
// chat-completion backends, the unified APIResult returned by the HTTP
// execution core, client status values, and the generic resource rotator.
//
// Layering rule: core depends on nothing inside this module. transport,
// fleet, eventlog and adminapi all depend on core, never on each other's
// internals.
package core

import "context"

// Logger interface - minimal structured logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Message is a single chat message in OpenAI wire shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest carries the parameters of one chat-completion call.
type ChatRequest struct {
	Messages    []Message
	Model       string // empty means the adapter's default/rotated model
	Temperature float64
	MaxTokens   int
	HealthCheck bool // health checks use short timeouts and no retries
}

// ModelInfo describes one entry of an adapter's model list.
type ModelInfo struct {
	ID     string `json:"id"`
	Object string `json:"object,omitempty"`
}

// ModelList is the normalized response of the models endpoint.
type ModelList struct {
	Data []ModelInfo `json:"data"`
}

// Adapter is the pluggable capability over a specific upstream backend.
// Implementations must be safe for concurrent use and must never panic
// out of CreateChatCompletion: every outcome is an APIResult.
type Adapter interface {
	// APIToken returns the credential currently bound to the adapter.
	APIToken() string

	// SetAPIToken swaps the credential at runtime. In-flight requests
	// continue with their originally bound header.
	SetAPIToken(token string)

	// UsingModel returns the model name the adapter will use when a
	// request does not name one.
	UsingModel() string

	// BaseURL returns the upstream endpoint base.
	BaseURL() string

	// ModelList retrieves the upstream model list.
	ModelList(ctx context.Context) (*ModelList, error)

	// CreateChatCompletion performs one chat-completion attempt group.
	// It never returns an error in the Go sense; transport and HTTP
	// outcomes are folded into the APIResult.
	CreateChatCompletion(ctx context.Context, req ChatRequest) APIResult
}

// MetricSnapshot is one standardized quota/balance metric for reporting.
type MetricSnapshot struct {
	Key     string  `json:"key"`
	Type    string  `json:"type"`
	Current float64 `json:"current"`
	Target  float64 `json:"target"`
}

// Meter is the pluggable usage/quota capability a backend client may carry.
// The fleet treats it as opaque: RecordUsage is called after successful
// chats, CalculateHealth gates selection (<= 0 removes the client from
// rotation), StandardizedMetrics feeds the dashboard.
type Meter interface {
	RecordUsage(usage Usage)
	CalculateHealth() float64
	StandardizedMetrics() []MetricSnapshot
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpMeter is the default Meter: no tracking, always fully healthy.
type NoOpMeter struct{}

func (NoOpMeter) RecordUsage(usage Usage)               {}
func (NoOpMeter) CalculateHealth() float64              { return 100.0 }
func (NoOpMeter) StandardizedMetrics() []MetricSnapshot { return nil }
