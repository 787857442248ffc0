package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"aifleet/core"
)

// Config configures one OpenAI-compatible adapter.
type Config struct {
	BaseURL  string // e.g. "https://api.openai.com/v1"
	APIToken string
	Model    string // default model when a request does not name one
	ProxyURL string // empty means honor the process proxy environment
	Stream   bool   // request SSE streaming and aggregate internally
	Logger   core.Logger
}

// OpenAIClient is the execution core over one OpenAI-compatible
// endpoint. It implements core.Adapter: every chat outcome, including
// panics and transport faults, comes back as an APIResult.
//
// The mutex guards only credential swaps and session rebuilds; requests
// in flight keep the client and token they started with.
type OpenAIClient struct {
	mu         sync.Mutex
	apiToken   string
	syncClient *http.Client
	healing    bool
	sessionErr error

	baseURL      string
	model        string
	proxyURL     string
	stream       bool
	healthClient *http.Client
	logger       core.Logger
}

// NewOpenAIClient builds the adapter and its pooled sessions. It fails
// only on configuration problems (bad base URL, bad proxy URL); a
// missing token is deferred to call time so tokens can be attached
// later via SetAPIToken.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", core.ErrMissingConfiguration)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	syncClient, err := newPooledClient(cfg.ProxyURL, syncReadTimeout, syncPoolSize)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy URL: %v", core.ErrInvalidConfiguration, err)
	}
	healthClient, err := newPooledClient(cfg.ProxyURL, healthReadTimeout, 2)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy URL: %v", core.ErrInvalidConfiguration, err)
	}

	return &OpenAIClient{
		apiToken:     cfg.APIToken,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		proxyURL:     cfg.ProxyURL,
		stream:       cfg.Stream,
		syncClient:   syncClient,
		healthClient: healthClient,
		logger:       logger,
	}, nil
}

// APIToken returns the credential currently bound to the adapter.
func (c *OpenAIClient) APIToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiToken
}

// SetAPIToken swaps the credential at runtime.
func (c *OpenAIClient) SetAPIToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiToken = token
}

// UsingModel returns the default model for requests that name none.
func (c *OpenAIClient) UsingModel() string {
	return c.model
}

// BaseURL returns the upstream endpoint base.
func (c *OpenAIClient) BaseURL() string {
	return c.baseURL
}

// chatCompletionRequest is the OpenAI chat-completions wire request.
type chatCompletionRequest struct {
	Model       string         `json:"model"`
	Messages    []core.Message `json:"messages"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
}

// CreateChatCompletion performs one chat-completion attempt group.
// Retries apply only to connection-class failures on normal calls;
// health checks run a single attempt against the 5s/5s session. A
// connection failure that exhausts retries triggers an asynchronous
// session rebuild and reports TRANSIENT_NETWORK to the caller.
func (c *OpenAIClient) CreateChatCompletion(ctx context.Context, req core.ChatRequest) (result core.APIResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic during chat completion", map[string]interface{}{
				"base_url": c.baseURL,
				"panic":    fmt.Sprintf("%v", r),
			})
			result = core.Fail(core.ErrorPermanent, core.CodeUnexpectedClientError,
				fmt.Sprintf("internal panic: %v", r))
		}
	}()

	token := c.APIToken()
	if token == "" {
		return core.Fail(core.ErrorPermanent, core.CodeMissingToken, "no API token configured")
	}

	client, policy, sessionErr := c.pickSession(req.HealthCheck)
	if sessionErr != nil {
		return core.Fail(core.ErrorTransientNetwork, core.CodeSessionResetFailed,
			"session rebuild failed: "+sessionErr.Error())
	}

	return c.execute(ctx, client, policy, token, req)
}

// CreateChatCompletionAsync runs the same attempt group on the shared
// async session and delivers the APIResult on the returned channel. The
// channel is buffered so an abandoned caller never leaks the worker.
func (c *OpenAIClient) CreateChatCompletionAsync(ctx context.Context, req core.ChatRequest) <-chan core.APIResult {
	out := make(chan core.APIResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Panic during async chat completion", map[string]interface{}{
					"base_url": c.baseURL,
					"panic":    fmt.Sprintf("%v", r),
				})
				out <- core.Fail(core.ErrorPermanent, core.CodeUnexpectedClientError,
					fmt.Sprintf("internal panic: %v", r))
			}
		}()

		token := c.APIToken()
		if token == "" {
			out <- core.Fail(core.ErrorPermanent, core.CodeMissingToken, "no API token configured")
			return
		}
		out <- c.execute(ctx, sharedAsyncClient(), DefaultRetryPolicy(isConnectionError), token, req)
	}()
	return out
}

// pickSession chooses the HTTP client and retry policy for a call. It
// also surfaces a failed session rebuild so the caller gets the
// SESSION_RESET_FAILED result instead of reusing a torn-down pool.
func (c *OpenAIClient) pickSession(healthCheck bool) (*http.Client, RetryPolicy, error) {
	if healthCheck {
		return c.healthClient, NoRetryPolicy(), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionErr != nil {
		return nil, RetryPolicy{}, c.sessionErr
	}
	return c.syncClient, DefaultRetryPolicy(isConnectionError), nil
}

func (c *OpenAIClient) execute(ctx context.Context, client *http.Client, policy RetryPolicy, token string, req core.ChatRequest) core.APIResult {
	var out core.APIResult
	err := retry(ctx, policy, func() error {
		res, err := c.doChat(ctx, client, token, req)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		if !req.HealthCheck && isConnectionError(err) {
			c.healSession()
		}
		return core.FailErr(classifyTransportError(err))
	}
	return out
}

// doChat performs exactly one HTTP attempt. A returned error is always
// transport-level (retryable decisions happen above); HTTP responses of
// any status are folded into the APIResult and never retried.
func (c *OpenAIClient) doChat(ctx context.Context, client *http.Client, token string, req core.ChatRequest) (core.APIResult, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	stream := c.stream && !req.HealthCheck

	body, err := json.Marshal(chatCompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	})
	if err != nil {
		return core.Fail(core.ErrorPermanent, core.CodeUnexpectedClientError,
			"marshal request: "+err.Error()), nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return core.Fail(core.ErrorPermanent, core.CodeUnexpectedClientError,
			"create request: "+err.Error()), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return core.APIResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := classifyStatus(resp.StatusCode, string(respBody))
		c.logger.Warn("Chat completion failed", map[string]interface{}{
			"base_url": c.baseURL,
			"model":    model,
			"status":   resp.StatusCode,
			"code":     apiErr.Code,
		})
		return core.FailErr(apiErr), nil
	}

	if stream {
		return c.aggregateStream(resp.Body)
	}

	var completion core.ChatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		// A body cut short mid-read is a network fault, not a
		// malformed upstream.
		return core.Fail(core.ErrorTransientNetwork, core.CodeConnectionTimeout,
			"decode response: "+err.Error()), nil
	}
	return core.OK(&completion), nil
}

// streamChunk is one SSE data frame of a streamed chat completion.
type streamChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *core.Usage `json:"usage"`
}

// aggregateStream folds an SSE stream into a single completion. The
// concatenated deltas become choices[0].message.content; usage and
// finish_reason come from the final chunks that carry them. A read
// failure mid-stream discards everything: no partial success is ever
// reported.
func (c *OpenAIClient) aggregateStream(body io.Reader) (core.APIResult, error) {
	var (
		content      strings.Builder
		completion   core.ChatCompletion
		finishReason string
		role         = "assistant"
	)

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return core.Fail(core.ErrorTransientNetwork, core.CodeConnectionTimeout,
				"stream interrupted: "+err.Error()), nil
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("Skipping malformed stream chunk", map[string]interface{}{
				"base_url": c.baseURL,
				"error":    err.Error(),
			})
			continue
		}

		if chunk.ID != "" {
			completion.ID = chunk.ID
		}
		if chunk.Model != "" {
			completion.Model = chunk.Model
		}
		if chunk.Created != 0 {
			completion.Created = chunk.Created
		}
		if chunk.Usage != nil {
			completion.Usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Role != "" {
				role = choice.Delta.Role
			}
			content.WriteString(choice.Delta.Content)
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
			}
		}
	}

	completion.Object = "chat.completion"
	completion.Choices = []core.Choice{{
		Index:        0,
		Message:      core.Message{Role: role, Content: content.String()},
		FinishReason: finishReason,
	}}
	return core.OK(&completion), nil
}

// ModelList retrieves the upstream model list using the health session
// so a wedged endpoint fails fast.
func (c *OpenAIClient) ModelList(ctx context.Context) (*core.ModelList, error) {
	token := c.APIToken()
	if token == "" {
		return nil, core.ErrMissingToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.healthClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, string(respBody))
	}

	var list core.ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	return &list, nil
}

// healSession tears down the synchronous pool and rebuilds it without
// blocking the failing call. At most one rebuild runs at a time. A
// rebuild failure parks the adapter in the SESSION_RESET_FAILED state
// until a later rebuild succeeds.
func (c *OpenAIClient) healSession() {
	c.mu.Lock()
	if c.healing {
		c.mu.Unlock()
		return
	}
	c.healing = true
	c.mu.Unlock()

	go func() {
		client, err := newPooledClient(c.proxyURL, syncReadTimeout, syncPoolSize)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.healing = false
		if err != nil {
			c.sessionErr = err
			c.logger.Error("Session rebuild failed", map[string]interface{}{
				"base_url": c.baseURL,
				"error":    err.Error(),
			})
			return
		}

		old := c.syncClient
		c.syncClient = client
		c.sessionErr = nil
		old.CloseIdleConnections()
		c.logger.Info("Session rebuilt after connection failure", map[string]interface{}{
			"base_url": c.baseURL,
		})
	}()
}
