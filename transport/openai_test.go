package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"aifleet/core"
)

func testClient(t *testing.T, baseURL string, stream bool) *OpenAIClient {
	t.Helper()
	c, err := NewOpenAIClient(Config{
		BaseURL:  baseURL,
		APIToken: "test-token",
		Model:    "test-model",
		Stream:   stream,
	})
	if err != nil {
		t.Fatalf("NewOpenAIClient failed: %v", err)
	}
	return c
}

func chatReq() core.ChatRequest {
	return core.ChatRequest{
		Messages: []core.Message{{Role: "user", Content: "hello"}},
	}
}

// TestCreateChatCompletionSuccess tests the happy path including the
// auth header and default model resolution
func TestCreateChatCompletionSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Expected bearer token header, got %q", got)
		}

		var body chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Decode request: %v", err)
		}
		if body.Model != "test-model" {
			t.Errorf("Expected default model, got %q", body.Model)
		}

		json.NewEncoder(w).Encode(core.ChatCompletion{
			ID:    "cmpl-1",
			Model: "test-model",
			Choices: []core.Choice{{
				Message:      core.Message{Role: "assistant", Content: "OK"},
				FinishReason: "stop",
			}},
			Usage: &core.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
		})
	}))
	defer srv.Close()

	result := testClient(t, srv.URL, false).CreateChatCompletion(context.Background(), chatReq())
	if !result.Success {
		t.Fatalf("Expected success, got %+v", result.Err)
	}
	if got := result.Data.FirstContent(); got != "OK" {
		t.Errorf("Expected content OK, got %q", got)
	}
}

// TestCreateChatCompletionStatusClassification tests that HTTP errors
// map per the table and are never retried
func TestCreateChatCompletionStatusClassification(t *testing.T) {
	cases := []struct {
		status   int
		wantType core.ErrorType
		wantCode string
	}{
		{400, core.ErrorBadRequest, "HTTP_400"},
		{401, core.ErrorPermanent, "HTTP_401"},
		{429, core.ErrorTransientServer, "HTTP_429"},
		{500, core.ErrorTransientServer, "HTTP_500"},
	}

	for _, tc := range cases {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			http.Error(w, "upstream says no", tc.status)
		}))

		result := testClient(t, srv.URL, false).CreateChatCompletion(context.Background(), chatReq())
		srv.Close()

		if result.Success {
			t.Fatalf("Status %d: expected failure", tc.status)
		}
		if result.Err.Type != tc.wantType || result.Err.Code != tc.wantCode {
			t.Errorf("Status %d: expected %s/%s, got %s/%s",
				tc.status, tc.wantType, tc.wantCode, result.Err.Type, result.Err.Code)
		}
		if hits.Load() != 1 {
			t.Errorf("Status %d: expected exactly 1 attempt, got %d", tc.status, hits.Load())
		}
	}
}

// TestCreateChatCompletionMissingToken tests the MISSING_TOKEN guard
func TestCreateChatCompletionMissingToken(t *testing.T) {
	c, err := NewOpenAIClient(Config{BaseURL: "http://localhost:1", Model: "m"})
	if err != nil {
		t.Fatalf("NewOpenAIClient failed: %v", err)
	}

	result := c.CreateChatCompletion(context.Background(), chatReq())
	if result.Success {
		t.Fatal("Expected failure without token")
	}
	if result.Err.Type != core.ErrorPermanent || result.Err.Code != core.CodeMissingToken {
		t.Errorf("Expected PERMANENT/MISSING_TOKEN, got %s/%s", result.Err.Type, result.Err.Code)
	}
}

// TestSetAPITokenSwap tests runtime credential swaps
func TestSetAPITokenSwap(t *testing.T) {
	c := testClient(t, "http://localhost:1", false)
	if c.APIToken() != "test-token" {
		t.Errorf("Expected initial token, got %q", c.APIToken())
	}
	c.SetAPIToken("rotated")
	if c.APIToken() != "rotated" {
		t.Errorf("Expected rotated token, got %q", c.APIToken())
	}
}

// TestStreamingAggregation tests SSE chunks folding into one
// completion with concatenated content and trailing usage
func TestStreamingAggregation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatCompletionRequest
		json.NewDecoder(r.Body).Decode(&body)
		if !body.Stream {
			t.Error("Expected stream=true in request body")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"cmpl-s","model":"test-model","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"cmpl-s","choices":[{"index":0,"delta":{"content":"lo "}}]}`,
			`{"id":"cmpl-s","choices":[{"index":0,"delta":{"content":"world"},"finish_reason":"stop"}]}`,
			`{"id":"cmpl-s","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
		}
		for _, chunk := range chunks {
			w.Write([]byte("data: " + chunk + "\n\n"))
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	result := testClient(t, srv.URL, true).CreateChatCompletion(context.Background(), chatReq())
	if !result.Success {
		t.Fatalf("Expected success, got %+v", result.Err)
	}
	if got := result.Data.FirstContent(); got != "Hello world" {
		t.Errorf("Expected aggregated content, got %q", got)
	}
	if got := result.Data.FinishReason(); got != "stop" {
		t.Errorf("Expected finish reason from final content chunk, got %q", got)
	}
	if result.Data.Usage == nil || result.Data.Usage.TotalTokens != 8 {
		t.Errorf("Expected usage from trailing chunk, got %+v", result.Data.Usage)
	}
}

// TestStreamingMidStreamFailure tests that an interrupted stream
// yields TRANSIENT_NETWORK and never a partial success
func TestStreamingMidStreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			w.Write([]byte(`data: {"id":"cmpl-x","choices":[{"index":0,"delta":{"content":"partial"}}]}` + "\n\n"))
			f.Flush()
		}
		// Abort the connection before [DONE].
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	result := testClient(t, srv.URL, true).CreateChatCompletion(context.Background(), chatReq())
	if result.Success {
		t.Fatal("Expected failure on interrupted stream, got partial success")
	}
	if result.Err.Type != core.ErrorTransientNetwork || result.Err.Code != core.CodeConnectionTimeout {
		t.Errorf("Expected TRANSIENT_NETWORK/CONNECTION_TIMEOUT, got %s/%s",
			result.Err.Type, result.Err.Code)
	}
}

// TestHealthCheckUsesNonStreamingSingleAttempt tests that health
// checks skip streaming and never retry
func TestHealthCheckUsesNonStreamingSingleAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var body chatCompletionRequest
		json.NewDecoder(r.Body).Decode(&body)
		if body.Stream {
			t.Error("Health check must not request streaming")
		}
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	req := chatReq()
	req.HealthCheck = true
	result := testClient(t, srv.URL, true).CreateChatCompletion(context.Background(), req)
	if result.Success {
		t.Fatal("Expected failure")
	}
	if hits.Load() != 1 {
		t.Errorf("Expected 1 attempt for health check, got %d", hits.Load())
	}
}

// TestModelList tests the models endpoint
func TestModelList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(core.ModelList{
			Data: []core.ModelInfo{{ID: "m-1"}, {ID: "m-2"}},
		})
	}))
	defer srv.Close()

	list, err := testClient(t, srv.URL, false).ModelList(context.Background())
	if err != nil {
		t.Fatalf("ModelList failed: %v", err)
	}
	if len(list.Data) != 2 || list.Data[0].ID != "m-1" {
		t.Errorf("Unexpected model list: %+v", list)
	}
}

// TestModelListMissingToken tests the credentials guard on the models
// endpoint
func TestModelListMissingToken(t *testing.T) {
	c, _ := NewOpenAIClient(Config{BaseURL: "http://localhost:1"})
	if _, err := c.ModelList(context.Background()); err != core.ErrMissingToken {
		t.Errorf("Expected ErrMissingToken, got %v", err)
	}
}

// TestCreateChatCompletionAsync tests the shared-session async path:
// the result is delivered on the channel with the same semantics as
// the sync call
func TestCreateChatCompletionAsync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Expected bearer token header, got %q", got)
		}
		json.NewEncoder(w).Encode(core.ChatCompletion{
			ID: "cmpl-a",
			Choices: []core.Choice{{
				Message:      core.Message{Role: "assistant", Content: "async OK"},
				FinishReason: "stop",
			}},
		})
	}))
	defer srv.Close()

	ch := testClient(t, srv.URL, false).CreateChatCompletionAsync(context.Background(), chatReq())
	select {
	case result := <-ch:
		if !result.Success {
			t.Fatalf("Expected success, got %+v", result.Err)
		}
		if got := result.Data.FirstContent(); got != "async OK" {
			t.Errorf("Expected async content, got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for async result")
	}
}

// TestCreateChatCompletionAsyncMissingToken tests that the token guard
// fails the call on the channel without touching the network
func TestCreateChatCompletionAsyncMissingToken(t *testing.T) {
	c := testClient(t, "http://localhost:1", false)
	c.SetAPIToken("")

	select {
	case result := <-c.CreateChatCompletionAsync(context.Background(), chatReq()):
		if result.Success {
			t.Fatal("Expected failure without a token")
		}
		if result.Err.Type != core.ErrorPermanent || result.Err.Code != core.CodeMissingToken {
			t.Errorf("Expected PERMANENT/MISSING_TOKEN, got %s/%s", result.Err.Type, result.Err.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for async result")
	}
}
