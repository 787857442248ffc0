package core

// ChatCompletion is the OpenAI-shaped chat-completion response body.
// Adapters that speak other wire formats normalize into this shape,
// including streaming adapters which aggregate chunks into one value.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object,omitempty"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one candidate result. Regular calls carry exactly one.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Usage is the token accounting block of a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	RequestCount     int `json:"request_count,omitempty"`
}

// FirstContent returns the content of the first choice, or "".
func (c *ChatCompletion) FirstContent() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Message.Content
}

// FinishReason returns the finish reason of the first choice, or "".
func (c *ChatCompletion) FinishReason() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].FinishReason
}
