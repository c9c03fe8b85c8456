package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ashita-ai/hanrei/internal/httpx"
)

// Task names one LLM call site, each with its own default model.
type Task string

const (
	TaskIssueTriage Task = "issue_triage"
	TaskAssignment  Task = "assignment"
	TaskResponse    Task = "response"
	TaskDocs        Task = "docs"
	TaskPromotion   Task = "promotion"
	TaskJudge       Task = "judge"
)

// defaultModels pins a model per task; cheaper models go to the
// high-volume classification tasks.
var defaultModels = map[Task]string{
	TaskIssueTriage: "gpt-4.1-mini",
	TaskAssignment:  "gpt-4.1",
	TaskResponse:    "gpt-5-mini",
	TaskDocs:        "gpt-4.1",
	TaskPromotion:   "gpt-5",
	TaskJudge:       "gpt-4.1-mini",
}

// ModelFor resolves the model for a task. The env var
// OPENAI_MODEL_<TASK> (task upper-cased) overrides the default.
func ModelFor(task Task) string {
	key := "OPENAI_MODEL_" + strings.ToUpper(string(task))
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if m, ok := defaultModels[task]; ok {
		return m
	}
	return defaultModels[TaskJudge]
}

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	llmTemperature       = 0.2
	llmMaxOutputTokens   = 600
)

// LLMClient calls the OpenAI chat completions API in JSON mode.
type LLMClient struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	logger  *slog.Logger
}

// LLMOption configures an LLMClient.
type LLMOption func(*LLMClient)

// WithBaseURL points the client at a different API host (tests, proxies).
func WithBaseURL(u string) LLMOption {
	return func(c *LLMClient) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient overrides the underlying retrying client.
func WithHTTPClient(hc *httpx.Client) LLMOption {
	return func(c *LLMClient) { c.http = hc }
}

// NewLLMClient creates a chat completions client. The key is held in
// memory only; it is sent as a header and never logged.
func NewLLMClient(apiKey string, logger *slog.Logger, opts ...LLMOption) *LLMClient {
	c := &LLMClient{
		http:    httpx.New(60*time.Second, logger),
		baseURL: defaultOpenAIBaseURL,
		apiKey:  apiKey,
		logger:  logger.With("component", "llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens"`
	ResponseFormat map[string]any `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// GenerateJSON asks the model for a single JSON object and returns the
// raw payload plus token usage for the journal.
func (c *LLMClient) GenerateJSON(ctx context.Context, task Task, system, user string) (json.RawMessage, map[string]any, error) {
	if c.apiKey == "" {
		return nil, nil, fmt.Errorf("agent: llm call without OPENAI_API_KEY")
	}

	model := ModelFor(task)
	reqBody, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    llmTemperature,
		MaxTokens:      llmMaxOutputTokens,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("agent: encode chat request: %w", err)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + c.apiKey,
		"Content-Type":  "application/json",
	}
	resp, err := c.http.RequestJSON(ctx, "POST", c.baseURL+"/chat/completions", headers, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("agent: chat completion for %s: %w", task, err)
	}

	var parsed chatResponse
	if err := resp.DecodeJSON(&parsed); err != nil {
		return nil, nil, fmt.Errorf("agent: decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, nil, fmt.Errorf("agent: chat completion for %s returned no choices", task)
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if !json.Valid([]byte(content)) {
		return nil, nil, fmt.Errorf("agent: chat completion for %s is not valid JSON", task)
	}

	usage := map[string]any{
		"model":             model,
		"prompt_tokens":     parsed.Usage.PromptTokens,
		"completion_tokens": parsed.Usage.CompletionTokens,
		"total_tokens":      parsed.Usage.TotalTokens,
	}
	c.logger.Debug("chat completion",
		"task", string(task),
		"model", model,
		"total_tokens", parsed.Usage.TotalTokens)
	return json.RawMessage(content), usage, nil
}
