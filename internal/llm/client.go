package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ignatij/scoutflow/internal/executor"
	"github.com/ignatij/scoutflow/pkg/service"
	"github.com/pkg/errors"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
)

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	http    *executor.Client
	apiKey  string
	baseURL string
	model   string
}

func NewClient(apiKey, baseURL, model string, rps float64, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		http:    executor.NewClient("openai", rps, timeout),
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete returns the model's answer to a single user prompt.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, false)
}

// CompleteJSON asks the model to answer with a JSON object.
func (c *Client) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, true)
}

func (c *Client) complete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	if c.apiKey == "" {
		return "", service.Permanent(errors.New("OPENAI_API_KEY is not set"))
	}
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	}
	if jsonMode {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	var resp chatResponse
	if err := c.http.PostJSON(ctx, c.baseURL+"/chat/completions", header, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", service.Transient(errors.New("model returned no choices"))
	}
	return resp.Choices[0].Message.Content, nil
}
