// Package llm wraps the OpenAI chat API for query suggestion and
// stance labeling. The model is an external collaborator: its output
// is parsed defensively and failures surface as errors, never panics.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Config controls the OpenAI client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// QuerySuggestion is one claim's recommended search plan.
type QuerySuggestion struct {
	Claim         string   `json:"claim"`
	Queries       []string `json:"queries"`
	PreferDomains []string `json:"prefer_domains"`
	AvoidDomains  []string `json:"avoid_domains"`
}

// StanceLabel is the model's judgment of one source against one claim.
type StanceLabel struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Stance string `json:"stance"`
	Why    string `json:"why"`
}

// ChatCompleter is the OpenAI surface the client depends on; satisfied
// by *openai.Client and by fakes in tests.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client issues structured chat completions.
type Client struct {
	api   ChatCompleter
	model string
	wait  time.Duration
}

// New creates a Client from config.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return NewWithCompleter(openai.NewClientWithConfig(clientConfig), cfg), nil
}

// NewWithCompleter builds a Client over an existing completer. Used by
// tests to substitute a fake.
func NewWithCompleter(api ChatCompleter, cfg Config) *Client {
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	wait := cfg.Timeout
	if wait <= 0 {
		wait = 30 * time.Second
	}
	return &Client{api: api, model: model, wait: wait}
}

const suggestSystemPrompt = `You generate web search plans for fact-checking claims.
For each claim produce focused search queries plus domains to prefer (primary
sources, fact checkers) and avoid (content farms). Respond with JSON only:
{"items":[{"claim":"...","queries":["..."],"prefer_domains":["..."],"avoid_domains":["..."]}]}`

// SuggestQueries asks the model for a search plan per claim. text is
// the surrounding article context; claims are the statements to check.
func (c *Client) SuggestQueries(ctx context.Context, text string, claims []string) ([]QuerySuggestion, error) {
	if len(claims) == 0 {
		return nil, fmt.Errorf("at least one claim is required")
	}
	var prompt strings.Builder
	prompt.WriteString("Context:\n")
	prompt.WriteString(text)
	prompt.WriteString("\n\nClaims:\n")
	for i, claim := range claims {
		fmt.Fprintf(&prompt, "%d. %s\n", i+1, claim)
	}

	content, err := c.complete(ctx, suggestSystemPrompt, prompt.String())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Items []QuerySuggestion `json:"items"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("parse suggestion response: %w", err)
	}
	if len(parsed.Items) == 0 {
		return nil, fmt.Errorf("model returned no suggestions")
	}
	return parsed.Items, nil
}

const stanceSystemPrompt = `You judge whether a source supports, refutes, or merely
provides background for a claim, based on its title and snippet. Respond with JSON
only: {"labels":[{"url":"...","title":"...","stance":"supports|refutes|background","why":"..."}]}`

// SourceCandidate is a search hit to label against a claim.
type SourceCandidate struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// LabelStances asks the model to label each candidate source's stance
// toward the claim.
func (c *Client) LabelStances(ctx context.Context, claim string, sources []SourceCandidate) ([]StanceLabel, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Claim: %s\n\nSources:\n", claim)
	for i, src := range sources {
		fmt.Fprintf(&prompt, "%d. %s — %s\n%s\n", i+1, src.Title, src.URL, src.Snippet)
	}

	content, err := c.complete(ctx, stanceSystemPrompt, prompt.String())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Labels []StanceLabel `json:"labels"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("parse stance response: %w", err)
	}
	return parsed.Labels, nil
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.3,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
