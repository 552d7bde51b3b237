package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"newsflow/internal/config"
	"newsflow/internal/retry"
)

// Item is one raw content unit as returned by the source, before any
// pipeline state is attached.
type Item struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Sources []string `json:"sources"`
}

// Client calls an OpenAI-compatible chat completions endpoint and asks
// for the day's batch as a strict JSON array.
type Client struct {
	endpoint   string
	model      string
	apiKey     string
	maxTokens  int
	httpClient *http.Client
}

const systemPrompt = "You are a news collection assistant. Respond with a JSON array only: " +
	`[{"title": "...", "content": "...", "sources": ["url", ...]}, ...] ` +
	"ordered from most to least important. No prose outside the JSON."

// New builds a client from configuration. The timeout is the pipeline's
// own, independent of transport defaults.
func New(cfg config.SourceConfig) *Client {
	return &Client{
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: cfg.Timeout.Std()},
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
}

// Collect requests exactly count items for the given prompt. Transport
// errors, timeouts, 429 and 5xx responses are retryable; a response
// that fails to parse is permanent.
func (c *Client) Collect(ctx context.Context, count int, prompt string) ([]Item, error) {
	if c.apiKey == "" {
		return nil, retry.Permanent(fmt.Errorf("source api key is not set"))
	}

	body, err := json.Marshal(chatRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("%s\nReturn exactly %d items.", prompt, count)},
		},
	})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal source request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("source error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, retry.Permanent(err)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode source response: %w", err))
	}
	if len(cr.Choices) == 0 {
		return nil, retry.Permanent(fmt.Errorf("source response has no choices"))
	}

	items, err := parseItems(cr.Choices[0].Message.Content)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	// Deep-research style APIs return citations out of band; attach them
	// to items that came back without their own sources.
	if len(cr.Citations) > 0 {
		for i := range items {
			if len(items[i].Sources) == 0 {
				items[i].Sources = cr.Citations
			}
		}
	}
	return items, nil
}

// parseItems decodes the model's JSON array, tolerating a markdown code
// fence around it but nothing else.
func parseItems(content string) ([]Item, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if i := strings.LastIndex(content, "```"); i >= 0 {
			content = content[:i]
		}
		content = strings.TrimSpace(content)
	}

	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	var items []Item
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("source returned malformed item list: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("source returned an empty item list")
	}
	return items, nil
}
