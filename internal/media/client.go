package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"newsflow/internal/config"
	"newsflow/internal/retry"
)

// Client generates one illustration per item via an OpenAI-style images
// endpoint. Callers must tolerate failure: an item without media ships
// as text only.
type Client struct {
	endpoint   string
	model      string
	apiKey     string
	size       string
	httpClient *http.Client
}

// New builds a client from configuration.
func New(cfg config.MediaConfig) *Client {
	return &Client{
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		size:       cfg.Size,
		httpClient: &http.Client{Timeout: cfg.Timeout.Std()},
	}
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	N      int    `json:"n"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// Generate returns the PNG bytes for one prompt.
func (c *Client) Generate(ctx context.Context, prompt string) ([]byte, error) {
	if c.apiKey == "" {
		return nil, retry.Permanent(fmt.Errorf("media api key is not set"))
	}

	body, err := json.Marshal(imageRequest{Model: c.model, Prompt: prompt, Size: c.size, N: 1})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal media request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("media error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, retry.Permanent(err)
	}

	var ir imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode media response: %w", err))
	}
	if len(ir.Data) == 0 || ir.Data[0].B64JSON == "" {
		return nil, retry.Permanent(fmt.Errorf("media response has no image data"))
	}
	img, err := base64.StdEncoding.DecodeString(ir.Data[0].B64JSON)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode image payload: %w", err))
	}
	return img, nil
}
