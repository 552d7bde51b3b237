package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"newsflow/internal/config"
	"newsflow/internal/retry"
)

const (
	messageLimit = 4096
	captionLimit = 1024
)

// Client delivers formatted messages to one Telegram channel via the
// Bot API.
type Client struct {
	token      string
	channelID  string
	httpClient *http.Client
}

// New registers bot token and channel identifier.
func New(cfg config.TelegramConfig) *Client {
	return &Client{
		token:      cfg.BotToken,
		channelID:  cfg.ChannelID,
		httpClient: &http.Client{Timeout: cfg.Timeout.Std()},
	}
}

// Send posts text, with an optional photo. A photo whose caption fits
// the caption limit goes out as a single sendPhoto; longer text goes
// out as sendPhoto followed by the full sendMessage.
func (c *Client) Send(ctx context.Context, text string, photo []byte) error {
	if c.token == "" || c.channelID == "" {
		return retry.Permanent(fmt.Errorf("telegram client misconfigured"))
	}
	if len(photo) == 0 {
		return c.sendMessage(ctx, text)
	}
	if len([]rune(text)) <= captionLimit {
		return c.sendPhoto(ctx, text, photo)
	}
	if err := c.sendPhoto(ctx, "", photo); err != nil {
		return err
	}
	return c.sendMessage(ctx, text)
}

func (c *Client) sendMessage(ctx context.Context, text string) error {
	if n := []rune(text); len(n) > messageLimit {
		text = string(n[:messageLimit])
	}
	form := url.Values{}
	form.Set("chat_id", c.channelID)
	form.Set("text", text)
	form.Set("disable_web_page_preview", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.method("sendMessage"), strings.NewReader(form.Encode()))
	if err != nil {
		return retry.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) sendPhoto(ctx context.Context, caption string, photo []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("chat_id", c.channelID)
	if caption != "" {
		_ = mw.WriteField("caption", caption)
	}
	part, err := mw.CreateFormFile("photo", "item.png")
	if err != nil {
		return retry.Permanent(fmt.Errorf("build photo form: %w", err))
	}
	if _, err := part.Write(photo); err != nil {
		return retry.Permanent(fmt.Errorf("write photo form: %w", err))
	}
	if err := mw.Close(); err != nil {
		return retry.Permanent(fmt.Errorf("close photo form: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.method("sendPhoto"), &buf)
	if err != nil {
		return retry.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req)
}

func (c *Client) method(name string) string {
	return fmt.Sprintf("https://api.telegram.org/bot%s/%s", c.token, name)
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// do executes the request and classifies the outcome: rate limits and
// server errors stay retryable, everything else the channel rejects is
// permanent.
func (c *Client) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()

	var ar apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&ar); err != nil {
		return fmt.Errorf("decode telegram response (%s): %w", resp.Status, err)
	}
	if ar.OK {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("telegram rate limited, retry after %ds", ar.Parameters.RetryAfter)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("telegram error %s: %s", resp.Status, ar.Description)
	}
	return retry.Permanent(fmt.Errorf("telegram rejected message: %s", ar.Description))
}
