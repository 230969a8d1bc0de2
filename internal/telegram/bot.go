// Package telegram sends detection alerts to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultAPIURL = "https://api.telegram.org"

// Bot is a minimal Telegram Bot API client
type Bot struct {
	apiURL     string
	botToken   string
	chatID     string
	httpClient *http.Client
}

// apiResponse represents the response from Telegram API
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// NewBot creates a client. An empty apiURL uses the public Telegram API.
func NewBot(apiURL, botToken, chatID string) *Bot {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Bot{
		apiURL:     apiURL,
		botToken:   botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SendMessage sends an HTML formatted text message to the configured chat
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	return b.call(ctx, "sendMessage", map[string]any{
		"chat_id":    b.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
}

func (b *Bot) call(ctx context.Context, method string, payload map[string]any) error {
	url := fmt.Sprintf("%s/bot%s/%s", b.apiURL, b.botToken, method)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return fmt.Errorf("failed to unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	if !apiResp.OK {
		return fmt.Errorf("telegram API error %d: %s", apiResp.ErrorCode, apiResp.Description)
	}
	return nil
}
