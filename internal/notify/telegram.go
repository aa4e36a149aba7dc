package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts alerts through the Telegram Bot API.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a sender for a bot token and chat id.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		baseURL: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send calls sendMessage. Critical alerts ring; the rest arrive silently.
func (t *TelegramSender) Send(ctx context.Context, a domain.Alert) error {
	title, body := render(a)
	payload := map[string]any{
		"chat_id":              t.chatID,
		"text":                 title + "\n" + body,
		"disable_notification": a.Severity != domain.SeverityCritical,
	}
	return postJSON(ctx, t.client, fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token), payload, "telegram")
}

// Name returns "telegram".
func (t *TelegramSender) Name() string {
	return "telegram"
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, who string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", who, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", who, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send: %w", who, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", who, resp.StatusCode, string(respBody))
	}
	return nil
}
