package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

var discordColors = map[domain.Severity]int{
	domain.SeverityInfo:     0x3498db,
	domain.SeverityWarning:  0xf1c40f,
	domain.SeverityCritical: 0xe74c3c,
}

// DiscordSender posts alerts to a Discord webhook as one embed each.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a sender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the alert. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, a domain.Alert) error {
	title, body := render(a)
	payload := map[string]any{
		"embeds": []map[string]any{{
			"title":       title,
			"description": body,
			"color":       discordColors[a.Severity],
			"timestamp":   a.At.UTC().Format(time.RFC3339),
		}},
	}
	return postJSON(ctx, d.client, d.webhookURL, payload, "discord")
}

// Name returns "discord".
func (d *DiscordSender) Name() string {
	return "discord"
}
