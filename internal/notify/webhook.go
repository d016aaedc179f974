package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WebhookNotifier posts decided outcomes to the transport bridge that owns
// the actual channel delivery. With no URL configured it only logs the outcome,
// which is enough for single-surface deployments where the caller already
// received the reply inline.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type payload struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
	ImageURL  string `json:"image_url,omitempty"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, guildID, channelID, userID, text, imageURL string) error {
	if n.url == "" {
		n.logger.Info().
			Str("guild_id", guildID).
			Str("channel_id", channelID).
			Str("user_id", userID).
			Str("text", text).
			Msg("outcome decided")
		return nil
	}

	body, err := json.Marshal(payload{
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    userID,
		Text:      text,
		ImageURL:  imageURL,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification status %d", resp.StatusCode)
	}
	return nil
}
