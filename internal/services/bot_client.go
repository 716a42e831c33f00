package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// BotClient communicates with the messaging bot internal API. The bot
// renders negotiation prompts and notifications; all trade state lives
// on this side.
type BotClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewBotClient(baseURL string, log *zap.Logger) *BotClient {
	return &BotClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

func (c *BotClient) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bot service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bot service returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// SendNotification delivers a plain text message to a user.
func (c *BotClient) SendNotification(ctx context.Context, userID int64, text string) error {
	err := c.post(ctx, "/internal/notify", map[string]any{
		"user_id": userID,
		"text":    text,
	})
	if err != nil {
		c.log.Warn("failed to send bot notification", zap.Int64("user_id", userID), zap.Error(err))
	}
	return err
}

// OfferPrompt asks the bot to render a negotiation step with inline
// actions. Actions are opaque callbacks of the form {action, offer_id,
// args} the bot posts back to the API.
type OfferPrompt struct {
	UserID  int64          `json:"user_id"`
	OfferID string         `json:"offer_id"`
	Kind    string         `json:"kind"`
	Args    map[string]any `json:"args,omitempty"`
}

func (c *BotClient) SendOfferPrompt(ctx context.Context, prompt OfferPrompt) error {
	err := c.post(ctx, fmt.Sprintf("/internal/offers/%s/prompt", prompt.OfferID), prompt)
	if err != nil {
		c.log.Warn("failed to send offer prompt",
			zap.String("offer_id", prompt.OfferID),
			zap.String("kind", prompt.Kind),
			zap.Error(err),
		)
	}
	return err
}

// ExpireOfferKeyboard tells the bot to strip the inline keyboard from a
// stale offer message.
func (c *BotClient) ExpireOfferKeyboard(ctx context.Context, userID int64, offerID string) error {
	return c.post(ctx, fmt.Sprintf("/internal/offers/%s/expire", offerID), map[string]any{
		"user_id": userID,
	})
}

// SendSupportMessage escalates a trade to the support channel.
func (c *BotClient) SendSupportMessage(ctx context.Context, channelID int64, text string) error {
	err := c.post(ctx, "/internal/support", map[string]any{
		"channel_id": channelID,
		"text":       text,
	})
	if err != nil {
		c.log.Warn("failed to post to support channel", zap.Int64("channel_id", channelID), zap.Error(err))
	}
	return err
}
