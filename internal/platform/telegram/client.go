package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"promo-market-backend/internal/common/logger"
)

// Client is a thin Telegram Bot API client used as the notification sink.
// Every send here is best-effort: callers swallow errors, so a Telegram
// outage never blocks settlement.
type Client struct {
	httpClient *http.Client
	token      string
	logger     zerolog.Logger
}

// Response represents a Telegram Bot API response envelope.
type Response struct {
	Ok          bool        `json:"ok"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	Description string      `json:"description,omitempty"`
}

func NewClient(token string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		token:  token,
		logger: logger.Component("telegram"),
	}
}

// SendMessage sends a plain text message to a chat, optionally attaching an
// inline keyboard serialized as reply_markup JSON.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyMarkup string) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.token)
	params := url.Values{
		"chat_id": {fmt.Sprintf("%d", chatID)},
		"text":    {text},
	}
	if replyMarkup != "" {
		params.Set("reply_markup", replyMarkup)
	}

	var response Response
	if err := c.makeRequest(ctx, "POST", endpoint, params, &response); err != nil {
		c.logger.Warn().Int64("chat_id", chatID).Err(err).Msg("Failed to send message")
		return err
	}
	if !response.Ok {
		return fmt.Errorf("telegram API error: %s", response.Description)
	}
	return nil
}

// EditMessageText replaces the text of a previously posted message, used to
// stamp expired placement announcements.
func (c *Client) EditMessageText(ctx context.Context, chatID int64, messageID int64, text string) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/editMessageText", c.token)
	params := url.Values{
		"chat_id":    {fmt.Sprintf("%d", chatID)},
		"message_id": {fmt.Sprintf("%d", messageID)},
		"text":       {text},
	}

	var response Response
	if err := c.makeRequest(ctx, "POST", endpoint, params, &response); err != nil {
		c.logger.Warn().Int64("chat_id", chatID).Int64("message_id", messageID).Err(err).Msg("Failed to edit message")
		return err
	}
	if !response.Ok {
		return fmt.Errorf("telegram API error: %s", response.Description)
	}
	return nil
}

// NotifyDrawPreview sends the giveaway owner a winners preview with a publish
// button. Draw order is placement order.
func (c *Client) NotifyDrawPreview(ctx context.Context, ownerID int64, giveawayID string, title string, winners []int64) error {
	var b strings.Builder
	fmt.Fprintf(&b, "🎉 Winners drawn for \"%s\"\n\n", title)
	for i, userID := range winners {
		fmt.Fprintf(&b, "%d. tg://user?id=%d\n", i+1, userID)
	}
	if len(winners) == 0 {
		b.WriteString("No eligible participants, the giveaway ended without winners.\n")
	}
	b.WriteString("\nPublish the results when you are ready.")

	markup, err := json.Marshal(map[string]interface{}{
		"inline_keyboard": [][]map[string]string{{
			{"text": "📣 Publish results", "callback_data": "gw_publish:" + giveawayID},
		}},
	})
	if err != nil {
		return err
	}

	return c.SendMessage(ctx, ownerID, b.String(), string(markup))
}

// NotifyRetryCredit tells a buyer a fairness retry credit was issued.
func (c *Client) NotifyRetryCredit(ctx context.Context, userID int64, expiresAt time.Time) error {
	message := fmt.Sprintf(
		"💬 Your intro didn't get a reply, so we returned the credit.\n\n"+
			"Use it on any offer before %s.",
		expiresAt.Format("2 Jan 2006"),
	)
	return c.SendMessage(ctx, userID, message, "")
}

// MarkPlacementExpired edits a catalog announcement to show the slot ended.
func (c *Client) MarkPlacementExpired(ctx context.Context, chatID int64, messageID int64, title string) error {
	text := fmt.Sprintf("⌛️ Placement \"%s\" has expired.", title)
	return c.EditMessageText(ctx, chatID, messageID, text)
}

func (c *Client) makeRequest(ctx context.Context, method, endpoint string, data url.Values, result interface{}) error {
	var req *http.Request
	var err error

	if method == "POST" {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(data.Encode()))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		if len(data) > 0 {
			endpoint = fmt.Sprintf("%s?%s", endpoint, data.Encode())
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	return nil
}
