package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramNotifier sends messages via the Telegram Bot API sendMessage call.
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *http.Client
	limiter  *rate.Limiter

	// APIBase is the Bot API root; tests point it at a local server.
	APIBase string
}

// NewTelegramNotifier creates a Telegram notifier.
// botToken: Bot API token from @BotFather
// chatID: default chat/group/channel ID
// Sends are limited client-side to one per second with a burst of three.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
		APIBase: DefaultTelegramAPI,
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramNotifier) Send(ctx context.Context, msg Message) error {
	chatID := msg.ChatID
	if chatID == "" {
		chatID = t.chatID
	}
	if chatID == "" {
		return backoff.Permanent(fmt.Errorf("telegram: no chat id"))
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: rate limit: %w", err)
	}

	payload := map[string]interface{}{
		"chat_id": chatID,
		"text":    compose(msg),
	}
	if msg.ParseMode != ParseNone {
		payload["parse_mode"] = msg.ParseMode
	}
	body, _ := json.Marshal(payload)

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.APIBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("telegram: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	var tr telegramResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &tr)

	if resp.StatusCode != http.StatusOK || !tr.OK {
		err := fmt.Errorf("telegram: status %d: %s", resp.StatusCode, tr.Description)
		if isPermanentStatus(resp.StatusCode) {
			return backoff.Permanent(err)
		}
		return err
	}

	log.Printf("[telegram] sent message: %s", msg.Title)
	return nil
}

// compose prefixes the body with a level marker and the title, formatted
// for the message's parse mode.
func compose(msg Message) string {
	if msg.Title == "" {
		return msg.Text
	}
	emoji := "ℹ️"
	switch msg.Level {
	case LevelWarning:
		emoji = "⚠️"
	case LevelCritical:
		emoji = "🚨"
	}
	switch msg.ParseMode {
	case ParseMarkdownV2:
		return fmt.Sprintf("%s *%s*\n\n%s", emoji, escapeMarkdown(msg.Title), msg.Text)
	case ParseMarkdown:
		return fmt.Sprintf("%s *%s*\n%s", emoji, msg.Title, msg.Text)
	}
	return fmt.Sprintf("%s %s\n\n%s", emoji, msg.Title, msg.Text)
}

// isPermanentStatus reports client errors that a retry cannot fix.
// 429 is retried.
func isPermanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	specials := []byte{'_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!'}
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		for _, sp := range specials {
			if s[i] == sp {
				buf.WriteByte('\\')
				break
			}
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
