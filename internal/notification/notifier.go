// Package notification delivers alert text to external channels
// (Telegram, webhooks, logs). Delivery is best-effort: callers go through
// Deliver or a Dispatcher, which retry briefly and only log failures.
package notification

import (
	"context"
	"errors"
	"log"
)

// Level represents the severity of a message.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Parse modes understood by the Telegram Bot API.
const (
	ParseNone       = ""
	ParseMarkdown   = "Markdown"
	ParseMarkdownV2 = "MarkdownV2"
)

// Message is one outbound notification. ChatID overrides the notifier's
// default destination when set. Text must already be valid for ParseMode.
type Message struct {
	Level     Level  `json:"level"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	ChatID    string `json:"chat_id,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers a message. Returns error if delivery fails.
	Send(ctx context.Context, msg Message) error
}

// LogNotifier is a simple notifier that logs messages (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	log.Printf("[notify] [%s] %s: %s", msg.Level, msg.Title, msg.Text)
	return nil
}

// Multi fans a message out to every backend. It fails only when all fail.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(m) > 0 && len(errs) == len(m) {
		return errors.Join(errs...)
	}
	return nil
}
