package notification

import (
	"fmt"
	"strings"
	"time"

	"coin-monitor/internal/model"
)

// TFLabel renders a timeframe in seconds as "15m", "4h", "1d".
func TFLabel(tf int) string {
	switch {
	case tf > 0 && tf%86400 == 0:
		return fmt.Sprintf("%dd", tf/86400)
	case tf > 0 && tf%3600 == 0:
		return fmt.Sprintf("%dh", tf/3600)
	case tf > 0 && tf%60 == 0:
		return fmt.Sprintf("%dm", tf/60)
	}
	return fmt.Sprintf("%ds", tf)
}

// FormatAlert renders an alert event as a MarkdownV2 message. Times are
// shown in loc.
func FormatAlert(ev model.AlertEvent, loc *time.Location) Message {
	if loc == nil {
		loc = time.UTC
	}
	at := model.MsTime(ev.AsOf).In(loc).Format("2006-01-02 15:04")
	switch ev.Kind {
	case model.AlertStreak:
		return Message{
			Level:     LevelWarning,
			Title:     fmt.Sprintf("%s %s up streak x%d", ev.Symbol, TFLabel(ev.TF), ev.Streak),
			ParseMode: ParseMarkdownV2,
			Text: escapeMarkdown(fmt.Sprintf("%s closed higher %d bars in a row (%+.2f%%)\nclose %s at %s",
				ev.Symbol, ev.Streak, ev.CumulativePct, ev.Price.String(), at)),
		}
	case model.AlertBreakout:
		return Message{
			Level:     LevelCritical,
			Title:     fmt.Sprintf("%s broke above P1", ev.Symbol),
			ParseMode: ParseMarkdownV2,
			Text: escapeMarkdown(fmt.Sprintf("price %s > p1 %s at %s",
				ev.Price.String(), ev.P1.String(), at)),
		}
	case model.AlertVolume:
		return Message{
			Level:     LevelInfo,
			Title:     fmt.Sprintf("%s volume spike", ev.Symbol),
			ParseMode: ParseMarkdownV2,
			Text: escapeMarkdown(fmt.Sprintf("1h volume %+.0f%% vs average, close %s at %s",
				ev.DeviationPct, ev.Price.String(), at)),
		}
	}
	return Message{Level: LevelInfo, Title: string(ev.Kind) + " " + ev.Symbol, Text: string(ev.JSON())}
}

// CodeBlock wraps preformatted lines in a Markdown code block so table
// columns survive Telegram rendering.
func CodeBlock(level Level, title string, lines []string) Message {
	return Message{
		Level:     level,
		Title:     title,
		ParseMode: ParseMarkdown,
		Text:      "```\n" + strings.Join(lines, "\n") + "\n```",
	}
}
