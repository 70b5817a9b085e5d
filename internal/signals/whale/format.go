package whale

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"coin-monitor/internal/model"
	"coin-monitor/internal/notification"
)

const traderURL = "https://hyperdash.info/trader/"

// ActionText renders the position action with its side.
func ActionText(r model.WhaleRecord) string {
	side := "short"
	if r.Long() {
		side = "long"
	}
	switch r.PositionAction {
	case model.WhaleOpen:
		return "open " + side
	case model.WhaleClose:
		return "close " + side
	}
	return strconv.Itoa(r.PositionAction)
}

// Format renders r as a plain-text message. Times are shown in loc.
func Format(r model.WhaleRecord, loc *time.Location) notification.Message {
	if loc == nil {
		loc = time.UTC
	}
	direction := "short"
	if r.Long() {
		direction = "long"
	}
	liq := "N/A"
	if r.LiqPrice.Valid {
		liq = r.LiqPrice.Decimal.StringFixed(6)
	}
	lev := "N/A"
	if l, ok := r.Leverage(); ok {
		lev = fmt.Sprintf("%.1fx", l)
	}
	lines := []string{
		"trader: " + traderURL + r.User,
		"time: " + model.MsTime(r.CreateTime).In(loc).Format("2006-01-02 15:04:05"),
		"symbol: " + r.Symbol,
		"action: " + ActionText(r),
		"direction: " + direction,
		"size: " + r.PositionSize.String() + " " + r.Symbol,
		"entry: " + r.EntryPrice.StringFixed(6),
		"liq: " + liq,
		"value: " + r.PositionValueUSD.String() + " USD",
		"est. leverage: " + lev,
	}
	return notification.Message{
		Level:     notification.LevelWarning,
		Title:     "Hyperliquid whale " + ActionText(r) + " " + r.Symbol,
		Text:      strings.Join(lines, "\n"),
		ParseMode: notification.ParseNone,
	}
}
