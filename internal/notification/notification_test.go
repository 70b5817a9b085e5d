package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"coin-monitor/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryPolicy{Retries: 2, Initial: time.Millisecond, Max: time.Millisecond}

// flaky fails the first failures sends.
type flaky struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	sent     []Message
}

func (f *flaky) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		if f.err != nil {
			return f.err
		}
		return errors.New("transient")
	}
	f.sent = append(f.sent, msg)
	return nil
}

type sink struct {
	events []model.AlertEvent
	err    error
}

func (s *sink) PublishAlert(ctx context.Context, ev model.AlertEvent) error {
	s.events = append(s.events, ev)
	return s.err
}

func TestDeliver_RetriesTransientFailures(t *testing.T) {
	n := &flaky{failures: 2}
	assert.True(t, DeliverWith(context.Background(), n, Message{Title: "x"}, fastRetry))
	assert.Equal(t, 3, n.calls)
}

func TestDeliver_GivesUpAfterRetries(t *testing.T) {
	n := &flaky{failures: 10}
	assert.False(t, DeliverWith(context.Background(), n, Message{Title: "x"}, fastRetry))
	assert.Equal(t, 3, n.calls, "one attempt plus two retries")
}

func TestDeliver_PermanentErrorNotRetried(t *testing.T) {
	n := &flaky{failures: 10, err: backoff.Permanent(errors.New("bad request"))}
	assert.False(t, DeliverWith(context.Background(), n, Message{Title: "x"}, fastRetry))
	assert.Equal(t, 1, n.calls)
}

func TestDeliver_NilNotifier(t *testing.T) {
	assert.False(t, Deliver(context.Background(), nil, Message{}))
}

func TestTelegram_SendsPayload(t *testing.T) {
	var got map[string]interface{}
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegramNotifier("TOKEN", "100")
	tg.APIBase = srv.URL
	err := tg.Send(context.Background(), Message{Text: "hello", ChatID: "200", ParseMode: ParseMarkdown})
	require.NoError(t, err)

	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "200", got["chat_id"], "message chat overrides the default")
	assert.Equal(t, "hello", got["text"])
	assert.Equal(t, "Markdown", got["parse_mode"])
}

func TestTelegram_DefaultChatAndNoParseMode(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegramNotifier("TOKEN", "100")
	tg.APIBase = srv.URL
	require.NoError(t, tg.Send(context.Background(), Message{Text: "plain"}))
	assert.Equal(t, "100", got["chat_id"])
	_, hasMode := got["parse_mode"]
	assert.False(t, hasMode)
}

func TestTelegram_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegramNotifier("TOKEN", "100")
	tg.APIBase = srv.URL
	err := tg.Send(context.Background(), Message{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	var perm *backoff.PermanentError
	assert.True(t, errors.As(err, &perm), "4xx is not retried")
}

func TestWebhook_Send(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookNotifier(srv.URL).Send(context.Background(),
		Message{Level: LevelWarning, Title: "t", Text: "body"}))
	assert.Equal(t, "WARNING", got["level"])
	assert.Equal(t, "body", got["message"])
}

func TestMulti_FailsOnlyWhenAllFail(t *testing.T) {
	ok := &flaky{}
	bad := &flaky{failures: 10}
	assert.NoError(t, Multi{bad, ok}.Send(context.Background(), Message{}))
	assert.Error(t, Multi{bad, &flaky{failures: 10}}.Send(context.Background(), Message{}))
}

func TestCompose(t *testing.T) {
	assert.Equal(t, "body", compose(Message{Text: "body"}))
	v2 := compose(Message{Level: LevelCritical, Title: "A.B", Text: "x", ParseMode: ParseMarkdownV2})
	assert.True(t, strings.HasPrefix(v2, "🚨 *A\\.B*"), v2)
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `\+3\.5%`, escapeMarkdown("+3.5%"))
}

func TestFormatAlert_Streak(t *testing.T) {
	ev := model.AlertEvent{
		Kind:          model.AlertStreak,
		Symbol:        "XUSDT",
		TF:            14400,
		Streak:        3,
		CumulativePct: 30,
		Price:         decimal.NewFromInt(13),
		AsOf:          time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC).UnixMilli(),
	}
	shanghai := time.FixedZone("CST", 8*3600)
	msg := FormatAlert(ev, shanghai)
	assert.Equal(t, "XUSDT 4h up streak x3", msg.Title)
	assert.Equal(t, ParseMarkdownV2, msg.ParseMode)
	assert.Contains(t, msg.Text, `\+30\.00%`)
	assert.Contains(t, msg.Text, "2024\\-01\\-01 16:00")
}

func TestTFLabel(t *testing.T) {
	assert.Equal(t, "4h", TFLabel(14400))
	assert.Equal(t, "15m", TFLabel(900))
	assert.Equal(t, "1d", TFLabel(86400))
	assert.Equal(t, "45s", TFLabel(45))
}

func TestDispatcher_NotifiesAndPublishes(t *testing.T) {
	n := &flaky{}
	s := &sink{err: errors.New("redis down")}
	d := NewDispatcher(n, fastRetry, nil, s)

	d.Dispatch(context.Background(), model.AlertEvent{Kind: model.AlertBreakout, Symbol: "XUSDT",
		Price: decimal.NewFromInt(11), P1: decimal.NewFromInt(10)})

	require.Len(t, n.sent, 1)
	assert.Equal(t, "XUSDT broke above P1", n.sent[0].Title)
	assert.Len(t, s.events, 1, "sink failure is logged only")
}

func TestDispatcher_FailureHook(t *testing.T) {
	failures := 0
	d := NewDispatcher(&flaky{failures: 10}, fastRetry, nil)
	d.OnFailure = func() { failures++ }
	d.Dispatch(context.Background(), model.AlertEvent{Kind: model.AlertStreak, Symbol: "X"})
	assert.Equal(t, 1, failures)
}

func TestDispatcher_PublishSkipsNotifier(t *testing.T) {
	n := &flaky{}
	s := &sink{}
	d := NewDispatcher(n, fastRetry, nil, s)
	d.Publish(context.Background(), model.AlertEvent{Kind: model.AlertVolume, Symbol: "XUSDT"})
	assert.Empty(t, n.sent)
	assert.Len(t, s.events, 1)
}
