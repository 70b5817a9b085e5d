package whale

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coin-monitor/internal/model"
	"coin-monitor/internal/notification"
	"coin-monitor/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type staticFeed struct {
	recs []model.WhaleRecord
	err  error
}

func (f *staticFeed) Fetch(ctx context.Context) ([]model.WhaleRecord, error) {
	out := make([]model.WhaleRecord, len(f.recs))
	copy(out, f.recs)
	return out, f.err
}

type inbox struct {
	mu   sync.Mutex
	msgs []notification.Message
}

func (i *inbox) Notify(ctx context.Context, msg notification.Message) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, msg)
	return true
}

func (i *inbox) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

func record(user string, ago time.Duration, valueUSD int64) model.WhaleRecord {
	return model.WhaleRecord{
		User:             user,
		Symbol:           "HYPE",
		PositionSize:     decimal.NewFromInt(100000),
		EntryPrice:       decimal.NewFromInt(30),
		LiqPrice:         decimal.NewNullDecimal(decimal.NewFromInt(20)),
		PositionValueUSD: decimal.NewFromInt(valueUSD),
		PositionAction:   model.WhaleOpen,
		CreateTime:       now.Add(-ago).UnixMilli(),
	}
}

func newTestWatcher(src Fetcher, log model.WhaleLog, out Notifier) *Watcher {
	w := NewWatcher(Config{}, src, log, out)
	w.Now = func() time.Time { return now }
	return w
}

func TestWatcher_NotifiesNewRecordsOnce(t *testing.T) {
	feed := &staticFeed{recs: []model.WhaleRecord{record("0xb", time.Minute, 12_000_000), record("0xa", 2*time.Minute, 15_000_000)}}
	out := &inbox{}
	w := newTestWatcher(feed, memory.NewWhaleLog(), out)
	ctx := context.Background()

	sent, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, sent, 2)
	assert.Equal(t, "0xa", sent[0].User, "oldest first")
	assert.Equal(t, 2, out.count())

	sent, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, sent)

	feed.recs = append(feed.recs, record("0xc", 0, 11_000_000))
	sent, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "0xc", sent[0].User)
	assert.Equal(t, 3, out.count())
}

func TestWatcher_SmallAndOldRecordsStoredSilently(t *testing.T) {
	log := memory.NewWhaleLog()
	feed := &staticFeed{recs: []model.WhaleRecord{
		record("0xsmall", time.Minute, 9_999_999),
		record("0xold", 3*time.Hour, 50_000_000),
		record("0xedge", time.Minute, 10_000_000),
	}}
	out := &inbox{}
	sent, err := newTestWatcher(feed, log, out).Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "0xedge", sent[0].User)
	assert.Equal(t, 3, log.Len())
}

func TestWatcher_SameUserDifferentActionIsNew(t *testing.T) {
	open := record("0xa", time.Minute, 20_000_000)
	closed := open
	closed.PositionAction = model.WhaleClose
	out := &inbox{}
	sent, err := newTestWatcher(&staticFeed{recs: []model.WhaleRecord{open, closed, open}}, memory.NewWhaleLog(), out).Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, sent, 2)
}

func TestWatcher_SharedLogNotifiesOnce(t *testing.T) {
	log := memory.NewWhaleLog()
	feed := &staticFeed{recs: []model.WhaleRecord{record("0xa", time.Minute, 20_000_000)}}
	a, b := &inbox{}, &inbox{}

	var wg sync.WaitGroup
	for _, out := range []*inbox{a, b} {
		wg.Add(1)
		go func(out *inbox) {
			defer wg.Done()
			_, err := newTestWatcher(feed, log, out).Poll(context.Background())
			assert.NoError(t, err)
		}(out)
	}
	wg.Wait()
	assert.Equal(t, 1, a.count()+b.count())
}

func TestWatcher_StoreErrorSkipsNotify(t *testing.T) {
	log := memory.NewWhaleLog()
	log.Err = errors.New("db down")
	out := &inbox{}
	feed := &staticFeed{recs: []model.WhaleRecord{record("0xa", time.Minute, 20_000_000)}}
	w := newTestWatcher(feed, log, out)

	sent, err := w.Poll(context.Background())
	require.Error(t, err)
	assert.Empty(t, sent)
	assert.Zero(t, out.count())

	log.Err = nil
	sent, err = w.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, sent, 1, "retried once the store is back")
}

func TestWatcher_FetchError(t *testing.T) {
	_, err := newTestWatcher(&staticFeed{err: errors.New("timeout")}, memory.NewWhaleLog(), nil).Poll(context.Background())
	assert.Error(t, err)
}

func TestClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("CG-API-KEY"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`{"code":"0","msg":"success","data":[
			{"user":"0xa","symbol":"BTC","position_size":-2.5,"entry_price":60000,"liq_price":66000,
			 "position_value_usd":150000000,"position_action":1,"create_time":1709294400000},
			{"user":"0xb","symbol":"ETH","position_size":100,"entry_price":3000,"liquidation_price":2500,
			 "position_value_usd":300000,"position_action":2,"create_time":1709294460000},
			{"user":"0xc","symbol":"SOL","position_size":1,"entry_price":100,"liq_price":null,
			 "position_value_usd":100,"position_action":1,"create_time":1709294520000}
		]}`))
	}))
	defer srv.Close()

	recs, err := NewClient(srv.URL, "secret").Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "0xa", recs[0].User)
	assert.False(t, recs[0].Long())
	assert.True(t, recs[0].LiqPrice.Decimal.Equal(decimal.NewFromInt(66000)))
	assert.True(t, recs[1].LiqPrice.Valid, "liquidation_price is accepted")
	assert.True(t, recs[1].LiqPrice.Decimal.Equal(decimal.NewFromInt(2500)))
	assert.False(t, recs[2].LiqPrice.Valid)
}

func TestClient_DefaultTimeout(t *testing.T) {
	c := NewClient("", "k")
	assert.Equal(t, DefaultURL, c.url)
	assert.Equal(t, 15*time.Second, c.client.Timeout)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	c.RetryWait = time.Millisecond
	recs, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_AuthErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad")
	c.RetryWait = time.Millisecond
	_, err := c.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFormat(t *testing.T) {
	r := record("0xabc", 0, 25_000_000)
	msg := Format(r, time.UTC)
	assert.Equal(t, "Hyperliquid whale open long HYPE", msg.Title)
	assert.Contains(t, msg.Text, "trader: https://hyperdash.info/trader/0xabc")
	assert.Contains(t, msg.Text, "time: 2024-03-01 12:00:00")
	assert.Contains(t, msg.Text, "entry: 30.000000")
	assert.Contains(t, msg.Text, "liq: 20.000000")
	assert.Contains(t, msg.Text, "est. leverage: 3.0x")

	r.PositionSize = r.PositionSize.Neg()
	r.PositionAction = model.WhaleClose
	r.LiqPrice = decimal.NullDecimal{}
	msg = Format(r, time.UTC)
	assert.Equal(t, "close short", ActionText(r))
	assert.Contains(t, msg.Text, "direction: short")
	assert.Contains(t, msg.Text, "est. leverage: N/A")
}
