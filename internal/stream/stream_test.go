package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// venue serves one scripted websocket session per connection. n counts
// connections from 1.
func venue(t *testing.T, script func(ws *websocket.Conn, n int32)) string {
	t.Helper()
	var conns atomic.Int32
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		script(ws, conns.Add(1))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readJSON(ws *websocket.Conn) gjson.Result {
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return gjson.Result{}
	}
	return gjson.ParseBytes(msg)
}

func send(ws *websocket.Conn, frame string) {
	_ = ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

// drain holds the connection open until the client goes away
func drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func testConfig(url string) Config {
	return Config{
		URL:       url,
		KeyID:     "key",
		SecretKey: "secret",
		Reconnect: ReconnectConfig{InitialDelayMs: 1, MaxDelayMs: 5, MaxAttempts: -1},
	}
}

func dataHandshake(t *testing.T, ws *websocket.Conn) bool {
	send(ws, `[{"T":"success","msg":"connected"}]`)
	auth := readJSON(ws)
	assert.Equal(t, "auth", auth.Get("action").String())
	if auth.Get("key").String() != "key" || auth.Get("secret").String() != "secret" {
		send(ws, `[{"T":"error","code":402,"msg":"auth failed"}]`)
		return false
	}
	send(ws, `[{"T":"success","msg":"authenticated"}]`)
	sub := readJSON(ws)
	assert.Equal(t, "subscribe", sub.Get("action").String())
	assert.Equal(t, `["AAPL","MSFT"]`, sub.Get("bars").Raw)
	send(ws, `[{"T":"subscription","trades":[],"quotes":[],"bars":["AAPL","MSFT"]}]`)
	return true
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stream")
	}
	var zero T
	return zero
}

func TestBarStream_ResubscribesAndDropsDuplicates(t *testing.T) {
	url := venue(t, func(ws *websocket.Conn, n int32) {
		if !dataHandshake(t, ws) {
			return
		}
		switch n {
		case 1:
			send(ws, `[{"T":"b","S":"AAPL","o":100,"h":101,"l":99.5,"c":100.5,"v":1200,"t":"2026-03-02T14:30:00Z"}]`)
			// drop the connection mid-session
		default:
			send(ws, `[{"T":"b","S":"AAPL","o":100,"h":101,"l":99.5,"c":100.5,"v":1200,"t":"2026-03-02T14:30:00Z"},`+
				`{"T":"b","S":"MSFT","o":400,"h":401,"l":399,"c":400.25,"v":50,"t":"2026-03-02T14:30:00Z"}]`)
			send(ws, `not json`)
			send(ws, `[{"T":"b","S":"AAPL","o":100.5,"h":102,"l":100,"c":101.75,"v":900,"t":"2026-03-02T14:31:00Z"}]`)
			drain(ws)
		}
	})

	s, err := NewBarStream(testConfig(url), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bars := s.Start(ctx)

	first := receive(t, bars)
	assert.Equal(t, "AAPL", first.Symbol)
	assert.Equal(t, "100.5", first.Close.String())
	assert.Equal(t, int64(1200), first.Volume)
	assert.True(t, first.Timestamp.Equal(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)))

	second := receive(t, bars)
	assert.Equal(t, "MSFT", second.Symbol)

	third := receive(t, bars)
	assert.Equal(t, "AAPL", third.Symbol)
	assert.Equal(t, "101.75", third.Close.String())

	assert.GreaterOrEqual(t, s.Reconnects(), int64(1))
	assert.Equal(t, StateConnected, s.State())

	cancel()
	select {
	case _, ok := <-bars:
		for ok {
			_, ok = <-bars
		}
	case <-time.After(3 * time.Second):
		t.Fatal("bar channel not closed after cancel")
	}
	assert.NoError(t, s.Err())
}

func TestBarStream_GivesUpOnAuthFailure(t *testing.T) {
	url := venue(t, func(ws *websocket.Conn, n int32) {
		dataHandshake(t, ws)
	})

	cfg := testConfig(url)
	cfg.SecretKey = "wrong"
	cfg.Reconnect.MaxAttempts = 2
	s, err := NewBarStream(cfg, []string{"AAPL", "MSFT"})
	require.NoError(t, err)

	bars := s.Start(context.Background())
	select {
	case _, ok := <-bars:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("stream kept retrying")
	}
	require.Error(t, s.Err())
	assert.True(t, errors.Is(s.Err(), errProtocol))
	assert.Contains(t, s.Err().Error(), "auth failed")
}

func TestNewBarStream_Validation(t *testing.T) {
	_, err := NewBarStream(Config{}, []string{"AAPL"})
	assert.Error(t, err)
	_, err = NewBarStream(Config{URL: "ws://x"}, nil)
	assert.Error(t, err)
	_, err = NewTradeUpdateStream(Config{})
	assert.Error(t, err)
}

func TestTradeUpdateStream(t *testing.T) {
	url := venue(t, func(ws *websocket.Conn, n int32) {
		auth := readJSON(ws)
		assert.Equal(t, "authenticate", auth.Get("action").String())
		assert.Equal(t, "key", auth.Get("data.key_id").String())
		send(ws, `{"stream":"authorization","data":{"status":"authorized","action":"authenticate"}}`)

		listen := readJSON(ws)
		assert.Equal(t, `["trade_updates"]`, listen.Get("data.streams").Raw)
		send(ws, `{"stream":"listening","data":{"streams":["trade_updates"]}}`)

		send(ws, `{"stream":"trade_updates","data":{"event":"new","order":{"id":"o1","symbol":"AAPL","side":"buy"}}}`)
		send(ws, `{"stream":"trade_updates","data":{"event":"fill","price":"101.5","qty":"19","order":{
			"id":"o1","client_order_id":"c1","symbol":"AAPL","side":"buy","type":"limit","time_in_force":"day",
			"qty":"19","filled_qty":"19","filled_avg_price":"101.5","limit_price":"101.5",
			"status":"filled","submitted_at":"2026-03-02T15:30:00Z"}}}`)
		drain(ws)
	})

	s, err := NewTradeUpdateStream(testConfig(url))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := s.Start(ctx)

	first := receive(t, updates)
	assert.Equal(t, market.EventOther, first.Kind)
	assert.Equal(t, "new", first.Event)

	fill := receive(t, updates)
	assert.Equal(t, market.EventFill, fill.Kind)
	assert.Equal(t, "o1", fill.Order.ID)
	assert.Equal(t, market.SideBuy, fill.Order.Side)
	assert.Equal(t, market.OrderTypeLimit, fill.Order.Type)
	assert.Equal(t, "19", fill.Order.FilledQty.String())
	assert.Equal(t, "101.5", fill.Order.FilledAvg.String())
	require.NotNil(t, fill.Order.LimitPrice)
	assert.Equal(t, "101.5", fill.Order.LimitPrice.String())
}

func TestTradeUpdateStream_Unauthorized(t *testing.T) {
	url := venue(t, func(ws *websocket.Conn, n int32) {
		readJSON(ws)
		send(ws, `{"stream":"authorization","data":{"status":"unauthorized","action":"authenticate"}}`)
	})

	cfg := testConfig(url)
	cfg.Reconnect.MaxAttempts = 1
	s, err := NewTradeUpdateStream(cfg)
	require.NoError(t, err)

	updates := s.Start(context.Background())
	for range updates {
	}
	assert.ErrorIs(t, s.Err(), errProtocol)
}

func TestParseTradeUpdate(t *testing.T) {
	u := ParseTradeUpdate(gjson.Parse(`{"event":"partial_fill","order":{"id":"x","symbol":"TSLA","filled_qty":"2"}}`))
	assert.Equal(t, market.EventPartialFill, u.Kind)
	assert.Equal(t, "TSLA", u.Order.Symbol)
	assert.Equal(t, "2", u.Order.FilledQty.String())
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", ConnectionState(7).String())
}
