package paper

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/broker"
	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/Rajchodisetti/dip-scalper/internal/outbox"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

func newGateway(t *testing.T, path string) (*Gateway, *broker.Mock) {
	t.Helper()
	data := broker.NewMock()
	journal, err := outbox.New(path, 300)
	require.NoError(t, err)
	g, err := New(data, journal, Config{})
	require.NoError(t, err)
	return g, data
}

func nextUpdate(t *testing.T, g *Gateway) market.TradeUpdate {
	t.Helper()
	select {
	case u := <-g.Updates():
		return u
	case <-time.After(time.Second):
		t.Fatal("no trade update")
	}
	return market.TradeUpdate{}
}

func limitBuy(qty, limit string) market.OrderRequest {
	return market.OrderRequest{Symbol: "AAPL", Side: market.SideBuy, Type: market.OrderTypeLimit,
		Qty: dec(qty), LimitPrice: ptr(dec(limit)), TimeInForce: market.TimeInForceDay, ClientOrderID: "c-" + qty + "-" + limit}
}

func TestGateway_LimitBuyFillsWhenPriceComesDown(t *testing.T) {
	ctx := context.Background()
	g, data := newGateway(t, filepath.Join(t.TempDir(), "outbox.jsonl"))

	o, err := g.SubmitOrder(ctx, limitBuy("19", "101"))
	require.NoError(t, err)
	assert.Equal(t, "new", o.Status)
	assert.Equal(t, "new", nextUpdate(t, g).Event)

	data.SetLastTrade("AAPL", dec("101.5"))
	g.MatchOnce(ctx)
	open, _ := g.ListOrders(ctx)
	assert.Len(t, open, 1)

	data.SetLastTrade("AAPL", dec("100.9"))
	g.MatchOnce(ctx)

	u := nextUpdate(t, g)
	assert.Equal(t, market.EventFill, u.Kind)
	assert.Equal(t, o.ID, u.Order.ID)
	assert.Equal(t, "filled", u.Order.Status)
	assert.Equal(t, "100.9", u.Order.FilledAvg.String())

	p, err := g.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "19", p.Qty.String())
	assert.Equal(t, "100.9", p.AvgEntryPrice.String())

	open, _ = g.ListOrders(ctx)
	assert.Empty(t, open)
}

func TestGateway_MarketSellClosesPosition(t *testing.T) {
	ctx := context.Background()
	g, data := newGateway(t, filepath.Join(t.TempDir(), "outbox.jsonl"))
	data.SetLastTrade("AAPL", dec("50"))

	_, err := g.SubmitOrder(ctx, market.OrderRequest{Symbol: "AAPL", Side: market.SideBuy, Type: market.OrderTypeMarket, Qty: dec("4")})
	require.NoError(t, err)
	g.MatchOnce(ctx)

	_, err = g.SubmitOrder(ctx, market.OrderRequest{Symbol: "AAPL", Side: market.SideSell, Type: market.OrderTypeMarket, Qty: dec("4"), ClientOrderID: "s1"})
	require.NoError(t, err)
	g.MatchOnce(ctx)

	_, err = g.GetPosition(ctx, "AAPL")
	assert.True(t, errors.Is(err, broker.ErrNotFound))
	positions, _ := g.ListPositions(ctx)
	assert.Empty(t, positions)
}

func TestGateway_SellBeyondPositionRejected(t *testing.T) {
	ctx := context.Background()
	g, _ := newGateway(t, filepath.Join(t.TempDir(), "outbox.jsonl"))

	_, err := g.SubmitOrder(ctx, market.OrderRequest{Symbol: "AAPL", Side: market.SideSell, Type: market.OrderTypeMarket, Qty: dec("1"), ClientOrderID: "s"})

	require.Error(t, err)
	assert.True(t, broker.IsRejection(err))
}

func TestGateway_DuplicateClientOrderID(t *testing.T) {
	ctx := context.Background()
	g, _ := newGateway(t, filepath.Join(t.TempDir(), "outbox.jsonl"))

	_, err := g.SubmitOrder(ctx, limitBuy("1", "10"))
	require.NoError(t, err)
	_, err = g.SubmitOrder(ctx, limitBuy("1", "10"))

	var apiErr *broker.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 422, apiErr.Status)
}

func TestGateway_InvalidRequest(t *testing.T) {
	g, _ := newGateway(t, filepath.Join(t.TempDir(), "outbox.jsonl"))
	_, err := g.SubmitOrder(context.Background(), market.OrderRequest{Symbol: "AAPL", Side: market.SideBuy, Type: market.OrderTypeLimit, Qty: dec("1")})
	assert.True(t, broker.IsRejection(err))
}

func TestGateway_CancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g, _ := newGateway(t, filepath.Join(t.TempDir(), "outbox.jsonl"))
	o, err := g.SubmitOrder(ctx, limitBuy("2", "10"))
	require.NoError(t, err)
	nextUpdate(t, g)

	require.NoError(t, g.CancelOrder(ctx, o.ID))
	u := nextUpdate(t, g)
	assert.Equal(t, market.EventCanceled, u.Kind)
	assert.Equal(t, "canceled", u.Order.Status)

	require.NoError(t, g.CancelOrder(ctx, o.ID))
	require.NoError(t, g.CancelOrder(ctx, "nope"))
	select {
	case u := <-g.Updates():
		t.Fatalf("unexpected update %s", u.Event)
	default:
	}

	got, err := g.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", got.Status)
}

func TestGateway_LatencyDelaysFill(t *testing.T) {
	ctx := context.Background()
	data := broker.NewMock()
	data.SetLastTrade("AAPL", dec("10"))
	journal, err := outbox.New(filepath.Join(t.TempDir(), "outbox.jsonl"), 300)
	require.NoError(t, err)
	g, err := New(data, journal, Config{LatencyMsMin: 500, LatencyMsMax: 500})
	require.NoError(t, err)
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	o, err := g.SubmitOrder(ctx, limitBuy("3", "10"))
	require.NoError(t, err)
	g.MatchOnce(ctx)
	got, _ := g.GetOrder(ctx, o.ID)
	assert.Equal(t, "new", got.Status)

	// a cancel racing the pending fill wins
	now = now.Add(time.Second)
	require.NoError(t, g.CancelOrder(ctx, o.ID))
	g.MatchOnce(ctx)
	got, _ = g.GetOrder(ctx, o.ID)
	assert.Equal(t, "canceled", got.Status)
	_, err = g.GetPosition(ctx, "AAPL")
	assert.ErrorIs(t, err, broker.ErrNotFound)
}

func TestGateway_RestoresPositionsFromJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	g, data := newGateway(t, path)
	data.SetLastTrade("AAPL", dec("20"))

	_, err := g.SubmitOrder(ctx, market.OrderRequest{Symbol: "AAPL", Side: market.SideBuy, Type: market.OrderTypeMarket, Qty: dec("5"), ClientOrderID: "a"})
	require.NoError(t, err)
	g.MatchOnce(ctx)
	data.SetLastTrade("AAPL", dec("30"))
	_, err = g.SubmitOrder(ctx, market.OrderRequest{Symbol: "AAPL", Side: market.SideBuy, Type: market.OrderTypeMarket, Qty: dec("5"), ClientOrderID: "b"})
	require.NoError(t, err)
	g.MatchOnce(ctx)

	restarted, _ := newGateway(t, path)
	p, err := restarted.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "10", p.Qty.String())
	assert.Equal(t, "25", p.AvgEntryPrice.String())
}

func TestGateway_Run(t *testing.T) {
	g, data := newGateway(t, filepath.Join(t.TempDir(), "outbox.jsonl"))
	g.cfg.MatchIntervalMs = 5
	data.SetLastTrade("AAPL", dec("9"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- g.Run(ctx) }()

	_, err := g.SubmitOrder(ctx, limitBuy("1", "10"))
	require.NoError(t, err)
	assert.Equal(t, "new", nextUpdate(t, g).Event)
	assert.Equal(t, "fill", nextUpdate(t, g).Event)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
