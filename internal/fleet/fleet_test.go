package fleet

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/broker"
	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/Rajchodisetti/dip-scalper/internal/scalp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ny = market.DefaultSession().Location()

func at(hhmm string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", "2026-03-02 "+hhmm, ny)
	if err != nil {
		panic(err)
	}
	return t
}

func bars(symbol string, from time.Time, closes ...float64) []market.Bar {
	out := make([]market.Bar, len(closes))
	for i, c := range closes {
		px := decimal.NewFromFloat(c)
		out[i] = market.Bar{Symbol: symbol, Timestamp: from.Add(time.Duration(i) * time.Minute),
			Open: px, High: px, Low: px, Close: px, Volume: 10}
	}
	return out
}

// dip returns 20 bars whose next close of 101 is an upward crossover
func dip(symbol string) []market.Bar {
	closes := []float64{101}
	for i := 0; i < 18; i++ {
		closes = append(closes, 100)
	}
	return bars(symbol, at("09:30"), append(closes, 99)...)
}

func crossBar(symbol string) market.Bar {
	return bars(symbol, at("09:50"), 101)[0]
}

func newFleet(t *testing.T, gw *broker.Mock, now time.Time, symbols ...string) *Dispatcher {
	t.Helper()
	clock := func() time.Time { return now }
	gw.SetNow(clock)
	d, err := New(context.Background(), gw, symbols, decimal.NewFromInt(2000),
		WithLogger(zerolog.Nop()),
		WithSweepInterval(10*time.Millisecond),
		WithMachineOptions(scalp.WithClock(clock), scalp.WithLogger(zerolog.Nop())),
	)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func snapshot(t *testing.T, d *Dispatcher, symbol string) scalp.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := d.Snapshot(ctx, symbol)
	require.NoError(t, err)
	return s
}

func TestNew_OneMachinePerSymbol(t *testing.T) {
	gw := broker.NewMock()
	gw.SetPosition(market.Position{Symbol: "MSFT", Qty: decimal.NewFromInt(3), AvgEntryPrice: decimal.NewFromInt(400)})

	d := newFleet(t, gw, at("10:30"), "AAPL", "MSFT", "AAPL")

	assert.Equal(t, []string{"AAPL", "MSFT"}, d.Symbols())
	assert.Equal(t, scalp.ToBuy, snapshot(t, d, "AAPL").State)
	assert.Equal(t, scalp.ToSell, snapshot(t, d, "MSFT").State)

	_, err := d.Snapshot(context.Background(), "TSLA")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestNew_WarmupFailureAborts(t *testing.T) {
	gw := broker.NewMock()
	gw.FailBars(100)

	_, err := New(context.Background(), gw, []string{"AAPL"}, decimal.NewFromInt(2000),
		WithLogger(zerolog.Nop()),
		WithMachineConfig(scalp.Config{Warmup: scalp.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}}),
		WithMachineOptions(scalp.WithClock(func() time.Time { return at("10:30") }), scalp.WithLogger(zerolog.Nop())),
	)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "init AAPL")
}

func TestNew_NoSymbols(t *testing.T) {
	_, err := New(context.Background(), broker.NewMock(), nil, decimal.NewFromInt(2000))
	assert.Error(t, err)
}

func TestDispatchBar_RoutesBySymbol(t *testing.T) {
	gw := broker.NewMock()
	gw.SetBars("AAPL", dip("AAPL"))
	gw.SetBars("MSFT", dip("MSFT"))
	gw.SetLastTrade("AAPL", decimal.NewFromInt(101))
	d := newFleet(t, gw, at("10:30"), "AAPL", "MSFT")

	d.DispatchBar(crossBar("AAPL"))
	d.DispatchBar(crossBar("NVDA"))

	assert.Equal(t, scalp.BuySubmitted, snapshot(t, d, "AAPL").State)
	assert.Equal(t, scalp.ToBuy, snapshot(t, d, "MSFT").State)
	assert.Equal(t, 20, snapshot(t, d, "MSFT").Bars)
	require.Len(t, gw.Submitted(), 1)
	assert.Equal(t, "AAPL", gw.Submitted()[0].Symbol)
}

func TestDispatchTradeUpdate_RoutesBySymbol(t *testing.T) {
	gw := broker.NewMock()
	gw.AddOpenOrder(market.Order{ID: "b1", Symbol: "AAPL", Side: market.SideBuy})
	d := newFleet(t, gw, at("10:30"), "AAPL", "MSFT")

	gw.SetPosition(market.Position{Symbol: "AAPL", Qty: decimal.NewFromInt(5), AvgEntryPrice: decimal.NewFromInt(10)})
	d.DispatchTradeUpdate(market.TradeUpdate{Kind: market.EventFill, Event: "fill",
		Order: market.Order{ID: "b1", Symbol: "AAPL", Side: market.SideBuy}})

	assert.Equal(t, scalp.SellSubmitted, snapshot(t, d, "AAPL").State)
	assert.Equal(t, scalp.ToBuy, snapshot(t, d, "MSFT").State)
}

func TestSweep_ListsPositionsOnce(t *testing.T) {
	gw := broker.NewMock()
	d := newFleet(t, gw, at("10:30"), "AAPL", "MSFT", "NVDA")
	before := gw.PositionListCalls()

	require.NoError(t, d.Sweep(context.Background()))
	for _, sym := range d.Symbols() {
		snapshot(t, d, sym)
	}

	assert.Equal(t, before+1, gw.PositionListCalls())
}

func TestSweep_EndOfDayBailout(t *testing.T) {
	gw := broker.NewMock()
	gw.SetPosition(market.Position{Symbol: "AAPL", Qty: decimal.NewFromInt(9), AvgEntryPrice: decimal.NewFromInt(10)})
	d := newFleet(t, gw, at("15:57"), "AAPL", "MSFT")

	require.NoError(t, d.Sweep(context.Background()))

	assert.Equal(t, scalp.SellSubmitted, snapshot(t, d, "AAPL").State)
	require.Len(t, gw.Submitted(), 1)
	assert.Equal(t, market.OrderTypeMarket, gw.Submitted()[0].Type)
}

func TestWorker_PanicIsolated(t *testing.T) {
	gw := broker.NewMock()
	gw.SetBars("MSFT", dip("MSFT"))
	d := newFleet(t, gw, at("10:30"), "AAPL", "MSFT")

	d.workers["AAPL"].enqueue(func(context.Context, *scalp.Machine) { panic("boom") })
	d.DispatchBar(crossBar("MSFT"))

	assert.Equal(t, scalp.ToBuy, snapshot(t, d, "AAPL").State)
	assert.Equal(t, 21, snapshot(t, d, "MSFT").Bars)
}

func TestWorker_FIFOAndNonBlocking(t *testing.T) {
	gw := broker.NewMock()
	d := newFleet(t, gw, at("10:30"), "AAPL")
	w := d.workers["AAPL"]

	release := make(chan struct{})
	w.enqueue(func(context.Context, *scalp.Machine) { <-release })

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			i := i
			w.enqueue(func(context.Context, *scalp.Machine) {
				mu.Lock()
				seen = append(seen, i)
				mu.Unlock()
			})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked behind a busy worker")
	}
	close(release)
	snapshot(t, d, "AAPL")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1000)
	for i, v := range seen {
		require.Equal(t, i, v)
	}
}

func TestClose_RejectsNewWork(t *testing.T) {
	d := newFleet(t, broker.NewMock(), at("10:30"), "AAPL")
	d.Close()
	d.Close()

	_, err := d.Snapshot(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRun_StopsWhenMarketCloses(t *testing.T) {
	gw := broker.NewMock()
	gw.SetBars("AAPL", dip("AAPL"))
	gw.SetLastTrade("AAPL", decimal.NewFromInt(101))
	d := newFleet(t, gw, at("10:30"), "AAPL")

	barCh := make(chan market.Bar, 1)
	updCh := make(chan market.TradeUpdate)
	errc := make(chan error, 1)
	go func() { errc <- d.Run(context.Background(), barCh, updCh) }()

	barCh <- crossBar("AAPL")
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		s, err := d.Snapshot(ctx, "AAPL")
		return err == nil && s.State == scalp.BuySubmitted
	}, 2*time.Second, 10*time.Millisecond)

	gw.SetClockOpen(false)
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrMarketClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after the market closed")
	}

	_, err := d.Snapshot(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRun_LogsSessionPhase(t *testing.T) {
	gw := broker.NewMock()
	clock := func() time.Time { return at("16:05") }
	gw.SetNow(clock)
	var logs bytes.Buffer
	d, err := New(context.Background(), gw, []string{"AAPL"}, decimal.NewFromInt(2000),
		WithLogger(zerolog.New(&logs)),
		WithSweepInterval(10*time.Millisecond),
		WithMachineOptions(scalp.WithClock(clock), scalp.WithLogger(zerolog.Nop())),
	)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	assert.Contains(t, logs.String(), `"message":"fleet started"`)
	assert.Contains(t, logs.String(), `"session":"`)

	gw.SetClockOpen(false)
	err = d.Run(context.Background(), nil, nil)
	require.ErrorIs(t, err, ErrMarketClosed)
	assert.Contains(t, logs.String(), `"session":"POST","message":"market closed, stopping"`)
}

func TestRun_ContextCancel(t *testing.T) {
	d := newFleet(t, broker.NewMock(), at("10:30"), "AAPL")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx, nil, nil) }()
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
