// Package paper is a local simulated venue. It takes market data from a
// real feed, matches orders against the last trade, journals everything to
// the outbox and publishes trade updates like the venue's stream would.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/broker"
	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/Rajchodisetti/dip-scalper/internal/observ"
	"github.com/Rajchodisetti/dip-scalper/internal/outbox"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// MarketData is the read-only slice of a gateway the simulator needs
type MarketData interface {
	GetBars(ctx context.Context, symbol string, tf broker.Timeframe, start, end time.Time) ([]market.Bar, error)
	GetLastTrade(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetClock(ctx context.Context) (*market.Clock, error)
}

type Config struct {
	MatchIntervalMs int `yaml:"match_interval_ms"`
	LatencyMsMin    int `yaml:"latency_ms_min"`
	LatencyMsMax    int `yaml:"latency_ms_max"`
	SlippageBpsMin  int `yaml:"slippage_bps_min"`
	SlippageBpsMax  int `yaml:"slippage_bps_max"`
	UpdateBuffer    int `yaml:"update_buffer"`
}

type pendingFill struct {
	fill outbox.Fill
	due  time.Time
}

// Gateway implements broker.Gateway against simulated state
type Gateway struct {
	data    MarketData
	journal *outbox.Outbox
	sim     *outbox.FillSimulator
	cfg     Config
	now     func() time.Time
	log     zerolog.Logger
	updates chan market.TradeUpdate

	mu        sync.Mutex
	orders    map[string]*market.Order
	open      []string
	positions map[string]market.Position
	pending   map[string]pendingFill // by order id
}

var _ broker.Gateway = (*Gateway)(nil)

// New builds a paper venue. Positions are rebuilt from fills already in
// the journal so a restart reconciles against what was traded earlier.
func New(data MarketData, journal *outbox.Outbox, cfg Config) (*Gateway, error) {
	if cfg.MatchIntervalMs <= 0 {
		cfg.MatchIntervalMs = 1000
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = 1024
	}
	g := &Gateway{
		data:      data,
		journal:   journal,
		sim:       outbox.NewFillSimulator(cfg.LatencyMsMin, cfg.LatencyMsMax, cfg.SlippageBpsMin, cfg.SlippageBpsMax),
		cfg:       cfg,
		now:       time.Now,
		log:       observ.Logger().With().Str("component", "paper").Logger(),
		updates:   make(chan market.TradeUpdate, cfg.UpdateBuffer),
		orders:    map[string]*market.Order{},
		positions: map[string]market.Position{},
		pending:   map[string]pendingFill{},
	}

	fills, err := journal.Fills()
	if err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	for _, f := range fills {
		g.applyPosition(f)
	}
	if len(fills) > 0 {
		g.log.Info().Int("fills", len(fills)).Int("positions", len(g.positions)).Msg("restored paper positions")
	}
	return g, nil
}

// Updates carries the simulated trade-update stream
func (g *Gateway) Updates() <-chan market.TradeUpdate { return g.updates }

func (g *Gateway) GetBars(ctx context.Context, symbol string, tf broker.Timeframe, start, end time.Time) ([]market.Bar, error) {
	return g.data.GetBars(ctx, symbol, tf, start, end)
}

func (g *Gateway) GetLastTrade(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return g.data.GetLastTrade(ctx, symbol)
}

func (g *Gateway) GetClock(ctx context.Context) (*market.Clock, error) {
	return g.data.GetClock(ctx)
}

func (g *Gateway) ListOrders(ctx context.Context) ([]market.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]market.Order, 0, len(g.open))
	for _, id := range g.open {
		out = append(out, *g.orders[id])
	}
	return out, nil
}

func (g *Gateway) ListPositions(ctx context.Context) ([]market.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]market.Position, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, p)
	}
	return out, nil
}

func (g *Gateway) GetPosition(ctx context.Context, symbol string) (*market.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", symbol, broker.ErrNotFound)
	}
	return &p, nil
}

func (g *Gateway) GetOrder(ctx context.Context, id string) (*market.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, broker.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (g *Gateway) SubmitOrder(ctx context.Context, req market.OrderRequest) (*market.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, &broker.APIError{Status: 422, Message: err.Error()}
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = outbox.IdempotencyKey(req)
	}
	dup, err := g.journal.HasRecentOrder(req.ClientOrderID)
	if err != nil {
		return nil, fmt.Errorf("check journal: %w", err)
	}
	if dup {
		return nil, &broker.APIError{Status: 422, Message: "client_order_id must be unique"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if req.Side == market.SideSell {
		held := g.positions[req.Symbol].Qty.Sub(g.openSellQty(req.Symbol))
		if req.Qty.GreaterThan(held) {
			return nil, &broker.APIError{Status: 403, Message: fmt.Sprintf("insufficient qty available for order (requested: %s, available: %s)", req.Qty, held)}
		}
	}
	o := &market.Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Qty:           req.Qty,
		LimitPrice:    req.LimitPrice,
		SubmittedAt:   g.now(),
		Status:        "new",
	}
	if err := g.journal.WriteOrder(*o); err != nil {
		return nil, fmt.Errorf("journal order: %w", err)
	}
	g.orders[o.ID] = o
	g.open = append(g.open, o.ID)

	// published under mu so "new" always precedes this order's fill
	g.publish(ctx, "new", *o, false)
	cp := *o
	return &cp, nil
}

// CancelOrder cancels an open order. Unknown or already closed orders are
// not an error.
func (g *Gateway) CancelOrder(ctx context.Context, id string) error {
	g.mu.Lock()
	o, ok := g.orders[id]
	if !ok || !g.removeOpen(id) {
		g.mu.Unlock()
		return nil
	}
	delete(g.pending, id)
	o.Status = "canceled"
	cp := *o
	g.mu.Unlock()

	if err := g.journal.WriteCancel(outbox.Cancel{OrderID: id, Symbol: cp.Symbol, Reason: "requested"}); err != nil {
		g.log.Warn().Err(err).Str("order_id", id).Msg("journal cancel failed")
	}
	g.publish(ctx, "canceled", cp, true)
	return nil
}

// Run matches open orders every MatchIntervalMs until ctx ends
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(g.cfg.MatchIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.MatchOnce(ctx)
		}
	}
}

// MatchOnce prices every open order against the last trade. Marketable
// orders get a simulated fill that lands after the simulated latency.
func (g *Gateway) MatchOnce(ctx context.Context) {
	g.mu.Lock()
	var candidates []market.Order
	for _, id := range g.open {
		if _, waiting := g.pending[id]; !waiting {
			candidates = append(candidates, *g.orders[id])
		}
	}
	g.mu.Unlock()

	last := map[string]decimal.Decimal{}
	for _, o := range candidates {
		px, ok := last[o.Symbol]
		if !ok {
			var err error
			if px, err = g.data.GetLastTrade(ctx, o.Symbol); err != nil {
				g.log.Warn().Err(err).Str("symbol", o.Symbol).Msg("no price to match against")
				continue
			}
			last[o.Symbol] = px
		}
		if !marketable(o, px) {
			continue
		}
		fill, latency := g.sim.SimulateFill(o, px, g.now())
		g.mu.Lock()
		if g.isOpen(o.ID) {
			g.pending[o.ID] = pendingFill{fill: fill, due: g.now().Add(latency)}
		}
		g.mu.Unlock()
	}

	g.settle(ctx)
}

func marketable(o market.Order, last decimal.Decimal) bool {
	if o.Type == market.OrderTypeMarket || o.LimitPrice == nil {
		return true
	}
	if o.Side == market.SideBuy {
		return last.LessThanOrEqual(*o.LimitPrice)
	}
	return last.GreaterThanOrEqual(*o.LimitPrice)
}

// settle applies fills whose latency has elapsed
func (g *Gateway) settle(ctx context.Context) {
	now := g.now()
	var done []market.Order
	var fills []outbox.Fill

	g.mu.Lock()
	for id, p := range g.pending {
		if now.Before(p.due) {
			continue
		}
		delete(g.pending, id)
		o := g.orders[id]
		if !g.removeOpen(id) {
			continue
		}
		o.Status = "filled"
		o.FilledQty = p.fill.Qty
		o.FilledAvg = p.fill.Price
		g.applyPosition(p.fill)
		done = append(done, *o)
		fills = append(fills, p.fill)
	}
	g.mu.Unlock()

	for i, o := range done {
		if err := g.journal.WriteFill(fills[i]); err != nil {
			g.log.Warn().Err(err).Str("order_id", o.ID).Msg("journal fill failed")
		}
		g.log.Info().Stringer("order", o).Stringer("price", fills[i].Price).Int("slippage_bps", fills[i].SlippageBps).Msg("paper fill")
		g.publish(ctx, "fill", o, true)
	}
}

// applyPosition folds a fill into positions. Callers hold mu or own g.
func (g *Gateway) applyPosition(f outbox.Fill) {
	p, held := g.positions[f.Symbol]
	switch f.Side {
	case market.SideBuy:
		if !held {
			g.positions[f.Symbol] = market.Position{Symbol: f.Symbol, Qty: f.Qty, AvgEntryPrice: f.Price}
			return
		}
		total := p.Qty.Add(f.Qty)
		p.AvgEntryPrice = p.Qty.Mul(p.AvgEntryPrice).Add(f.Qty.Mul(f.Price)).Div(total).Round(4)
		p.Qty = total
		g.positions[f.Symbol] = p
	case market.SideSell:
		p.Qty = p.Qty.Sub(f.Qty)
		if !p.Qty.IsPositive() {
			delete(g.positions, f.Symbol)
			return
		}
		g.positions[f.Symbol] = p
	}
}

func (g *Gateway) openSellQty(symbol string) decimal.Decimal {
	total := decimal.Zero
	for _, id := range g.open {
		if o := g.orders[id]; o.Symbol == symbol && o.Side == market.SideSell {
			total = total.Add(o.Qty)
		}
	}
	return total
}

func (g *Gateway) isOpen(id string) bool {
	for _, oid := range g.open {
		if oid == id {
			return true
		}
	}
	return false
}

func (g *Gateway) removeOpen(id string) bool {
	for i, oid := range g.open {
		if oid == id {
			g.open = append(g.open[:i], g.open[i+1:]...)
			return true
		}
	}
	return false
}

// publish emits a trade update. Status-changing events wait for room;
// informational ones are dropped when nobody is listening.
func (g *Gateway) publish(ctx context.Context, event string, o market.Order, mustDeliver bool) {
	u := market.TradeUpdate{Kind: market.ParseEventKind(event), Event: event, Order: o}
	if !mustDeliver {
		select {
		case g.updates <- u:
		default:
		}
		return
	}
	select {
	case g.updates <- u:
	case <-ctx.Done():
		g.log.Warn().Str("order_id", o.ID).Str("update", event).Msg("trade update not delivered")
	}
}
