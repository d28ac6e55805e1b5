package scalp

import (
	"context"

	"github.com/Rajchodisetti/dip-scalper/internal/broker"
	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/Rajchodisetti/dip-scalper/internal/observ"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// submitBuy sends a day limit buy at the last trade price sized to the lot.
// The machine only leaves TO_BUY once the venue has accepted the order.
func (m *Machine) submitBuy(ctx context.Context) {
	price, err := m.gw.GetLastTrade(ctx, m.symbol)
	if err != nil {
		m.log.Warn().Err(err).Msg("no last trade, skipping buy")
		observ.IncSubmitError(m.symbol, string(market.SideBuy))
		return
	}
	if !price.IsPositive() {
		m.log.Warn().Stringer("price", price).Msg("non-positive last trade, skipping buy")
		return
	}
	qty := m.cfg.Lot.Div(price).Floor()
	if qty.LessThan(decimal.NewFromInt(1)) {
		m.log.Info().Stringer("price", price).Stringer("lot", m.cfg.Lot).Msg("lot too small for one share, skipping buy")
		return
	}

	req := market.OrderRequest{
		Symbol:        m.symbol,
		Side:          market.SideBuy,
		Type:          market.OrderTypeLimit,
		Qty:           qty,
		TimeInForce:   market.TimeInForceDay,
		LimitPrice:    &price,
		ClientOrderID: newClientOrderID(),
	}
	o, err := m.gw.SubmitOrder(ctx, req)
	if err != nil {
		if broker.IsRejection(err) {
			m.log.Warn().Err(err).Stringer("qty", qty).Stringer("limit_price", price).Msg("buy rejected by venue")
		} else {
			m.log.Error().Err(err).Stringer("qty", qty).Stringer("limit_price", price).Msg("buy submission failed")
		}
		observ.IncSubmitError(m.symbol, string(market.SideBuy))
		return
	}
	m.log.Info().Stringer("order", o).Msg("submitted buy")
	observ.IncOrderSubmitted(m.symbol, string(req.Side), string(req.Type))
	m.order = o
	m.cancelRequested = false
	m.transition(BuySubmitted)
}

// submitSell closes the cached position. A normal sell is a day limit at
// max(cost basis + tick, last trade) so it never realizes a loss; a bailout
// is a market order. On failure the machine stays in TO_SELL.
func (m *Machine) submitSell(ctx context.Context, bailout bool, reason string) {
	if m.position == nil {
		m.syncPosition(ctx)
	}
	if m.position == nil || !m.position.Qty.IsPositive() {
		m.log.Warn().Bool("bailout", bailout).Msg("nothing to sell")
		m.position = nil
		m.bailoutReason = ""
		m.transition(ToBuy)
		return
	}

	req := market.OrderRequest{
		Symbol:        m.symbol,
		Side:          market.SideSell,
		Qty:           m.position.Qty,
		TimeInForce:   market.TimeInForceDay,
		ClientOrderID: newClientOrderID(),
	}
	if bailout {
		req.Type = market.OrderTypeMarket
	} else {
		limit := m.sellLimit(ctx)
		req.Type = market.OrderTypeLimit
		req.LimitPrice = &limit
	}

	o, err := m.gw.SubmitOrder(ctx, req)
	if err != nil {
		if broker.IsRejection(err) {
			m.log.Warn().Err(err).Bool("bailout", bailout).Stringer("qty", req.Qty).Msg("sell rejected by venue")
		} else {
			m.log.Error().Err(err).Bool("bailout", bailout).Stringer("qty", req.Qty).Msg("sell submission failed")
		}
		observ.IncSubmitError(m.symbol, string(market.SideSell))
		if bailout {
			m.bailoutReason = reason
		}
		m.transition(ToSell)
		return
	}
	m.bailoutReason = ""
	if bailout {
		observ.IncBailout(m.symbol, reason)
		m.log.Info().Str("reason", reason).Stringer("order", o).Msg("submitted bailout sell")
	} else {
		m.log.Info().Stringer("order", o).Msg("submitted sell")
	}
	observ.IncOrderSubmitted(m.symbol, string(req.Side), string(req.Type))
	m.order = o
	m.cancelRequested = false
	m.transition(SellSubmitted)
}

func (m *Machine) sellLimit(ctx context.Context) decimal.Decimal {
	floor := m.position.AvgEntryPrice.Add(m.cfg.Tick)
	limit := floor
	last, err := m.gw.GetLastTrade(ctx, m.symbol)
	if err != nil {
		m.log.Warn().Err(err).Msg("no last trade, selling at cost plus one tick")
	} else if last.GreaterThan(floor) {
		limit = last
	}
	return ceilToTick(limit, m.cfg.Tick)
}

// ceilToTick rounds px up to the next multiple of tick
func ceilToTick(px, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return px
	}
	return px.Div(tick).Ceil().Mul(tick)
}

func newClientOrderID() string {
	return "scalp-" + uuid.NewString()
}
