// Package scalp runs the per-symbol order lifecycle: buy on a moving-average
// crossover, sell at a profit, bail out at market when a sell fails or the
// day ends.
//
// A Machine is not safe for concurrent use. Every call for one symbol must be
// serialized by the caller; the fleet package does this with one worker
// goroutine per symbol.
package scalp

import (
	"context"
	"errors"
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/broker"
	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/Rajchodisetti/dip-scalper/internal/observ"
	"github.com/Rajchodisetti/dip-scalper/internal/signal"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// State is the trading state of one symbol
type State int

const (
	ToBuy State = iota
	BuySubmitted
	ToSell
	SellSubmitted
)

func (s State) String() string {
	switch s {
	case ToBuy:
		return "TO_BUY"
	case BuySubmitted:
		return "BUY_SUBMITTED"
	case ToSell:
		return "TO_SELL"
	case SellSubmitted:
		return "SELL_SUBMITTED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config tunes one machine. Zero values take the defaults noted per field.
type Config struct {
	Lot           decimal.Decimal // notional per entry, default 2000
	Tick          decimal.Decimal // minimum price increment, default 0.01
	StaleBuyAfter time.Duration   // cancel unfilled buys older than this, default 2m
	Session       *market.Session // default US equities
	Warmup        RetryPolicy
}

func (c *Config) applyDefaults() {
	if !c.Lot.IsPositive() {
		c.Lot = decimal.NewFromInt(2000)
	}
	if !c.Tick.IsPositive() {
		c.Tick = decimal.New(1, -2)
	}
	if c.StaleBuyAfter <= 0 {
		c.StaleBuyAfter = 2 * time.Minute
	}
	if c.Session == nil {
		c.Session = market.DefaultSession()
	}
	c.Warmup.applyDefaults()
}

type Option func(*Machine)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLogger replaces the per-symbol child of the process logger
func WithLogger(l zerolog.Logger) Option {
	return func(m *Machine) { m.log = l.With().Str("symbol", m.symbol).Logger() }
}

// Machine owns one symbol's trading state, cached position, outstanding
// order and bar history.
type Machine struct {
	symbol string
	gw     broker.Gateway
	cfg    Config
	now    func() time.Time
	log    zerolog.Logger

	state    State
	order    *market.Order
	position *market.Position
	history  *market.BarHistory

	// set once a cancel has been sent for the current order
	cancelRequested bool
	// non-empty while a market exit is owed: a bailout that failed to submit,
	// or an end-of-day exit waiting on the resting sell's cancel
	bailoutReason string
}

// Snapshot is a copy of a machine's externally interesting state
type Snapshot struct {
	Symbol   string           `json:"symbol"`
	State    State            `json:"state"`
	Order    *market.Order    `json:"order,omitempty"`
	Position *market.Position `json:"position,omitempty"`
	Bars     int              `json:"bars"`
}

// New warms up the bar history and reconciles with the venue's open orders
// and positions, so a restart mid-trade picks up where it left off.
func New(ctx context.Context, gw broker.Gateway, symbol string, cfg Config, opts ...Option) (*Machine, error) {
	cfg.applyDefaults()
	m := &Machine{
		symbol: symbol,
		gw:     gw,
		cfg:    cfg,
		now:    time.Now,
		log:    observ.ForSymbol(symbol),
	}
	for _, opt := range opts {
		opt(m)
	}

	bars, err := m.warmup(ctx)
	if err != nil {
		return nil, err
	}
	m.history = m.seedHistory(bars)

	if err := m.reconcile(ctx); err != nil {
		return nil, err
	}
	observ.RecordTransition(symbol, "", m.state.String())
	ev := m.log.Info().Str("state", m.state.String()).Int("bars", m.history.Len()).
		Str("session", string(m.cfg.Session.Phase(m.now())))
	if last, ok := m.history.Last(); ok {
		ev = ev.Time("last_bar", last.Timestamp)
	}
	ev.Msg("initialized")
	return m, nil
}

func (m *Machine) Symbol() string { return m.symbol }

func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{Symbol: m.symbol, State: m.state, Bars: m.history.Len()}
	if m.order != nil {
		o := *m.order
		s.Order = &o
	}
	if m.position != nil {
		p := *m.position
		s.Position = &p
	}
	return s
}

func (m *Machine) seedHistory(bars []market.Bar) *market.BarHistory {
	h, _ := market.NewBarHistory(nil)
	for _, b := range bars {
		if err := h.Append(b); err != nil {
			m.log.Warn().Err(err).Msg("dropping warm-up bar")
		}
	}
	return h
}

func (m *Machine) reconcile(ctx context.Context) error {
	orders, err := m.gw.ListOrders(ctx)
	if err != nil {
		return err
	}
	positions, err := m.gw.ListPositions(ctx)
	if err != nil {
		return err
	}

	var mine []market.Order
	for _, o := range orders {
		if o.Symbol == m.symbol {
			mine = append(mine, o)
		}
	}
	if len(mine) > 0 {
		o := mine[0]
		m.order = &o
		if len(mine) > 1 {
			m.log.Warn().Int("open_orders", len(mine)).Str("tracking", o.ID).Msg("more than one open order, tracking the first")
		}
	}
	for _, p := range positions {
		if p.Symbol == m.symbol {
			m.position = &p
			break
		}
	}

	switch {
	case m.position != nil && m.order == nil:
		m.state = ToSell
	case m.position != nil:
		m.state = SellSubmitted
		if m.order.Side != market.SideSell {
			m.log.Warn().Str("state", m.state.String()).Stringer("order", m.order).Msg("state mismatch order")
		}
	case m.order == nil:
		m.state = ToBuy
	default:
		m.state = BuySubmitted
		if m.order.Side != market.SideBuy {
			m.log.Warn().Str("state", m.state.String()).Stringer("order", m.order).Msg("state mismatch order")
		}
	}
	return nil
}

// OnBar records a completed minute bar and, when flat, checks for an entry
func (m *Machine) OnBar(ctx context.Context, bar market.Bar) {
	if err := m.history.Append(bar); err != nil {
		m.log.Warn().Err(err).Msg("dropping bar")
		return
	}
	observ.IncBars(m.symbol)
	m.log.Info().Time("bar_start", bar.Timestamp).Stringer("close", bar.Close).Int("bars", m.history.Len()).Msg("received bar")

	if m.history.Len() < signal.MinBars {
		return
	}
	if m.cfg.Session.PastCutoff(m.now()) {
		return
	}
	if m.state != ToBuy {
		return
	}
	if m.position != nil {
		// left over from an untracked fill; the next checkup sells it
		m.log.Warn().Stringer("qty", m.position.Qty).Msg("holding a position while TO_BUY, no entry")
		return
	}

	r, _ := signal.Read(m.history.Closes())
	if !r.Crossover() {
		observ.IncSignal(m.symbol, "none")
		m.log.Info().Msg(r.String())
		return
	}
	observ.IncSignal(m.symbol, "buy")
	m.log.Info().Msgf("buy signal: %s", r)
	m.submitBuy(ctx)
}

// OnOrderUpdate applies a trade update for this symbol's orders
func (m *Machine) OnOrderUpdate(ctx context.Context, u market.TradeUpdate) {
	m.log.Info().Str("update", u.Event).Stringer("order", u.Order).Msg("order update")

	switch u.Kind {
	case market.EventFill:
		observ.IncOrderUpdate(m.symbol, u.Kind.String())
		m.onFill(ctx, u.Order)
	case market.EventPartialFill:
		observ.IncOrderUpdate(m.symbol, u.Kind.String())
		m.onPartialFill(ctx, u.Order)
	case market.EventCanceled, market.EventRejected:
		observ.IncOrderUpdate(m.symbol, u.Kind.String())
		m.onCanceled(ctx, u)
	default:
		// new, accepted, expired and friends carry no transition
	}
}

// superseded reports an update for an order other than the outstanding one,
// typically the cancel acknowledgement of an order replaced at end of day.
func (m *Machine) superseded(o market.Order) bool {
	return m.order != nil && o.ID != "" && o.ID != m.order.ID
}

func (m *Machine) onFill(ctx context.Context, o market.Order) {
	if m.superseded(o) {
		m.log.Info().Str("order_id", o.ID).Msg("fill for superseded order")
		m.syncPosition(ctx)
		return
	}

	m.order = nil
	m.cancelRequested = false

	switch m.state {
	case BuySubmitted:
		if err := m.syncPosition(ctx); err != nil || m.position == nil {
			// the fill itself describes what we now hold
			m.position = &market.Position{Symbol: m.symbol, Qty: o.FilledQty, AvgEntryPrice: o.FilledAvg}
		}
		m.transition(ToSell)
		m.submitSell(ctx, false, "")
	case SellSubmitted:
		m.position = nil
		m.bailoutReason = ""
		m.transition(ToBuy)
	default:
		m.log.Warn().Str("state", m.state.String()).Str("order_id", o.ID).Msg("unexpected fill")
		m.syncPosition(ctx)
		if m.state == ToBuy && m.position != nil {
			m.adoptPosition(ctx)
		}
	}
}

func (m *Machine) onPartialFill(ctx context.Context, o market.Order) {
	if err := m.syncPosition(ctx); err != nil {
		m.log.Warn().Err(err).Msg("position refresh after partial fill failed")
	}
	if m.superseded(o) || m.order == nil {
		return
	}
	latest, err := m.gw.GetOrder(ctx, m.order.ID)
	if err != nil {
		m.log.Warn().Err(err).Msg("order refresh after partial fill failed")
		return
	}
	m.order = latest
}

func (m *Machine) onCanceled(ctx context.Context, u market.TradeUpdate) {
	if u.Kind == market.EventRejected {
		m.log.Warn().Interface("current_order", m.order).Msg("order rejected")
	}
	if m.superseded(u.Order) {
		m.log.Info().Str("order_id", u.Order.ID).Str("update", u.Event).Msg("ignoring update for superseded order")
		return
	}

	m.order = nil
	m.cancelRequested = false

	switch m.state {
	case BuySubmitted:
		// a partial fill may have landed before the cancel
		m.syncPosition(ctx)
		if m.position != nil {
			m.transition(ToSell)
			m.submitSell(ctx, false, "")
			return
		}
		m.transition(ToBuy)
	case SellSubmitted:
		if err := m.syncPosition(ctx); err == nil && m.position == nil {
			m.log.Info().Msg("sell ended with no position left")
			m.bailoutReason = ""
			m.transition(ToBuy)
			return
		}
		reason := m.bailoutReason
		if reason == "" {
			reason = "sell_failed"
		}
		m.transition(ToSell)
		m.submitSell(ctx, true, reason)
	default:
		m.log.Warn().Str("state", m.state.String()).Str("update", u.Event).Msg("unexpected state for update")
	}
}

// Checkup is the periodic timer hook. snapshot is the venue's position for
// this symbol from the sweep's single position listing, nil when flat.
func (m *Machine) Checkup(ctx context.Context, snapshot *market.Position) {
	now := m.now()

	if (snapshot == nil) != (m.position == nil) {
		m.log.Info().Bool("venue_has_position", snapshot != nil).Bool("cached_position", m.position != nil).
			Str("state", m.state.String()).Msg("position snapshot differs from cache")
	}

	if m.position != nil && m.cfg.Session.PastCutoff(now) {
		m.bailoutEndOfDay(ctx)
		return
	}

	if o := m.order; o != nil && o.Side == market.SideBuy && !m.cancelRequested &&
		now.Sub(o.SubmittedAt) > m.cfg.StaleBuyAfter {
		ev := m.log.Info().Str("order_id", o.ID)
		if o.LimitPrice != nil {
			ev = ev.Stringer("limit_price", o.LimitPrice)
		}
		if last, err := m.gw.GetLastTrade(ctx, m.symbol); err == nil {
			ev = ev.Stringer("current_price", last)
		}
		ev.Msg("canceling missed buy order")
		if err := m.gw.CancelOrder(ctx, o.ID); err != nil {
			m.log.Warn().Err(err).Str("order_id", o.ID).Msg("cancel failed, retrying next checkup")
		} else {
			m.cancelRequested = true
			observ.IncStaleCancel(m.symbol)
		}
	}

	if m.state == ToBuy && m.order == nil && m.position != nil {
		m.adoptPosition(ctx)
		return
	}

	// a sell that failed to submit is retried on the timer, as a bailout
	// when the failed attempt was one
	if m.state == ToSell && m.order == nil {
		m.submitSell(ctx, m.bailoutReason != "", m.bailoutReason)
	}
}

// adoptPosition takes over a position found while TO_BUY so it is sold
// rather than doubled by the next entry.
func (m *Machine) adoptPosition(ctx context.Context) {
	m.log.Warn().Stringer("qty", m.position.Qty).Stringer("avg_entry_price", m.position.AvgEntryPrice).
		Msg("holding a position while TO_BUY")
	m.transition(ToSell)
	if m.cfg.Session.PastCutoff(m.now()) {
		m.submitSell(ctx, true, "eod")
		return
	}
	m.submitSell(ctx, false, "")
}

// bailoutEndOfDay flattens the position at market whatever the state. An
// outstanding order is canceled first so only one order is ever live. A
// resting sell still holds the shares until its cancel lands, so that
// bailout is sent from the canceled update instead.
func (m *Machine) bailoutEndOfDay(ctx context.Context) {
	switch m.state {
	case SellSubmitted:
		if m.order == nil {
			m.transition(ToSell)
			break
		}
		if m.order.Type == market.OrderTypeMarket {
			return
		}
		m.cancelRestingSell(ctx)
		return
	case BuySubmitted:
		if !m.replaceOutstanding(ctx) {
			return
		}
	case ToBuy:
		m.adoptPosition(ctx)
		return
	}
	m.submitSell(ctx, true, "eod")
}

func (m *Machine) cancelRestingSell(ctx context.Context) {
	o := m.order
	if !m.cancelRequested {
		if err := m.gw.CancelOrder(ctx, o.ID); err != nil {
			m.log.Warn().Err(err).Str("order_id", o.ID).Msg("cancel before bailout failed")
			return
		}
		m.cancelRequested = true
		m.bailoutReason = "eod"
		m.log.Info().Str("order_id", o.ID).Msg("canceled resting sell, bailout follows the cancel")
		return
	}

	// the canceled update normally drives the bailout; poll in case it was missed
	latest, err := m.gw.GetOrder(ctx, o.ID)
	if err != nil {
		m.log.Warn().Err(err).Str("order_id", o.ID).Msg("resting sell lookup failed")
		return
	}
	switch latest.Status {
	case "filled":
		m.onFill(ctx, *latest)
	case "canceled", "expired", "rejected":
		m.log.Info().Str("order_id", o.ID).Str("status", latest.Status).Msg("resting sell closed without an update")
		m.onCanceled(ctx, market.TradeUpdate{Kind: market.EventCanceled, Event: latest.Status, Order: *latest})
	}
}

func (m *Machine) replaceOutstanding(ctx context.Context) bool {
	if m.order != nil {
		if err := m.gw.CancelOrder(ctx, m.order.ID); err != nil {
			m.log.Warn().Err(err).Str("order_id", m.order.ID).Msg("cancel before bailout failed")
			return false
		}
		m.log.Info().Str("order_id", m.order.ID).Msg("canceled outstanding order for bailout")
	}
	m.order = nil
	m.cancelRequested = false
	m.transition(ToSell)
	return true
}

// syncPosition reloads the cached position. A missing position clears the
// cache; other errors leave it untouched.
func (m *Machine) syncPosition(ctx context.Context) error {
	p, err := m.gw.GetPosition(ctx, m.symbol)
	switch {
	case errors.Is(err, broker.ErrNotFound):
		m.position = nil
		return nil
	case err != nil:
		m.log.Warn().Err(err).Msg("position refresh failed")
		return err
	}
	m.position = p
	return nil
}

func (m *Machine) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.log.Info().Str("from", from.String()).Str("to", to.String()).Msg("transition")
	m.state = to
	observ.RecordTransition(m.symbol, from.String(), to.String())
}
