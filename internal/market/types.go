package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is a one-minute OHLCV aggregate for a symbol
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"` // bar start, minute aligned
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
)

// Order is the venue's view of a submitted order
type Order struct {
	ID            string           `json:"id"`
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          Side             `json:"side"`
	Type          OrderType        `json:"type"`
	TimeInForce   TimeInForce      `json:"time_in_force"`
	Qty           decimal.Decimal  `json:"qty"`
	FilledQty     decimal.Decimal  `json:"filled_qty"`
	FilledAvg     decimal.Decimal  `json:"filled_avg_price"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	Status        string           `json:"status"`
}

func (o Order) String() string {
	px := "mkt"
	if o.LimitPrice != nil {
		px = o.LimitPrice.String()
	}
	return fmt.Sprintf("%s %s %s %s@%s [%s] id=%s", o.Symbol, o.Side, o.Type, o.Qty, px, o.Status, o.ID)
}

// Position is a cached snapshot of a held position. The venue owns the truth.
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

type Clock struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// OrderRequest carries everything needed to submit an order.
// LimitPrice must be set for limit orders and nil for market orders.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	TimeInForce   TimeInForce
	LimitPrice    *decimal.Decimal
	ClientOrderID string
}

func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if !r.Qty.IsPositive() {
		return fmt.Errorf("qty must be positive, got %s", r.Qty)
	}
	switch r.Side {
	case SideBuy, SideSell:
	default:
		return fmt.Errorf("unknown side %q", r.Side)
	}
	switch r.Type {
	case OrderTypeLimit:
		if r.LimitPrice == nil || !r.LimitPrice.IsPositive() {
			return fmt.Errorf("limit order requires a positive limit price")
		}
	case OrderTypeMarket:
		if r.LimitPrice != nil {
			return fmt.Errorf("market order must not carry a limit price")
		}
	default:
		return fmt.Errorf("unknown order type %q", r.Type)
	}
	return nil
}

// EventKind is the closed set of trade-update kinds the lifecycle reacts to.
type EventKind int

const (
	EventOther EventKind = iota
	EventFill
	EventPartialFill
	EventCanceled
	EventRejected
)

func (k EventKind) String() string {
	switch k {
	case EventFill:
		return "fill"
	case EventPartialFill:
		return "partial_fill"
	case EventCanceled:
		return "canceled"
	case EventRejected:
		return "rejected"
	default:
		return "other"
	}
}

// ParseEventKind maps a venue event name onto EventKind. Names the
// lifecycle does not handle (new, accepted, expired, ...) map to EventOther.
func ParseEventKind(s string) EventKind {
	switch s {
	case "fill":
		return EventFill
	case "partial_fill":
		return EventPartialFill
	case "canceled":
		return EventCanceled
	case "rejected":
		return EventRejected
	default:
		return EventOther
	}
}

// TradeUpdate is an order-status event from the venue
type TradeUpdate struct {
	Kind  EventKind `json:"-"`
	Event string    `json:"event"` // raw venue event name
	Order Order     `json:"order"`
}
