package broker

import (
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ParseOrder decodes a venue order object. The same shape arrives on REST
// responses and inside trade-update stream messages.
func ParseOrder(r gjson.Result) market.Order {
	o := market.Order{
		ID:            r.Get("id").String(),
		ClientOrderID: r.Get("client_order_id").String(),
		Symbol:        r.Get("symbol").String(),
		Side:          market.Side(r.Get("side").String()),
		TimeInForce:   market.TimeInForce(r.Get("time_in_force").String()),
		Qty:           dec(r.Get("qty")),
		FilledQty:     dec(r.Get("filled_qty")),
		FilledAvg:     dec(r.Get("filled_avg_price")),
		SubmittedAt:   parseTime(r.Get("submitted_at")),
		Status:        r.Get("status").String(),
	}
	typ := r.Get("type")
	if !typ.Exists() {
		typ = r.Get("order_type")
	}
	o.Type = market.OrderType(typ.String())
	if lp := r.Get("limit_price"); lp.Exists() && lp.Type != gjson.Null {
		px := dec(lp)
		o.LimitPrice = &px
	}
	return o
}

func ParsePosition(r gjson.Result) market.Position {
	return market.Position{
		Symbol:        r.Get("symbol").String(),
		Qty:           dec(r.Get("qty")),
		AvgEntryPrice: dec(r.Get("avg_entry_price")),
	}
}

// ParseBar decodes a compact bar object {t,o,h,l,c,v}
func ParseBar(symbol string, r gjson.Result) market.Bar {
	return market.Bar{
		Symbol:    symbol,
		Timestamp: parseTime(r.Get("t")),
		Open:      dec(r.Get("o")),
		High:      dec(r.Get("h")),
		Low:       dec(r.Get("l")),
		Close:     dec(r.Get("c")),
		Volume:    r.Get("v").Int(),
	}
}

func parseClock(r gjson.Result) market.Clock {
	return market.Clock{
		Timestamp: parseTime(r.Get("timestamp")),
		IsOpen:    r.Get("is_open").Bool(),
		NextOpen:  parseTime(r.Get("next_open")),
		NextClose: parseTime(r.Get("next_close")),
	}
}

func dec(r gjson.Result) decimal.Decimal {
	if !r.Exists() || r.Type == gjson.Null {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(r.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseTime(r gjson.Result) time.Time {
	if !r.Exists() || r.String() == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, r.String())
	if err != nil {
		return time.Time{}
	}
	return t
}
