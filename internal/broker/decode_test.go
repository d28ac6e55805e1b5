package broker

import (
	"context"
	"testing"

	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestParseOrder_MarketOrderWithoutLimit(t *testing.T) {
	o := ParseOrder(gjson.Parse(`{"id":"x1","symbol":"TSLA","side":"sell","order_type":"market",
		"time_in_force":"day","qty":"3.5","filled_qty":"1","limit_price":null,"status":"partially_filled"}`))

	assert.Equal(t, "x1", o.ID)
	assert.Equal(t, market.SideSell, o.Side)
	assert.Equal(t, market.OrderTypeMarket, o.Type)
	assert.Nil(t, o.LimitPrice)
	assert.Equal(t, "3.5", o.Qty.String())
	assert.Equal(t, "1", o.FilledQty.String())
	assert.True(t, o.SubmittedAt.IsZero())
}

func TestParsePosition(t *testing.T) {
	p := ParsePosition(gjson.Parse(`{"symbol":"AAPL","qty":"10","avg_entry_price":"187.215"}`))
	assert.Equal(t, "AAPL", p.Symbol)
	assert.Equal(t, "10", p.Qty.String())
	assert.Equal(t, "187.215", p.AvgEntryPrice.String())
}

func TestMock_OpenOrdersAndCancel(t *testing.T) {
	m := NewMock()
	m.AddOpenOrder(market.Order{ID: "a", Symbol: "AAPL", Side: market.SideBuy})
	m.AddOpenOrder(market.Order{ID: "b", Symbol: "MSFT", Side: market.SideSell})

	assert.NoError(t, m.CancelOrder(context.Background(), "a"))
	assert.NoError(t, m.CancelOrder(context.Background(), "a"))

	open, err := m.ListOrders(context.Background())
	assert.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Equal(t, "b", open[0].ID)
	assert.Equal(t, []string{"a", "a"}, m.Canceled())
}
