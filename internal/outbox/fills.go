package outbox

import (
	"math/rand"
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/shopspring/decimal"
)

type FillSimulator struct {
	latencyMsMin   int
	latencyMsMax   int
	slippageBpsMin int
	slippageBpsMax int
}

func NewFillSimulator(latencyMsMin, latencyMsMax, slippageBpsMin, slippageBpsMax int) *FillSimulator {
	if latencyMsMax < latencyMsMin {
		latencyMsMax = latencyMsMin
	}
	if slippageBpsMax < slippageBpsMin {
		slippageBpsMax = slippageBpsMin
	}
	return &FillSimulator{
		latencyMsMin:   latencyMsMin,
		latencyMsMax:   latencyMsMax,
		slippageBpsMin: slippageBpsMin,
		slippageBpsMax: slippageBpsMax,
	}
}

// SimulateFill prices a full fill of order against marketPrice. Slippage
// always works against the order; a limit order never fills through its
// limit.
func (fs *FillSimulator) SimulateFill(order market.Order, marketPrice decimal.Decimal, now time.Time) (Fill, time.Duration) {
	latencyMs := fs.latencyMsMin + rand.Intn(fs.latencyMsMax-fs.latencyMsMin+1)
	slippageBps := fs.slippageBpsMin + rand.Intn(fs.slippageBpsMax-fs.slippageBpsMin+1)

	mult := decimal.NewFromInt(1).Add(decimal.New(int64(slippageBps), -4))
	price := marketPrice
	switch order.Side {
	case market.SideBuy:
		price = price.Mul(mult)
		if order.LimitPrice != nil && price.GreaterThan(*order.LimitPrice) {
			price = *order.LimitPrice
		}
	case market.SideSell:
		price = price.Div(mult)
		if order.LimitPrice != nil && price.LessThan(*order.LimitPrice) {
			price = *order.LimitPrice
		}
	}

	latency := time.Duration(latencyMs) * time.Millisecond
	fill := Fill{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Qty:         order.Qty,
		Price:       price.Round(4),
		Timestamp:   now.UTC().Add(latency),
		LatencyMs:   latencyMs,
		SlippageBps: slippageBps,
	}
	return fill, latency
}
