// Package signal decides when to enter: an upward crossover of the closing
// price over its 20-bar simple moving average on the latest bar.
package signal

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// Window is the moving-average period
	Window = 20
	// MinBars is the history length needed to compare two averaged bars
	MinBars = Window + 1
)

// Reading holds the closes and moving averages of the two most recent bars
type Reading struct {
	PrevClose decimal.Decimal
	PrevAvg   decimal.Decimal
	LastClose decimal.Decimal
	LastAvg   decimal.Decimal
}

// Crossover reports closes[-2] < avg[-2] and closes[-1] > avg[-1]
func (r Reading) Crossover() bool {
	return r.PrevClose.LessThan(r.PrevAvg) && r.LastClose.GreaterThan(r.LastAvg)
}

func (r Reading) String() string {
	return fmt.Sprintf("closes[-2:]=[%s %s] mavg[-2:]=[%s %s]",
		r.PrevClose, r.LastClose, r.PrevAvg.Round(4), r.LastAvg.Round(4))
}

// Read computes the Reading for closes. ok is false when there are fewer
// than MinBars closes.
func Read(closes []decimal.Decimal) (r Reading, ok bool) {
	n := len(closes)
	if n < MinBars {
		return Reading{}, false
	}
	return Reading{
		PrevClose: closes[n-2],
		PrevAvg:   SMA(closes[:n-1], Window),
		LastClose: closes[n-1],
		LastAvg:   SMA(closes, Window),
	}, true
}

// Evaluate returns true iff the latest bar completes an upward crossover.
// Histories shorter than MinBars never signal.
func Evaluate(closes []decimal.Decimal) bool {
	r, ok := Read(closes)
	return ok && r.Crossover()
}

// SMA is the simple average of the last window values. It returns zero if
// fewer than window values are given.
func SMA(values []decimal.Decimal, window int) decimal.Decimal {
	if window <= 0 || len(values) < window {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values[len(values)-window:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(window)))
}
