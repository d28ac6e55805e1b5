package market

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrOutOfOrder is returned when a bar does not strictly follow the last one
var ErrOutOfOrder = errors.New("bar timestamp not after last bar")

// BarHistory is an append-only sequence of bars with strictly increasing
// timestamps. It is not safe for concurrent use.
type BarHistory struct {
	bars []Bar
}

func NewBarHistory(seed []Bar) (*BarHistory, error) {
	h := &BarHistory{bars: make([]Bar, 0, len(seed)+512)}
	for _, b := range seed {
		if err := h.Append(b); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *BarHistory) Append(b Bar) error {
	if n := len(h.bars); n > 0 && !b.Timestamp.After(h.bars[n-1].Timestamp) {
		return fmt.Errorf("%w: %s <= %s", ErrOutOfOrder, b.Timestamp.Format("15:04:05"), h.bars[n-1].Timestamp.Format("15:04:05"))
	}
	h.bars = append(h.bars, b)
	return nil
}

func (h *BarHistory) Len() int { return len(h.bars) }

// Last returns the most recent bar, if any
func (h *BarHistory) Last() (Bar, bool) {
	if len(h.bars) == 0 {
		return Bar{}, false
	}
	return h.bars[len(h.bars)-1], true
}

// Closes returns the closing prices in order. The slice is a copy.
func (h *BarHistory) Closes() []decimal.Decimal {
	out := make([]decimal.Decimal, len(h.bars))
	for i, b := range h.bars {
		out[i] = b.Close
	}
	return out
}
