// Package broker abstracts the brokerage: order entry, order and position
// queries, last-trade and bar lookups, and the market clock.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/shopspring/decimal"
)

// Timeframe is the bar aggregation period
type Timeframe string

const TimeframeMinute Timeframe = "1Min"

// Gateway is everything the trading core needs from a venue. Retries,
// backoff and authentication live behind it.
type Gateway interface {
	GetBars(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) ([]market.Bar, error)
	ListOrders(ctx context.Context) ([]market.Order, error)
	ListPositions(ctx context.Context) ([]market.Position, error)
	// GetPosition fails with an error matching ErrNotFound when flat
	GetPosition(ctx context.Context, symbol string) (*market.Position, error)
	GetOrder(ctx context.Context, id string) (*market.Order, error)
	GetLastTrade(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetClock(ctx context.Context) (*market.Clock, error)
	SubmitOrder(ctx context.Context, req market.OrderRequest) (*market.Order, error)
	// CancelOrder is idempotent: canceling a terminal order is not an error
	CancelOrder(ctx context.Context, id string) error
}

// ErrNotFound reports a missing position or order
var ErrNotFound = errors.New("not found")

// APIError is a non-retryable error response from the venue
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("broker api error %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("broker api error %d: %s", e.Status, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == 404
}

// IsRejection reports a synchronous order rejection (validation, buying power)
func (e *APIError) IsRejection() bool {
	return e.Status == 403 || e.Status == 422
}

// IsRejection reports whether err is a venue rejection of an order
func IsRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsRejection()
}
