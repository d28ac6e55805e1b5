package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/shopspring/decimal"
)

// Mock is an in-memory Gateway for tests. It never fills orders on its own;
// tests drive fills by feeding trade updates to the code under test and
// adjusting positions here.
type Mock struct {
	mu sync.Mutex

	bars      map[string][]market.Bar
	orders    map[string]market.Order // every order ever seen, by id
	open      []string                // ids of open orders, submission order
	positions map[string]market.Position
	lastTrade map[string]decimal.Decimal
	clockOpen bool

	submitErr     error
	barsFailures  int
	seq           int
	now           func() time.Time
	submitted     []market.OrderRequest
	canceled      []string
	positionLists int
}

// NewMock returns an open-market mock with no orders or positions
func NewMock() *Mock {
	return &Mock{
		bars:      map[string][]market.Bar{},
		orders:    map[string]market.Order{},
		positions: map[string]market.Position{},
		lastTrade: map[string]decimal.Decimal{},
		clockOpen: true,
		now:       time.Now,
	}
}

// SetNow controls the SubmittedAt stamped on new orders
func (m *Mock) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Mock) SetBars(symbol string, bars []market.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[symbol] = bars
}

// FailBars makes the next n GetBars calls fail
func (m *Mock) FailBars(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.barsFailures = n
}

func (m *Mock) SetLastTrade(symbol string, px decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTrade[symbol] = px
}

func (m *Mock) SetPosition(p market.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.Symbol] = p
}

func (m *Mock) ClearPosition(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, symbol)
}

// AddOpenOrder registers an order as already resting at the venue
func (m *Mock) AddOpenOrder(o market.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	m.open = append(m.open, o.ID)
}

// SetOrderStatus updates a known order, e.g. after a partial fill
func (m *Mock) SetOrderStatus(id, status string, filled decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[id]; ok {
		o.Status = status
		o.FilledQty = filled
		m.orders[id] = o
	}
}

// SetSubmitError makes every SubmitOrder fail with err until reset with nil
func (m *Mock) SetSubmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

func (m *Mock) SetClockOpen(open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clockOpen = open
}

// Submitted returns a copy of every accepted order request
func (m *Mock) Submitted() []market.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]market.OrderRequest(nil), m.submitted...)
}

// Canceled returns the ids passed to CancelOrder, in call order
func (m *Mock) Canceled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.canceled...)
}

// PositionListCalls counts ListPositions calls
func (m *Mock) PositionListCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionLists
}

func (m *Mock) GetBars(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) ([]market.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.barsFailures > 0 {
		m.barsFailures--
		return nil, fmt.Errorf("mock bars unavailable")
	}
	var out []market.Bar
	for _, b := range m.bars[symbol] {
		if !b.Timestamp.Before(start) && b.Timestamp.Before(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *Mock) ListOrders(ctx context.Context) ([]market.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]market.Order, 0, len(m.open))
	for _, id := range m.open {
		out = append(out, m.orders[id])
	}
	return out, nil
}

func (m *Mock) ListPositions(ctx context.Context) ([]market.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionLists++
	out := make([]market.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *Mock) GetPosition(ctx context.Context, symbol string) (*market.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", symbol, ErrNotFound)
	}
	return &p, nil
}

func (m *Mock) GetOrder(ctx context.Context, id string) (*market.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (m *Mock) GetLastTrade(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	px, ok := m.lastTrade[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no last trade for %s", symbol)
	}
	return px, nil
}

func (m *Mock) GetClock(ctx context.Context) (*market.Clock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &market.Clock{Timestamp: m.now(), IsOpen: m.clockOpen}, nil
}

func (m *Mock) SubmitOrder(ctx context.Context, req market.OrderRequest) (*market.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	if err := req.Validate(); err != nil {
		return nil, &APIError{Status: 422, Message: err.Error()}
	}
	m.seq++
	o := market.Order{
		ID:            fmt.Sprintf("mock-%d", m.seq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Qty:           req.Qty,
		LimitPrice:    req.LimitPrice,
		SubmittedAt:   m.now(),
		Status:        "new",
	}
	m.submitted = append(m.submitted, req)
	m.orders[o.ID] = o
	m.open = append(m.open, o.ID)
	return &o, nil
}

func (m *Mock) CancelOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled = append(m.canceled, id)
	for i, oid := range m.open {
		if oid == id {
			m.open = append(m.open[:i], m.open[i+1:]...)
			break
		}
	}
	return nil
}
