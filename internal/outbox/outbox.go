// Package outbox is the append-only JSONL journal of paper orders, fills and
// cancels, plus the fill simulator that prices paper executions.
package outbox

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	EntryOrder  = "order"
	EntryFill   = "fill"
	EntryCancel = "cancel"
)

type Fill struct {
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        market.Side     `json:"side"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	Timestamp   time.Time       `json:"timestamp"`
	LatencyMs   int             `json:"latency_ms"`
	SlippageBps int             `json:"slippage_bps"`
}

type Cancel struct {
	OrderID string `json:"order_id"`
	Symbol  string `json:"symbol"`
	Reason  string `json:"reason"`
}

type Entry struct {
	Type  string    `json:"type"`
	Data  any       `json:"data"`
	Event time.Time `json:"event"`
}

type Outbox struct {
	mu           sync.Mutex
	path         string
	dedupeWindow time.Duration
	now          func() time.Time
}

func New(path string, dedupeWindowSecs int) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Outbox{
		path:         path,
		dedupeWindow: time.Duration(dedupeWindowSecs) * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

func (o *Outbox) Path() string { return o.path }

func (o *Outbox) WriteOrder(order market.Order) error {
	return o.appendEntry(Entry{Type: EntryOrder, Data: order, Event: o.now()})
}

func (o *Outbox) WriteFill(fill Fill) error {
	return o.appendEntry(Entry{Type: EntryFill, Data: fill, Event: o.now()})
}

func (o *Outbox) WriteCancel(c Cancel) error {
	return o.appendEntry(Entry{Type: EntryCancel, Data: c, Event: o.now()})
}

func (o *Outbox) appendEntry(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode %s entry: %w", entry.Type, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

// HasRecentOrder reports whether an order with this client order id was
// journaled inside the dedupe window.
func (o *Outbox) HasRecentOrder(clientOrderID string) (bool, error) {
	cutoff := o.now().Add(-o.dedupeWindow)
	found := false
	err := o.scan(func(line gjson.Result) bool {
		if line.Get("type").String() != EntryOrder {
			return true
		}
		if ev, err := time.Parse(time.RFC3339Nano, line.Get("event").String()); err != nil || ev.Before(cutoff) {
			return true
		}
		if line.Get("data.client_order_id").String() == clientOrderID {
			found = true
			return false
		}
		return true
	})
	return found, err
}

// Fills returns every journaled fill in write order
func (o *Outbox) Fills() ([]Fill, error) {
	var fills []Fill
	err := o.scan(func(line gjson.Result) bool {
		if line.Get("type").String() != EntryFill {
			return true
		}
		var f Fill
		if err := json.Unmarshal([]byte(line.Get("data").Raw), &f); err == nil {
			fills = append(fills, f)
		}
		return true
	})
	return fills, err
}

// scan feeds each valid journal line to fn until fn returns false.
// A missing journal is empty.
func (o *Outbox) scan(fn func(gjson.Result) bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 || !gjson.ValidBytes(line) {
			continue
		}
		if !fn(gjson.ParseBytes(line)) {
			return nil
		}
	}
	return sc.Err()
}
