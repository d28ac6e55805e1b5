// Package fleet runs one scalp machine per symbol and feeds them from the
// bar stream, the trade-update stream and a periodic sweep.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/broker"
	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/Rajchodisetti/dip-scalper/internal/observ"
	"github.com/Rajchodisetti/dip-scalper/internal/scalp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrMarketClosed ends Run when the venue clock reports the market closed
	ErrMarketClosed  = errors.New("market closed")
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrStopped       = errors.New("fleet stopped")
)

const DefaultSweepInterval = 30 * time.Second

type options struct {
	sweepEvery  time.Duration
	machine     scalp.Config
	machineOpts []scalp.Option
	log         *zerolog.Logger
}

type Option func(*options)

func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepEvery = d }
}

// WithMachineConfig sets the per-symbol machine config. The lot passed to
// New always wins over cfg.Lot.
func WithMachineConfig(cfg scalp.Config) Option {
	return func(o *options) { o.machine = cfg }
}

func WithMachineOptions(opts ...scalp.Option) Option {
	return func(o *options) { o.machineOpts = append(o.machineOpts, opts...) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = &l }
}

// Dispatcher routes events to per-symbol workers. Events for one symbol are
// handled strictly in arrival order; different symbols run in parallel.
type Dispatcher struct {
	gw         broker.Gateway
	symbols    []string
	workers    map[string]*worker
	sweepEvery time.Duration
	session    *market.Session
	log        zerolog.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds and starts a machine per symbol. Each construction warms up
// bar history and reconciles with the venue; any failure aborts the fleet.
func New(ctx context.Context, gw broker.Gateway, symbols []string, lot decimal.Decimal, opts ...Option) (*Dispatcher, error) {
	o := options{sweepEvery: DefaultSweepInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sweepEvery <= 0 {
		o.sweepEvery = DefaultSweepInterval
	}
	log := observ.Logger()
	if o.log != nil {
		log = *o.log
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols")
	}

	cfg := o.machine
	cfg.Lot = lot
	session := cfg.Session
	if session == nil {
		session = market.DefaultSession()
	}

	d := &Dispatcher{
		gw:         gw,
		workers:    make(map[string]*worker, len(symbols)),
		sweepEvery: o.sweepEvery,
		session:    session,
		log:        log,
	}
	for _, sym := range symbols {
		if _, dup := d.workers[sym]; dup {
			log.Warn().Str("symbol", sym).Msg("duplicate symbol ignored")
			continue
		}
		m, err := scalp.New(ctx, gw, sym, cfg, o.machineOpts...)
		if err != nil {
			return nil, fmt.Errorf("init %s: %w", sym, err)
		}
		d.workers[sym] = newWorker(m, log)
		d.symbols = append(d.symbols, sym)
	}

	// handlers outlive the construction context; Close cancels them
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	for _, sym := range d.symbols {
		w := d.workers[sym]
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			w.loop(wctx)
		}()
	}

	log.Info().Strs("symbols", d.symbols).Stringer("lot", lot).Dur("sweep_interval", d.sweepEvery).
		Str("session", string(session.Phase(time.Now()))).Msg("fleet started")
	return d, nil
}

func (d *Dispatcher) Symbols() []string {
	return append([]string(nil), d.symbols...)
}

// DispatchBar queues a bar for its symbol. Unknown symbols are ignored.
func (d *Dispatcher) DispatchBar(bar market.Bar) {
	w, ok := d.workers[bar.Symbol]
	if !ok {
		d.log.Debug().Str("symbol", bar.Symbol).Msg("bar for unknown symbol")
		return
	}
	w.enqueue(func(ctx context.Context, m *scalp.Machine) { m.OnBar(ctx, bar) })
}

// DispatchTradeUpdate queues an order update for the order's symbol
func (d *Dispatcher) DispatchTradeUpdate(u market.TradeUpdate) {
	w, ok := d.workers[u.Order.Symbol]
	if !ok {
		d.log.Debug().Str("symbol", u.Order.Symbol).Str("update", u.Event).Msg("trade update for unknown symbol")
		return
	}
	w.enqueue(func(ctx context.Context, m *scalp.Machine) { m.OnOrderUpdate(ctx, u) })
}

// Sweep lists positions once and queues a checkup for every symbol with
// its slice of that listing.
func (d *Dispatcher) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() { observ.ObserveSweep(time.Since(start)) }()

	positions, err := d.gw.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	held := make(map[string]market.Position, len(positions))
	for _, p := range positions {
		held[p.Symbol] = p
	}

	for _, sym := range d.symbols {
		var snap *market.Position
		if p, ok := held[sym]; ok {
			snap = &p
		}
		d.workers[sym].enqueue(func(ctx context.Context, m *scalp.Machine) { m.Checkup(ctx, snap) })
	}
	return nil
}

// Snapshot returns a symbol's state once every event queued before the
// call has been handled.
func (d *Dispatcher) Snapshot(ctx context.Context, symbol string) (scalp.Snapshot, error) {
	w, ok := d.workers[symbol]
	if !ok {
		return scalp.Snapshot{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	ch := make(chan scalp.Snapshot, 1)
	if !w.enqueue(func(_ context.Context, m *scalp.Machine) { ch <- m.Snapshot() }) {
		return scalp.Snapshot{}, ErrStopped
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return scalp.Snapshot{}, ctx.Err()
	}
}

// Run consumes both streams and sweeps on a timer until the venue clock
// reports the market closed (ErrMarketClosed) or ctx ends. It returns after
// every worker has finished its in-flight handler.
func (d *Dispatcher) Run(ctx context.Context, bars <-chan market.Bar, updates <-chan market.TradeUpdate) error {
	defer d.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-bars:
				if !ok {
					d.log.Warn().Msg("bar stream ended")
					return
				}
				d.DispatchBar(b)
			}
		}
	}()
	go func() {
		defer loops.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					d.log.Warn().Msg("trade update stream ended")
					return
				}
				d.DispatchTradeUpdate(u)
			}
		}
	}()

	err := d.sweepLoop(ctx)
	cancel()
	loops.Wait()
	return err
}

func (d *Dispatcher) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.sweepEvery)
	defer ticker.Stop()

	for {
		clock, err := d.gw.GetClock(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			d.log.Warn().Err(err).Msg("clock check failed")
		case !clock.IsOpen:
			d.log.Info().Time("next_open", clock.NextOpen).Str("session", string(d.session.Phase(clock.Timestamp))).
				Msg("market closed, stopping")
			return ErrMarketClosed
		default:
			if err := d.Sweep(ctx); err != nil {
				d.log.Warn().Err(err).Msg("sweep failed")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the workers and waits for in-flight handlers. Events still
// queued are dropped. Safe to call more than once.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		for _, w := range d.workers {
			w.close()
		}
		d.wg.Wait()
		d.cancel()
		d.log.Info().Msg("fleet stopped")
	})
}
