package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/broker"
	"github.com/Rajchodisetti/dip-scalper/internal/config"
	"github.com/Rajchodisetti/dip-scalper/internal/fleet"
	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/Rajchodisetti/dip-scalper/internal/observ"
	"github.com/Rajchodisetti/dip-scalper/internal/outbox"
	"github.com/Rajchodisetti/dip-scalper/internal/paper"
	"github.com/Rajchodisetti/dip-scalper/internal/scalp"
	"github.com/Rajchodisetti/dip-scalper/internal/stream"
	"github.com/shopspring/decimal"
)

var version = "dev" // set via -ldflags "-X main.version=..."

func main() {
	var (
		cfgPath string
		lot     float64
		mode    string
	)
	flag.StringVar(&cfgPath, "config", "", "config path (defaults apply when empty)")
	flag.Float64Var(&lot, "lot", 0, "notional USD per entry (overrides config)")
	flag.StringVar(&mode, "mode", "", "paper | live (overrides config)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] SYMBOL [SYMBOL...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if cfgPath != "" {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(2)
		}
	}
	cfg.ApplyEnv()
	if lot != 0 {
		cfg.LotUSD = lot
	}
	if mode != "" {
		cfg.TradingMode = strings.ToLower(mode)
	}
	if flag.NArg() > 0 {
		cfg.Symbols = cfg.Symbols[:0]
		for _, s := range flag.Args() {
			cfg.Symbols = append(cfg.Symbols, strings.ToUpper(strings.TrimSpace(s)))
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	observ.Init(cfg.LogLevel, os.Stdout)
	observ.SetVersion(version)
	log := observ.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, cfg)
	switch {
	case err == nil, errors.Is(err, fleet.ErrMarketClosed), errors.Is(err, context.Canceled):
		log.Info().Err(err).Msg("scalper stopped")
	default:
		log.Error().Err(err).Msg("scalper failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Root) error {
	log := observ.Logger()
	observ.Log("startup", map[string]any{
		"mode":    cfg.TradingMode,
		"symbols": cfg.Symbols,
		"lot_usd": cfg.LotUSD,
		"version": version,
	})

	client, err := broker.NewClient(cfg.BrokerConfig())
	if err != nil {
		return fmt.Errorf("broker client: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		gw      broker.Gateway = client
		updates <-chan market.TradeUpdate
	)
	switch cfg.TradingMode {
	case config.ModePaper:
		journal, err := outbox.New(cfg.Paper.OutboxPath, cfg.Paper.DedupeWindowSecs)
		if err != nil {
			return fmt.Errorf("create outbox: %w", err)
		}
		pg, err := paper.New(client, journal, cfg.PaperConfig())
		if err != nil {
			return fmt.Errorf("paper gateway: %w", err)
		}
		observ.Log("outbox_init", map[string]any{"path": journal.Path()})
		go func() {
			if err := pg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("paper matcher stopped")
			}
		}()
		gw, updates = pg, pg.Updates()
	default:
		if err := client.HealthCheck(ctx); err != nil {
			return fmt.Errorf("broker health check: %w", err)
		}
		us, err := stream.NewTradeUpdateStream(cfg.Streams.Updates)
		if err != nil {
			return fmt.Errorf("trade update stream: %w", err)
		}
		updates = us.Start(ctx)
	}

	session, err := cfg.Session()
	if err != nil {
		return err
	}
	d, err := fleet.New(ctx, gw, cfg.Symbols, decimal.NewFromFloat(cfg.LotUSD),
		fleet.WithSweepInterval(time.Duration(cfg.Fleet.SweepIntervalSeconds)*time.Second),
		fleet.WithMachineConfig(scalp.Config{
			Tick:          decimal.NewFromFloat(cfg.Strategy.Tick),
			StaleBuyAfter: time.Duration(cfg.Strategy.StaleBuySeconds) * time.Second,
			Session:       session,
			Warmup: scalp.RetryPolicy{
				MaxAttempts: cfg.Warmup.Attempts,
				BaseDelay:   time.Duration(cfg.Warmup.BaseDelayMs) * time.Millisecond,
				MaxDelay:    time.Duration(cfg.Warmup.MaxDelayMs) * time.Millisecond,
			},
		}),
	)
	if err != nil {
		return err
	}
	defer d.Close()

	if cfg.Metrics.Addr != "off" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: routes(d), ReadHeaderTimeout: 5 * time.Second}
		observ.Log("metrics_listen", map[string]any{"addr": cfg.Metrics.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	bs, err := stream.NewBarStream(cfg.Streams.Bars, d.Symbols())
	if err != nil {
		return fmt.Errorf("bar stream: %w", err)
	}
	return d.Run(ctx, bs.Start(ctx), updates)
}

func routes(d *fleet.Dispatcher) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/health", observ.Health())
	mux.Handle("/healthz", observ.HealthHandler())
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		out := make([]scalp.Snapshot, 0, len(d.Symbols()))
		for _, sym := range d.Symbols() {
			snap, err := d.Snapshot(ctx, sym)
			if err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			out = append(out, snap)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	return mux
}
