package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Rajchodisetti/dip-scalper/internal/broker"
	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/Rajchodisetti/dip-scalper/internal/paper"
	"github.com/Rajchodisetti/dip-scalper/internal/stream"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ModePaper = "paper"
	ModeLive  = "live"
)

type Broker struct {
	BaseURL            string `yaml:"base_url"`
	DataURL            string `yaml:"data_url"`
	Feed               string `yaml:"feed"` // iex | sip
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	TimeoutMs          int    `yaml:"timeout_ms"`
	MaxRetries         int    `yaml:"max_retries"`
	BackoffBaseMs      int    `yaml:"backoff_base_ms"`
	BackoffMaxMs       int    `yaml:"backoff_max_ms"`
	KeyID              string `yaml:"-"`
	SecretKey          string `yaml:"-"`
}

type Streams struct {
	Bars    stream.Config `yaml:"bars"`
	Updates stream.Config `yaml:"trade_updates"`
}

type Strategy struct {
	Timezone        string  `yaml:"timezone"`
	MarketOpen      string  `yaml:"market_open"`
	Cutoff          string  `yaml:"cutoff"`
	MarketClose     string  `yaml:"market_close"`
	Tick            float64 `yaml:"tick"`
	StaleBuySeconds int     `yaml:"stale_buy_seconds"`
}

type Fleet struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

type Warmup struct {
	Attempts    int `yaml:"attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

type Paper struct {
	OutboxPath       string `yaml:"outbox_path"`
	MatchIntervalMs  int    `yaml:"match_interval_ms"`
	LatencyMsMin     int    `yaml:"latency_ms_min"`
	LatencyMsMax     int    `yaml:"latency_ms_max"`
	SlippageBpsMin   int    `yaml:"slippage_bps_min"`
	SlippageBpsMax   int    `yaml:"slippage_bps_max"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds"`
}

type Metrics struct {
	Addr string `yaml:"addr"` // "off" disables the listener
}

type Root struct {
	TradingMode string   `yaml:"trading_mode"` // paper | live
	Symbols     []string `yaml:"symbols"`
	LotUSD      float64  `yaml:"lot_usd"`
	LogLevel    string   `yaml:"log_level"`
	Broker      Broker   `yaml:"broker"`
	Streams     Streams  `yaml:"streams"`
	Strategy    Strategy `yaml:"strategy"`
	Fleet       Fleet    `yaml:"fleet"`
	Warmup      Warmup   `yaml:"warmup"`
	Paper       Paper    `yaml:"paper"`
	Metrics     Metrics  `yaml:"metrics"`
}

// Default is the configuration used when no file is given
func Default() Root {
	var c Root
	c.applyDefaults()
	return c
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	c.applyDefaults()
	return c, nil
}

// ApplyEnv loads an optional .env file and lets the environment override
// credentials, the trading endpoint, the mode and the log level.
func (c *Root) ApplyEnv() {
	_ = godotenv.Load() // best-effort

	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		c.Broker.KeyID = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		c.Broker.SecretKey = v
	}
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		c.Broker.BaseURL = strings.TrimRight(v, "/")
		c.Streams.Updates.URL = tradingStreamURL(c.Broker.BaseURL)
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		c.TradingMode = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	c.Streams.Bars.KeyID, c.Streams.Bars.SecretKey = c.Broker.KeyID, c.Broker.SecretKey
	c.Streams.Updates.KeyID, c.Streams.Updates.SecretKey = c.Broker.KeyID, c.Broker.SecretKey
}

func (c *Root) applyDefaults() {
	if c.TradingMode == "" {
		c.TradingMode = ModePaper
	}
	if c.LotUSD == 0 {
		c.LotUSD = 2000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	// Broker defaults
	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://paper-api.alpaca.markets"
	}
	if c.Broker.DataURL == "" {
		c.Broker.DataURL = "https://data.alpaca.markets"
	}
	if c.Broker.Feed == "" {
		c.Broker.Feed = "iex"
	}
	if c.Broker.RateLimitPerMinute == 0 {
		c.Broker.RateLimitPerMinute = 200
	}
	if c.Broker.TimeoutMs == 0 {
		c.Broker.TimeoutMs = 10000
	}
	if c.Broker.MaxRetries == 0 {
		c.Broker.MaxRetries = 3
	}
	if c.Broker.BackoffBaseMs == 0 {
		c.Broker.BackoffBaseMs = 250
	}
	if c.Broker.BackoffMaxMs == 0 {
		c.Broker.BackoffMaxMs = 5000
	}

	// Stream endpoints; reconnect tuning is left to the stream package
	if c.Streams.Bars.URL == "" {
		c.Streams.Bars.URL = "wss://stream.data.alpaca.markets/v2/" + c.Broker.Feed
	}
	if c.Streams.Updates.URL == "" {
		c.Streams.Updates.URL = tradingStreamURL(c.Broker.BaseURL)
	}

	// Strategy defaults
	if c.Strategy.Timezone == "" {
		c.Strategy.Timezone = "America/New_York"
	}
	if c.Strategy.MarketOpen == "" {
		c.Strategy.MarketOpen = "09:30"
	}
	if c.Strategy.Cutoff == "" {
		c.Strategy.Cutoff = "15:55"
	}
	if c.Strategy.MarketClose == "" {
		c.Strategy.MarketClose = "16:00"
	}
	if c.Strategy.Tick == 0 {
		c.Strategy.Tick = 0.01
	}
	if c.Strategy.StaleBuySeconds == 0 {
		c.Strategy.StaleBuySeconds = 120
	}

	if c.Fleet.SweepIntervalSeconds == 0 {
		c.Fleet.SweepIntervalSeconds = 30
	}

	if c.Warmup.Attempts == 0 {
		c.Warmup.Attempts = 5
	}
	if c.Warmup.BaseDelayMs == 0 {
		c.Warmup.BaseDelayMs = 500
	}
	if c.Warmup.MaxDelayMs == 0 {
		c.Warmup.MaxDelayMs = 10000
	}

	// Set paper trading defaults
	if c.Paper.OutboxPath == "" {
		c.Paper.OutboxPath = "data/outbox.jsonl"
	}
	if c.Paper.MatchIntervalMs == 0 {
		c.Paper.MatchIntervalMs = 1000
	}
	if c.Paper.LatencyMsMin == 0 {
		c.Paper.LatencyMsMin = 100
	}
	if c.Paper.LatencyMsMax == 0 {
		c.Paper.LatencyMsMax = 2000
	}
	if c.Paper.SlippageBpsMin == 0 {
		c.Paper.SlippageBpsMin = 1
	}
	if c.Paper.SlippageBpsMax == 0 {
		c.Paper.SlippageBpsMax = 5
	}
	if c.Paper.DedupeWindowSecs == 0 {
		c.Paper.DedupeWindowSecs = 90
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:8090"
	}
}

// tradingStreamURL maps a REST trading endpoint to its websocket stream
func tradingStreamURL(base string) string {
	u := strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/stream"
}

// Validate rejects configurations the scalper cannot start with
func (c Root) Validate() error {
	var errs []error
	switch c.TradingMode {
	case ModePaper, ModeLive:
	default:
		errs = append(errs, fmt.Errorf("unknown trading mode %q", c.TradingMode))
	}
	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("no symbols"))
	}
	for _, s := range c.Symbols {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, errors.New("empty symbol"))
			break
		}
	}
	if c.LotUSD <= 0 {
		errs = append(errs, fmt.Errorf("lot must be positive, got %v", c.LotUSD))
	}
	if c.Strategy.Tick <= 0 {
		errs = append(errs, fmt.Errorf("tick must be positive, got %v", c.Strategy.Tick))
	}
	if _, err := c.Session(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Session builds the exchange session from the strategy times
func (c Root) Session() (*market.Session, error) {
	return market.NewSession(c.Strategy.Timezone, c.Strategy.MarketOpen, c.Strategy.Cutoff, c.Strategy.MarketClose)
}

func (c Root) BrokerConfig() broker.Config {
	return broker.Config{
		BaseURL:            c.Broker.BaseURL,
		DataURL:            c.Broker.DataURL,
		KeyID:              c.Broker.KeyID,
		SecretKey:          c.Broker.SecretKey,
		Feed:               c.Broker.Feed,
		RateLimitPerMinute: c.Broker.RateLimitPerMinute,
		TimeoutMs:          c.Broker.TimeoutMs,
		MaxRetries:         c.Broker.MaxRetries,
		BackoffBaseMs:      c.Broker.BackoffBaseMs,
		BackoffMaxMs:       c.Broker.BackoffMaxMs,
	}
}

func (c Root) PaperConfig() paper.Config {
	return paper.Config{
		MatchIntervalMs: c.Paper.MatchIntervalMs,
		LatencyMsMin:    c.Paper.LatencyMsMin,
		LatencyMsMax:    c.Paper.LatencyMsMax,
		SlippageBpsMin:  c.Paper.SlippageBpsMin,
		SlippageBpsMax:  c.Paper.SlippageBpsMax,
	}
}
