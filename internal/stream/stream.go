// Package stream consumes the venue's websocket feeds: minute bars from the
// market-data stream and order status from the trading stream. Both keep
// reconnecting with jittered exponential backoff and re-authenticate and
// re-subscribe on every new connection.
package stream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/observ"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// ConnectionState represents the current state of a stream connection
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type Config struct {
	URL       string `yaml:"url"`
	KeyID     string `yaml:"-"`
	SecretKey string `yaml:"-"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	HandshakeTimeoutMs  int `yaml:"handshake_timeout_ms"`
	ReadTimeoutSeconds  int `yaml:"read_timeout_seconds"`
	PingIntervalSeconds int `yaml:"ping_interval_seconds"`
	MaxChannelBuffer    int `yaml:"max_channel_buffer"`
}

type ReconnectConfig struct {
	InitialDelayMs int `yaml:"initial_delay_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
	MaxAttempts    int `yaml:"max_attempts"` // consecutive failures, -1 for infinite
	JitterMs       int `yaml:"jitter_ms"`
}

func (c *Config) applyDefaults() {
	if c.Reconnect.InitialDelayMs <= 0 {
		c.Reconnect.InitialDelayMs = 500
	}
	if c.Reconnect.MaxDelayMs <= 0 {
		c.Reconnect.MaxDelayMs = 30000
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = -1
	}
	if c.Reconnect.JitterMs < 0 {
		c.Reconnect.JitterMs = 0
	}
	if c.HandshakeTimeoutMs <= 0 {
		c.HandshakeTimeoutMs = 10000
	}
	if c.ReadTimeoutSeconds <= 0 {
		c.ReadTimeoutSeconds = 90
	}
	if c.PingIntervalSeconds <= 0 {
		c.PingIntervalSeconds = 20
	}
	if c.MaxChannelBuffer <= 0 {
		c.MaxChannelBuffer = 1024
	}
}

var (
	// errProtocol marks a failure reported by the server itself, e.g. bad
	// credentials. It still goes through the reconnect backoff.
	errProtocol = errors.New("stream protocol error")
	errBadFrame = errors.New("invalid json frame")
)

// session runs one authenticated connection until it fails. connected is
// called once the handshake completes.
type session func(ctx context.Context, conn *websocket.Conn, connected func()) error

// conn is the shared reconnect loop behind both feeds
type conn struct {
	name  string
	cfg   Config
	log   zerolog.Logger
	state atomic.Int32

	reconnects atomic.Int64

	mu      sync.Mutex
	stopErr error
}

func newConn(name string, cfg Config, log zerolog.Logger) *conn {
	cfg.applyDefaults()
	return &conn{name: name, cfg: cfg, log: log.With().Str("stream", name).Logger()}
}

func (c *conn) State() ConnectionState { return ConnectionState(c.state.Load()) }

func (c *conn) Reconnects() int64 { return c.reconnects.Load() }

// Err returns why the stream stopped, nil while it is running or after a
// clean shutdown.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(c.stopErr, context.Canceled) {
		return nil
	}
	return c.stopErr
}

func (c *conn) stop(err error) {
	c.mu.Lock()
	c.stopErr = err
	c.mu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Error().Err(err).Msg("stream stopped")
	}
}

func (c *conn) run(ctx context.Context, s session) error {
	backoff := c.cfg.Reconnect.InitialDelayMs
	failures := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.state.Store(int32(StateConnecting))

		established := false
		err := c.connect(ctx, s, func() {
			established = true
			c.state.Store(int32(StateConnected))
			c.log.Info().Str("url", c.cfg.URL).Msg("stream connected")
		})
		c.state.Store(int32(StateDisconnected))
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if established {
			backoff = c.cfg.Reconnect.InitialDelayMs
			failures = 0
		}
		failures++
		if c.cfg.Reconnect.MaxAttempts > 0 && failures > c.cfg.Reconnect.MaxAttempts {
			return fmt.Errorf("%s stream: giving up after %d attempts: %w", c.name, failures-1, err)
		}

		jitter := 0
		if c.cfg.Reconnect.JitterMs > 0 {
			jitter = rand.Intn(c.cfg.Reconnect.JitterMs)
		}
		delay := time.Duration(backoff+jitter) * time.Millisecond
		c.log.Warn().Err(err).Dur("backoff", delay).Msg("stream disconnected, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > c.cfg.Reconnect.MaxDelayMs {
			backoff = c.cfg.Reconnect.MaxDelayMs
		}
		c.reconnects.Add(1)
		observ.IncStreamReconnect(c.name)
	}
}

func (c *conn) connect(ctx context.Context, s session, connected func()) error {
	dialer := websocket.Dialer{HandshakeTimeout: time.Duration(c.cfg.HandshakeTimeoutMs) * time.Millisecond}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	ws.SetReadLimit(1 << 20)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.readTimeout()))
	})

	// unblock the reader on shutdown
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		ws.Close()
	}()

	return s(connCtx, ws, func() {
		connected()
		go c.ping(connCtx, ws)
	})
}

// ping runs after the handshake so pings never interleave with the
// handshake's own writes.
func (c *conn) ping(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(time.Duration(c.cfg.PingIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.log.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// read returns the next frame, waiting at most timeout. Pongs extend the
// deadline while waiting.
func (c *conn) read(ws *websocket.Conn, timeout time.Duration) (gjson.Result, error) {
	ws.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(msg) {
		return gjson.Result{}, fmt.Errorf("%w: %.120s", errBadFrame, msg)
	}
	return gjson.ParseBytes(msg), nil
}

func (c *conn) readTimeout() time.Duration {
	return time.Duration(c.cfg.ReadTimeoutSeconds) * time.Second
}

// await reads frames until match reports done or an error
func (c *conn) await(ws *websocket.Conn, what string, match func(gjson.Result) (bool, error)) error {
	timeout := time.Duration(c.cfg.HandshakeTimeoutMs) * time.Millisecond
	for {
		r, err := c.read(ws, timeout)
		if err != nil {
			return fmt.Errorf("awaiting %s: %w", what, err)
		}
		done, err := match(r)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}
