package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/broker"
	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/Rajchodisetti/dip-scalper/internal/observ"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// BarStream delivers completed minute bars for a fixed symbol set
type BarStream struct {
	*conn
	symbols []string
	out     chan market.Bar
	last    map[string]time.Time
}

func NewBarStream(cfg Config, symbols []string) (*BarStream, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("bar stream url is required")
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("bar stream needs at least one symbol")
	}
	c := newConn("bars", cfg, observ.Logger())
	return &BarStream{
		conn:    c,
		symbols: append([]string(nil), symbols...),
		out:     make(chan market.Bar, c.cfg.MaxChannelBuffer),
		last:    make(map[string]time.Time, len(symbols)),
	}, nil
}

// Start connects in the background. The channel closes once ctx ends or
// reconnect attempts run out; Err tells which.
func (s *BarStream) Start(ctx context.Context) <-chan market.Bar {
	go func() {
		defer close(s.out)
		s.stop(s.run(ctx, s.session))
	}()
	return s.out
}

func (s *BarStream) session(ctx context.Context, ws *websocket.Conn, connected func()) error {
	if err := s.await(ws, "welcome", dataControl("success", "connected")); err != nil {
		return err
	}
	auth := map[string]string{"action": "auth", "key": s.cfg.KeyID, "secret": s.cfg.SecretKey}
	if err := ws.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	if err := s.await(ws, "authentication", dataControl("success", "authenticated")); err != nil {
		return err
	}
	sub := map[string]any{"action": "subscribe", "bars": s.symbols}
	if err := ws.WriteJSON(sub); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	if err := s.await(ws, "subscription", dataControl("subscription", "")); err != nil {
		return err
	}
	connected()
	s.log.Info().Strs("symbols", s.symbols).Msg("subscribed to minute bars")

	for {
		r, err := s.read(ws, s.readTimeout())
		if errors.Is(err, errBadFrame) {
			s.log.Warn().Err(err).Msg("skipping frame")
			continue
		}
		if err != nil {
			return err
		}
		for _, m := range r.Array() {
			switch m.Get("T").String() {
			case "b":
				if err := s.emit(ctx, broker.ParseBar(m.Get("S").String(), m)); err != nil {
					return err
				}
			case "error":
				s.log.Warn().Int64("code", m.Get("code").Int()).Str("msg", m.Get("msg").String()).Msg("stream error message")
			}
		}
	}
}

func (s *BarStream) emit(ctx context.Context, bar market.Bar) error {
	if !bar.Timestamp.After(s.last[bar.Symbol]) {
		s.log.Debug().Str("symbol", bar.Symbol).Time("bar_start", bar.Timestamp).Msg("duplicate bar dropped")
		return nil
	}
	s.last[bar.Symbol] = bar.Timestamp
	select {
	case s.out <- bar:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dataControl matches a market-data control message such as
// [{"T":"success","msg":"authenticated"}]. An empty msg matches any.
func dataControl(typ, msg string) func(gjson.Result) (bool, error) {
	return func(r gjson.Result) (bool, error) {
		for _, m := range r.Array() {
			switch t := m.Get("T").String(); {
			case t == "error":
				return false, fmt.Errorf("%w: %d %s", errProtocol, m.Get("code").Int(), m.Get("msg").String())
			case t == typ && (msg == "" || m.Get("msg").String() == msg):
				return true, nil
			}
		}
		return false, nil
	}
}
