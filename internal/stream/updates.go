package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rajchodisetti/dip-scalper/internal/broker"
	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/Rajchodisetti/dip-scalper/internal/observ"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// TradeUpdateStream delivers order status events for the whole account
type TradeUpdateStream struct {
	*conn
	out chan market.TradeUpdate
}

func NewTradeUpdateStream(cfg Config) (*TradeUpdateStream, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("trade update stream url is required")
	}
	c := newConn("trade_updates", cfg, observ.Logger())
	return &TradeUpdateStream{conn: c, out: make(chan market.TradeUpdate, c.cfg.MaxChannelBuffer)}, nil
}

// Start connects in the background. The channel closes once ctx ends or
// reconnect attempts run out; Err tells which.
func (s *TradeUpdateStream) Start(ctx context.Context) <-chan market.TradeUpdate {
	go func() {
		defer close(s.out)
		s.stop(s.run(ctx, s.session))
	}()
	return s.out
}

func (s *TradeUpdateStream) session(ctx context.Context, ws *websocket.Conn, connected func()) error {
	auth := map[string]any{
		"action": "authenticate",
		"data":   map[string]string{"key_id": s.cfg.KeyID, "secret_key": s.cfg.SecretKey},
	}
	if err := ws.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	err := s.await(ws, "authorization", func(r gjson.Result) (bool, error) {
		if r.Get("stream").String() != "authorization" {
			return false, nil
		}
		if st := r.Get("data.status").String(); st != "authorized" {
			return false, fmt.Errorf("%w: authorization %s", errProtocol, st)
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	listen := map[string]any{"action": "listen", "data": map[string]any{"streams": []string{"trade_updates"}}}
	if err := ws.WriteJSON(listen); err != nil {
		return fmt.Errorf("send listen: %w", err)
	}
	err = s.await(ws, "listening", func(r gjson.Result) (bool, error) {
		return r.Get("stream").String() == "listening", nil
	})
	if err != nil {
		return err
	}
	connected()

	for {
		r, err := s.read(ws, s.readTimeout())
		if errors.Is(err, errBadFrame) {
			s.log.Warn().Err(err).Msg("skipping frame")
			continue
		}
		if err != nil {
			return err
		}
		if r.Get("stream").String() != "trade_updates" {
			continue
		}
		u := ParseTradeUpdate(r.Get("data"))
		select {
		case s.out <- u:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ParseTradeUpdate decodes the data object of a trade_updates message
func ParseTradeUpdate(data gjson.Result) market.TradeUpdate {
	event := data.Get("event").String()
	return market.TradeUpdate{
		Kind:  market.ParseEventKind(event),
		Event: event,
		Order: broker.ParseOrder(data.Get("order")),
	}
}
