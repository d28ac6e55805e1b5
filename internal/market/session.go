package market

import (
	"fmt"
	"time"
	_ "time/tzdata" // exchange zone must resolve on hosts without zoneinfo
)

// SessionType represents different market session states
type SessionType string

const (
	SessionPremarket  SessionType = "PRE"
	SessionRegular    SessionType = "RTH"
	SessionPostmarket SessionType = "POST"
	SessionClosed     SessionType = "CLOSED"
)

// Session knows the exchange-local trading day: regular open, the daily
// entry cutoff (no new buys, flatten positions) and the regular close.
type Session struct {
	loc    *time.Location
	open   int // minutes from midnight, exchange local
	cutoff int
	close  int
}

// NewSession builds a session for the given IANA zone and "HH:MM" times
func NewSession(tz, open, cutoff, closeAt string) (*Session, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", tz, err)
	}
	s := &Session{loc: loc}
	if s.open, err = parseHHMM(open); err != nil {
		return nil, fmt.Errorf("market open: %w", err)
	}
	if s.cutoff, err = parseHHMM(cutoff); err != nil {
		return nil, fmt.Errorf("cutoff: %w", err)
	}
	if s.close, err = parseHHMM(closeAt); err != nil {
		return nil, fmt.Errorf("market close: %w", err)
	}
	if !(s.open < s.cutoff && s.cutoff <= s.close) {
		return nil, fmt.Errorf("want open < cutoff <= close, got %s %s %s", open, cutoff, closeAt)
	}
	return s, nil
}

// DefaultSession is the US equities day: 09:30 open, 15:55 cutoff, 16:00 close ET
func DefaultSession() *Session {
	s, err := NewSession("America/New_York", "09:30", "15:55", "16:00")
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Session) Location() *time.Location { return s.loc }

// MarketOpen returns the regular open on the exchange-local day of now
func (s *Session) MarketOpen(now time.Time) time.Time {
	et := now.In(s.loc)
	day := time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, s.loc)
	return day.Add(time.Duration(s.open) * time.Minute)
}

// PastCutoff reports whether now is at or after the daily cutoff
func (s *Session) PastCutoff(now time.Time) bool {
	return minuteOfDay(now.In(s.loc)) >= s.cutoff
}

// Phase classifies now. Holidays are not known here; the venue clock is
// authoritative for whether the market is open.
func (s *Session) Phase(now time.Time) SessionType {
	et := now.In(s.loc)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return SessionClosed
	}

	premarketStart := 4 * 60
	postmarketEnd := 20 * 60
	m := minuteOfDay(et)

	switch {
	case m >= premarketStart && m < s.open:
		return SessionPremarket
	case m >= s.open && m < s.close:
		return SessionRegular
	case m >= s.close && m < postmarketEnd:
		return SessionPostmarket
	default:
		return SessionClosed
	}
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func parseHHMM(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("bad time of day %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
