package observ

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Init replaces the process logger. Unknown levels fall back to info.
func Init(level string, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	mu.Lock()
	base = zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	mu.Unlock()
}

// Logger returns the process logger
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// ForSymbol returns a child logger tagged with the symbol
func ForSymbol(symbol string) zerolog.Logger {
	return Logger().With().Str("symbol", symbol).Logger()
}

// Log writes one info-level event line with the given fields
func Log(event string, kv map[string]any) {
	write(zerolog.InfoLevel, event, kv)
}

// Warn writes one warn-level event line with the given fields
func Warn(event string, kv map[string]any) {
	write(zerolog.WarnLevel, event, kv)
}

func write(lvl zerolog.Level, event string, kv map[string]any) {
	l := Logger()
	e := l.WithLevel(lvl)
	if kv != nil {
		e = e.Fields(kv)
	}
	e.Str("event", event).Send()
}
