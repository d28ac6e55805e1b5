package observ

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	barsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_bars_total",
			Help: "Minute bars routed to a symbol",
		},
		[]string{"symbol"},
	)

	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_signals_total",
			Help: "Signal evaluations by result (buy|none)",
		},
		[]string{"symbol", "result"},
	)

	ordersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_orders_submitted_total",
			Help: "Orders accepted by the venue",
		},
		[]string{"symbol", "side", "type"},
	)

	submitErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_order_submit_errors_total",
			Help: "Order submissions that failed synchronously",
		},
		[]string{"symbol", "side"},
	)

	orderUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_order_updates_total",
			Help: "Trade updates handled, by event kind",
		},
		[]string{"symbol", "event"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_transitions_total",
			Help: "Trading state transitions",
		},
		[]string{"symbol", "from", "to"},
	)

	// one series per state, flipped between 0 and 1
	stateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scalper_state",
			Help: "Current trading state per symbol (1 = active)",
		},
		[]string{"symbol", "state"},
	)

	staleCancels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_stale_buy_cancels_total",
			Help: "Buy orders canceled for sitting unfilled too long",
		},
		[]string{"symbol"},
	)

	bailouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_bailouts_total",
			Help: "Market bailout sells by reason (eod|sell_failed)",
		},
		[]string{"symbol", "reason"},
	)

	handlerPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_handler_panics_total",
			Help: "Recovered panics in per-symbol handlers",
		},
		[]string{"symbol"},
	)

	streamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_stream_reconnects_total",
			Help: "Stream reconnect attempts",
		},
		[]string{"stream"},
	)

	warmupAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_warmup_attempts_total",
			Help: "Warm-up bar fetch attempts by result (ok|error)",
		},
		[]string{"symbol", "result"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scalper_sweep_duration_seconds",
			Help:    "Time to fetch positions and enqueue one checkup sweep",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(barsReceived, signals, ordersSubmitted, submitErrors, orderUpdates)
	prometheus.MustRegister(transitions, stateGauge, staleCancels, bailouts, handlerPanics)
	prometheus.MustRegister(streamReconnects, warmupAttempts, sweepDuration)
}

func IncBars(symbol string)                  { barsReceived.WithLabelValues(symbol).Inc() }
func IncSignal(symbol, result string)        { signals.WithLabelValues(symbol, result).Inc() }
func IncSubmitError(symbol, side string)     { submitErrors.WithLabelValues(symbol, side).Inc() }
func IncOrderUpdate(symbol, event string)    { orderUpdates.WithLabelValues(symbol, event).Inc() }
func IncStaleCancel(symbol string)           { staleCancels.WithLabelValues(symbol).Inc() }
func IncBailout(symbol, reason string)       { bailouts.WithLabelValues(symbol, reason).Inc() }
func IncHandlerPanic(symbol string)          { handlerPanics.WithLabelValues(symbol).Inc() }
func IncStreamReconnect(stream string)       { streamReconnects.WithLabelValues(stream).Inc() }
func IncWarmupAttempt(symbol, result string) { warmupAttempts.WithLabelValues(symbol, result).Inc() }
func ObserveSweep(d time.Duration)           { sweepDuration.Observe(d.Seconds()) }

func IncOrderSubmitted(symbol, side, typ string) {
	ordersSubmitted.WithLabelValues(symbol, side, typ).Inc()
}

// RecordTransition counts the transition and moves the state gauge
func RecordTransition(symbol, from, to string) {
	if from != "" {
		transitions.WithLabelValues(symbol, from, to).Inc()
		stateGauge.WithLabelValues(symbol, from).Set(0)
	}
	stateGauge.WithLabelValues(symbol, to).Set(1)
}

// Handler serves the Prometheus exposition format
func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// HealthHandler reports liveness with uptime and build version
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    time.Since(startTime).String(),
			"version":   version,
		})
	})
}

// Simple health handler (legacy)
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
