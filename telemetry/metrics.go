// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	WagersPlaced       prometheus.Counter
	PointsWagered      prometheus.Counter
	PayoutsCredited    prometheus.Counter
	PointsPaidOut      prometheus.Counter
	ChatMessagesSeen   prometheus.Counter
	ChallengesResolved prometheus.Counter
	BroadcastsSent     prometheus.Counter
	PersistQueueDrops  prometheus.Counter
	PersistErrors      prometheus.Counter

	// Gauges
	OpenConnections          prometheus.Gauge
	AuthenticatedConnections prometheus.Gauge
	PredictionStatusGauge    prometheus.Gauge // 0=none 1=ongoing 2=finished
	ChatConnectedGauge       prometheus.Gauge // 1=connected 0=down

	// Histograms (seconds)
	SnapshotDuration prometheus.Observer
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		WagersPlaced = promauto.NewCounter(prometheus.CounterOpts{Name: "streambet_wagers_placed_total", Help: "Number of wagers accepted"})
		PointsWagered = promauto.NewCounter(prometheus.CounterOpts{Name: "streambet_points_wagered_total", Help: "Points escrowed into wager pools"})
		PayoutsCredited = promauto.NewCounter(prometheus.CounterOpts{Name: "streambet_payouts_total", Help: "Number of winner credits applied"})
		PointsPaidOut = promauto.NewCounter(prometheus.CounterOpts{Name: "streambet_points_paid_out_total", Help: "Points credited to winners"})
		ChatMessagesSeen = promauto.NewCounter(prometheus.CounterOpts{Name: "streambet_chat_messages_total", Help: "Chat messages observed by the auth bridge"})
		ChallengesResolved = promauto.NewCounter(prometheus.CounterOpts{Name: "streambet_challenges_resolved_total", Help: "Challenge tokens resolved to a chat identity"})
		BroadcastsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "streambet_broadcasts_total", Help: "Messages written to websocket clients"})
		PersistQueueDrops = promauto.NewCounter(prometheus.CounterOpts{Name: "streambet_persist_queue_drops_total", Help: "Ledger updates dropped because the persist queue was full"})
		PersistErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "streambet_persist_errors_total", Help: "Failed best-effort persistence writes"})
		OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "streambet_open_connections", Help: "Currently open websocket connections"})
		AuthenticatedConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "streambet_authenticated_connections", Help: "Open connections resolved to a chat identity"})
		PredictionStatusGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streambet_prediction_status", Help: "Prediction lifecycle: 0=none 1=ongoing 2=finished"})
		ChatConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streambet_chat_connected", Help: "Chat auth bridge connectivity: 1=connected 0=down"})
		SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "streambet_snapshot_duration_seconds", Help: "Ledger snapshot write duration seconds", Buckets: prometheus.DefBuckets})
	})
}

// Inc increments c if metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Add adds n to c if metrics are initialized.
func Add(c prometheus.Counter, n float64) {
	if c != nil {
		c.Add(n)
	}
}

// SetGauge sets g if metrics are initialized.
func SetGauge(g prometheus.Gauge, v float64) {
	if g != nil {
		g.Set(v)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if corr := GetCorrelation(ctx); corr != "" {
		return slog.Default().With(slog.String("corr", corr))
	}
	return slog.Default()
}
