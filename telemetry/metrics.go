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
	TicksRun           prometheus.Counter
	ChannelsChecked    prometheus.Counter
	ProviderErrors     prometheus.Counter
	LiveTransitions    prometheus.Counter
	OfflineTransitions prometheus.Counter
	StaleExpiries      prometheus.Counter
	NotifySent         prometheus.Counter
	NotifyEdited       prometheus.Counter
	NotifyDeleted      prometheus.Counter
	NotifyFailed       prometheus.Counter
	Rollbacks          prometheus.Counter

	// Histograms (seconds)
	TickDuration prometheus.Observer

	// Gauges
	LiveChannelsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TicksRun = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_ticks_total", Help: "Reconciliation ticks run"})
		ChannelsChecked = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_channels_checked_total", Help: "Per-channel status checks performed"})
		ProviderErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_provider_errors_total", Help: "Status checks that failed (channel skipped this cycle)"})
		LiveTransitions = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_live_transitions_total", Help: "Observed offline-to-live transitions"})
		OfflineTransitions = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_offline_transitions_total", Help: "Observed live-to-offline transitions"})
		StaleExpiries = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_stale_expiries_total", Help: "Live entries expired by the staleness sweep"})
		NotifySent = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_notifications_sent_total", Help: "Announcement messages created"})
		NotifyEdited = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_notifications_edited_total", Help: "Announcement messages edited"})
		NotifyDeleted = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_notifications_deleted_total", Help: "Announcement messages deleted"})
		NotifyFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_notifications_failed_total", Help: "Announcement deliveries that failed"})
		Rollbacks = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_live_rollbacks_total", Help: "Live entries rolled back after zero-success fan-out"})
		TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "herald_tick_duration_seconds", Help: "Reconciliation tick duration seconds", Buckets: prometheus.DefBuckets})
		LiveChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "herald_live_channels", Help: "Channels currently considered live"})
	})
}

// Nil-safe increment helpers so library code can record without caring whether
// Init ran (tests don't register metrics).
func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

func IncTick()              { inc(TicksRun) }
func IncChannelChecked()    { inc(ChannelsChecked) }
func IncProviderError()     { inc(ProviderErrors) }
func IncLiveTransition()    { inc(LiveTransitions) }
func IncOfflineTransition() { inc(OfflineTransitions) }
func IncStaleExpiry()       { inc(StaleExpiries) }
func IncNotifySent()        { inc(NotifySent) }
func IncNotifyEdited()      { inc(NotifyEdited) }
func IncNotifyDeleted()     { inc(NotifyDeleted) }
func IncNotifyFailed()      { inc(NotifyFailed) }
func IncRollback()          { inc(Rollbacks) }

// SetLiveChannels records the current number of live entries.
func SetLiveChannels(n int) {
	if LiveChannelsGauge != nil {
		LiveChannelsGauge.Set(float64(n))
	}
}

// ObserveTickDuration records one tick's wall time.
func ObserveTickDuration(d time.Duration) {
	if TickDuration != nil {
		TickDuration.Observe(d.Seconds())
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
