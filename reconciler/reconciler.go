// Package reconciler drives the live-state engine: on a fixed interval it polls
// Twitch for every tracked channel (deduplicated across guilds), diffs the result
// against the in-memory live store, and fires the matching fan-out transition.
// A staleness sweep expires entries the poll stopped reconfirming, and admin
// surfaces can force a tick or a full resync through the same single-flight guard.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/streamherald/fanout"
	"github.com/onnwee/streamherald/livestate"
	"github.com/onnwee/streamherald/telemetry"
	"github.com/onnwee/streamherald/twitchapi"
)

// StatusProvider answers live/offline for one channel. Implemented by
// twitchapi.StatusClient; tests substitute fakes.
type StatusProvider interface {
	CheckStatus(ctx context.Context, login string) (*twitchapi.StreamStatus, error)
}

// ChannelLister supplies the deduplicated union of tracked channels.
type ChannelLister interface {
	TrackedChannelSet(ctx context.Context) ([]string, error)
}

// TickStats summarizes one reconciliation cycle for diagnostics.
type TickStats struct {
	At           time.Time     `json:"at"`
	Duration     time.Duration `json:"duration"`
	Checked      int           `json:"checked"`
	Errors       int           `json:"errors"`
	WentLive     int           `json:"went_live"`
	WentOffline  int           `json:"went_offline"`
	StaleExpired int           `json:"stale_expired"`
}

// ChannelDebug is one row of the debug snapshot.
type ChannelDebug struct {
	Channel     string        `json:"channel"`
	Title       string        `json:"title"`
	Category    string        `json:"category"`
	Viewers     int           `json:"viewers"`
	LiveFor     time.Duration `json:"live_for"`
	SinceUpdate time.Duration `json:"since_update"`
	Subscribers int           `json:"subscribers"`
}

// Reconciler owns the poll loop. Cycles are mutually exclusive: the timer never
// overlaps itself, and forced ticks and resyncs serialize on the same guard
// instead of running concurrently with it.
type Reconciler struct {
	Provider StatusProvider
	Channels ChannelLister
	Fanout   *fanout.Manager
	Store    *livestate.Store

	Interval      time.Duration
	StaleMaxAge   time.Duration
	StatusTimeout time.Duration

	// Now is a test hook; defaults to time.Now.
	Now func() time.Time

	// cycleMu serializes reconciliation cycles (timer ticks, forced ticks, resyncs).
	cycleMu sync.Mutex

	statsMu  sync.Mutex
	lastTick TickStats
}

// New wires a reconciler with defaults for unset tuning fields.
func New(provider StatusProvider, channels ChannelLister, fo *fanout.Manager, store *livestate.Store) *Reconciler {
	return &Reconciler{
		Provider:      provider,
		Channels:      channels,
		Fanout:        fo,
		Store:         store,
		Interval:      time.Minute,
		StaleMaxAge:   30 * time.Minute,
		StatusTimeout: 10 * time.Second,
		Now:           time.Now,
	}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run starts the poll loop: one immediate tick, then one per interval until ctx
// is canceled. Intended to run as a goroutine from main.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	slog.Info("reconciler started", slog.Duration("interval", interval))

	r.RunTickNow(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopped")
			return
		case <-ticker.C:
			// Skip rather than queue when an admin-forced cycle is still resolving.
			if !r.cycleMu.TryLock() {
				slog.Debug("tick skipped: cycle already running")
				continue
			}
			r.tickLocked(ctx)
			r.cycleMu.Unlock()
		}
	}
}

// RunTickNow forces an immediate reconciliation cycle, serialized with the timer.
func (r *Reconciler) RunTickNow(ctx context.Context) TickStats {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()
	return r.tickLocked(ctx)
}

// tickLocked runs one cycle. Caller must hold cycleMu.
func (r *Reconciler) tickLocked(ctx context.Context) TickStats {
	corr := uuid.New().String()
	ctx = telemetry.WithCorrelation(ctx, corr)
	log := telemetry.LoggerWithCorr(ctx)

	ctx, span := telemetry.StartSpan(ctx, "reconciler", "reconcile.tick")
	defer span.End()

	start := r.now()
	stats := TickStats{At: start}
	telemetry.IncTick()

	channels, err := r.Channels.TrackedChannelSet(ctx)
	if err != nil {
		// The only fatal path: without the channel list there is nothing to diff.
		// Skip this tick and try again next interval.
		log.Error("tick aborted: tracked channel list unavailable", slog.Any("err", err))
		telemetry.RecordError(span, err)
		return stats
	}
	span.SetAttributes(attribute.Int("channels", len(channels)))

	for _, ch := range channels {
		if ctx.Err() != nil {
			break
		}
		r.reconcileChannel(ctx, log, ch, &stats)
	}

	stats.StaleExpired = r.sweepStale(ctx, log)
	stats.Duration = r.now().Sub(start)
	stats.Checked = len(channels)

	telemetry.ObserveTickDuration(stats.Duration)
	telemetry.SetLiveChannels(r.Store.Len())
	telemetry.SetSpanSuccess(span)

	r.statsMu.Lock()
	r.lastTick = stats
	r.statsMu.Unlock()

	log.Debug("tick complete",
		slog.Int("checked", stats.Checked),
		slog.Int("errors", stats.Errors),
		slog.Int("went_live", stats.WentLive),
		slog.Int("went_offline", stats.WentOffline),
		slog.Int("stale_expired", stats.StaleExpired),
		slog.Duration("took", stats.Duration))
	return stats
}

// reconcileChannel fetches one channel's status and applies the transition.
// Each check is isolated: a provider failure marks the channel unknown for this
// cycle and never aborts the tick.
func (r *Reconciler) reconcileChannel(ctx context.Context, log *slog.Logger, channel string, stats *TickStats) {
	telemetry.IncChannelChecked()

	timeout := r.StatusTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	st, err := r.Provider.CheckStatus(cctx, channel)
	cancel()
	if err != nil {
		log.Warn("status check failed; channel unknown this cycle",
			slog.String("channel", channel), slog.Any("err", err))
		telemetry.IncProviderError()
		stats.Errors++
		return
	}

	wasLive := r.Store.IsLive(channel)
	switch {
	case !wasLive && st.IsLive:
		entry := entryFromStatus(st)
		sum, err := r.Fanout.OnChannelBecameLive(ctx, channel, entry)
		if err != nil {
			log.Warn("live transition failed", slog.String("channel", channel), slog.Any("err", err))
			return
		}
		if sum.Notified() {
			telemetry.IncLiveTransition()
			stats.WentLive++
		}
	case wasLive && st.IsLive:
		if _, err := r.Fanout.OnChannelStillLive(ctx, channel, entryFromStatus(st)); err != nil {
			log.Warn("still-live update failed", slog.String("channel", channel), slog.Any("err", err))
		}
	case wasLive && !st.IsLive:
		if err := r.Fanout.OnChannelWentOffline(ctx, channel); err != nil {
			log.Warn("offline transition failed", slog.String("channel", channel), slog.Any("err", err))
			return
		}
		telemetry.IncOfflineTransition()
		stats.WentOffline++
	default:
		// OFFLINE and provider agrees: nothing to do.
	}
}

// sweepStale expires live entries the poll stopped reconfirming, as a safety net
// for missed offline detections. Expiry goes through the offline path so the
// announcements are cleaned up, not orphaned.
func (r *Reconciler) sweepStale(ctx context.Context, log *slog.Logger) int {
	maxAge := r.StaleMaxAge
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	now := r.now()

	var stale []string
	r.Store.ForEach(func(e livestate.Entry) {
		if now.Sub(e.LastUpdate) > maxAge {
			stale = append(stale, e.Channel)
		}
	})

	expired := 0
	for _, ch := range stale {
		log.Warn("expiring stale live entry", slog.String("channel", ch))
		if err := r.Fanout.OnChannelWentOffline(ctx, ch); err != nil {
			log.Warn("stale expiry failed", slog.String("channel", ch), slog.Any("err", err))
			continue
		}
		telemetry.IncStaleExpiry()
		expired++
	}
	return expired
}

// ForceCleanup hard-resets one channel's state without touching messages,
// serialized with the poll loop.
func (r *Reconciler) ForceCleanup(ctx context.Context, channel string) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()
	r.Fanout.ForceCleanup(ctx, channel)
	telemetry.SetLiveChannels(r.Store.Len())
}

// ResyncAll hard-resets every channel's state, then runs a fresh tick so streams
// that are genuinely live get redetected instead of staying forgotten.
func (r *Reconciler) ResyncAll(ctx context.Context) TickStats {
	r.cycleMu.Lock()
	var channels []string
	r.Store.ForEach(func(e livestate.Entry) { channels = append(channels, e.Channel) })
	for _, ch := range channels {
		r.Fanout.ForceCleanup(ctx, ch)
	}
	r.cycleMu.Unlock()
	slog.Info("full resync: state cleared", slog.Int("channels", len(channels)))
	return r.RunTickNow(ctx)
}

// IsLive reports whether a channel currently has a live entry.
func (r *Reconciler) IsLive(channel string) bool { return r.Store.IsLive(channel) }

// LastTick returns stats from the most recent completed cycle.
func (r *Reconciler) LastTick() TickStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.lastTick
}

// Snapshot exports the per-channel debug view used by admin tooling.
func (r *Reconciler) Snapshot() []ChannelDebug {
	now := r.now()
	var out []ChannelDebug
	r.Store.ForEach(func(e livestate.Entry) {
		out = append(out, ChannelDebug{
			Channel:     e.Channel,
			Title:       e.Info.Title,
			Category:    e.Info.Category,
			Viewers:     e.Info.ViewerCount,
			LiveFor:     now.Sub(e.StreamStartedAt),
			SinceUpdate: now.Sub(e.LastUpdate),
			Subscribers: r.Fanout.RecordCount(e.Channel),
		})
	})
	return out
}

func entryFromStatus(st *twitchapi.StreamStatus) livestate.Entry {
	return livestate.Entry{
		StreamStartedAt: st.StartedAt,
		Info: livestate.StreamInfo{
			Title:        st.Title,
			Category:     st.Category,
			ViewerCount:  st.ViewerCount,
			ThumbnailURL: st.ThumbnailURL,
		},
	}
}
