// Package fanout turns one live/offline transition of one Twitch channel into
// per-guild announcement messages: create on live, edit in place on metadata
// changes, delete on offline. It owns the notification-record table mapping
// (channel, guild) -> message handle and keeps it consistent with the live store:
// records for a channel exist precisely while its live entry does.
package fanout

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/streamherald/db"
	"github.com/onnwee/streamherald/livestate"
	"github.com/onnwee/streamherald/registry"
	"github.com/onnwee/streamherald/telemetry"
)

// Sentinel errors a Notifier implementation returns so the engine can tell a
// non-fatal skip from a delivery failure.
var (
	// ErrDestinationMissing: the destination channel no longer exists.
	ErrDestinationMissing = errors.New("destination channel missing")
	// ErrPermissionDenied: the bot cannot send or embed in the destination.
	ErrPermissionDenied = errors.New("missing send/embed permission")
	// ErrMessageGone: the target message was deleted externally.
	ErrMessageGone = errors.New("message no longer exists")
)

// Notifier delivers announcement messages. Implemented by the discord package;
// tests substitute fakes.
type Notifier interface {
	Send(ctx context.Context, destChannelID, streamChannel string, e livestate.Entry) (messageID string, err error)
	Edit(ctx context.Context, destChannelID, messageID, streamChannel string, e livestate.Entry) error
	Delete(ctx context.Context, destChannelID, messageID string) error
}

// Routes is the subset of the tenant registry the engine needs.
type Routes interface {
	ListTenantsTracking(ctx context.Context, channelLogin string) ([]registry.TrackedChannel, error)
	GetRouting(ctx context.Context, guildID, classification string) (string, error)
}

// Record is one delivered announcement handle.
type Record struct {
	GuildID       string
	DestChannelID string
	MessageID     string
}

// Outcome classifies one tenant attempt during a fan-out.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

// Summary aggregates per-tenant outcomes for one transition.
type Summary struct {
	Sent    int
	Skipped int
	Failed  int
}

// Notified reports whether at least one tenant received the announcement.
func (s Summary) Notified() bool { return s.Sent > 0 }

func (s *Summary) add(o Outcome) {
	switch o {
	case OutcomeSent:
		s.Sent++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}

// Manager is the fan-out engine. The reconciler is its only writer; all mutation
// of the live store and the record table funnels through it.
type Manager struct {
	Store    *livestate.Store
	Routes   Routes
	Notifier Notifier
	// DB is the optional persisted mirror (active_streams, announcements).
	// Mirror writes are best-effort and never affect transition outcomes.
	DB *sql.DB

	QuietWindow time.Duration
	ViewerDelta int

	// Now is a test hook; defaults to time.Now.
	Now func() time.Time

	mu      sync.Mutex
	records map[string]map[string]Record // channel -> guild -> record
}

// NewManager wires the engine with its collaborators.
func NewManager(store *livestate.Store, routes Routes, notifier Notifier, mirror *sql.DB, quietWindow time.Duration, viewerDelta int) *Manager {
	if quietWindow <= 0 {
		quietWindow = 5 * time.Minute
	}
	if viewerDelta <= 0 {
		viewerDelta = 10
	}
	return &Manager{
		Store:       store,
		Routes:      routes,
		Notifier:    notifier,
		DB:          mirror,
		QuietWindow: quietWindow,
		ViewerDelta: viewerDelta,
		Now:         time.Now,
		records:     make(map[string]map[string]Record),
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// RecordCount returns the number of notification records held for a channel.
func (m *Manager) RecordCount(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[livestate.Key(channel)])
}

// Adopt re-registers a message handle persisted by a previous process and ensures
// a provisional live entry exists for the channel, so the next tick either edits
// the adopted messages (still live) or deletes them (went offline) instead of
// double-announcing.
func (m *Manager) Adopt(channel, guildID, destChannelID, messageID string) {
	key := livestate.Key(channel)
	m.mu.Lock()
	if m.records[key] == nil {
		m.records[key] = make(map[string]Record)
	}
	m.records[key][guildID] = Record{GuildID: guildID, DestChannelID: destChannelID, MessageID: messageID}
	m.mu.Unlock()

	if !m.Store.IsLive(key) {
		m.Store.Put(key, livestate.Entry{StreamStartedAt: m.now(), LastUpdate: m.now()})
	}
}

// OnChannelBecameLive handles the offline->live transition. Calling it while the
// channel is already live is an idempotent no-op reported as success.
func (m *Manager) OnChannelBecameLive(ctx context.Context, channel string, e livestate.Entry) (Summary, error) {
	key := livestate.Key(channel)
	if m.Store.IsLive(key) {
		return Summary{Sent: m.RecordCount(key)}, nil
	}
	return m.goLive(ctx, key, e)
}

// goLive runs the announce fan-out regardless of current live state. The live
// entry is inserted before any network I/O so a concurrent poll cycle observing
// the same transition short-circuits on the idempotence check instead of
// double-sending.
func (m *Manager) goLive(ctx context.Context, key string, e livestate.Entry) (Summary, error) {
	now := m.now()
	e.LastUpdate = now
	if e.StreamStartedAt.IsZero() {
		e.StreamStartedAt = now
	}
	m.Store.Put(key, e)

	tenants, err := m.Routes.ListTenantsTracking(ctx, key)
	if err != nil {
		// Can't know who to notify; roll back so the next tick retries from OFFLINE.
		m.rollback(key)
		return Summary{}, err
	}

	var sum Summary
	for _, t := range tenants {
		sum.add(m.announceTenant(ctx, key, t, e))
	}

	if !sum.Notified() {
		// Zero successes would leave a live entry no guild can see or expire by
		// content change; roll it back so the next tick re-attempts cleanly.
		m.rollback(key)
		slog.Warn("live announce produced zero notifications; rolled back",
			slog.String("channel", key), slog.Int("skipped", sum.Skipped), slog.Int("failed", sum.Failed))
		telemetry.IncRollback()
		return sum, nil
	}

	m.mirrorActive(ctx, key, e)
	slog.Info("channel live announced", slog.String("channel", key),
		slog.Int("sent", sum.Sent), slog.Int("skipped", sum.Skipped), slog.Int("failed", sum.Failed))
	return sum, nil
}

// announceTenant resolves routing and sends one guild's announcement.
// Every failure here is isolated: it never aborts the other tenants.
func (m *Manager) announceTenant(ctx context.Context, key string, t registry.TrackedChannel, e livestate.Entry) Outcome {
	dest, err := m.Routes.GetRouting(ctx, t.GuildID, t.Classification)
	if err != nil {
		slog.Warn("routing lookup failed; skipping tenant",
			slog.String("channel", key), slog.String("guild", t.GuildID), slog.Any("err", err))
		return OutcomeSkipped
	}
	if dest == "" {
		slog.Debug("no route configured; skipping tenant",
			slog.String("channel", key), slog.String("guild", t.GuildID), slog.String("classification", t.Classification))
		return OutcomeSkipped
	}

	msgID, err := m.Notifier.Send(ctx, dest, key, e)
	switch {
	case err == nil:
	case errors.Is(err, ErrDestinationMissing), errors.Is(err, ErrPermissionDenied):
		slog.Warn("destination unusable; skipping tenant",
			slog.String("channel", key), slog.String("guild", t.GuildID), slog.String("dest", dest), slog.Any("err", err))
		return OutcomeSkipped
	default:
		slog.Warn("announce send failed",
			slog.String("channel", key), slog.String("guild", t.GuildID), slog.String("dest", dest), slog.Any("err", err))
		telemetry.IncNotifyFailed()
		return OutcomeFailed
	}

	m.mu.Lock()
	if m.records[key] == nil {
		m.records[key] = make(map[string]Record)
	}
	m.records[key][t.GuildID] = Record{GuildID: t.GuildID, DestChannelID: dest, MessageID: msgID}
	m.mu.Unlock()

	telemetry.IncNotifySent()
	m.mirrorAnnouncement(ctx, key, t.GuildID, dest, msgID)
	return OutcomeSent
}

// OnChannelStillLive handles a poll reconfirming live. Cosmetic changes inside the
// quiet window only refresh the heartbeat; a significant change (title, category,
// or a viewer swing beyond the threshold) edits every announcement in place.
func (m *Manager) OnChannelStillLive(ctx context.Context, channel string, e livestate.Entry) (Summary, error) {
	key := livestate.Key(channel)

	if m.RecordCount(key) == 0 {
		// Nothing delivered for this session (external deletion, restart, or a
		// previous rollback raced with the provider); treat as a fresh transition.
		return m.goLive(ctx, key, e)
	}

	prev, ok := m.Store.Get(key)
	if !ok {
		// Records without a live entry violate the cross-entity invariant; re-announce
		// from scratch rather than editing into an untracked session.
		return m.goLive(ctx, key, e)
	}

	now := m.now()
	if !m.significantChange(prev.Info, e.Info) && now.Sub(prev.LastUpdate) < m.QuietWindow {
		m.Store.Touch(key, now)
		return Summary{Sent: m.RecordCount(key)}, nil
	}

	// Carry the original start time; Helix reports it per session.
	if e.StreamStartedAt.IsZero() {
		e.StreamStartedAt = prev.StreamStartedAt
	}
	e.LastUpdate = now
	m.Store.Put(key, e)

	var sum Summary
	for _, rec := range m.recordsFor(key) {
		err := m.Notifier.Edit(ctx, rec.DestChannelID, rec.MessageID, key, e)
		if err == nil {
			sum.add(OutcomeSent)
			telemetry.IncNotifyEdited()
			continue
		}
		// The message or its channel is gone, or the edit failed outright. Either
		// way the record is dead; drop it and let the next tick self-heal.
		slog.Warn("announce edit failed; dropping record",
			slog.String("channel", key), slog.String("guild", rec.GuildID), slog.Any("err", err))
		m.dropRecord(ctx, key, rec.GuildID)
		sum.add(OutcomeFailed)
	}

	if m.RecordCount(key) == 0 {
		// Every message vanished under us (e.g. a moderator purged them). Re-announce
		// so the live session stays visible.
		slog.Info("all announcements lost; re-announcing", slog.String("channel", key))
		return m.goLive(ctx, key, e)
	}

	m.mirrorActive(ctx, key, e)
	return sum, nil
}

// OnChannelWentOffline handles the live->offline transition: best-effort deletion
// of every announcement, then removal of the live entry and all records.
// Idempotent: with no live entry it is a no-op.
func (m *Manager) OnChannelWentOffline(ctx context.Context, channel string) error {
	key := livestate.Key(channel)
	recs := m.recordsFor(key)
	if len(recs) == 0 && !m.Store.IsLive(key) {
		return nil
	}

	for _, rec := range recs {
		if err := m.Notifier.Delete(ctx, rec.DestChannelID, rec.MessageID); err != nil &&
			!errors.Is(err, ErrMessageGone) && !errors.Is(err, ErrDestinationMissing) {
			// Not retried: the record is discarded below either way and a leftover
			// message is bounded cosmetic damage.
			slog.Warn("announce delete failed",
				slog.String("channel", key), slog.String("guild", rec.GuildID), slog.Any("err", err))
		} else {
			telemetry.IncNotifyDeleted()
		}
	}

	m.clear(ctx, key)
	slog.Info("channel offline; announcements removed", slog.String("channel", key), slog.Int("removed", len(recs)))
	return nil
}

// ForceCleanup unconditionally removes the live entry and records for a channel
// without touching any messages. Administrative escape hatch for when the
// in-memory and persisted views have diverged.
func (m *Manager) ForceCleanup(ctx context.Context, channel string) {
	key := livestate.Key(channel)
	m.clear(ctx, key)
	slog.Info("forced cleanup", slog.String("channel", key))
}

// significantChange reports whether the metadata delta warrants an edit.
func (m *Manager) significantChange(old, cur livestate.StreamInfo) bool {
	if old.Title != cur.Title || old.Category != cur.Category {
		return true
	}
	delta := cur.ViewerCount - old.ViewerCount
	if delta < 0 {
		delta = -delta
	}
	return delta > m.ViewerDelta
}

func (m *Manager) recordsFor(key string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records[key]))
	for _, r := range m.records[key] {
		out = append(out, r)
	}
	return out
}

func (m *Manager) dropRecord(ctx context.Context, key, guildID string) {
	m.mu.Lock()
	if g := m.records[key]; g != nil {
		delete(g, guildID)
		if len(g) == 0 {
			delete(m.records, key)
		}
	}
	m.mu.Unlock()
	if m.DB != nil {
		if err := db.DeleteAnnouncement(ctx, m.DB, key, guildID); err != nil {
			slog.Debug("announcement mirror delete failed", slog.String("channel", key), slog.Any("err", err))
		}
	}
}

// rollback removes the live entry and any records created during a failed
// announce, restoring the clean OFFLINE state.
func (m *Manager) rollback(key string) {
	m.Store.Remove(key)
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()
}

// clear removes entry, records, and mirror rows for a channel.
func (m *Manager) clear(ctx context.Context, key string) {
	m.Store.Remove(key)
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()
	if m.DB != nil {
		if err := db.DeleteActiveStream(ctx, m.DB, key); err != nil {
			slog.Debug("active stream mirror delete failed", slog.String("channel", key), slog.Any("err", err))
		}
		if err := db.DeleteAnnouncements(ctx, m.DB, key); err != nil {
			slog.Debug("announcements mirror delete failed", slog.String("channel", key), slog.Any("err", err))
		}
	}
}

func (m *Manager) mirrorActive(ctx context.Context, key string, e livestate.Entry) {
	if m.DB == nil {
		return
	}
	err := db.UpsertActiveStream(ctx, m.DB, db.ActiveStream{
		ChannelLogin: key,
		Title:        e.Info.Title,
		Category:     e.Info.Category,
		ViewerCount:  e.Info.ViewerCount,
		ThumbnailURL: e.Info.ThumbnailURL,
		StartedAt:    e.StreamStartedAt,
	})
	if err != nil {
		slog.Debug("active stream mirror upsert failed", slog.String("channel", key), slog.Any("err", err))
	}
}

func (m *Manager) mirrorAnnouncement(ctx context.Context, key, guildID, dest, msgID string) {
	if m.DB == nil {
		return
	}
	err := db.UpsertAnnouncement(ctx, m.DB, db.Announcement{
		ChannelLogin:     key,
		GuildID:          guildID,
		DiscordChannelID: dest,
		MessageID:        msgID,
	})
	if err != nil {
		slog.Debug("announcement mirror upsert failed", slog.String("channel", key), slog.Any("err", err))
	}
}
