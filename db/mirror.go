package db

import (
	"context"
	"database/sql"
	"time"
)

// ActiveStream mirrors one live entry for admin tooling and cross-restart visibility.
type ActiveStream struct {
	ChannelLogin string
	Title        string
	Category     string
	ViewerCount  int
	ThumbnailURL string
	StartedAt    time.Time
	UpdatedAt    time.Time
}

// Announcement mirrors one delivered notification message handle.
type Announcement struct {
	ChannelLogin     string
	GuildID          string
	DiscordChannelID string
	MessageID        string
}

// UpsertActiveStream refreshes the active_streams mirror row for a channel.
func UpsertActiveStream(ctx context.Context, db *sql.DB, s ActiveStream) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO active_streams (channel_login, title, category, viewer_count, thumbnail_url, started_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW())
		ON CONFLICT (channel_login) DO UPDATE SET
			title=EXCLUDED.title, category=EXCLUDED.category, viewer_count=EXCLUDED.viewer_count,
			thumbnail_url=EXCLUDED.thumbnail_url, started_at=EXCLUDED.started_at, updated_at=NOW()`,
		s.ChannelLogin, s.Title, s.Category, s.ViewerCount, s.ThumbnailURL, s.StartedAt)
	return err
}

// DeleteActiveStream removes the mirror row for a channel that went offline.
func DeleteActiveStream(ctx context.Context, db *sql.DB, channelLogin string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM active_streams WHERE channel_login=$1`, channelLogin)
	return err
}

// UpsertAnnouncement records a delivered message handle for (channel, guild).
func UpsertAnnouncement(ctx context.Context, db *sql.DB, a Announcement) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO announcements (channel_login, guild_id, discord_channel_id, message_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (channel_login, guild_id) DO UPDATE SET
			discord_channel_id=EXCLUDED.discord_channel_id, message_id=EXCLUDED.message_id, created_at=NOW()`,
		a.ChannelLogin, a.GuildID, a.DiscordChannelID, a.MessageID)
	return err
}

// DeleteAnnouncements removes all announcement rows for a channel (all guilds).
func DeleteAnnouncements(ctx context.Context, db *sql.DB, channelLogin string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM announcements WHERE channel_login=$1`, channelLogin)
	return err
}

// DeleteAnnouncement removes the announcement row for one (channel, guild) pair.
func DeleteAnnouncement(ctx context.Context, db *sql.DB, channelLogin, guildID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM announcements WHERE channel_login=$1 AND guild_id=$2`, channelLogin, guildID)
	return err
}

// ListAnnouncements returns all persisted announcement handles, used at startup to
// re-adopt messages delivered by a previous process.
func ListAnnouncements(ctx context.Context, db *sql.DB) ([]Announcement, error) {
	rows, err := db.QueryContext(ctx, `SELECT channel_login, guild_id, discord_channel_id, message_id FROM announcements`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Announcement
	for rows.Next() {
		var a Announcement
		if err := rows.Scan(&a.ChannelLogin, &a.GuildID, &a.DiscordChannelID, &a.MessageID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
