// Package registry is the tenant (guild) roster: which Twitch channels each guild
// tracks, how each guild classifies them, and which Discord channel announcements
// for a classification should land in.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// DefaultClassification is the routing key used when a guild has no specific route
// for a channel's classification.
const DefaultClassification = "default"

// TrackedChannel is one guild's subscription to a Twitch channel.
type TrackedChannel struct {
	GuildID        string
	ChannelLogin   string
	Classification string
	Note           string
}

// Registry answers roster and routing questions for the fan-out engine and backs
// the admin command surface. All lookups go to Postgres; the engine calls it once
// per transition, not per poll.
type Registry struct {
	DB *sql.DB
}

func New(db *sql.DB) *Registry { return &Registry{DB: db} }

func normalize(login string) string { return strings.ToLower(strings.TrimSpace(login)) }

// EnsureGuild inserts the guild row if missing. Called from command handlers before
// any per-guild write.
func (r *Registry) EnsureGuild(ctx context.Context, guildID string) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO guilds (guild_id) VALUES ($1) ON CONFLICT (guild_id) DO NOTHING`, guildID)
	return err
}

// AddTracked subscribes a guild to a channel. Adding an already-tracked channel
// updates its classification and note in place.
func (r *Registry) AddTracked(ctx context.Context, tc TrackedChannel) error {
	login := normalize(tc.ChannelLogin)
	if login == "" {
		return fmt.Errorf("channel login empty")
	}
	cls := tc.Classification
	if cls == "" {
		cls = DefaultClassification
	}
	if err := r.EnsureGuild(ctx, tc.GuildID); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO tracked_channels (guild_id, channel_login, classification, note)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (guild_id, channel_login) DO UPDATE SET
			classification=EXCLUDED.classification, note=EXCLUDED.note`,
		tc.GuildID, login, cls, tc.Note)
	return err
}

// RemoveTracked unsubscribes a guild from a channel. Returns whether a row existed.
func (r *Registry) RemoveTracked(ctx context.Context, guildID, channelLogin string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM tracked_channels WHERE guild_id=$1 AND channel_login=$2`,
		guildID, normalize(channelLogin))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IsTracked reports whether a guild tracks a channel.
func (r *Registry) IsTracked(ctx context.Context, guildID, channelLogin string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM tracked_channels WHERE guild_id=$1 AND channel_login=$2`,
		guildID, normalize(channelLogin)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListTracked returns a guild's full roster.
func (r *Registry) ListTracked(ctx context.Context, guildID string) ([]TrackedChannel, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT guild_id, channel_login, classification, note
		FROM tracked_channels WHERE guild_id=$1 ORDER BY channel_login`, guildID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []TrackedChannel
	for rows.Next() {
		var tc TrackedChannel
		if err := rows.Scan(&tc.GuildID, &tc.ChannelLogin, &tc.Classification, &tc.Note); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// ListTenantsTracking returns every guild subscription for a channel, each carrying
// that guild's own classification of it. Routing is resolved per tenant from this.
func (r *Registry) ListTenantsTracking(ctx context.Context, channelLogin string) ([]TrackedChannel, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT guild_id, channel_login, classification, note
		FROM tracked_channels WHERE channel_login=$1 ORDER BY guild_id`, normalize(channelLogin))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []TrackedChannel
	for rows.Next() {
		var tc TrackedChannel
		if err := rows.Scan(&tc.GuildID, &tc.ChannelLogin, &tc.Classification, &tc.Note); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// TrackedChannelSet returns the deduplicated union of tracked channel logins across
// all guilds. The reconciler polls each distinct channel once per tick.
func (r *Registry) TrackedChannelSet(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT DISTINCT channel_login FROM tracked_channels ORDER BY channel_login`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, err
		}
		out = append(out, login)
	}
	return out, rows.Err()
}

// SetRoute maps a classification to a Discord channel for a guild.
func (r *Registry) SetRoute(ctx context.Context, guildID, classification, discordChannelID string) error {
	if classification == "" {
		classification = DefaultClassification
	}
	if err := r.EnsureGuild(ctx, guildID); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO guild_routes (guild_id, classification, discord_channel_id)
		VALUES ($1,$2,$3)
		ON CONFLICT (guild_id, classification) DO UPDATE SET
			discord_channel_id=EXCLUDED.discord_channel_id, updated_at=NOW()`,
		guildID, classification, discordChannelID)
	return err
}

// GetRouting resolves the destination Discord channel for a guild and
// classification, falling back to the guild's default route when no
// classification-specific one exists. Returns "" when nothing is configured.
func (r *Registry) GetRouting(ctx context.Context, guildID, classification string) (string, error) {
	if classification == "" {
		classification = DefaultClassification
	}
	var dest string
	err := r.DB.QueryRowContext(ctx,
		`SELECT discord_channel_id FROM guild_routes WHERE guild_id=$1 AND classification=$2`,
		guildID, classification).Scan(&dest)
	if err == nil {
		return dest, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}
	if classification == DefaultClassification {
		return "", nil
	}
	err = r.DB.QueryRowContext(ctx,
		`SELECT discord_channel_id FROM guild_routes WHERE guild_id=$1 AND classification=$2`,
		guildID, DefaultClassification).Scan(&dest)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return dest, nil
}
