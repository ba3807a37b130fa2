// Package db provides database connection helpers, schema migration, and the
// persisted mirrors (active streams, announcements) used for admin visibility and
// cross-restart continuity. The in-memory live state remains authoritative for
// duplicate suppression; these tables are refreshed opportunistically.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection for the given DSN. Defaulting lives in
// config.Load; this never consults the environment itself.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the fallback path for deployments without the schema_migrations table;
// new deployments use RunMigrations (versioned).
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS guilds (
			guild_id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS tracked_channels (
			id SERIAL PRIMARY KEY,
			guild_id TEXT NOT NULL REFERENCES guilds(guild_id) ON DELETE CASCADE,
			channel_login TEXT NOT NULL,
			classification TEXT NOT NULL DEFAULT 'default',
			note TEXT DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (guild_id, channel_login)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_channels_login ON tracked_channels(channel_login)`,
		`CREATE TABLE IF NOT EXISTS guild_routes (
			guild_id TEXT NOT NULL REFERENCES guilds(guild_id) ON DELETE CASCADE,
			classification TEXT NOT NULL,
			discord_channel_id TEXT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (guild_id, classification)
		)`,
		`CREATE TABLE IF NOT EXISTS active_streams (
			channel_login TEXT PRIMARY KEY,
			title TEXT,
			category TEXT,
			viewer_count INTEGER DEFAULT 0,
			thumbnail_url TEXT,
			started_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS announcements (
			channel_login TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			discord_channel_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (channel_login, guild_id)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
