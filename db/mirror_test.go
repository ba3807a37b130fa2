package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/streamherald/db"
	"github.com/onnwee/streamherald/testutil"
)

func TestActiveStreamMirror(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetTables(t, database)
	ctx := context.Background()

	as := db.ActiveStream{
		ChannelLogin: "alice",
		Title:        "speedrun",
		Category:     "Celeste",
		ViewerCount:  42,
		ThumbnailURL: "https://example.test/thumb.jpg",
		StartedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := db.UpsertActiveStream(ctx, database, as); err != nil {
		t.Fatalf("UpsertActiveStream: %v", err)
	}

	// Upsert again with new info; still a single row.
	as.ViewerCount = 100
	as.Title = "speedrun pb attempts"
	if err := db.UpsertActiveStream(ctx, database, as); err != nil {
		t.Fatalf("UpsertActiveStream update: %v", err)
	}

	var n int
	var title string
	if err := database.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM active_streams`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("active_streams rows = %d, want 1", n)
	}
	if err := database.QueryRowContext(ctx,
		`SELECT title FROM active_streams WHERE channel_login='alice'`).Scan(&title); err != nil {
		t.Fatal(err)
	}
	if title != "speedrun pb attempts" {
		t.Errorf("title = %q, want updated title", title)
	}

	if err := db.DeleteActiveStream(ctx, database, "alice"); err != nil {
		t.Fatalf("DeleteActiveStream: %v", err)
	}
	if err := database.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM active_streams`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("active_streams rows after delete = %d, want 0", n)
	}
}

func TestAnnouncementMirror(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetTables(t, database)
	ctx := context.Background()

	for _, a := range []db.Announcement{
		{ChannelLogin: "alice", GuildID: "g1", DiscordChannelID: "d1", MessageID: "m1"},
		{ChannelLogin: "alice", GuildID: "g2", DiscordChannelID: "d2", MessageID: "m2"},
		{ChannelLogin: "bob", GuildID: "g1", DiscordChannelID: "d1", MessageID: "m3"},
	} {
		if err := db.UpsertAnnouncement(ctx, database, a); err != nil {
			t.Fatalf("UpsertAnnouncement: %v", err)
		}
	}

	// Editing replaces the message handle, keyed by (channel, guild).
	if err := db.UpsertAnnouncement(ctx, database, db.Announcement{
		ChannelLogin: "alice", GuildID: "g1", DiscordChannelID: "d1", MessageID: "m1-edited",
	}); err != nil {
		t.Fatalf("UpsertAnnouncement replace: %v", err)
	}

	all, err := db.ListAnnouncements(ctx, database)
	if err != nil {
		t.Fatalf("ListAnnouncements: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("announcements = %d, want 3", len(all))
	}
	found := false
	for _, a := range all {
		if a.ChannelLogin == "alice" && a.GuildID == "g1" {
			found = true
			if a.MessageID != "m1-edited" {
				t.Errorf("message id = %q, want m1-edited", a.MessageID)
			}
		}
	}
	if !found {
		t.Fatal("missing alice/g1 announcement")
	}

	if err := db.DeleteAnnouncement(ctx, database, "alice", "g2"); err != nil {
		t.Fatalf("DeleteAnnouncement: %v", err)
	}
	if err := db.DeleteAnnouncements(ctx, database, "alice"); err != nil {
		t.Fatalf("DeleteAnnouncements: %v", err)
	}
	all, _ = db.ListAnnouncements(ctx, database)
	if len(all) != 1 || all[0].ChannelLogin != "bob" {
		t.Errorf("leftover announcements = %+v, want only bob", all)
	}
}
