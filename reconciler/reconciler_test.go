package reconciler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/onnwee/streamherald/fanout"
	"github.com/onnwee/streamherald/livestate"
	"github.com/onnwee/streamherald/registry"
	"github.com/onnwee/streamherald/twitchapi"
)

// fakeProvider serves canned statuses per channel.
type fakeProvider struct {
	statuses map[string]*twitchapi.StreamStatus
	errs     map[string]error
	calls    map[string]int
}

func (f *fakeProvider) CheckStatus(_ context.Context, login string) (*twitchapi.StreamStatus, error) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[login]++
	if err := f.errs[login]; err != nil {
		return nil, err
	}
	if st, ok := f.statuses[login]; ok {
		return st, nil
	}
	return &twitchapi.StreamStatus{IsLive: false}, nil
}

// fakeLister returns a fixed channel union.
type fakeLister struct {
	channels []string
	err      error
}

func (f *fakeLister) TrackedChannelSet(_ context.Context) ([]string, error) {
	return f.channels, f.err
}

// fakeRoutes routes every tracked channel to one destination per guild.
type fakeRoutes struct {
	tenants map[string][]registry.TrackedChannel
}

func (f *fakeRoutes) ListTenantsTracking(_ context.Context, channel string) ([]registry.TrackedChannel, error) {
	return f.tenants[channel], nil
}

func (f *fakeRoutes) GetRouting(_ context.Context, guildID, _ string) (string, error) {
	return "dest-" + guildID, nil
}

// fakeNotifier counts deliveries.
type fakeNotifier struct {
	sent, edited, deleted int
}

func (f *fakeNotifier) Send(_ context.Context, _, _ string, _ livestate.Entry) (string, error) {
	f.sent++
	return fmt.Sprintf("msg-%d", f.sent), nil
}
func (f *fakeNotifier) Edit(_ context.Context, _, _, _ string, _ livestate.Entry) error {
	f.edited++
	return nil
}
func (f *fakeNotifier) Delete(_ context.Context, _, _ string) error {
	f.deleted++
	return nil
}

type fixture struct {
	provider *fakeProvider
	lister   *fakeLister
	notifier *fakeNotifier
	store    *livestate.Store
	rec      *Reconciler
	clock    time.Time
}

func newFixture(t *testing.T, channels ...string) *fixture {
	t.Helper()
	f := &fixture{
		provider: &fakeProvider{statuses: map[string]*twitchapi.StreamStatus{}, errs: map[string]error{}},
		lister:   &fakeLister{channels: channels},
		notifier: &fakeNotifier{},
		store:    livestate.NewStore(),
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	routes := &fakeRoutes{tenants: map[string][]registry.TrackedChannel{}}
	for _, ch := range channels {
		routes.tenants[ch] = []registry.TrackedChannel{{GuildID: "g1", ChannelLogin: ch}}
	}
	mgr := fanout.NewManager(f.store, routes, f.notifier, nil, 5*time.Minute, 10)
	mgr.Now = func() time.Time { return f.clock }
	f.rec = New(f.provider, f.lister, mgr, f.store)
	f.rec.Now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func live(title string, viewers int) *twitchapi.StreamStatus {
	return &twitchapi.StreamStatus{IsLive: true, Title: title, ViewerCount: viewers, StartedAt: time.Now().UTC()}
}

func TestTickTransitions(t *testing.T) {
	f := newFixture(t, "alice")

	// OFFLINE + offline: no-op.
	stats := f.rec.RunTickNow(context.Background())
	if stats.WentLive != 0 || f.notifier.sent != 0 {
		t.Fatalf("offline no-op violated: %+v", stats)
	}

	// OFFLINE + live: announce.
	f.provider.statuses["alice"] = live("Intro", 50)
	stats = f.rec.RunTickNow(context.Background())
	if stats.WentLive != 1 {
		t.Fatalf("WentLive = %d, want 1", stats.WentLive)
	}
	if f.notifier.sent != 1 {
		t.Fatalf("sent = %d, want 1", f.notifier.sent)
	}
	if !f.rec.IsLive("alice") {
		t.Fatal("expected alice live")
	}

	// LIVE + live with a significant change: edit.
	f.advance(time.Minute)
	f.provider.statuses["alice"] = live("New Title", 50)
	f.rec.RunTickNow(context.Background())
	if f.notifier.edited != 1 {
		t.Fatalf("edited = %d, want 1", f.notifier.edited)
	}

	// LIVE + offline: tear down.
	f.advance(time.Minute)
	f.provider.statuses["alice"] = &twitchapi.StreamStatus{IsLive: false}
	stats = f.rec.RunTickNow(context.Background())
	if stats.WentOffline != 1 {
		t.Fatalf("WentOffline = %d, want 1", stats.WentOffline)
	}
	if f.notifier.deleted != 1 {
		t.Fatalf("deleted = %d, want 1", f.notifier.deleted)
	}
	if f.rec.IsLive("alice") {
		t.Fatal("expected alice offline")
	}
}

func TestTickIsolatesProviderErrors(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.provider.errs["alice"] = fmt.Errorf("helix 500")
	f.provider.statuses["bob"] = live("Hi", 10)

	stats := f.rec.RunTickNow(context.Background())
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if stats.WentLive != 1 || !f.rec.IsLive("bob") {
		t.Error("bob's transition must not be affected by alice's failure")
	}
	if f.rec.IsLive("alice") {
		t.Error("alice is unknown this cycle, no transition")
	}
}

func TestTickSkipsWhenChannelListUnavailable(t *testing.T) {
	f := newFixture(t, "alice")
	f.provider.statuses["alice"] = live("Intro", 50)
	f.lister.err = fmt.Errorf("db down")

	stats := f.rec.RunTickNow(context.Background())
	if stats.Checked != 0 {
		t.Errorf("Checked = %d, want 0 (tick skipped)", stats.Checked)
	}
	if f.provider.calls["alice"] != 0 {
		t.Error("no status checks should run without the channel list")
	}
}

func TestStaleSweepExpiresUnconfirmedEntries(t *testing.T) {
	f := newFixture(t, "alice")
	f.provider.statuses["alice"] = live("Intro", 50)
	f.rec.RunTickNow(context.Background())
	if !f.rec.IsLive("alice") {
		t.Fatal("setup: alice should be live")
	}

	// The provider starts erroring so no offline transition is ever observed,
	// and the channel is no longer confirmed.
	f.provider.errs["alice"] = fmt.Errorf("helix down")
	f.advance(31 * time.Minute)
	stats := f.rec.RunTickNow(context.Background())
	if stats.StaleExpired != 1 {
		t.Fatalf("StaleExpired = %d, want 1", stats.StaleExpired)
	}
	if f.rec.IsLive("alice") {
		t.Fatal("stale entry must be removed even without an observed offline")
	}
	if f.notifier.deleted != 1 {
		t.Errorf("stale expiry must clean up announcements, deleted = %d", f.notifier.deleted)
	}
}

func TestStaleSweepSparesRecentEntries(t *testing.T) {
	f := newFixture(t, "alice")
	f.provider.statuses["alice"] = live("Intro", 50)
	f.rec.RunTickNow(context.Background())

	// Reconfirmed every tick: heartbeats keep the entry fresh.
	f.advance(29 * time.Minute)
	stats := f.rec.RunTickNow(context.Background())
	if stats.StaleExpired != 0 {
		t.Fatalf("StaleExpired = %d, want 0", stats.StaleExpired)
	}
	if !f.rec.IsLive("alice") {
		t.Fatal("reconfirmed entry must survive the sweep")
	}
}

func TestForceCleanupThenRedetect(t *testing.T) {
	f := newFixture(t, "alice")
	f.provider.statuses["alice"] = live("Intro", 50)
	f.rec.RunTickNow(context.Background())

	f.rec.ForceCleanup(context.Background(), "alice")
	if f.rec.IsLive("alice") {
		t.Fatal("expected hard reset")
	}
	if f.notifier.deleted != 0 {
		t.Fatal("ForceCleanup must not delete messages")
	}

	// Next tick redetects the still-live stream and re-announces.
	f.advance(time.Minute)
	stats := f.rec.RunTickNow(context.Background())
	if stats.WentLive != 1 || !f.rec.IsLive("alice") {
		t.Fatal("stream must be redetected after cleanup")
	}
}

func TestResyncAllClearsAndReticks(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.provider.statuses["alice"] = live("A", 5)
	f.provider.statuses["bob"] = live("B", 5)
	f.rec.RunTickNow(context.Background())
	if f.notifier.sent != 2 {
		t.Fatalf("setup: sent = %d, want 2", f.notifier.sent)
	}

	// bob actually went offline while state drifted.
	f.provider.statuses["bob"] = &twitchapi.StreamStatus{IsLive: false}
	f.advance(time.Minute)
	stats := f.rec.ResyncAll(context.Background())
	if stats.WentLive != 1 {
		t.Errorf("WentLive = %d, want alice redetected", stats.WentLive)
	}
	if !f.rec.IsLive("alice") || f.rec.IsLive("bob") {
		t.Error("resync must redetect alice and forget bob")
	}
}

func TestSnapshotReportsAges(t *testing.T) {
	f := newFixture(t, "alice")
	f.provider.statuses["alice"] = live("Intro", 42)
	f.rec.RunTickNow(context.Background())

	f.advance(2 * time.Minute)
	snap := f.rec.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot rows = %d, want 1", len(snap))
	}
	row := snap[0]
	if row.Channel != "alice" || row.Viewers != 42 {
		t.Errorf("unexpected row: %+v", row)
	}
	if row.SinceUpdate != 2*time.Minute {
		t.Errorf("SinceUpdate = %v, want 2m", row.SinceUpdate)
	}
	if row.Subscribers != 1 {
		t.Errorf("Subscribers = %d, want 1", row.Subscribers)
	}
}

func TestLastTickStats(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.provider.statuses["alice"] = live("Intro", 1)
	f.rec.RunTickNow(context.Background())

	last := f.rec.LastTick()
	if last.Checked != 2 {
		t.Errorf("Checked = %d, want 2", last.Checked)
	}
	if last.WentLive != 1 {
		t.Errorf("WentLive = %d, want 1", last.WentLive)
	}
	if !last.At.Equal(f.clock) {
		t.Errorf("At = %v, want %v", last.At, f.clock)
	}
}
