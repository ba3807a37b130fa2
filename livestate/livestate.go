// Package livestate holds the in-memory authoritative view of which Twitch channels
// are currently considered live. It is the source of truth for duplicate suppression
// during a single process's uptime; the active_streams table is only a mirror.
package livestate

import (
	"strings"
	"sync"
	"time"
)

// StreamInfo is the metadata snapshot captured on each confirmed poll.
type StreamInfo struct {
	Title        string
	Category     string
	ViewerCount  int
	ThumbnailURL string
}

// Entry records one channel's live session.
type Entry struct {
	Channel         string
	StreamStartedAt time.Time
	LastUpdate      time.Time
	Info            StreamInfo
}

// Store is a mutex-guarded map of channel login -> live entry. Keys are
// case-insensitive (Twitch logins are lowercase on the wire, commands may not be).
// Only the reconciler/fanout pair writes to it; diagnostics read it.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewStore() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Key normalizes a channel login for map access.
func Key(channel string) string { return strings.ToLower(strings.TrimSpace(channel)) }

// IsLive reports whether channel has a live entry.
func (s *Store) IsLive(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[Key(channel)]
	return ok
}

// Get returns a copy of the entry and whether it exists.
func (s *Store) Get(channel string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[Key(channel)]
	return e, ok
}

// Put inserts or replaces the entry for channel.
func (s *Store) Put(channel string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Channel = Key(channel)
	s.entries[e.Channel] = e
}

// Touch refreshes LastUpdate without changing metadata. Returns false when the
// channel has no entry.
func (s *Store) Touch(channel string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[Key(channel)]
	if !ok {
		return false
	}
	e.LastUpdate = now
	s.entries[e.Channel] = e
	return true
}

// Remove deletes the entry for channel. Removing an absent channel is a no-op.
func (s *Store) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, Key(channel))
}

// ForEach calls fn with a copy of every entry. fn must not call back into the store.
func (s *Store) ForEach(fn func(Entry)) {
	s.mu.RLock()
	snapshot := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.RUnlock()
	for _, e := range snapshot {
		fn(e)
	}
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
