package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultHelixBase = "https://api.twitch.tv/helix"

// StreamStatus is the result of one status check for one channel.
type StreamStatus struct {
	IsLive       bool
	Title        string
	Category     string
	ViewerCount  int
	StartedAt    time.Time
	ThumbnailURL string
}

// StatusClient answers "is this channel live right now" against Helix GET /streams.
// Auth expiry and rate limiting are retried transparently with capped attempts, so
// callers see a single error per check.
type StatusClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	// BaseURL overrides the Helix base URL (tests).
	BaseURL string
	// MaxAttempts bounds retries on 401/429/5xx. Zero means the default of 3.
	MaxAttempts int
	// Backoff is the base delay between retries, doubled each attempt. Zero means 1s.
	Backoff time.Duration
}

func (sc *StatusClient) http() *http.Client {
	if sc.HTTPClient != nil {
		return sc.HTTPClient
	}
	return http.DefaultClient
}

func (sc *StatusClient) baseURL() string {
	if sc.BaseURL != "" {
		return strings.TrimRight(sc.BaseURL, "/")
	}
	return defaultHelixBase
}

func (sc *StatusClient) maxAttempts() int {
	if sc.MaxAttempts > 0 {
		return sc.MaxAttempts
	}
	return 3
}

func (sc *StatusClient) backoff() time.Duration {
	if sc.Backoff > 0 {
		return sc.Backoff
	}
	return time.Second
}

// CheckStatus returns the live status and metadata for a channel login.
// An empty data array from Helix means offline; that is a success, not an error.
func (sc *StatusClient) CheckStatus(ctx context.Context, login string) (*StreamStatus, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var lastErr error
	delay := sc.backoff()
	for attempt := 0; attempt < sc.maxAttempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		st, retry, err := sc.checkOnce(ctx, login)
		if err == nil {
			return st, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
		slog.Debug("helix streams retry", slog.String("login", login), slog.Int("attempt", attempt+1), slog.Any("err", err))
	}
	return nil, fmt.Errorf("helix streams check for %s: %w", login, lastErr)
}

// checkOnce performs a single request. The bool result reports whether the error is
// worth retrying (auth expiry, rate limit, server error, transport failure).
func (sc *StatusClient) checkOnce(ctx context.Context, login string) (*StreamStatus, bool, error) {
	tok, err := sc.AppTokenSource.Get(ctx)
	if err != nil {
		return nil, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sc.baseURL()+"/streams", nil)
	if err != nil {
		return nil, false, err
	}
	q := req.URL.Query()
	q.Set("user_login", strings.ToLower(login))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", sc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := sc.http().Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		// App token expired or was revoked; drop the cache so the retry refreshes.
		sc.AppTokenSource.Invalidate()
		return nil, true, fmt.Errorf("helix unauthorized: %s", resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("helix transient failure: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("helix streams request failed: %s: %s", resp.Status, string(b))
	}

	var body struct {
		Data []struct {
			Title        string `json:"title"`
			GameName     string `json:"game_name"`
			ViewerCount  int    `json:"viewer_count"`
			StartedAt    string `json:"started_at"`
			ThumbnailURL string `json:"thumbnail_url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false, err
	}
	if len(body.Data) == 0 {
		return &StreamStatus{IsLive: false}, false, nil
	}
	d := body.Data[0]
	st := &StreamStatus{
		IsLive:       true,
		Title:        d.Title,
		Category:     d.GameName,
		ViewerCount:  d.ViewerCount,
		ThumbnailURL: d.ThumbnailURL,
	}
	if t, err := time.Parse(time.RFC3339, d.StartedAt); err == nil {
		st.StartedAt = t.UTC()
	}
	return st, false, nil
}
