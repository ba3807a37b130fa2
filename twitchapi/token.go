// Package twitchapi contains the Helix client used to poll stream status for tracked
// channels, plus the app access token plumbing (client-credentials grant).
// NOTE: the app token CANNOT be used for user-scoped endpoints; everything this
// service needs (GET /helix/streams) works with it.
package twitchapi

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/endpoints"
)

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// It wraps oauth2's ReuseTokenSource so refresh happens transparently near expiry,
// and exposes Invalidate so a 401 from Helix can force an early refresh.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Twitch token endpoint (tests).
	TokenURL string

	mu  sync.Mutex
	src oauth2.TokenSource
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	ts.mu.Lock()
	if ts.src == nil {
		cc := &clientcredentials.Config{
			ClientID:     ts.ClientID,
			ClientSecret: ts.ClientSecret,
			TokenURL:     ts.tokenURL(),
		}
		// Twitch's token endpoint rejects basic auth for client credentials.
		cc.AuthStyle = oauth2.AuthStyleInParams
		ts.src = cc.TokenSource(context.Background())
	}
	src := ts.src
	ts.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Invalidate drops the cached token so the next Get fetches a fresh one.
// Called when Helix answers 401 despite an apparently valid cached token.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.src = nil
	ts.mu.Unlock()
}

func (ts *TokenSource) tokenURL() string {
	if ts.TokenURL != "" {
		return ts.TokenURL
	}
	return endpoints.Twitch.TokenURL
}
