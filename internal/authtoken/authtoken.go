// Package authtoken discovers, caches, and refreshes the bearer token used
// to authorize requests against the workspace backend. Under cookie-style
// auth the token is read out of an open workspace tab's web storage; manual
// mode uses an explicitly configured token instead.
package authtoken

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"

	"github.com/neboloop/conductor/internal/config"
	"github.com/neboloop/conductor/internal/logging"
)

const (
	// TokenTTL bounds how long a discovered token is trusted without
	// re-reading it from the tab.
	TokenTTL = 10 * time.Minute

	// SafetyMargin is subtracted from a JWT exp claim so the cached token
	// never outlives the session it came from.
	SafetyMargin = 30 * time.Second
)

// StorageKeys is the fixed list of web-storage keys probed on each
// candidate tab, in preference order.
var StorageKeys = []string{
	"loop_access_token",
	"access_token",
	"auth_token",
	"token",
	"jwt",
}

var (
	// ErrNoCandidateTabs means no open tab matched the target origin.
	ErrNoCandidateTabs = errors.New("no candidate tabs")

	// ErrTokenNotFound means candidate tabs existed but none exposed a
	// token under any known storage key.
	ErrTokenNotFound = errors.New("token not found on candidate tabs")

	// ErrInvalidBaseURL means the configured base URL could not be
	// normalized to an origin.
	ErrInvalidBaseURL = errors.New("invalid base url")
)

// ReasonMessage maps a resolution failure to the user-facing message shown
// in settings and run output.
func ReasonMessage(err error) string {
	switch {
	case errors.Is(err, ErrNoCandidateTabs):
		return "No open browser tab matches the configured workspace. Open the workspace and sign in, then retry."
	case errors.Is(err, ErrTokenNotFound):
		return "No session token was found in the open workspace tabs. Sign in again or paste a token in settings."
	case errors.Is(err, ErrInvalidBaseURL):
		return "The configured workspace base URL is not a valid absolute URL."
	default:
		return "Could not resolve a workspace access token."
	}
}

// Tab is one open browser tab considered during token discovery.
type Tab struct {
	ID           string
	URL          string
	Active       bool
	LastAccessed time.Time
}

// TabExplorer enumerates open tabs and reads values out of a tab's web
// storage. ReadStorage returns the first non-empty value among keys, or ""
// when none is set.
type TabExplorer interface {
	ListTabs(ctx context.Context) ([]Tab, error)
	ReadStorage(ctx context.Context, tabID string, keys []string) (string, error)
}

// Settings is the slice of configuration the resolver needs. The callback
// form lets every resolution observe the latest saved settings.
type Settings struct {
	BaseURL     string
	CookieAuth  bool
	ManualToken string
}

// ResolveOptions tunes a single resolution.
type ResolveOptions struct {
	// Force skips the cache and re-discovers, used for the single retry
	// after an unauthorized response.
	Force bool
}

// Token is a resolved bearer token plus its cache metadata.
type Token struct {
	Value     string
	Origin    string
	ExpiresAt time.Time
	Source    string // "tab" or "manual"
}

// Resolver finds tokens and keeps a single-slot cache keyed by origin.
type Resolver struct {
	explorer TabExplorer
	settings func() Settings
	cache    *gocache.Cache
}

func NewResolver(explorer TabExplorer, settings func() Settings) *Resolver {
	return &Resolver{
		explorer: explorer,
		settings: settings,
		cache:    gocache.New(TokenTTL, 5*time.Minute),
	}
}

// Invalidate drops the cached token. Called on settings save and when auth
// switches away from cookie mode.
func (r *Resolver) Invalidate() {
	r.cache.Flush()
}

// Resolve returns a usable bearer token for the configured workspace. Under
// cookie auth it checks the cache, then candidate tabs in ranked order,
// then the manual token; manual mode goes straight to the manual token.
func (r *Resolver) Resolve(ctx context.Context, opts ResolveOptions) (Token, error) {
	st := r.settings()
	origin, err := Origin(st.BaseURL)
	if err != nil {
		return Token{}, err
	}

	if !st.CookieAuth {
		if tok, ok := r.manualToken(st, origin); ok {
			return tok, nil
		}
		return Token{}, ErrTokenNotFound
	}

	if !opts.Force {
		if tok, ok := r.cached(origin); ok {
			return tok, nil
		}
	}

	tabs, err := r.explorer.ListTabs(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("list tabs: %w", err)
	}
	candidates := RankTabs(origin, tabs)
	if len(candidates) == 0 {
		if tok, ok := r.manualToken(st, origin); ok {
			return tok, nil
		}
		return Token{}, ErrNoCandidateTabs
	}

	for _, tab := range candidates {
		value, err := r.explorer.ReadStorage(ctx, tab.ID, StorageKeys)
		if err != nil {
			logging.Debugf("authtoken: storage read on tab %s failed: %v", tab.ID, err)
			continue
		}
		if value == "" {
			continue
		}
		tok := Token{
			Value:     value,
			Origin:    origin,
			ExpiresAt: ExpiryFor(value, time.Now()),
			Source:    "tab",
		}
		r.store(tok)
		return tok, nil
	}

	if tok, ok := r.manualToken(st, origin); ok {
		return tok, nil
	}
	return Token{}, ErrTokenNotFound
}

func (r *Resolver) cached(origin string) (Token, bool) {
	v, ok := r.cache.Get(origin)
	if !ok {
		return Token{}, false
	}
	tok, ok := v.(Token)
	return tok, ok
}

// store keeps exactly one cached token at a time; a new origin evicts the
// previous slot.
func (r *Resolver) store(tok Token) {
	until := time.Until(tok.ExpiresAt)
	if until <= 0 {
		return
	}
	r.cache.Flush()
	r.cache.Set(tok.Origin, tok, until)
}

func (r *Resolver) manualToken(st Settings, origin string) (Token, bool) {
	value := strings.TrimSpace(st.ManualToken)
	if value == "" || value == config.ManualTokenPlaceholder {
		return Token{}, false
	}
	tok := Token{
		Value:     value,
		Origin:    origin,
		ExpiresAt: ExpiryFor(value, time.Now()),
		Source:    "manual",
	}
	r.store(tok)
	return tok, true
}

// ExpiryFor computes the cache deadline for a token: the lesser of
// now+TokenTTL and the JWT exp claim minus SafetyMargin. Tokens that are
// not parseable JWTs, or carry no exp, fall back to the fixed TTL.
func ExpiryFor(token string, now time.Time) time.Time {
	deadline := now.Add(TokenTTL)
	if exp, ok := jwtExpiry(token); ok {
		if capped := exp.Add(-SafetyMargin); capped.Before(deadline) {
			deadline = capped
		}
	}
	return deadline
}

// jwtExpiry extracts the exp claim without verifying the signature. The
// resolver only borrows the token, it never trusts it locally.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
