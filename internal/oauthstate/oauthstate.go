// Package oauthstate implements the OAuth Channel State Store: two
// TTL-indexed Redis maps tracking a channel-credential OAuth handshake
// from redirect to completion, grounded in wisbric-nightowl's
// OIDCFlowHandler (internal/auth/oidc_flow.go) — state generation,
// Set-with-TTL, and GetDel-on-consume all follow that handler's
// "oidc_state:" key pattern, generalized from a single state map to the
// pending/completed pair spec.md §4.7 requires.
package oauthstate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingTTL   = 10 * time.Minute
	completedTTL = 5 * time.Minute

	pendingKeyPrefix   = "oauthstate:pending:"
	completedKeyPrefix = "oauthstate:completed:"
)

// ErrNotFound is returned when a state token is missing, expired, or
// already consumed.
var ErrNotFound = errors.New("oauthstate: state not found or expired")

// ErrUserMismatch is returned by ConsumeCompleted when the caller's
// userId doesn't match the one the flow completed under.
var ErrUserMismatch = errors.New("oauthstate: user id mismatch")

// Pending is the state recorded when a channel OAuth flow begins.
type Pending struct {
	Provider    string    `json:"provider"`
	UserID      string    `json:"user_id"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`
}

// Completed is the state recorded once the provider callback exchanges
// a code for a token.
type Completed struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the Redis-backed pending/completed state pair.
type Store struct {
	redis *redis.Client
}

// New builds a Store over an existing Redis client.
func New(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

// NewState generates a 128-bit random hex state token, per spec.md
// §4.7 ("128-bit random hex (collision negligible at any realistic
// scale)"), the same size wisbric-nightowl's randomState() uses.
func NewState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("oauthstate: reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Create records a new pending flow under state, TTL 10 minutes.
func (s *Store) Create(ctx context.Context, state string, pending Pending) error {
	raw, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("oauthstate: marshal pending: %w", err)
	}
	if err := s.redis.Set(ctx, pendingKeyPrefix+state, raw, pendingTTL).Err(); err != nil {
		return fmt.Errorf("oauthstate: create: %w", err)
	}
	return nil
}

// ConsumePending deletes and returns the pending entry for state, or
// ErrNotFound if missing/expired — single-use by construction (Redis
// GETDEL), matching the ledger/setup-session pattern of relying on a
// storage-layer primitive rather than an application-level race check.
func (s *Store) ConsumePending(ctx context.Context, state string) (Pending, error) {
	raw, err := s.redis.GetDel(ctx, pendingKeyPrefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return Pending{}, ErrNotFound
	}
	if err != nil {
		return Pending{}, fmt.Errorf("oauthstate: consume pending: %w", err)
	}
	var p Pending
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Pending{}, fmt.Errorf("oauthstate: unmarshal pending: %w", err)
	}
	return p, nil
}

// CompleteWithToken records a completed flow under state, TTL 5 minutes.
func (s *Store) CompleteWithToken(ctx context.Context, state, token, userID string) error {
	raw, err := json.Marshal(Completed{AccessToken: token, UserID: userID, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("oauthstate: marshal completed: %w", err)
	}
	if err := s.redis.Set(ctx, completedKeyPrefix+state, raw, completedTTL).Err(); err != nil {
		return fmt.Errorf("oauthstate: complete: %w", err)
	}
	return nil
}

// ConsumeCompleted deletes and returns the access token for state,
// refusing with ErrUserMismatch if userID doesn't match the one the flow
// completed under.
func (s *Store) ConsumeCompleted(ctx context.Context, state, userID string) (string, error) {
	raw, err := s.redis.Get(ctx, completedKeyPrefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("oauthstate: consume completed: %w", err)
	}
	var c Completed
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return "", fmt.Errorf("oauthstate: unmarshal completed: %w", err)
	}
	if c.UserID != userID {
		return "", ErrUserMismatch
	}
	if err := s.redis.Del(ctx, completedKeyPrefix+state).Err(); err != nil {
		return "", fmt.Errorf("oauthstate: delete completed: %w", err)
	}
	return c.AccessToken, nil
}

// CallbackHTML renders the page served at the end of the OAuth popup
// flow: it postMessages tag/payload back to window.opener and closes
// itself. The payload is JSON-escaped with "</script>" substituted to
// "<\/script>" to defeat injection from provider-controlled query
// params ending up in payload (spec.md §4.7).
func CallbackHTML(tag string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("oauthstate: marshal callback payload: %w", err)
	}
	safe := strings.ReplaceAll(string(raw), "</script>", "<\\/script>")
	return fmt.Sprintf(`<!DOCTYPE html><html><body><script>
if (window.opener) {
  window.opener.postMessage({type: %q, payload: %s}, "*");
}
window.close();
</script></body></html>`, tag, safe), nil
}

// PurgeExpired is a no-op: both maps are TTL-indexed natively by Redis,
// which evicts expired keys itself. Kept as a named operation so a
// caller (e.g. an admin endpoint or a test) can invoke it without
// knowing the storage backend handles expiry implicitly.
func (s *Store) PurgeExpired(context.Context) error { return nil }
