package oauthstate

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestNewStateIsHexAndNonEmpty(t *testing.T) {
	state, err := NewState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(state) != 32 { // 16 bytes, hex-encoded
		t.Fatalf("len(state) = %d, want 32", len(state))
	}
}

func TestCallbackHTMLEscapesScriptClose(t *testing.T) {
	page, err := CallbackHTML("tag", map[string]string{"x": "</script><script>alert(1)</script>"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "<\\/script>"; !contains(page, want) {
		t.Fatalf("expected escaped script-close sequence %q in page", want)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// Integration tests below require a live Redis instance reachable via
// REDIS_URL, matching the rest of the pack's integration-test
// convention (internal/ledger/ledger_test.go's RUN_*_INTEGRATION gate).
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("RUN_OAUTHSTATE_INTEGRATION") != "1" {
		t.Skip("integration tests skipped; set RUN_OAUTHSTATE_INTEGRATION=1 to run against a live Redis")
	}
	opts, err := redis.ParseURL(os.Getenv("REDIS_URL"))
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	return New(redis.NewClient(opts))
}

func TestIntegrationConsumePendingIsSingleUse(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "state-1", Pending{Provider: "slack", UserID: "tenant-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ConsumePending(ctx, "state-1"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := s.ConsumePending(ctx, "state-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second consume, got %v", err)
	}
}

func TestIntegrationConsumeCompletedRejectsWrongUser(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	if err := s.CompleteWithToken(ctx, "state-2", "tok-abc", "tenant-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.ConsumeCompleted(ctx, "state-2", "tenant-2"); err != ErrUserMismatch {
		t.Fatalf("expected ErrUserMismatch, got %v", err)
	}
	token, err := s.ConsumeCompleted(ctx, "state-2", "tenant-1")
	if err != nil {
		t.Fatalf("consume by owner: %v", err)
	}
	if token != "tok-abc" {
		t.Fatalf("token = %q, want tok-abc", token)
	}
}
