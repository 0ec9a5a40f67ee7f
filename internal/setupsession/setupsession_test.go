package setupsession

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestErrorCountReachesRollbackAtThreeFailures(t *testing.T) {
	tests := []struct {
		count int
		want  Status
	}{
		{1, StatusInProgress},
		{2, StatusInProgress},
		{3, StatusRolledBack},
		{4, StatusRolledBack},
	}
	for _, tt := range tests {
		got := StatusInProgress
		if tt.count >= maxErrors {
			got = StatusRolledBack
		}
		if got != tt.want {
			t.Errorf("errorCount=%d: status = %v, want %v", tt.count, got, tt.want)
		}
	}
}

// Integration tests below require a live Postgres instance reachable via
// DATABASE_URL with the fleet schema migrated, matching the rest of the
// pack's integration suites (internal/ledger/ledger_test.go).
func newIntegrationManager(t *testing.T) (*Manager, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("RUN_SETUPSESSION_INTEGRATION") != "1" {
		t.Skip("integration tests skipped; set RUN_SETUPSESSION_INTEGRATION=1 to run against a live Postgres")
	}
	pool, err := pgxpool.New(context.Background(), os.Getenv("DATABASE_URL"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return New(pool), pool
}

func TestIntegrationSecondConcurrentStartConflicts(t *testing.T) {
	m, pool := newIntegrationManager(t)
	defer pool.Close()
	ctx := context.Background()

	if _, err := m.Start(ctx, "bot-session-1", "wopr-plugin-discord"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := m.Start(ctx, "bot-session-1", "wopr-plugin-slack"); err != ErrAlreadyInProgress {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}
}

func TestIntegrationCompleteIsTerminal(t *testing.T) {
	m, pool := newIntegrationManager(t)
	defer pool.Close()
	ctx := context.Background()

	session, err := m.Start(ctx, "bot-session-2", "wopr-plugin-discord")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Complete(ctx, session.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := m.Complete(ctx, session.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second complete, got %v", err)
	}
	if err := m.Rollback(ctx, session.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound rolling back a completed session, got %v", err)
	}
}

func TestIntegrationRecordErrorAutoRollsBackAtThree(t *testing.T) {
	m, pool := newIntegrationManager(t)
	defer pool.Close()
	ctx := context.Background()

	session, err := m.Start(ctx, "bot-session-3", "wopr-plugin-discord")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var last Session
	for i := 0; i < maxErrors; i++ {
		last, err = m.RecordError(ctx, session.ID)
		if err != nil {
			t.Fatalf("record error %d: %v", i, err)
		}
	}
	if last.Status != StatusRolledBack {
		t.Fatalf("status after %d errors = %v, want rolled_back", maxErrors, last.Status)
	}

	if _, found, err := m.CheckForResumable(ctx, "bot-session-3"); err != nil {
		t.Fatalf("check resumable: %v", err)
	} else if found {
		t.Fatal("expected no resumable session once rolled back")
	}
}
