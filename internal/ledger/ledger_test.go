package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/wopr-network/fleet/internal/money"
)

func TestGrantRejectsNegativeAmount(t *testing.T) {
	l := New(nil, zerolog.Nop(), nil)
	if _, err := l.Grant(context.Background(), "acme", -1, KindPurchase, "ref-1"); err == nil {
		t.Fatal("expected error for negative grant amount")
	}
}

func TestDebitRejectsNegativeAmount(t *testing.T) {
	l := New(nil, zerolog.Nop(), nil)
	if _, err := l.Debit(context.Background(), "acme", -1, KindDebit, "ref-1"); err == nil {
		t.Fatal("expected error for negative debit amount")
	}
}

func TestCrossedZeroDetection(t *testing.T) {
	tests := []struct {
		name    string
		before  int64
		after   int64
		crossed bool
	}{
		{"stays positive", 500, 100, false},
		{"lands exactly on zero", 500, 0, true},
		{"goes negative", 100, -50, true},
		{"already at zero", 0, -10, false},
		{"already negative", -10, -60, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.before > 0 && tt.after <= 0
			if got != tt.crossed {
				t.Errorf("crossedZero(before=%d, after=%d) = %v, want %v", tt.before, tt.after, got, tt.crossed)
			}
		})
	}
}

func TestExhaustionHookDefaultsToNoop(t *testing.T) {
	l := New(nil, zerolog.Nop(), nil)
	if l.onEmpty == nil {
		t.Fatal("expected New to install a no-op hook when onEmpty is nil")
	}
	// Must not panic when invoked.
	l.onEmpty(context.Background(), "acme")
}

// Integration tests below require a live Postgres instance reachable via
// DATABASE_URL with the fleet schema migrated. They are skipped by default,
// matching the rest of the pack's integration suites.
func newIntegrationLedger(t *testing.T) (*Ledger, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("RUN_LEDGER_INTEGRATION") != "1" {
		t.Skip("integration tests skipped; set RUN_LEDGER_INTEGRATION=1 to run against a live Postgres")
	}
	pool, err := pgxpool.New(context.Background(), os.Getenv("DATABASE_URL"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return New(pool, zerolog.Nop(), nil), pool
}

func TestIntegrationGrantIdempotentOnExternalRef(t *testing.T) {
	l, pool := newIntegrationLedger(t)
	defer pool.Close()
	ctx := context.Background()
	tenantID := "integration-tenant-grant"
	if err := l.EnsureTenant(ctx, tenantID); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}

	first, err := l.Grant(ctx, tenantID, money.FromDollars(10), KindPurchase, "stripe-evt-1")
	if err != nil {
		t.Fatalf("first grant: %v", err)
	}
	if !first.Applied {
		t.Fatal("expected first grant to be applied")
	}

	second, err := l.Grant(ctx, tenantID, money.FromDollars(10), KindPurchase, "stripe-evt-1")
	if err != nil {
		t.Fatalf("second grant: %v", err)
	}
	if second.Applied {
		t.Fatal("expected duplicate grant to be a no-op")
	}
	if second.BalanceAfter != first.BalanceAfter {
		t.Fatalf("balance changed on duplicate grant: %d != %d", second.BalanceAfter, first.BalanceAfter)
	}
}

func TestIntegrationConcurrentDebitsNeverExceedBalance(t *testing.T) {
	l, pool := newIntegrationLedger(t)
	defer pool.Close()
	ctx := context.Background()
	tenantID := "integration-tenant-concurrent"
	if err := l.EnsureTenant(ctx, tenantID); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}
	if _, err := l.Grant(ctx, tenantID, money.FromDollars(5), KindPurchase, "seed-grant"); err != nil {
		t.Fatalf("seed grant: %v", err)
	}

	const workers = 20
	const perWorker = money.Cents(50)
	results := make(chan DebitResult, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			res, err := l.Debit(ctx, tenantID, perWorker, KindDebit, uuidLikeRef(i))
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}(i)
	}

	var applied int
	for i := 0; i < workers; i++ {
		select {
		case err := <-errs:
			t.Fatalf("unexpected debit error: %v", err)
		case res := <-results:
			if res.Applied {
				applied++
			}
		}
	}

	balance, err := l.Balance(ctx, tenantID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if int64(applied)*int64(perWorker) > int64(money.FromDollars(5)) {
		t.Fatalf("applied debits (%d * %d) exceed starting balance", applied, perWorker)
	}
	if balance != money.FromDollars(5)-money.Cents(int64(applied)*int64(perWorker)) {
		t.Fatalf("balance %d inconsistent with %d applied debits", balance, applied)
	}
}

func uuidLikeRef(i int) string {
	return "concurrent-debit-ref-" + string(rune('a'+i))
}
