// Package ledger implements the append-only per-tenant credit ledger
// (spec.md §4.1). All writes are strictly idempotent on (kind, externalRef)
// and serialize per tenant via a row lock on tenant_balances.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/wopr-network/fleet/internal/money"
	"github.com/wopr-network/fleet/internal/telemetry"
)

// Kind is the category of a ledger entry.
type Kind string

const (
	KindPurchase   Kind = "purchase"
	KindDebit      Kind = "debit"
	KindAdjustment Kind = "adjustment"
	KindRefund     Kind = "refund"
)

// ErrTenantNotFound is returned when the tenant has no balance row.
var ErrTenantNotFound = errors.New("ledger: tenant not found")

// GrantResult is the outcome of a grant (credit) operation.
type GrantResult struct {
	Applied      bool
	BalanceAfter money.Cents
}

// DebitResult is the outcome of a debit operation.
type DebitResult struct {
	Applied      bool
	BalanceAfter money.Cents
	CrossedZero  bool
}

// ExhaustionHook is invoked (best-effort, outside the ledger transaction)
// whenever a debit crosses a tenant's balance through zero.
type ExhaustionHook func(ctx context.Context, tenantID string)

// Ledger is the Postgres-backed credit ledger.
type Ledger struct {
	pool    *pgxpool.Pool
	logger  zerolog.Logger
	onEmpty ExhaustionHook
}

// New creates a Ledger backed by pool. onEmpty may be nil.
func New(pool *pgxpool.Pool, logger zerolog.Logger, onEmpty ExhaustionHook) *Ledger {
	if onEmpty == nil {
		onEmpty = func(context.Context, string) {}
	}
	return &Ledger{pool: pool, logger: logger, onEmpty: onEmpty}
}

// Balance returns the tenant's current cached balance.
func (l *Ledger) Balance(ctx context.Context, tenantID string) (money.Cents, error) {
	var cents int64
	err := l.pool.QueryRow(ctx,
		`SELECT balance_cents FROM fleet.tenant_balances WHERE tenant_id = $1`, tenantID,
	).Scan(&cents)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrTenantNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: balance query: %w", err)
	}
	return money.Cents(cents), nil
}

// Grant credits a tenant's balance. Negative amounts are rejected.
// Idempotent on externalRef within KindPurchase/KindAdjustment/KindRefund.
func (l *Ledger) Grant(ctx context.Context, tenantID string, amount money.Cents, kind Kind, externalRef string) (GrantResult, error) {
	if amount < 0 {
		return GrantResult{}, fmt.Errorf("ledger: grant amount must be non-negative, got %d", amount)
	}
	applied, balanceAfter, _, err := l.write(ctx, tenantID, amount, kind, externalRef)
	if err != nil {
		return GrantResult{}, err
	}
	return GrantResult{Applied: applied, BalanceAfter: balanceAfter}, nil
}

// Debit reduces a tenant's balance by amount (amount is given as a
// positive number of cents to subtract). Idempotent on externalRef within
// KindDebit.
func (l *Ledger) Debit(ctx context.Context, tenantID string, amount money.Cents, kind Kind, externalRef string) (DebitResult, error) {
	if amount < 0 {
		return DebitResult{}, fmt.Errorf("ledger: debit amount must be non-negative, got %d", amount)
	}
	applied, balanceAfter, crossedZero, err := l.write(ctx, tenantID, -amount, kind, externalRef)
	if err != nil {
		return DebitResult{}, err
	}
	telemetry.LedgerDebitsTotal.WithLabelValues(outcomeLabel(applied)).Inc()
	if crossedZero {
		telemetry.LedgerCrossedZeroTotal.WithLabelValues(tenantID).Inc()
		l.onEmpty(ctx, tenantID)
	}
	return DebitResult{Applied: applied, BalanceAfter: balanceAfter, CrossedZero: crossedZero}, nil
}

func outcomeLabel(applied bool) string {
	if applied {
		return "applied"
	}
	return "duplicate"
}

// write performs the signed ledger insert + balance update inside one
// transaction, using a row lock on tenant_balances to serialize per-tenant
// writes (spec.md §5). The unique (kind, external_ref) constraint makes
// the idempotency check race-free: a duplicate insert is detected by
// ON CONFLICT DO NOTHING rather than a separate lookup-then-insert.
func (l *Ledger) write(ctx context.Context, tenantID string, signedAmount money.Cents, kind Kind, externalRef string) (applied bool, balanceAfter money.Cents, crossedZero bool, err error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return false, 0, false, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var before int64
	err = tx.QueryRow(ctx,
		`SELECT balance_cents FROM fleet.tenant_balances WHERE tenant_id = $1 FOR UPDATE`, tenantID,
	).Scan(&before)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, 0, false, ErrTenantNotFound
	}
	if err != nil {
		return false, 0, false, fmt.Errorf("ledger: lock balance row: %w", err)
	}

	// A debit that would drive the balance below zero is rejected outright
	// rather than applied and clamped: spec.md §8 requires the sum of
	// successful debits never exceed the starting balance, so under
	// concurrent debits some must lose the row lock's queue and see a
	// stale-enough `before` to fail this check instead of all applying.
	if signedAmount < 0 && before+int64(signedAmount) < 0 {
		return false, money.Cents(before), false, nil
	}

	id := uuid.New()
	tag, err := tx.Exec(ctx,
		`INSERT INTO fleet.ledger_entries (id, tenant_id, amount_cents, kind, external_ref)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (kind, external_ref) DO NOTHING`,
		id, tenantID, int64(signedAmount), string(kind), externalRef,
	)
	if err != nil {
		return false, 0, false, fmt.Errorf("ledger: insert entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already applied: return the current balance unchanged, no-op.
		if err := tx.Commit(ctx); err != nil {
			return false, 0, false, fmt.Errorf("ledger: commit no-op: %w", err)
		}
		return false, money.Cents(before), false, nil
	}

	after := before + int64(signedAmount)
	if _, err := tx.Exec(ctx,
		`UPDATE fleet.tenant_balances SET balance_cents = $1 WHERE tenant_id = $2`,
		after, tenantID,
	); err != nil {
		return false, 0, false, fmt.Errorf("ledger: update balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, false, fmt.Errorf("ledger: commit: %w", err)
	}

	crossed := before > 0 && after <= 0
	return true, money.Cents(after), crossed, nil
}

// EnsureTenant creates the tenant's balance row if it does not exist yet,
// starting from a zero balance. Safe to call repeatedly.
func (l *Ledger) EnsureTenant(ctx context.Context, tenantID string) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO fleet.tenant_balances (tenant_id, balance_cents) VALUES ($1, 0)
		 ON CONFLICT (tenant_id) DO NOTHING`, tenantID,
	)
	if err != nil {
		return fmt.Errorf("ledger: ensure tenant: %w", err)
	}
	return nil
}
