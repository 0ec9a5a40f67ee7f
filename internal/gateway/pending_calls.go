package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wopr-network/fleet/internal/money"
)

// PendingCall is a telephony call awaiting its provider status callback
// before it can be metered (spec.md §4.5: "webhookBaseUrl configured →
// billing is deferred until the provider's status callback reports actual
// duration"). The per-minute rates are snapshotted from the arbitrage
// estimate made at call placement, so the eventual settlement doesn't
// need to re-consult the catalog or re-run eligibility.
type PendingCall struct {
	CallSID                  string
	TenantID                 string
	Provider                 string
	RatePerMinuteWholesale   float64
	RatePerMinuteChargeCents float64
}

// PendingCallStore tracks calls placed with deferred billing until their
// status callback arrives.
type PendingCallStore interface {
	Put(ctx context.Context, call PendingCall) error
	// Consume atomically marks callSID settled and returns the pending
	// call it found. ok=false if the call is unknown or was already
	// settled (Twilio retries status callbacks; this keeps settlement
	// idempotent per spec.md §4.6's "non-idempotent handlers are
	// forbidden").
	Consume(ctx context.Context, callSID string) (call PendingCall, ok bool, err error)
}

// PostgresPendingCalls is the PendingCallStore backed by
// fleet.pending_calls.
type PostgresPendingCalls struct {
	pool *pgxpool.Pool
}

// NewPostgresPendingCalls builds a PendingCallStore over pool.
func NewPostgresPendingCalls(pool *pgxpool.Pool) *PostgresPendingCalls {
	return &PostgresPendingCalls{pool: pool}
}

func (s *PostgresPendingCalls) Put(ctx context.Context, call PendingCall) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleet.pending_calls (call_sid, tenant_id, provider, rate_per_minute_wholesale, rate_per_minute_charge_cents)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_sid) DO NOTHING`,
		call.CallSID, call.TenantID, call.Provider, call.RatePerMinuteWholesale, call.RatePerMinuteChargeCents)
	if err != nil {
		return fmt.Errorf("pending_calls: put: %w", err)
	}
	return nil
}

func (s *PostgresPendingCalls) Consume(ctx context.Context, callSID string) (PendingCall, bool, error) {
	var call PendingCall
	err := s.pool.QueryRow(ctx, `
		UPDATE fleet.pending_calls
		SET settled_at = now()
		WHERE call_sid = $1 AND settled_at IS NULL
		RETURNING call_sid, tenant_id, provider, rate_per_minute_wholesale, rate_per_minute_charge_cents`,
		callSID).Scan(&call.CallSID, &call.TenantID, &call.Provider, &call.RatePerMinuteWholesale, &call.RatePerMinuteChargeCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return PendingCall{}, false, nil
	}
	if err != nil {
		return PendingCall{}, false, fmt.Errorf("pending_calls: consume: %w", err)
	}
	return call, true, nil
}

// chargeForDuration scales the snapshotted per-minute rates by actual
// call duration.
func (c PendingCall) chargeForDuration(minutes float64) (wholesaleCost float64, charge money.Cents) {
	wholesaleCost = c.RatePerMinuteWholesale * minutes
	charge = money.Cents(int64(c.RatePerMinuteChargeCents*minutes + 0.5))
	return wholesaleCost, charge
}
