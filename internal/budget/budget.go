// Package budget implements the synchronous pre-call spend gate that sits
// in front of the gateway proxy (spec.md §4.4). Reads are allowed to be
// stale; the ledger debit remains the authoritative check.
package budget

import (
	"context"
	"fmt"
	"net/http"

	"github.com/wopr-network/fleet/internal/money"
)

// Reason names why a request was denied.
type Reason string

const (
	ReasonInsufficientCredits Reason = "insufficient_credits"
	ReasonSpendLimitExceeded  Reason = "spend_limit_exceeded"
)

// HTTPStatus maps a denial reason to the status code the gateway returns.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonInsufficientCredits:
		return http.StatusPaymentRequired
	case ReasonSpendLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Result is the gate's verdict.
type Result struct {
	Allowed bool
	Reason  Reason
}

// Denied builds a Result for a rejected request.
func Denied(reason Reason) Result { return Result{Allowed: false, Reason: reason} }

// Allowed is the zero-cost happy-path verdict.
var Allowed = Result{Allowed: true}

// SpendLimits are the tenant's configured caps, nil fields meaning
// "unlimited".
type SpendLimits struct {
	DailyCents   *money.Cents
	MonthlyCents *money.Cents
}

// SpendReader reports how much a tenant has spent in the current daily and
// monthly windows. Implementations typically aggregate fleet.meter_events.
type SpendReader interface {
	SpentToday(ctx context.Context, tenantID string) (money.Cents, error)
	SpentThisMonth(ctx context.Context, tenantID string) (money.Cents, error)
}

// BalanceReader reports a tenant's current ledger balance.
type BalanceReader interface {
	Balance(ctx context.Context, tenantID string) (money.Cents, error)
}

// Checker is the synchronous pre-call gate.
type Checker struct {
	balances BalanceReader
	spend    SpendReader
	limits   func(ctx context.Context, tenantID string) (SpendLimits, error)
}

// New constructs a Checker. limits may be nil, in which case no spend-limit
// check is performed (only the free-balance check runs).
func New(balances BalanceReader, spend SpendReader, limits func(ctx context.Context, tenantID string) (SpendLimits, error)) *Checker {
	return &Checker{balances: balances, spend: spend, limits: limits}
}

// Check runs the pre-call gate for tenantID. A nil error with
// Result.Allowed == false means the caller should short-circuit with the
// mapped HTTP status; a non-nil error means the check itself failed.
func (c *Checker) Check(ctx context.Context, tenantID string) (Result, error) {
	balance, err := c.balances.Balance(ctx, tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("budget: read balance: %w", err)
	}
	if balance < 1 {
		return Denied(ReasonInsufficientCredits), nil
	}

	if c.limits == nil {
		return Allowed, nil
	}
	limits, err := c.limits(ctx, tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("budget: read spend limits: %w", err)
	}
	if limits.DailyCents == nil && limits.MonthlyCents == nil {
		return Allowed, nil
	}

	if limits.DailyCents != nil {
		spentToday, err := c.spend.SpentToday(ctx, tenantID)
		if err != nil {
			return Result{}, fmt.Errorf("budget: read daily spend: %w", err)
		}
		if spentToday >= *limits.DailyCents {
			return Denied(ReasonSpendLimitExceeded), nil
		}
	}
	if limits.MonthlyCents != nil {
		spentMonth, err := c.spend.SpentThisMonth(ctx, tenantID)
		if err != nil {
			return Result{}, fmt.Errorf("budget: read monthly spend: %w", err)
		}
		if spentMonth >= *limits.MonthlyCents {
			return Denied(ReasonSpendLimitExceeded), nil
		}
	}

	return Allowed, nil
}
