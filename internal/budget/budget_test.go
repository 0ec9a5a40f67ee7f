package budget

import (
	"context"
	"net/http"
	"testing"

	"github.com/wopr-network/fleet/internal/money"
)

type fakeBalances struct {
	balance money.Cents
	err     error
}

func (f fakeBalances) Balance(context.Context, string) (money.Cents, error) { return f.balance, f.err }

type fakeSpend struct {
	today, month money.Cents
}

func (f fakeSpend) SpentToday(context.Context, string) (money.Cents, error)     { return f.today, nil }
func (f fakeSpend) SpentThisMonth(context.Context, string) (money.Cents, error) { return f.month, nil }

func cents(c money.Cents) *money.Cents { return &c }

func TestCheckDeniesZeroBalance(t *testing.T) {
	c := New(fakeBalances{balance: 0}, fakeSpend{}, nil)
	res, err := c.Check(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected denial for zero balance")
	}
	if res.Reason != ReasonInsufficientCredits {
		t.Fatalf("reason = %v, want insufficient_credits", res.Reason)
	}
	if res.Reason.HTTPStatus() != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", res.Reason.HTTPStatus())
	}
}

func TestCheckAllowsPositiveBalanceNoLimits(t *testing.T) {
	c := New(fakeBalances{balance: 100}, fakeSpend{}, nil)
	res, err := c.Check(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected allow, got deny with reason %v", res.Reason)
	}
}

func TestCheckDeniesDailySpendLimitExceeded(t *testing.T) {
	limits := func(context.Context, string) (SpendLimits, error) {
		return SpendLimits{DailyCents: cents(500)}, nil
	}
	c := New(fakeBalances{balance: 100}, fakeSpend{today: 500}, limits)
	res, err := c.Check(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected denial when daily spend has reached the limit")
	}
	if res.Reason != ReasonSpendLimitExceeded {
		t.Fatalf("reason = %v, want spend_limit_exceeded", res.Reason)
	}
	if res.Reason.HTTPStatus() != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", res.Reason.HTTPStatus())
	}
}

func TestCheckAllowsUnderMonthlyLimit(t *testing.T) {
	limits := func(context.Context, string) (SpendLimits, error) {
		return SpendLimits{MonthlyCents: cents(10000)}, nil
	}
	c := New(fakeBalances{balance: 100}, fakeSpend{month: 9999}, limits)
	res, err := c.Check(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected allow just under monthly limit, got deny: %v", res.Reason)
	}
}
