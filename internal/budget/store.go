package budget

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wopr-network/fleet/internal/money"
)

// MeterSpendReader implements SpendReader directly over fleet.meter_events,
// the same table the gateway's meter sink writes to — no separate rollup
// table, matching internal/billing.UsageStore's read-straight-off-meter
// convention for the daily/monthly windows this gate needs.
type MeterSpendReader struct {
	pool *pgxpool.Pool
}

// NewMeterSpendReader builds a MeterSpendReader over pool.
func NewMeterSpendReader(pool *pgxpool.Pool) *MeterSpendReader {
	return &MeterSpendReader{pool: pool}
}

func (s *MeterSpendReader) sumSince(ctx context.Context, tenantID, interval string) (money.Cents, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT coalesce(sum(charge_cents), 0)
		FROM fleet.meter_events
		WHERE tenant_id = $1 AND created_at >= date_trunc('`+interval+`', now())`,
		tenantID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("budget: sum spend since %s: %w", interval, err)
	}
	return money.Cents(total), nil
}

// SpentToday sums charge_cents since the start of the current day.
func (s *MeterSpendReader) SpentToday(ctx context.Context, tenantID string) (money.Cents, error) {
	return s.sumSince(ctx, tenantID, "day")
}

// SpentThisMonth sums charge_cents since the start of the current month.
func (s *MeterSpendReader) SpentThisMonth(ctx context.Context, tenantID string) (money.Cents, error) {
	return s.sumSince(ctx, tenantID, "month")
}

// TenantLimits reads a tenant's configured spend caps from fleet.tenants,
// in the shape Checker.New's limits function expects. A nil column means
// unlimited for that window.
func TenantLimits(pool *pgxpool.Pool) func(ctx context.Context, tenantID string) (SpendLimits, error) {
	return func(ctx context.Context, tenantID string) (SpendLimits, error) {
		var daily, monthly *int64
		err := pool.QueryRow(ctx, `
			SELECT spend_limit_cents_daily, spend_limit_cents_monthly
			FROM fleet.tenants
			WHERE id = $1`, tenantID).Scan(&daily, &monthly)
		if errors.Is(err, pgx.ErrNoRows) {
			return SpendLimits{}, nil
		}
		if err != nil {
			return SpendLimits{}, fmt.Errorf("budget: read tenant limits: %w", err)
		}
		var limits SpendLimits
		if daily != nil {
			c := money.Cents(*daily)
			limits.DailyCents = &c
		}
		if monthly != nil {
			c := money.Cents(*monthly)
			limits.MonthlyCents = &c
		}
		return limits, nil
	}
}
