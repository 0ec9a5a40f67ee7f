package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTenantNotFound is returned when a tenant id has no fleet.tenants row.
var ErrTenantNotFound = errors.New("billing: tenant not found")

// Tenant mirrors fleet.tenants — the row this system's own tenant
// registration writes once, ahead of any gateway traffic.
type Tenant struct {
	ID                  string
	Tier                string
	ProcessorCustomerID string
}

// TenantStore reads and updates fleet.tenants. Narrow by design: the
// ledger package owns fleet.tenant_balances and every debit/credit path;
// this store only ever touches the tier tag and payment-processor
// customer mapping that Stripe's checkout/portal flows need.
type TenantStore struct {
	pool *pgxpool.Pool
}

// NewTenantStore builds a TenantStore over pool.
func NewTenantStore(pool *pgxpool.Pool) *TenantStore {
	return &TenantStore{pool: pool}
}

// Get returns tenantID's tier and processor customer id.
func (s *TenantStore) Get(ctx context.Context, tenantID string) (Tenant, error) {
	var t Tenant
	var customerID *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, tier, processor_customer_id FROM fleet.tenants WHERE id = $1`, tenantID,
	).Scan(&t.ID, &t.Tier, &customerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrTenantNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("billing: get tenant: %w", err)
	}
	if customerID != nil {
		t.ProcessorCustomerID = *customerID
	}
	return t, nil
}

// Tier resolves a tenant's tier tag — satisfies fleet.TierLookup,
// letting the Fleet HTTP surface's snapshot quota check reuse this same
// store without internal/fleet importing internal/billing.
func (s *TenantStore) Tier(ctx context.Context, tenantID string) (string, error) {
	t, err := s.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return t.Tier, nil
}

// SetProcessorCustomerID records customerID against tenantID, once
// Stripe has minted one (first checkout or portal session).
func (s *TenantStore) SetProcessorCustomerID(ctx context.Context, tenantID, customerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fleet.tenants SET processor_customer_id = $2 WHERE id = $1`, tenantID, customerID)
	if err != nil {
		return fmt.Errorf("billing: set processor customer id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}
