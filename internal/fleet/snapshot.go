package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SnapshotKind enumerates the two snapshot origins spec.md §3 names.
// Only on-demand snapshots may be deleted by the tenant; nightly
// snapshots are retention-managed elsewhere and are immutable from this
// surface's point of view.
type SnapshotKind string

const (
	SnapshotOnDemand SnapshotKind = "on-demand"
	SnapshotNightly  SnapshotKind = "nightly"
)

// ErrSnapshotNotFound is returned by Get/Delete when the id doesn't exist.
var ErrSnapshotNotFound = errors.New("fleet: snapshot not found")

// ErrSnapshotNotDeletable is returned by Delete when the snapshot is not
// on-demand (spec.md §3 invariant).
var ErrSnapshotNotDeletable = errors.New("fleet: only on-demand snapshots are deletable")

// ErrSnapshotQuotaExceeded is returned by CreateOnDemand when the tenant's
// tier-based on-demand snapshot quota is already at capacity.
type ErrSnapshotQuotaExceeded struct {
	Current, Max int
	Tier         string
}

func (e *ErrSnapshotQuotaExceeded) Error() string {
	return fmt.Sprintf("fleet: snapshot quota exceeded (%d/%d for tier %q)", e.Current, e.Max, e.Tier)
}

// snapshotQuota maps a tenant tier to its maximum concurrent on-demand
// snapshot count. Not named anywhere in the source spec beyond the
// "current/max/tier" error shape (spec.md §7's quota_error) — decided
// here as an Open Question resolution; -1 means unlimited.
var snapshotQuota = map[string]int{
	"standard":   3,
	"pro":        10,
	"enterprise": -1,
}

func quotaForTier(tier string) int {
	if max, ok := snapshotQuota[tier]; ok {
		return max
	}
	return snapshotQuota["standard"]
}

// Snapshot is one tenant-owned bot backup (spec.md §3).
type Snapshot struct {
	ID          string
	BotID       string
	TenantID    string
	Kind        SnapshotKind
	StoragePath string
	SizeBytes   int64
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// TierLookup resolves a tenant's tier tag, used to size its on-demand
// snapshot quota. Narrowed so SnapshotStore doesn't need a full tenant
// store dependency.
type TierLookup func(ctx context.Context, tenantID string) (string, error)

// SnapshotStore persists Snapshot rows over fleet.snapshots and enforces
// the on-demand quota at creation time.
type SnapshotStore struct {
	pool *pgxpool.Pool
	tier TierLookup
}

// NewSnapshotStore builds a SnapshotStore over pool, resolving tenant
// tiers via tier.
func NewSnapshotStore(pool *pgxpool.Pool, tier TierLookup) *SnapshotStore {
	return &SnapshotStore{pool: pool, tier: tier}
}

const snapshotColumns = `id, bot_id, tenant_id, kind, storage_path, size_bytes, created_at, expires_at`

func scanSnapshot(row pgx.Row) (Snapshot, error) {
	var s Snapshot
	var kind string
	err := row.Scan(&s.ID, &s.BotID, &s.TenantID, &kind, &s.StoragePath, &s.SizeBytes, &s.CreatedAt, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("fleet: scan snapshot: %w", err)
	}
	s.Kind = SnapshotKind(kind)
	return s, nil
}

// CreateOnDemand records a new on-demand snapshot for the tenant that
// owns botID, rejecting it with ErrSnapshotQuotaExceeded once the
// tenant's tier quota of on-demand snapshots for that bot is already met.
// storagePath/sizeBytes are supplied by the caller — the object store
// that actually wrote the blob is outside this system's scope (spec.md
// §1's "out of scope" list).
func (s *SnapshotStore) CreateOnDemand(ctx context.Context, botID, tenantID, storagePath string, sizeBytes int64) (Snapshot, error) {
	tier, err := s.tier(ctx, tenantID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fleet: resolve tenant tier: %w", err)
	}
	max := quotaForTier(tier)

	if max >= 0 {
		var current int
		err := s.pool.QueryRow(ctx, `
			SELECT count(*) FROM fleet.snapshots
			WHERE bot_id = $1 AND kind = $2`, botID, string(SnapshotOnDemand)).Scan(&current)
		if err != nil {
			return Snapshot{}, fmt.Errorf("fleet: count snapshots: %w", err)
		}
		if current >= max {
			return Snapshot{}, &ErrSnapshotQuotaExceeded{Current: current, Max: max, Tier: tier}
		}
	}

	snap := Snapshot{
		ID:          uuid.NewString(),
		BotID:       botID,
		TenantID:    tenantID,
		Kind:        SnapshotOnDemand,
		StoragePath: storagePath,
		SizeBytes:   sizeBytes,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fleet.snapshots (id, bot_id, tenant_id, kind, storage_path, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.ID, snap.BotID, snap.TenantID, string(snap.Kind), snap.StoragePath, snap.SizeBytes)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fleet: create snapshot: %w", err)
	}
	return s.Get(ctx, snap.ID)
}

// Get returns one snapshot by id.
func (s *SnapshotStore) Get(ctx context.Context, id string) (Snapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM fleet.snapshots WHERE id = $1`, id)
	return scanSnapshot(row)
}

// ListByBot returns every snapshot recorded for botID, newest first.
func (s *SnapshotStore) ListByBot(ctx context.Context, botID string) ([]Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM fleet.snapshots WHERE bot_id = $1 ORDER BY created_at DESC`, botID)
	if err != nil {
		return nil, fmt.Errorf("fleet: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Delete removes an on-demand snapshot. Nightly snapshots return
// ErrSnapshotNotDeletable (spec.md §3 invariant).
func (s *SnapshotStore) Delete(ctx context.Context, id string) error {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if snap.Kind != SnapshotOnDemand {
		return ErrSnapshotNotDeletable
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM fleet.snapshots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("fleet: delete snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSnapshotNotFound
	}
	return nil
}
