// Package fleet implements the Fleet Manager, Profile Store, and Node
// Command Bus from spec.md §4.8. The Profile Store is Postgres-backed
// (fleet.bot_profiles, env as jsonb), grounded in the same
// row-lock-then-write transaction shape ledger.Ledger.write uses
// (internal/ledger/ledger.go): SELECT ... FOR UPDATE inside the mutating
// transaction, rather than a separate lookup-then-compare-and-swap.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrBotNotFound is distinct from transport errors: callers must
// translate it to 404 (spec.md §4.8).
var ErrBotNotFound = errors.New("fleet: bot profile not found")

// BotProfile is one tenant-owned bot's desired-state record.
type BotProfile struct {
	ID             string
	TenantID       string
	Name           string
	Image          string
	ReleaseChannel string
	Env            map[string]string
	RestartPolicy  string
	UpdatePolicy   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProfileStore persists BotProfile rows and exposes the locked
// read-modify-write primitive the Fleet Manager needs to satisfy the
// concurrent-install invariant (spec.md §4.8/§8).
type ProfileStore interface {
	Create(ctx context.Context, profile BotProfile) error
	Get(ctx context.Context, id string) (BotProfile, error)
	ListByTenant(ctx context.Context, tenantID string) ([]BotProfile, error)
	Delete(ctx context.Context, id string) error

	// WithLock re-reads the current row FOR UPDATE inside a single
	// transaction, applies fn to it, and persists fn's result if fn
	// returns a nil error — all before any other writer can observe or
	// mutate the row. If fn returns an error, the transaction rolls
	// back and the stored profile is untouched.
	WithLock(ctx context.Context, id string, fn func(current BotProfile) (BotProfile, error)) (BotProfile, error)
}

// PostgresProfiles is the ProfileStore backed by fleet.bot_profiles.
type PostgresProfiles struct {
	pool *pgxpool.Pool
}

// NewPostgresProfiles builds a ProfileStore over pool.
func NewPostgresProfiles(pool *pgxpool.Pool) *PostgresProfiles {
	return &PostgresProfiles{pool: pool}
}

func (s *PostgresProfiles) Create(ctx context.Context, profile BotProfile) error {
	env, err := json.Marshal(profile.Env)
	if err != nil {
		return fmt.Errorf("fleet: marshal env: %w", err)
	}
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fleet.bot_profiles
			(id, tenant_id, name, image, release_channel, env, restart_policy, update_policy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		profile.ID, profile.TenantID, profile.Name, profile.Image, profile.ReleaseChannel,
		env, profile.RestartPolicy, profile.UpdatePolicy)
	if err != nil {
		return fmt.Errorf("fleet: create profile: %w", err)
	}
	return nil
}

func scanProfile(row pgx.Row) (BotProfile, error) {
	var p BotProfile
	var env []byte
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Image, &p.ReleaseChannel, &env,
		&p.RestartPolicy, &p.UpdatePolicy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return BotProfile{}, ErrBotNotFound
	}
	if err != nil {
		return BotProfile{}, fmt.Errorf("fleet: scan profile: %w", err)
	}
	if len(env) > 0 {
		if err := json.Unmarshal(env, &p.Env); err != nil {
			return BotProfile{}, fmt.Errorf("fleet: unmarshal env: %w", err)
		}
	}
	return p, nil
}

const profileColumns = `id, tenant_id, name, image, release_channel, env, restart_policy, update_policy, created_at, updated_at`

func (s *PostgresProfiles) Get(ctx context.Context, id string) (BotProfile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM fleet.bot_profiles WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanProfile(row)
}

func (s *PostgresProfiles) ListByTenant(ctx context.Context, tenantID string) ([]BotProfile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM fleet.bot_profiles WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("fleet: list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []BotProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *PostgresProfiles) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fleet.bot_profiles SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("fleet: delete profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBotNotFound
	}
	return nil
}

// WithLock implements the locked read-modify-write primitive: two
// concurrent callers racing on the same id serialize on the row lock, so
// the second caller's fn observes the first caller's committed write
// rather than a stale copy (the invariant spec.md §4.8 tests for: two
// concurrent plugin installs both end up reflected in the final env).
func (s *PostgresProfiles) WithLock(ctx context.Context, id string, fn func(current BotProfile) (BotProfile, error)) (BotProfile, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return BotProfile{}, fmt.Errorf("fleet: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM fleet.bot_profiles WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id)
	current, err := scanProfile(row)
	if err != nil {
		return BotProfile{}, err
	}

	next, err := fn(current)
	if err != nil {
		return BotProfile{}, err
	}

	env, err := json.Marshal(next.Env)
	if err != nil {
		return BotProfile{}, fmt.Errorf("fleet: marshal env: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE fleet.bot_profiles
		SET name = $2, image = $3, release_channel = $4, env = $5,
		    restart_policy = $6, update_policy = $7, updated_at = now()
		WHERE id = $1`,
		id, next.Name, next.Image, next.ReleaseChannel, env, next.RestartPolicy, next.UpdatePolicy)
	if err != nil {
		return BotProfile{}, fmt.Errorf("fleet: update profile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return BotProfile{}, fmt.Errorf("fleet: commit update: %w", err)
	}
	next.ID = id
	next.UpdatedAt = time.Now()
	return next, nil
}

// InstanceStore tracks which node a bot's container currently runs on
// (fleet.bot_instances), so the Node Command Bus knows where to dispatch
// recreate/stop/move commands.
type InstanceStore interface {
	NodeFor(ctx context.Context, botID string) (nodeID string, err error)
	SetNode(ctx context.Context, botID, nodeID string) error
	Delete(ctx context.Context, botID string) error
}

// PostgresInstances is the InstanceStore backed by fleet.bot_instances.
type PostgresInstances struct {
	pool *pgxpool.Pool
}

// NewPostgresInstances builds an InstanceStore over pool.
func NewPostgresInstances(pool *pgxpool.Pool) *PostgresInstances {
	return &PostgresInstances{pool: pool}
}

func (s *PostgresInstances) NodeFor(ctx context.Context, botID string) (string, error) {
	var nodeID *string
	err := s.pool.QueryRow(ctx, `SELECT node_id FROM fleet.bot_instances WHERE bot_id = $1`, botID).Scan(&nodeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrBotNotFound
	}
	if err != nil {
		return "", fmt.Errorf("fleet: node lookup: %w", err)
	}
	if nodeID == nil {
		return "", nil
	}
	return *nodeID, nil
}

func (s *PostgresInstances) SetNode(ctx context.Context, botID, nodeID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleet.bot_instances (bot_id, node_id) VALUES ($1, $2)
		ON CONFLICT (bot_id) DO UPDATE SET node_id = EXCLUDED.node_id`,
		botID, nodeID)
	if err != nil {
		return fmt.Errorf("fleet: set node: %w", err)
	}
	return nil
}

func (s *PostgresInstances) Delete(ctx context.Context, botID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM fleet.bot_instances WHERE bot_id = $1`, botID)
	if err != nil {
		return fmt.Errorf("fleet: delete instance: %w", err)
	}
	return nil
}
