// Package setupsession implements the Setup Session Manager from
// spec.md §4.10: a short-lived guided-plugin-configuration conversation
// between a bot session and the platform. The single-in-progress-per-
// bot-session invariant is enforced at the storage layer via a partial
// unique index (fleet.setup_sessions, "UNIQUE (bot_session_id) WHERE
// status = 'in_progress'"), the same philosophy as the ledger's
// (kind, external_ref) unique constraint (internal/ledger/ledger.go):
// let Postgres reject the race rather than re-implementing a
// check-then-insert in application code.
package setupsession

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxErrors is the failure count at which a session auto-rolls-back
// (spec.md §4.10).
const maxErrors = 3

// Status is a setup session's lifecycle state.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusRolledBack Status = "rolled_back"
)

// ErrAlreadyInProgress is returned by Start when the bot session already
// has an in-progress setup session (translates to 409).
var ErrAlreadyInProgress = errors.New("setupsession: a setup is already in progress for this bot session")

// ErrNotFound is returned for an unknown session id, and for any
// operation against a session that's already reached a terminal state
// (complete/rollback are terminal; subsequent attempts must 404, per
// spec.md §4.10).
var ErrNotFound = errors.New("setupsession: session not found or already finalized")

// Session is one guided-configuration attempt.
type Session struct {
	ID           string
	BotSessionID string
	PluginID     string
	Status       Status
	ErrorCount   int
}

// Manager is the Postgres-backed Setup Session Manager.
type Manager struct {
	pool *pgxpool.Pool
}

// New builds a Manager over pool.
func New(pool *pgxpool.Pool) *Manager {
	return &Manager{pool: pool}
}

// Start opens a new setup session for (botSessionID, pluginID). The
// partial unique index rejects a second concurrent start for the same
// bot session; that conflict is translated to ErrAlreadyInProgress.
func (m *Manager) Start(ctx context.Context, botSessionID, pluginID string) (Session, error) {
	id := uuid.NewString()
	_, err := m.pool.Exec(ctx, `
		INSERT INTO fleet.setup_sessions (id, bot_session_id, plugin_id, status)
		VALUES ($1, $2, $3, 'in_progress')`,
		id, botSessionID, pluginID)
	if err != nil {
		if isUniqueViolation(err) {
			return Session{}, ErrAlreadyInProgress
		}
		return Session{}, fmt.Errorf("setupsession: start: %w", err)
	}
	return Session{ID: id, BotSessionID: botSessionID, PluginID: pluginID, Status: StatusInProgress}, nil
}

// CheckForResumable returns the in-progress session for botSessionID, if
// any (spec.md §4.10's checkForResumable).
func (m *Manager) CheckForResumable(ctx context.Context, botSessionID string) (Session, bool, error) {
	var s Session
	var status string
	err := m.pool.QueryRow(ctx, `
		SELECT id, bot_session_id, plugin_id, status, error_count
		FROM fleet.setup_sessions
		WHERE bot_session_id = $1 AND status = 'in_progress'`,
		botSessionID,
	).Scan(&s.ID, &s.BotSessionID, &s.PluginID, &status, &s.ErrorCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("setupsession: check resumable: %w", err)
	}
	s.Status = Status(status)
	return s, true, nil
}

// RecordError increments the session's failure count and, once it
// reaches maxErrors, auto-rolls the session back. Returns the session's
// resulting state.
func (m *Manager) RecordError(ctx context.Context, id string) (Session, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("setupsession: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var s Session
	var status string
	err = tx.QueryRow(ctx, `
		SELECT id, bot_session_id, plugin_id, status, error_count
		FROM fleet.setup_sessions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&s.ID, &s.BotSessionID, &s.PluginID, &status, &s.ErrorCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("setupsession: lock session: %w", err)
	}
	if Status(status) != StatusInProgress {
		return Session{}, ErrNotFound
	}

	s.ErrorCount++
	s.Status = StatusInProgress
	if s.ErrorCount >= maxErrors {
		s.Status = StatusRolledBack
	}

	_, err = tx.Exec(ctx, `
		UPDATE fleet.setup_sessions SET error_count = $2, status = $3 WHERE id = $1`,
		id, s.ErrorCount, string(s.Status))
	if err != nil {
		return Session{}, fmt.Errorf("setupsession: record error: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("setupsession: commit: %w", err)
	}
	return s, nil
}

// Complete transitions an in-progress session to completed. Terminal:
// a session that's already completed or rolled back returns ErrNotFound.
func (m *Manager) Complete(ctx context.Context, id string) error {
	return m.finalize(ctx, id, StatusCompleted)
}

// Rollback transitions an in-progress session to rolled_back.
func (m *Manager) Rollback(ctx context.Context, id string) error {
	return m.finalize(ctx, id, StatusRolledBack)
}

func (m *Manager) finalize(ctx context.Context, id string, to Status) error {
	tag, err := m.pool.Exec(ctx, `
		UPDATE fleet.setup_sessions SET status = $2 WHERE id = $1 AND status = 'in_progress'`,
		id, string(to))
	if err != nil {
		return fmt.Errorf("setupsession: finalize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505) — the partial index rejecting a second
// concurrent in-progress session.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
