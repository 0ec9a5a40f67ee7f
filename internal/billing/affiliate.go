// Package billing implements the Billing HTTP surface additions
// spec.md §6 lists alongside the gateway proper: affiliate codes and
// referral recording. Modeled on the teacher's flat CRUD handler style
// (services/gateway/handler/providers.go): a thin http.HandlerFunc set
// over a small Postgres-backed store, chi.URLParam for path segments,
// a shared writeJSON helper.
package billing

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrCodeNotFound is returned when an affiliate code doesn't exist.
var ErrCodeNotFound = errors.New("billing: affiliate code not found")

// AffiliateCode is a tenant's referral code.
type AffiliateCode struct {
	Code      string
	TenantID  string
	CreatedAt time.Time
}

// AffiliateReferral records one successful referral against a code.
type AffiliateReferral struct {
	ID               string
	Code             string
	ReferredTenantID string
	CreatedAt        time.Time
}

// AffiliateStore persists codes and referrals over
// fleet.affiliate_codes / fleet.affiliate_referrals.
type AffiliateStore struct {
	pool *pgxpool.Pool
}

// NewAffiliateStore builds an AffiliateStore over pool.
func NewAffiliateStore(pool *pgxpool.Pool) *AffiliateStore {
	return &AffiliateStore{pool: pool}
}

// generateCode mints an 8-character base32 code (Crockford-adjacent,
// upper alphanumeric) — short enough for a tenant to read out over a
// support call, with enough entropy to avoid collision at any
// reasonable tenant count.
func generateCode() (string, error) {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("billing: generate affiliate code: %w", err)
	}
	return strings.ToUpper(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)), nil
}

// CreateCode mints and stores a new affiliate code for tenantID.
func (s *AffiliateStore) CreateCode(ctx context.Context, tenantID string) (AffiliateCode, error) {
	code, err := generateCode()
	if err != nil {
		return AffiliateCode{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO fleet.affiliate_codes (code, tenant_id) VALUES ($1, $2)`, code, tenantID)
	if err != nil {
		return AffiliateCode{}, fmt.Errorf("billing: create affiliate code: %w", err)
	}
	return AffiliateCode{Code: code, TenantID: tenantID}, nil
}

// GetCodeForTenant returns tenantID's most recently issued code.
func (s *AffiliateStore) GetCodeForTenant(ctx context.Context, tenantID string) (AffiliateCode, error) {
	var c AffiliateCode
	err := s.pool.QueryRow(ctx, `
		SELECT code, tenant_id, created_at FROM fleet.affiliate_codes
		WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT 1`, tenantID,
	).Scan(&c.Code, &c.TenantID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return AffiliateCode{}, ErrCodeNotFound
	}
	if err != nil {
		return AffiliateCode{}, fmt.Errorf("billing: get affiliate code: %w", err)
	}
	return c, nil
}

// RecordReferral records referredTenantID as referred by code.
func (s *AffiliateStore) RecordReferral(ctx context.Context, code, referredTenantID string) (AffiliateReferral, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleet.affiliate_referrals (id, code, referred_tenant_id)
		VALUES ($1, $2, $3)`,
		id, code, referredTenantID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return AffiliateReferral{}, ErrCodeNotFound
		}
		return AffiliateReferral{}, fmt.Errorf("billing: record referral: %w", err)
	}
	return AffiliateReferral{ID: id, Code: code, ReferredTenantID: referredTenantID}, nil
}

// ListReferrals returns every referral recorded against code.
func (s *AffiliateStore) ListReferrals(ctx context.Context, code string) ([]AffiliateReferral, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, code, referred_tenant_id, created_at FROM fleet.affiliate_referrals
		WHERE code = $1 ORDER BY created_at`, code)
	if err != nil {
		return nil, fmt.Errorf("billing: list referrals: %w", err)
	}
	defer rows.Close()

	var out []AffiliateReferral
	for rows.Next() {
		var ref AffiliateReferral
		if err := rows.Scan(&ref.ID, &ref.Code, &ref.ReferredTenantID, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("billing: scan referral: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// TenantFromContext resolves the bearer-authenticated tenant id for a
// request — narrowed so this package doesn't import internal/auth.
type TenantFromContext func(r *http.Request) (string, bool)

// AffiliateHandler serves GET/POST /billing/affiliate[/...] (spec.md §6).
type AffiliateHandler struct {
	store      *AffiliateStore
	tenantFrom TenantFromContext
}

// NewAffiliateHandler builds an AffiliateHandler.
func NewAffiliateHandler(store *AffiliateStore, tenantFrom TenantFromContext) *AffiliateHandler {
	return &AffiliateHandler{store: store, tenantFrom: tenantFrom}
}

// CreateOrGetCode handles POST /billing/affiliate: mints a code for the
// calling tenant if one doesn't already exist, otherwise returns the
// existing one.
func (h *AffiliateHandler) CreateOrGetCode(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_error", "missing or invalid bearer token")
		return
	}

	code, err := h.store.GetCodeForTenant(r.Context(), tenantID)
	if errors.Is(err, ErrCodeNotFound) {
		code, err = h.store.CreateCode(r.Context(), tenantID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to issue affiliate code")
		return
	}
	writeJSON(w, http.StatusOK, code)
}

// GetCode handles GET /billing/affiliate: returns the calling tenant's
// code along with its referral history.
func (h *AffiliateHandler) GetCode(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_error", "missing or invalid bearer token")
		return
	}

	code, err := h.store.GetCodeForTenant(r.Context(), tenantID)
	if errors.Is(err, ErrCodeNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no affiliate code issued for this tenant")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to load affiliate code")
		return
	}

	referrals, err := h.store.ListReferrals(r.Context(), code.Code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to load referrals")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code, "referrals": referrals})
}

// RecordReferral handles POST /billing/affiliate/:code/referrals: called
// when a new tenant signs up under an affiliate code.
func (h *AffiliateHandler) RecordReferral(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var body struct {
		ReferredTenantID string `json:"referredTenantId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body")
		return
	}
	if body.ReferredTenantID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "referredTenantId is required")
		return
	}

	referral, err := h.store.RecordReferral(r.Context(), code, body.ReferredTenantID)
	if errors.Is(err, ErrCodeNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown affiliate code")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to record referral")
		return
	}
	writeJSON(w, http.StatusCreated, referral)
}

// isForeignKeyViolation reports whether err is a Postgres foreign-key
// violation (SQLSTATE 23503) — here, a referral recorded against a code
// that was never issued.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"type": kind, "message": message}})
}
