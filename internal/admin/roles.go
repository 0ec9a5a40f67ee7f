// Package admin implements the platform/tenant role management surface
// from spec.md §6: `/api/admin/roles/:tenantId[/:userId]` and
// `/api/admin/platform-admins`. Grounded on wisbric-nightowl's RBAC
// package shape (internal/auth/rbac.go): role-string comparison,
// identity pulled from request context, a shared JSON error responder —
// generalized from that package's fixed role hierarchy
// (admin/manager/engineer/readonly) to this platform's tenant-role /
// platform-admin split.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PlatformTenantID is the reserved tenant identifier the role store uses
// to express platform-wide admin grants (spec.md glossary: "Platform
// tenant").
const PlatformTenantID = "__platform__"

// RolePlatformAdmin is the role that grants platform-wide administrative
// access. It may only be granted by an existing platform admin
// (spec.md §6), and the last holder may never be removed.
const RolePlatformAdmin = "platform_admin"

// ErrLastPlatformAdmin is returned when an operation would leave the
// platform with zero platform admins.
var ErrLastPlatformAdmin = errors.New("admin: cannot remove the last platform admin")

// ErrForbidden is returned when the caller lacks the privilege the
// requested operation needs.
var ErrForbidden = errors.New("admin: caller lacks required privilege")

// TenantRole is one (tenant, user, role) grant.
type TenantRole struct {
	TenantID string
	UserID   string
	Role     string
}

// Store persists role grants over fleet.tenant_roles.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore builds a Store over pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Grant records (tenantID, userID, role), idempotently (the composite
// primary key makes a repeat grant a no-op).
func (s *Store) Grant(ctx context.Context, tenantID, userID, role string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleet.tenant_roles (tenant_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, user_id, role) DO NOTHING`,
		tenantID, userID, role)
	if err != nil {
		return fmt.Errorf("admin: grant role: %w", err)
	}
	return nil
}

// Revoke removes (tenantID, userID, role). Revoking the platform-admin
// role is rejected with ErrLastPlatformAdmin if it's the only remaining
// grant of that role.
func (s *Store) Revoke(ctx context.Context, tenantID, userID, role string) error {
	if role == RolePlatformAdmin {
		count, err := s.CountPlatformAdmins(ctx)
		if err != nil {
			return err
		}
		if count <= 1 {
			return ErrLastPlatformAdmin
		}
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM fleet.tenant_roles WHERE tenant_id = $1 AND user_id = $2 AND role = $3`,
		tenantID, userID, role)
	if err != nil {
		return fmt.Errorf("admin: revoke role: %w", err)
	}
	return nil
}

// ListForTenant returns every role grant recorded under tenantID,
// optionally narrowed to a single userID.
func (s *Store) ListForTenant(ctx context.Context, tenantID, userID string) ([]TenantRole, error) {
	var rows interface {
		Next() bool
		Scan(...any) error
		Err() error
		Close()
	}
	var err error
	if userID == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT tenant_id, user_id, role FROM fleet.tenant_roles
			WHERE tenant_id = $1 ORDER BY user_id, role`, tenantID)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT tenant_id, user_id, role FROM fleet.tenant_roles
			WHERE tenant_id = $1 AND user_id = $2 ORDER BY role`, tenantID, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("admin: list roles: %w", err)
	}
	defer rows.Close()

	var out []TenantRole
	for rows.Next() {
		var r TenantRole
		if err := rows.Scan(&r.TenantID, &r.UserID, &r.Role); err != nil {
			return nil, fmt.Errorf("admin: scan role: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IsPlatformAdmin reports whether userID currently holds the
// platform-admin role.
func (s *Store) IsPlatformAdmin(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM fleet.tenant_roles
			WHERE tenant_id = $1 AND user_id = $2 AND role = $3)`,
		PlatformTenantID, userID, RolePlatformAdmin,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("admin: check platform admin: %w", err)
	}
	return exists, nil
}

// CountPlatformAdmins returns how many distinct users hold the
// platform-admin role.
func (s *Store) CountPlatformAdmins(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM fleet.tenant_roles WHERE tenant_id = $1 AND role = $2`,
		PlatformTenantID, RolePlatformAdmin,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("admin: count platform admins: %w", err)
	}
	return count, nil
}

// CallerFromContext resolves the authenticated user id making the
// request — narrowed so this package doesn't depend on internal/auth's
// token implementation.
type CallerFromContext func(r *http.Request) (userID string, ok bool)

// Handler serves the admin role-management HTTP surface.
type Handler struct {
	store      *Store
	callerFrom CallerFromContext
}

// NewHandler builds a Handler.
func NewHandler(store *Store, callerFrom CallerFromContext) *Handler {
	return &Handler{store: store, callerFrom: callerFrom}
}

type roleRequest struct {
	Role string `json:"role"`
}

// GetRoles handles GET /api/admin/roles/:tenantId[/:userId].
func (h *Handler) GetRoles(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	userID := chi.URLParam(r, "userId")

	roles, err := h.store.ListForTenant(r.Context(), tenantID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to load roles")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

// PutRole handles PUT /api/admin/roles/:tenantId/:userId, body {role}.
// Granting RolePlatformAdmin requires the caller already hold it.
func (h *Handler) PutRole(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	userID := chi.URLParam(r, "userId")

	var body roleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Role == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "role is required")
		return
	}

	if body.Role == RolePlatformAdmin {
		if err := h.requirePlatformAdminCaller(w, r); err != nil {
			return
		}
	}

	if err := h.store.Grant(r.Context(), tenantID, userID, body.Role); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to grant role")
		return
	}
	writeJSON(w, http.StatusOK, TenantRole{TenantID: tenantID, UserID: userID, Role: body.Role})
}

// DeleteRole handles DELETE /api/admin/roles/:tenantId/:userId, body
// {role}. Removing the last platform admin is rejected with 409.
func (h *Handler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	userID := chi.URLParam(r, "userId")

	var body roleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Role == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "role is required")
		return
	}

	err := h.store.Revoke(r.Context(), tenantID, userID, body.Role)
	if errors.Is(err, ErrLastPlatformAdmin) {
		writeError(w, http.StatusConflict, "conflict", "cannot remove the last platform admin")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to revoke role")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPlatformAdmins handles GET /api/admin/platform-admins.
func (h *Handler) ListPlatformAdmins(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.ListForTenant(r.Context(), PlatformTenantID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to list platform admins")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"platformAdmins": roles})
}

type platformAdminRequest struct {
	UserID string `json:"userId"`
}

// GrantPlatformAdmin handles POST /api/admin/platform-admins. Only an
// existing platform admin may call this (spec.md §6).
func (h *Handler) GrantPlatformAdmin(w http.ResponseWriter, r *http.Request) {
	if err := h.requirePlatformAdminCaller(w, r); err != nil {
		return
	}

	var body platformAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "userId is required")
		return
	}
	if err := h.store.Grant(r.Context(), PlatformTenantID, body.UserID, RolePlatformAdmin); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to grant platform admin")
		return
	}
	writeJSON(w, http.StatusCreated, TenantRole{TenantID: PlatformTenantID, UserID: body.UserID, Role: RolePlatformAdmin})
}

// RevokePlatformAdmin handles DELETE /api/admin/platform-admins/:userId.
// Only an existing platform admin may call this; removing the last one
// is rejected with 409.
func (h *Handler) RevokePlatformAdmin(w http.ResponseWriter, r *http.Request) {
	if err := h.requirePlatformAdminCaller(w, r); err != nil {
		return
	}

	userID := chi.URLParam(r, "userId")
	err := h.store.Revoke(r.Context(), PlatformTenantID, userID, RolePlatformAdmin)
	if errors.Is(err, ErrLastPlatformAdmin) {
		writeError(w, http.StatusConflict, "conflict", "cannot remove the last platform admin")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to revoke platform admin")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requirePlatformAdminCaller writes a 401/403 response and returns a
// non-nil error if the caller isn't an authenticated platform admin.
func (h *Handler) requirePlatformAdminCaller(w http.ResponseWriter, r *http.Request) error {
	callerID, ok := h.callerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_error", "missing or invalid bearer token")
		return ErrForbidden
	}
	isAdmin, err := h.store.IsPlatformAdmin(r.Context(), callerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to verify caller privilege")
		return err
	}
	if !isAdmin {
		writeError(w, http.StatusForbidden, "auth_error", "platform admin privilege required")
		return ErrForbidden
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"type": kind, "message": message}})
}
