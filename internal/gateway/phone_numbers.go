package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wopr-network/fleet/internal/arbitrage"
	"github.com/wopr-network/fleet/internal/catalog"
)

// ErrPhoneNumberNotFound is returned by PhoneNumberStore lookups for an
// unknown or already-released number.
var ErrPhoneNumberNotFound = errors.New("phone number not found")

// PhoneNumberLease is a provisioned phone number enrolled in the monthly
// recurring-billing tracker (spec.md §4.5: "enrolls the number in a
// recurring-billing tracker for subsequent monthly debits").
type PhoneNumberLease struct {
	Number     string
	TenantID   string
	CreatedAt  time.Time
	NextBillAt time.Time
}

// PhoneNumberStore persists leased phone numbers.
type PhoneNumberStore interface {
	Create(ctx context.Context, lease PhoneNumberLease) error
	Get(ctx context.Context, number string) (PhoneNumberLease, error)
	ListByTenant(ctx context.Context, tenantID string) ([]PhoneNumberLease, error)
	Delete(ctx context.Context, number string) error
}

// PostgresPhoneNumbers is the PhoneNumberStore backed by
// fleet.phone_number_leases.
type PostgresPhoneNumbers struct {
	pool *pgxpool.Pool
}

// NewPostgresPhoneNumbers builds a PhoneNumberStore over pool.
func NewPostgresPhoneNumbers(pool *pgxpool.Pool) *PostgresPhoneNumbers {
	return &PostgresPhoneNumbers{pool: pool}
}

func (s *PostgresPhoneNumbers) Create(ctx context.Context, lease PhoneNumberLease) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleet.phone_number_leases (number, tenant_id, next_bill_at)
		VALUES ($1, $2, $3)`,
		lease.Number, lease.TenantID, lease.NextBillAt)
	if err != nil {
		return fmt.Errorf("phone_number_leases: create: %w", err)
	}
	return nil
}

func (s *PostgresPhoneNumbers) Get(ctx context.Context, number string) (PhoneNumberLease, error) {
	var lease PhoneNumberLease
	err := s.pool.QueryRow(ctx, `
		SELECT number, tenant_id, created_at, next_bill_at FROM fleet.phone_number_leases WHERE number = $1`,
		number).Scan(&lease.Number, &lease.TenantID, &lease.CreatedAt, &lease.NextBillAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PhoneNumberLease{}, ErrPhoneNumberNotFound
	}
	if err != nil {
		return PhoneNumberLease{}, fmt.Errorf("phone_number_leases: get: %w", err)
	}
	return lease, nil
}

func (s *PostgresPhoneNumbers) ListByTenant(ctx context.Context, tenantID string) ([]PhoneNumberLease, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT number, tenant_id, created_at, next_bill_at FROM fleet.phone_number_leases WHERE tenant_id = $1 ORDER BY created_at`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("phone_number_leases: list: %w", err)
	}
	defer rows.Close()

	var leases []PhoneNumberLease
	for rows.Next() {
		var lease PhoneNumberLease
		if err := rows.Scan(&lease.Number, &lease.TenantID, &lease.CreatedAt, &lease.NextBillAt); err != nil {
			return nil, fmt.Errorf("phone_number_leases: scan: %w", err)
		}
		leases = append(leases, lease)
	}
	return leases, rows.Err()
}

func (s *PostgresPhoneNumbers) Delete(ctx context.Context, number string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fleet.phone_number_leases WHERE number = $1`, number)
	if err != nil {
		return fmt.Errorf("phone_number_leases: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPhoneNumberNotFound
	}
	return nil
}

type provisionNumberRequest struct {
	Number string `json:"number"`
}

// PhoneNumbers handles POST/GET/DELETE /v1/phone/numbers[/:id] depending
// on method, matching spec.md §6's combined lifecycle route.
func (h *Handler) PhoneNumbers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.provisionPhoneNumber(w, r)
	case http.MethodGet:
		h.listPhoneNumbers(w, r)
	case http.MethodDelete:
		h.releasePhoneNumber(w, r)
	default:
		h.writeErrorWithCode(w, http.StatusMethodNotAllowed, "invalid_request_error", "method_not_allowed", "unsupported method")
	}
}

// provisionPhoneNumber emits a one-time meter event for the monthly
// number cost and enrolls it for recurring monthly billing.
func (h *Handler) provisionPhoneNumber(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.preflight(w, r)
	if !ok {
		return
	}
	if h.phoneNumbers == nil {
		h.writeError(w, http.StatusServiceUnavailable, "server_error", "phone number provisioning unavailable")
		return
	}

	var req provisionNumberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body: "+err.Error())
		return
	}
	if req.Number == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "number is required")
		return
	}

	result, err := h.router.Select(r.Context(), arbitrage.Request{
		Capability: catalog.CapabilityPhoneNumber,
		TenantID:   tenantID,
	})
	if err != nil {
		h.mapProviderError(w, err)
		return
	}

	now := time.Now()
	lease := PhoneNumberLease{Number: req.Number, TenantID: tenantID, CreatedAt: now, NextBillAt: now.AddDate(0, 1, 0)}
	if err := h.phoneNumbers.Create(r.Context(), lease); err != nil {
		h.writeError(w, http.StatusInternalServerError, "server_error", "failed to provision phone number")
		return
	}

	h.settle(r.Context(), tenantID, catalog.CapabilityPhoneNumber, result.Provider, result.WholesaleCost, result.Charge, nil)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"number": lease.Number, "next_bill_at": lease.NextBillAt})
}

func (h *Handler) listPhoneNumbers(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.preflight(w, r)
	if !ok {
		return
	}
	if h.phoneNumbers == nil {
		h.writeError(w, http.StatusServiceUnavailable, "server_error", "phone number provisioning unavailable")
		return
	}

	if number := chi.URLParam(r, "id"); number != "" {
		lease, err := h.phoneNumbers.Get(r.Context(), number)
		if errors.Is(err, ErrPhoneNumberNotFound) {
			h.writeErrorWithCode(w, http.StatusNotFound, "invalid_request_error", "not_found", "phone number not found")
			return
		}
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "server_error", "failed to load phone number")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(lease)
		return
	}

	leases, err := h.phoneNumbers.ListByTenant(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "server_error", "failed to list phone numbers")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"numbers": leases})
}

func (h *Handler) releasePhoneNumber(w http.ResponseWriter, r *http.Request) {
	_, ok := h.preflight(w, r)
	if !ok {
		return
	}
	if h.phoneNumbers == nil {
		h.writeError(w, http.StatusServiceUnavailable, "server_error", "phone number provisioning unavailable")
		return
	}
	number := chi.URLParam(r, "id")
	if number == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "number id is required")
		return
	}
	if err := h.phoneNumbers.Delete(r.Context(), number); errors.Is(err, ErrPhoneNumberNotFound) {
		h.writeErrorWithCode(w, http.StatusNotFound, "invalid_request_error", "not_found", "phone number not found")
		return
	} else if err != nil {
		h.writeError(w, http.StatusInternalServerError, "server_error", "failed to release phone number")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
