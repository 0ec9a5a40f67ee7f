package billing

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// UsageFilter narrows a usage query to a tenant and, optionally, a
// capability, provider, and time range (spec.md §6's /billing/usage
// filters).
type UsageFilter struct {
	TenantID   string
	Capability string
	Provider   string
	StartDate  time.Time
	EndDate    time.Time
}

// UsageTotal is one aggregated row of /billing/usage: total cost/charge
// for one (capability, provider) pair across the filtered window.
type UsageTotal struct {
	Capability  string  `json:"capability"`
	Provider    string  `json:"provider"`
	CostCents   float64 `json:"costCents"`
	ChargeCents int64   `json:"chargeCents"`
	EventCount  int64   `json:"eventCount"`
}

// UsagePeriodTotal is one row of /billing/usage/summary: per-period
// totals across every capability/provider.
type UsagePeriodTotal struct {
	Period      time.Time `json:"period"`
	CostCents   float64   `json:"costCents"`
	ChargeCents int64     `json:"chargeCents"`
	EventCount  int64     `json:"eventCount"`
}

// UsageEvent is one row of /billing/usage/history: a raw meter event.
type UsageEvent struct {
	ID          string    `json:"id"`
	Capability  string    `json:"capability"`
	Provider    string    `json:"provider"`
	CostCents   float64   `json:"costCents"`
	ChargeCents int64     `json:"chargeCents"`
	CreatedAt   time.Time `json:"createdAt"`
}

// UsageStore answers /billing/usage* by aggregating fleet.meter_events
// directly, the same table internal/gateway's PostgresMeterSink writes
// to — no separate reporting table is needed since the filters spec.md
// §6 names (tenant, capability?, provider?, startDate?, endDate?) are
// all columns meter_events already carries.
type UsageStore struct {
	pool *pgxpool.Pool
}

// NewUsageStore builds a UsageStore over pool.
func NewUsageStore(pool *pgxpool.Pool) *UsageStore {
	return &UsageStore{pool: pool}
}

func (f UsageFilter) whereClause(startArg int) (string, []any) {
	clause := "tenant_id = $1"
	args := []any{f.TenantID}
	n := startArg
	if f.Capability != "" {
		clause += fmt.Sprintf(" AND capability = $%d", n)
		args = append(args, f.Capability)
		n++
	}
	if f.Provider != "" {
		clause += fmt.Sprintf(" AND provider = $%d", n)
		args = append(args, f.Provider)
		n++
	}
	if !f.StartDate.IsZero() {
		clause += fmt.Sprintf(" AND created_at >= $%d", n)
		args = append(args, f.StartDate)
		n++
	}
	if !f.EndDate.IsZero() {
		clause += fmt.Sprintf(" AND created_at <= $%d", n)
		args = append(args, f.EndDate)
		n++
	}
	return clause, args
}

// Totals answers /billing/usage: aggregated cost/charge per
// (capability, provider) within the filter.
func (s *UsageStore) Totals(ctx context.Context, filter UsageFilter) ([]UsageTotal, error) {
	where, args := filter.whereClause(2)
	rows, err := s.pool.Query(ctx, `
		SELECT capability, provider, sum(wholesale_cost_cents), sum(charge_cents), count(*)
		FROM fleet.meter_events
		WHERE `+where+`
		GROUP BY capability, provider
		ORDER BY capability, provider`, args...)
	if err != nil {
		return nil, fmt.Errorf("billing: query usage totals: %w", err)
	}
	defer rows.Close()

	var out []UsageTotal
	for rows.Next() {
		var t UsageTotal
		if err := rows.Scan(&t.Capability, &t.Provider, &t.CostCents, &t.ChargeCents, &t.EventCount); err != nil {
			return nil, fmt.Errorf("billing: scan usage total: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Summary answers /billing/usage/summary: per-day totals across every
// capability/provider, read from fleet.meter_windows and bucketed to a
// daily grain at query time. Nothing in this repository writes
// meter_windows (no window aggregator runs), so the summary reports only
// rows already present in that table.
func (s *UsageStore) Summary(ctx context.Context, filter UsageFilter) ([]UsagePeriodTotal, error) {
	// meter_windows uses window_start rather than created_at, so the
	// shared whereClause helper (built for meter_events) doesn't fit;
	// rebuilt here against the same filter fields.
	where := "tenant_id = $1"
	args := []any{filter.TenantID}
	n := 2
	if filter.Capability != "" {
		where += fmt.Sprintf(" AND capability = $%d", n)
		args = append(args, filter.Capability)
		n++
	}
	if filter.Provider != "" {
		where += fmt.Sprintf(" AND provider = $%d", n)
		args = append(args, filter.Provider)
		n++
	}
	if !filter.StartDate.IsZero() {
		where += fmt.Sprintf(" AND window_start >= $%d", n)
		args = append(args, filter.StartDate)
		n++
	}
	if !filter.EndDate.IsZero() {
		where += fmt.Sprintf(" AND window_start <= $%d", n)
		args = append(args, filter.EndDate)
		n++
	}

	rows, err := s.pool.Query(ctx, `
		SELECT date_trunc('day', window_start) AS period, sum(sum_cost_cents), sum(sum_charge_cents), sum(event_count)
		FROM fleet.meter_windows
		WHERE `+where+`
		GROUP BY period
		ORDER BY period`, args...)
	if err != nil {
		return nil, fmt.Errorf("billing: query usage summary: %w", err)
	}
	defer rows.Close()

	var out []UsagePeriodTotal
	for rows.Next() {
		var p UsagePeriodTotal
		if err := rows.Scan(&p.Period, &p.CostCents, &p.ChargeCents, &p.EventCount); err != nil {
			return nil, fmt.Errorf("billing: scan usage period total: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// maxHistoryLimit bounds /billing/usage/history per spec.md §6.
const maxHistoryLimit = 1000

// History answers /billing/usage/history: raw meter events, newest
// first, limit clamped to maxHistoryLimit.
func (s *UsageStore) History(ctx context.Context, filter UsageFilter, limit int) ([]UsageEvent, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	where, args := filter.whereClause(2)
	args = append(args, limit)
	rows, err := s.pool.Query(ctx, `
		SELECT id, capability, provider, wholesale_cost_cents, charge_cents, created_at
		FROM fleet.meter_events
		WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("billing: query usage history: %w", err)
	}
	defer rows.Close()

	var out []UsageEvent
	for rows.Next() {
		var e UsageEvent
		if err := rows.Scan(&e.ID, &e.Capability, &e.Provider, &e.CostCents, &e.ChargeCents, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("billing: scan usage event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UsageHandler serves GET /billing/usage, /billing/usage/summary,
// /billing/usage/history.
type UsageHandler struct {
	store      *UsageStore
	tenantFrom TenantFromContext
}

// NewUsageHandler builds a UsageHandler.
func NewUsageHandler(store *UsageStore, tenantFrom TenantFromContext) *UsageHandler {
	return &UsageHandler{store: store, tenantFrom: tenantFrom}
}

func parseUsageFilter(r *http.Request, tenantID string) (UsageFilter, error) {
	q := r.URL.Query()
	filter := UsageFilter{TenantID: tenantID, Capability: q.Get("capability"), Provider: q.Get("provider")}
	if v := q.Get("startDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return UsageFilter{}, fmt.Errorf("invalid startDate: %w", err)
		}
		filter.StartDate = t
	}
	if v := q.Get("endDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return UsageFilter{}, fmt.Errorf("invalid endDate: %w", err)
		}
		filter.EndDate = t
	}
	return filter, nil
}

// requireTenant resolves the filter tenant: the bearer-authenticated
// caller's own tenant id. The `tenant` query parameter is optional; when
// present it must equal the caller's tenant (403 otherwise), and when
// absent the caller's tenant is used.
func (h *UsageHandler) requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	callerTenant, ok := h.tenantFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_error", "missing or invalid bearer token")
		return "", false
	}
	tenantParam := r.URL.Query().Get("tenant")
	if tenantParam == "" {
		tenantParam = callerTenant
	}
	if tenantParam != callerTenant {
		writeError(w, http.StatusForbidden, "auth_error", "tenant does not match authenticated caller")
		return "", false
	}
	return tenantParam, true
}

// Totals handles GET /billing/usage.
func (h *UsageHandler) Totals(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	filter, err := parseUsageFilter(r, tenantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	totals, err := h.store.Totals(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to load usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totals": totals})
}

// Summary handles GET /billing/usage/summary.
func (h *UsageHandler) Summary(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	filter, err := parseUsageFilter(r, tenantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	periods, err := h.store.Summary(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to load usage summary")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"periods": periods})
}

// History handles GET /billing/usage/history.
func (h *UsageHandler) History(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	filter, err := parseUsageFilter(r, tenantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	limit := maxHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	events, err := h.store.History(r.Context(), filter, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to load usage history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
