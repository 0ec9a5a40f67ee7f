// Package webhook implements the Webhook Ingestor state machine from
// spec.md §4.6: IP penalty backoff, signature verification, and a replay
// guard in front of a pluggable event processor. The raw-body-before-
// JSON-parse signature check follows the same shape as
// wisbric-nightowl's Slack signing-secret middleware
// (pkg/slack/verify.go): read the full body first, verify against it,
// only then decode JSON from the buffered bytes.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/wopr-network/fleet/internal/ledger"
	"github.com/wopr-network/fleet/internal/money"
)

// Event is a parsed, verified inbound webhook event.
type Event struct {
	ID      string
	Type    string
	Payload json.RawMessage
}

// Processor verifies a provider's signature over the raw body and parses
// it into an Event. Body and signature are fed through unmodified — the
// processor decides how to interpret its own provider's scheme.
type Processor interface {
	Source() string
	Verify(body []byte, signatureHeader string) error
	Parse(body []byte) (Event, error)
}

// PenaltyStore tracks per-(source, ip) signature-failure backoff.
// Per-ip penalties never bleed across sources — every method is keyed
// by both.
type PenaltyStore interface {
	// Check reports whether ip is currently blocked and, if so, how
	// long until it's allowed to try again.
	Check(ctx context.Context, source, ip string) (blocked bool, retryAfter int, err error)
	// RecordFailure increments the failure count and extends the
	// backoff window (base 1s, doubling, capped at 1h).
	RecordFailure(ctx context.Context, source, ip string) error
	// Clear resets the failure count after a successful verification.
	Clear(ctx context.Context, source, ip string) error
}

// SeenStore implements the replay guard: a unique (event_id, source) set.
type SeenStore interface {
	// MarkSeen atomically records (source, eventID) as seen and reports
	// whether it had already been recorded.
	MarkSeen(ctx context.Context, source, eventID string) (alreadySeen bool, err error)
}

// CreditGranter is the subset of ledger.Ledger the checkout-completed
// handler needs; narrowed so tests can fake it.
type CreditGranter interface {
	Grant(ctx context.Context, tenantID string, amount money.Cents, kind ledger.Kind, externalRef string) (ledger.GrantResult, error)
}

// Handler runs the Webhook Ingestor state machine for one or more
// registered processors.
type Handler struct {
	logger     zerolog.Logger
	processors map[string]Processor
	penalty    PenaltyStore
	seen       SeenStore
	credits    CreditGranter
}

// New builds a Handler dispatching to the given processors, keyed by
// their Source().
func New(logger zerolog.Logger, penalty PenaltyStore, seen SeenStore, credits CreditGranter, processors ...Processor) *Handler {
	h := &Handler{logger: logger, penalty: penalty, seen: seen, credits: credits, processors: make(map[string]Processor, len(processors))}
	for _, p := range processors {
		h.processors[p.Source()] = p
	}
	return h
}

// Ingest runs the full state machine for a single named processor's
// route (e.g. one mux route per payment processor).
func (h *Handler) Ingest(source, signatureHeaderName string) http.HandlerFunc {
	proc, ok := h.processors[source]
	return func(w http.ResponseWriter, r *http.Request) {
		if !ok {
			h.writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown webhook source"})
			return
		}

		sig := r.Header.Get(signatureHeaderName)
		if sig == "" {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing signature"})
			return
		}

		ip := clientIP(r)
		if blocked, retryAfter, err := h.penalty.Check(r.Context(), source, ip); err != nil {
			h.logger.Error().Err(err).Msg("webhook: penalty check failed")
			h.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
			return
		} else if blocked {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "too many signature failures"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read body"})
			return
		}

		if err := proc.Verify(body, sig); err != nil {
			if recErr := h.penalty.RecordFailure(r.Context(), source, ip); recErr != nil {
				h.logger.Error().Err(recErr).Msg("webhook: failed to record signature failure")
			}
			h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "signature verification failed"})
			return
		}
		if err := h.penalty.Clear(r.Context(), source, ip); err != nil {
			h.logger.Error().Err(err).Msg("webhook: failed to clear penalty counter")
		}

		event, err := proc.Parse(body)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to parse event"})
			return
		}

		duplicate, err := h.seen.MarkSeen(r.Context(), source, event.ID)
		if err != nil {
			h.logger.Error().Err(err).Msg("webhook: replay guard failed")
			h.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
			return
		}
		if duplicate {
			h.writeJSON(w, http.StatusOK, map[string]any{"handled": true, "duplicate": true})
			return
		}

		handled, tenant, creditedCents := h.dispatch(r.Context(), source, event)
		if handled {
			h.writeJSON(w, http.StatusOK, map[string]any{"handled": true, "tenant": tenant, "creditedCents": int64(creditedCents)})
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]any{"handled": false, "event_type": event.Type})
	}
}

// dispatch invokes the one handler this platform currently implements:
// checkout.session.completed credits the tenant named in
// client_reference_id and reports back who was credited and how much, so
// the caller's response can carry spec.md §8's tenant/creditedCents
// fields. Every other event type is acknowledged but not acted on.
func (h *Handler) dispatch(ctx context.Context, source string, event Event) (handled bool, tenant string, creditedCents money.Cents) {
	if event.Type != "checkout.session.completed" {
		return false, "", 0
	}

	var session struct {
		ID                string `json:"id"`
		AmountTotal       int64  `json:"amount_total"`
		ClientReferenceID string `json:"client_reference_id"`
		Customer          string `json:"customer"`
	}
	if err := json.Unmarshal(event.Payload, &session); err != nil {
		h.logger.Error().Err(err).Str("event_id", event.ID).Msg("webhook: failed to decode checkout session payload")
		return false, "", 0
	}
	if session.ClientReferenceID == "" || session.AmountTotal <= 0 {
		h.logger.Warn().Str("event_id", event.ID).Msg("webhook: checkout session missing tenant reference or amount")
		return false, "", 0
	}

	externalRef := source + ":" + event.ID
	amount := money.Cents(session.AmountTotal)
	if _, err := h.credits.Grant(ctx, session.ClientReferenceID, amount, ledger.KindPurchase, externalRef); err != nil {
		h.logger.Error().Err(err).Str("tenant", session.ClientReferenceID).Msg("webhook: failed to grant credits")
		return false, "", 0
	}
	return true, session.ClientReferenceID, amount
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
