// Package httpserver assembles the full HTTP surface (spec.md §6) onto a
// single chi router: the gateway proxy, billing, fleet, admin, OAuth and
// channel-test handlers, behind the teacher's middleware chain
// (router/router.go) — CORS, security headers, request ID, panic
// recovery, request logging, body-size limit — generalized from the
// teacher's single `/v1` route group into one group per auth class
// spec.md's external-interfaces table calls for: bearer (read), bearer
// (write/admin via auth.RequireScope), processor-signature, and none.
package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/wopr-network/fleet/internal/admin"
	"github.com/wopr-network/fleet/internal/auth"
	"github.com/wopr-network/fleet/internal/billing"
	"github.com/wopr-network/fleet/internal/channeltest"
	"github.com/wopr-network/fleet/internal/config"
	"github.com/wopr-network/fleet/internal/fleet"
	"github.com/wopr-network/fleet/internal/gateway"
	"github.com/wopr-network/fleet/internal/oauthstate"
	"github.com/wopr-network/fleet/internal/telemetry"
	"github.com/wopr-network/fleet/internal/webhook"
	mw "github.com/wopr-network/fleet/middleware"
)

// Dependencies are the fully-wired handlers and middleware New assembles
// into a router. Fields left nil have their route group skipped, so a
// partially-configured deployment (no Stripe key, no OAuth providers)
// still serves the rest of the surface.
type Dependencies struct {
	Config *config.Config
	Logger zerolog.Logger

	Auth *auth.Middleware

	Gateway *gateway.Handler

	Affiliate *billing.AffiliateHandler
	Checkout  *billing.CheckoutHandler
	Usage     *billing.UsageHandler
	Webhook   *webhook.Handler

	OAuth *oauthstate.Handler

	Fleet *fleet.Handler

	Admin *admin.Handler

	ChannelTest *channeltest.Handler
}

// New builds the chi router serving every HTTP surface spec.md §6 names.
func New(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// --- Middleware chain (order matters, mirrors the teacher's) ---
	r.Use(mw.CORSMiddleware(deps.Config))
	r.Use(mw.NewSecurityHeaders(deps.Config).Handler)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(deps.Logger))
	r.Use(maxBodySize(deps.Config.MaxBodyBytes))

	// --- Unauthenticated operational endpoints ---
	r.Get("/healthz", healthHandler("ok"))
	r.Get("/ready", healthHandler("ready"))
	r.Get("/health", healthHandler("healthy"))
	r.Get("/metrics", telemetry.Handler().ServeHTTP)

	headerNorm := mw.NewHeaderNormalization(deps.Logger)
	timeoutMW := mw.NewTimeoutMiddleware(deps.Logger, deps.Config)
	rateLimiter := mw.NewRateLimiter(deps.Logger, deps.Config.RateLimitEnabled, deps.Config.RateLimitRPM, deps.Config.RateLimitBurst)

	bearerChain := func(r chi.Router) {
		r.Use(deps.Auth.Handler)
		r.Use(rateLimiter.Handler)
		r.Use(headerNorm.Handler)
		r.Use(timeoutMW.Handler)
	}

	// --- Gateway HTTP surface: tenant-bearing AI/telephony proxy ---
	if deps.Gateway != nil {
		r.Route("/v1", func(r chi.Router) {
			// Provider-facing callbacks self-verify via Twilio request
			// signatures and never carry a bearer token.
			r.Get("/phone/twiml/hangup", deps.Gateway.TwimlHangup)
			r.Post("/phone/inbound", deps.Gateway.InboundCall)
			r.Post("/phone/outbound/status/{tenantId}", deps.Gateway.OutboundStatusCallback)
			r.Post("/messages/sms/inbound", deps.Gateway.MessagesInbound)
			r.Post("/messages/sms/status", deps.Gateway.MessagesStatus)

			r.Group(func(r chi.Router) {
				bearerChain(r)

				r.Post("/chat/completions", deps.Gateway.ChatCompletions)
				r.Post("/completions", deps.Gateway.Completions)
				r.Post("/embeddings", deps.Gateway.Embeddings)
				r.Post("/audio/transcriptions", deps.Gateway.Transcriptions)
				r.Post("/audio/speech", deps.Gateway.Speech)
				r.Post("/images/generations", deps.Gateway.ImagesGenerations)
				r.Post("/video/generations", deps.Gateway.VideoGenerations)

				r.Post("/phone/outbound", deps.Gateway.Outbound)
				r.Post("/messages/sms", deps.Gateway.Messages)

				r.Get("/phone/numbers", deps.Gateway.PhoneNumbers)
				r.Post("/phone/numbers", deps.Gateway.PhoneNumbers)
				r.Get("/phone/numbers/{id}", deps.Gateway.PhoneNumbers)
				r.Delete("/phone/numbers/{id}", deps.Gateway.PhoneNumbers)
			})
		})
	}

	// --- Billing HTTP surface ---
	r.Route("/billing", func(r chi.Router) {
		if deps.Webhook != nil {
			// Processor-signature auth, verified inside Ingest itself —
			// never behind the bearer chain.
			r.Post("/webhook", deps.Webhook.Ingest("stripe", "Stripe-Signature"))
		}
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Handler)

			if deps.Checkout != nil {
				r.With(auth.RequireScope(config.ScopeWrite)).Post("/credits/checkout", deps.Checkout.CreateCheckout)
				r.With(auth.RequireScope(config.ScopeWrite)).Post("/portal", deps.Checkout.CreatePortal)
				r.Post("/setup-intent", deps.Checkout.CreateSetupIntent)
				r.Delete("/payment-methods/{id}", deps.Checkout.DetachPaymentMethod)
			}
			if deps.Usage != nil {
				r.Get("/usage", deps.Usage.Totals)
				r.Get("/usage/summary", deps.Usage.Summary)
				r.Get("/usage/history", deps.Usage.History)
			}
			if deps.Affiliate != nil {
				r.Post("/affiliate", deps.Affiliate.CreateOrGetCode)
				r.Get("/affiliate", deps.Affiliate.GetCode)
				r.Post("/affiliate/{code}/referrals", deps.Affiliate.RecordReferral)
			}
		})
	})

	// --- Admin HTTP surface ---
	if deps.Admin != nil {
		r.Route("/api/admin", func(r chi.Router) {
			r.Use(deps.Auth.Handler)
			r.Use(auth.RequireScope(config.ScopeAdmin))

			r.Get("/roles/{tenantId}", deps.Admin.GetRoles)
			r.Get("/roles/{tenantId}/{userId}", deps.Admin.GetRoles)
			r.Put("/roles/{tenantId}/{userId}", deps.Admin.PutRole)
			r.Delete("/roles/{tenantId}/{userId}", deps.Admin.DeleteRole)

			r.Get("/platform-admins", deps.Admin.ListPlatformAdmins)
			r.Post("/platform-admins", deps.Admin.GrantPlatformAdmin)
			r.Delete("/platform-admins/{userId}", deps.Admin.RevokePlatformAdmin)
		})
	}

	// --- OAuth HTTP surface ---
	if deps.OAuth != nil {
		r.Route("/api/channel-oauth", func(r chi.Router) {
			// Initiate and poll are tenant-bearing; callback is the
			// browser landing page the provider redirects to and
			// carries no bearer token of its own.
			r.Get("/callback", deps.OAuth.Callback)
			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.Handler)
				r.Post("/initiate", deps.OAuth.Initiate)
				r.Get("/poll", deps.OAuth.Poll)
			})
		})
	}

	// --- Fleet HTTP surface ---
	if deps.Fleet != nil {
		r.Route("/fleet/bots/{botId}", func(r chi.Router) {
			r.Use(deps.Auth.Handler)

			r.Get("/plugins", deps.Fleet.ListPlugins)
			r.Post("/plugins/{pluginId}", deps.Fleet.InstallPlugin)
			r.Put("/plugins/{pluginId}", deps.Fleet.UpdatePlugin)
			r.Patch("/plugins/{pluginId}", deps.Fleet.TogglePlugin)
			r.Delete("/plugins/{pluginId}", deps.Fleet.UninstallPlugin)

			r.Get("/channels", deps.Fleet.ListChannels)
			r.Post("/channels/{pluginId}", deps.Fleet.ConnectChannel)
			r.Delete("/channels/{pluginId}", deps.Fleet.UninstallPlugin)

			r.Get("/snapshots", deps.Fleet.ListSnapshots)
			r.Post("/snapshots", deps.Fleet.CreateSnapshot)
			r.Delete("/snapshots/{snapId}", deps.Fleet.DeleteSnapshot)
		})
	}

	// --- Channel-validation HTTP surface ---
	if deps.ChannelTest != nil {
		r.Post("/channel-test/{pluginId}/test", deps.ChannelTest.Test)
	}

	return r
}

func healthHandler(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"` + status + `","service":"fleet-control-plane"}`))
	}
}

// maxBodySize caps request body size, same shape as the teacher's
// mwMaxBodySize but without the GATEWAY_MAX_BODY_BYTES env override —
// config.Config.MaxBodyBytes is already environment-sourced.
func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 5 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				http.Error(w, `{"error":{"type":"invalid_request_error","message":"request body too large"}}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
