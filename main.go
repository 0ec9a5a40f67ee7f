package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"github.com/wopr-network/fleet/internal/admin"
	"github.com/wopr-network/fleet/internal/arbitrage"
	"github.com/wopr-network/fleet/internal/auth"
	"github.com/wopr-network/fleet/internal/billing"
	"github.com/wopr-network/fleet/internal/budget"
	"github.com/wopr-network/fleet/internal/catalog"
	"github.com/wopr-network/fleet/internal/channeltest"
	"github.com/wopr-network/fleet/internal/config"
	"github.com/wopr-network/fleet/internal/fleet"
	"github.com/wopr-network/fleet/internal/gateway"
	"github.com/wopr-network/fleet/internal/httpserver"
	"github.com/wopr-network/fleet/internal/ledger"
	"github.com/wopr-network/fleet/internal/logging"
	"github.com/wopr-network/fleet/internal/oauthstate"
	"github.com/wopr-network/fleet/internal/platform"
	"github.com/wopr-network/fleet/internal/provider"
	"github.com/wopr-network/fleet/internal/vault"
	"github.com/wopr-network/fleet/internal/webhook"
)

// entry point wiring: config -> logger -> postgres/redis -> ledger,
// budget, catalog, arbitrage -> per-package handlers -> httpserver ->
// HTTP server with graceful shutdown, mirroring the teacher's own
// config -> logger -> redis -> providers -> router -> server sequence.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config: "+err.Error())
		os.Exit(1)
	}
	log := logging.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("fleet control plane starting")

	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	if err := platform.RunMigrations(cfg.DatabaseURL, "internal/platform/migrations"); err != nil {
		log.Fatal().Err(err).Msg("running migrations")
	}

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to postgres")
	}
	defer pool.Close()

	redisClient, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("redis init failed — continuing without it")
	} else if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed")
	} else {
		log.Info().Msg("redis connected")
	}

	// --- Credit ledger, budget gate, cost catalog ---
	exhaustion := func(ctx context.Context, tenantID string) {
		log.Warn().Str("tenant", tenantID).Msg("tenant balance crossed zero")
	}
	led := ledger.New(pool, log, exhaustion)

	cat := catalog.NewWithDefaults()

	spendReader := budget.NewMeterSpendReader(pool)
	checker := budget.New(led, spendReader, budget.TenantLimits(pool))

	// --- Provider connectors, wired into the arbitrage router ---
	var adapters []arbitrage.Adapter
	directRoute := map[catalog.Capability]provider.ChatProvider{}

	if cfg.OpenAIAPIKey != "" {
		p := provider.NewOpenAI(provider.Config{APIKey: cfg.OpenAIAPIKey, Timeout: cfg.ProviderTimeout("openai")})
		adapters = append(adapters, p)
		directRoute[catalog.CapabilityChatCompletions] = p
		log.Info().Msg("registered openai provider")
	}
	if cfg.AnthropicAPIKey != "" {
		p := provider.NewAnthropic(provider.Config{APIKey: cfg.AnthropicAPIKey, Timeout: cfg.ProviderTimeout("anthropic")})
		adapters = append(adapters, p)
		log.Info().Msg("registered anthropic provider")
	}
	if cfg.GroqAPIKey != "" {
		p := provider.NewGroq(provider.Config{APIKey: cfg.GroqAPIKey, Timeout: cfg.ProviderTimeout("groq")})
		adapters = append(adapters, p)
		log.Info().Msg("registered groq provider")
	}
	if cfg.DeepgramAPIKey != "" {
		p := provider.NewDeepgram(provider.Config{APIKey: cfg.DeepgramAPIKey, Timeout: cfg.ProviderTimeout("deepgram")})
		adapters = append(adapters, p)
		log.Info().Msg("registered deepgram provider")
	}
	if cfg.ElevenLabsAPIKey != "" {
		p := provider.NewElevenLabs(provider.Config{APIKey: cfg.ElevenLabsAPIKey, Timeout: cfg.ProviderTimeout("elevenlabs")})
		adapters = append(adapters, p)
		log.Info().Msg("registered elevenlabs provider")
	}
	if cfg.ReplicateToken != "" {
		p := provider.NewReplicate(provider.Config{APIKey: cfg.ReplicateToken, Timeout: cfg.ProviderTimeout("replicate")}, cfg.ReplicateModel)
		adapters = append(adapters, p)
		log.Info().Msg("registered replicate provider")
	}
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		p := provider.NewTwilio(provider.Config{APIKey: cfg.TwilioAuthToken, Timeout: cfg.ProviderTimeout("twilio")}, cfg.TwilioAccountSID)
		adapters = append(adapters, p)
		log.Info().Msg("registered twilio provider")
	}

	registry := arbitrage.NewRegistry(adapters...)
	router := arbitrage.New(cat, registry)

	meterSink := gateway.NewPostgresMeterSink(pool, log, 10000)
	defer meterSink.Close()

	tenantFromCtx := func(ctx context.Context) (string, bool) { return auth.TenantFromContext(ctx) }
	tenantFromReq := func(r *http.Request) (string, bool) { return auth.TenantFromContext(r.Context()) }

	gw := gateway.New(log, checker, led, router, meterSink, tenantFromCtx, directRoute)
	if cfg.TwilioAuthToken != "" {
		pendingCalls := gateway.NewPostgresPendingCalls(pool)
		gw = gw.WithTelephony(cfg.WebhookBaseURL, cfg.TwilioAuthToken, pendingCalls)
	}
	gw = gw.WithPhoneNumbers(gateway.NewPostgresPhoneNumbers(pool))

	// --- Billing ---
	tenantStore := billing.NewTenantStore(pool)
	var checkoutHandler *billing.CheckoutHandler
	var webhookHandler *webhook.Handler
	if cfg.StripeSecretKey != "" {
		stripeClient := billing.NewStripeClient(cfg.StripeSecretKey)
		baseURL := cfg.BetterAuthURL
		checkoutHandler = billing.NewCheckoutHandler(stripeClient, tenantStore, tenantFromReq,
			baseURL+"/billing/success", baseURL+"/billing/cancel", baseURL+"/billing/portal/return")

		penaltyStore := webhook.NewRedisPenaltyStore(redisClient)
		seenStore := webhook.NewRedisSeenStore(redisClient)
		stripeProcessor := webhook.NewStripeProcessor(cfg.StripeWebhookSecret)
		webhookHandler = webhook.New(log, penaltyStore, seenStore, led, stripeProcessor)
	}
	usageStore := billing.NewUsageStore(pool)
	usageHandler := billing.NewUsageHandler(usageStore, tenantFromReq)
	affiliateStore := billing.NewAffiliateStore(pool)
	affiliateHandler := billing.NewAffiliateHandler(affiliateStore, tenantFromReq)

	// --- OAuth channel connections ---
	var oauthHandler *oauthstate.Handler
	if cfg.SlackClientID != "" && cfg.SlackClientSecret != "" {
		oauthStore := oauthstate.New(redisClient)
		providers := oauthstate.ProviderConfig{
			"slack": {
				ClientID:     cfg.SlackClientID,
				ClientSecret: cfg.SlackClientSecret,
				Endpoint: oauth2.Endpoint{
					AuthURL:  "https://slack.com/oauth/v2/authorize",
					TokenURL: "https://slack.com/api/oauth.v2.access",
				},
				RedirectURL: cfg.BetterAuthURL + "/api/channel-oauth/callback",
				Scopes:      []string{"chat:write", "channels:read"},
			},
		}
		oauthHandler = oauthstate.NewHandler(oauthStore, providers, tenantFromReq, log)
	}

	// --- Fleet: profiles, instances, node dispatch, snapshots, plugins ---
	profileStore := fleet.NewPostgresProfiles(pool)
	instanceStore := fleet.NewPostgresInstances(pool)
	nodeTransport := fleet.NewHTTPNodeTransport(func(nodeID string) string {
		return fmt.Sprintf(cfg.NodeAgentURLTemplate, nodeID)
	})
	manager := fleet.New(profileStore, instanceStore, nodeTransport, log)
	snapshotStore := fleet.NewSnapshotStore(pool, tenantStore.Tier)
	vaultClient := vault.New(vault.Config{
		Enabled: cfg.VaultEnabled,
		Address: cfg.VaultAddress,
		Token:   cfg.VaultToken,
	})
	fleetHandler := fleet.NewHandler(manager, snapshotStore, vaultClient, tenantFromReq)

	// --- Admin role management ---
	adminStore := admin.NewStore(pool)
	adminHandler := admin.NewHandler(adminStore, tenantFromReq)

	// --- Channel credential validation ---
	channelTestHandler := channeltest.NewHandler()

	authMiddleware := auth.New(log, cfg)

	handler := httpserver.New(httpserver.Dependencies{
		Config: cfg,
		Logger: log,

		Auth: authMiddleware,

		Gateway: gw,

		Affiliate: affiliateHandler,
		Checkout:  checkoutHandler,
		Usage:     usageHandler,
		Webhook:   webhookHandler,

		OAuth: oauthHandler,

		Fleet: fleetHandler,

		Admin: adminHandler,

		ChannelTest: channelTestHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("fleet control plane stopped gracefully")
	}
}
