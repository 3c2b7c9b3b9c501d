package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/malwarebo/inboxflow/api"
	"github.com/malwarebo/inboxflow/cache"
	"github.com/malwarebo/inboxflow/clock"
	"github.com/malwarebo/inboxflow/config"
	"github.com/malwarebo/inboxflow/db"
	"github.com/malwarebo/inboxflow/events"
	"github.com/malwarebo/inboxflow/middleware"
	"github.com/malwarebo/inboxflow/monitoring"
	"github.com/malwarebo/inboxflow/providers"
	"github.com/malwarebo/inboxflow/resilience"
	"github.com/malwarebo/inboxflow/security"
	"github.com/malwarebo/inboxflow/services"
	"github.com/malwarebo/inboxflow/stores"
	"github.com/malwarebo/inboxflow/utils"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

const outboxFlushBatch = 100

func serveCmd() *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook ingestion and agent API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on startup")

	return cmd
}

func connectDatabase(cfg *config.Config) (*gorm.DB, error) {
	return db.Open(db.Options{
		PrimaryDSN:      cfg.GetDatabaseURL(),
		ReplicaDSNs:     cfg.Database.ReplicaDSNs,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
}

func runServe(skipMigrations bool) error {
	printBanner()
	fmt.Println()

	printStep("1/8", "Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := utils.ConfigureLogger(cfg.LogLevel); err != nil {
		printWarning(fmt.Sprintf("Invalid log level %q, keeping default: %v", cfg.LogLevel, err))
	}
	defer utils.Sync()
	printSuccess("Configuration loaded and validated")

	printStep("2/8", "Connecting to database...")
	conn, err := connectDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close(conn)
	printSuccess(fmt.Sprintf("Connected to PostgreSQL at %s:%d (%d replicas)", cfg.Database.Host, cfg.Database.Port, len(cfg.Database.ReplicaDSNs)))

	if !skipMigrations {
		if err := db.Migrate(conn); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		printSuccess("Database schema is up to date")
	}

	printStep("3/8", "Connecting to Redis...")
	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = cache.CreateRedisCache(cache.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			printWarning(fmt.Sprintf("Failed to connect to Redis: %v (continuing without cache)", err))
			redisCache = nil
		} else {
			defer redisCache.Close()
			printSuccess(fmt.Sprintf("Connected to Redis at %s", cfg.GetRedisAddr()))
		}
	} else {
		printInfo("Redis disabled, gateway configs are read from the database")
	}

	printStep("4/8", "Initializing security components...")
	encryption, err := security.CreateEncryptionManager(security.ParseEncryptionKey(cfg.Security.EncryptionKey))
	if err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}
	webhookLimiter := security.CreateRateLimiter(security.RateLimitConfig{
		RequestsPerSecond: cfg.Security.WebhookRateRPS,
		Burst:             cfg.Security.WebhookRateBurst,
	})
	defer webhookLimiter.Close()
	apiLimiter := security.CreateRateLimiter(security.RateLimitConfig{
		RequestsPerSecond: cfg.Security.APIRateRPS,
		Burst:             cfg.Security.APIRateBurst,
	})
	defer apiLimiter.Close()
	if cfg.Security.APIKey == "" {
		printWarning("API_KEY is not set, the agent API only checks tenant headers")
	}
	printSuccess("Security components initialized")

	printStep("5/8", "Connecting to event bus...")
	var publisher events.Publisher = events.LogPublisher{}
	var natsPublisher *events.NATSPublisher
	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL, "inboxflow")
		if err != nil {
			printWarning(fmt.Sprintf("Failed to connect to NATS: %v (events are logged and kept in the outbox)", err))
		} else {
			natsPublisher = events.CreateNATSPublisher(nc, cfg.NATS.SubjectPrefix)
			publisher = natsPublisher
			defer natsPublisher.Close()
			printSuccess(fmt.Sprintf("Connected to NATS at %s", nc.ConnectedUrl()))
		}
	} else {
		printInfo("NATS_URL not set, automation events are logged")
	}

	printStep("6/8", "Initializing platform clients...")
	metrics := monitoring.Default()
	clk := clock.System{}

	metaSender := providers.CreateMetaSender(cfg.Meta.GraphURL, cfg.Meta.GraphVersion, nil, metrics)
	retry := resilience.DefaultRetryPolicy()
	retry.Retryable = providers.IsRetryableSendError
	sender := resilience.CreateResilientSender(metaSender, resilience.SenderConfig{Retry: retry})

	paymobBaseURL := cfg.Paymob.BaseURL
	if paymobBaseURL == "" && cfg.Paymob.Sandbox {
		paymobBaseURL = providers.PaymobSandboxURL
	}
	paymob := providers.CreatePaymobRegistry(providers.PaymobOptions{
		BaseURL:     paymobBaseURL,
		CheckoutURL: cfg.Paymob.CheckoutURL,
		HTTPClient:  &http.Client{Timeout: cfg.Paymob.Timeout},
		Clock:       clk,
		Metrics:     metrics,
	})
	stripeVerifier := providers.CreateStripeVerifier(cfg.Stripe.WebhookSecret)
	printSuccess("Meta, Paymob and Stripe clients ready")

	printStep("7/8", "Initializing services...")
	customerStore := stores.CreateCustomerStore(conn)
	conversationStore := stores.CreateConversationStore(conn)
	messageStore := stores.CreateMessageStore(conn)
	channelStore := stores.CreateChannelStore(conn)
	ruleStore := stores.CreateAutomationRuleStore(conn)
	webhookStore := stores.CreateWebhookStore(conn)
	transactionStore := stores.CreateTransactionStore(conn)
	salesStore := stores.CreateSalesStore(conn)
	subscriptionStore := stores.CreateSubscriptionStore(conn)
	outboxStore := stores.CreateOutboxStore(conn)
	gatewayConfigStore := stores.CreateGatewayConfigStore(conn)

	configResolver := services.CreateGatewayConfigResolver(cache.CreateTenantConfigCache(redisCache, gatewayConfigStore), encryption)
	guard := services.CreateIdempotencyGuard(webhookStore)
	outbound := services.CreateOutboundGuard(cfg.Messaging.ReplyWindow, clk)
	dispatcher := events.CreateDispatcher(outboxStore, publisher, clk)
	automation := services.CreateAutomationMatcher(ruleStore, channelStore, messageStore, sender, metrics)

	router := services.CreateRouter(services.RouterDeps{
		Customers:     customerStore,
		Conversations: conversationStore,
		Messages:      messageStore,
		Channels:      channelStore,
		Guard:         guard,
		Automation:    automation,
		Metrics:       metrics,
		Clock:         clk,
	})
	messaging := services.CreateMessagingService(services.MessagingDeps{
		Conversations: conversationStore,
		Customers:     customerStore,
		Channels:      channelStore,
		Messages:      messageStore,
		Sender:        sender,
		Guard:         outbound,
		Clock:         clk,
	})
	notifier := services.CreateNotifier(customerStore, conversationStore, channelStore, messageStore, sender)
	reconciler := services.CreateReconciliationService(services.ReconciliationDeps{
		Transactions: transactionStore,
		Customers:    customerStore,
		Sales:        salesStore,
		Configs:      configResolver,
		Guard:        guard,
		Notifier:     notifier,
		Dispatcher:   dispatcher,
		Metrics:      metrics,
		Clock:        clk,
	})
	payments := services.CreatePaymentService(transactionStore, configResolver, paymob)
	subscriptions := services.CreateSubscriptionWebhookService(stripeVerifier, subscriptionStore, guard, metrics, clk)
	printSuccess("Services initialized")

	printStep("8/8", "Setting up HTTP server...")
	health := monitoring.CreateHealthService(Version)
	health.AddCheck("database", true, func(ctx context.Context) error {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	if redisCache != nil {
		health.AddCheck("redis", false, redisCache.Ping)
	}
	if natsPublisher != nil {
		health.AddCheck("nats", false, natsPublisher.Check)
	}

	handler := api.NewRouter(api.RouterDeps{
		Webhooks: api.CreateWebhookHandler(router, reconciler, subscriptions, api.MetaWebhookConfig{
			AppSecret:   cfg.Meta.AppSecret,
			VerifyToken: cfg.Meta.VerifyToken,
		}, metrics),
		Payments:       api.CreatePaymentHandler(payments),
		Conversations:  api.CreateConversationHandler(messaging),
		Health:         api.CreateHealthHandler(health),
		Metrics:        metrics,
		Auth:           middleware.CreateAuthMiddleware(cfg.Security.APIKey),
		WebhookLimiter: webhookLimiter,
		APILimiter:     apiLimiter,
		AllowedOrigins: cfg.Security.AllowedOrigins,
	})

	server := &http.Server{
		Addr:           ":" + cfg.Server.Port,
		Handler:        handler,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	printSuccess("HTTP server configured")

	fmt.Println()
	fmt.Printf("%s%s🎉 InboxFlow is ready!%s\n", colorGreen, colorBold, colorReset)
	fmt.Println()
	fmt.Printf("%s%sEndpoints:%s\n", colorPurple, colorBold, colorReset)
	for _, ep := range []struct{ name, path string }{
		{"Health", "/health"},
		{"Metrics", "/metrics"},
		{"Meta webhooks", "/webhooks/{facebook,instagram,whatsapp}"},
		{"Paymob callback", "/webhooks/paymob"},
		{"Stripe webhook", "/webhooks/stripe"},
		{"Agent API", "/api/v1"},
	} {
		fmt.Printf("  %s•%s %-16s %shttp://localhost:%s%s%s\n", colorCyan, colorReset, ep.name, colorYellow, cfg.Server.Port, ep.path, colorReset)
	}
	fmt.Println()
	fmt.Printf("%s%sEnvironment:%s %s%s%s\n", colorPurple, colorBold, colorReset, colorYellow, cfg.Environment, colorReset)
	fmt.Printf("%s%sReply window:%s %s%s%s\n", colorPurple, colorBold, colorReset, colorYellow, cfg.Messaging.ReplyWindow, colorReset)
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go flushOutbox(ctx, dispatcher, cfg.Messaging.FlushInterval)

	serverErr := make(chan error, 1)
	go func() {
		printInfo(fmt.Sprintf("Starting HTTP server on port %s...", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	fmt.Println()
	printWarning("Shutting down InboxFlow...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	printSuccess("InboxFlow stopped gracefully")
	return nil
}

// flushOutbox republishes automation events whose first publish failed.
func flushOutbox(ctx context.Context, dispatcher *events.Dispatcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := dispatcher.Flush(ctx, outboxFlushBatch)
			if err != nil && ctx.Err() == nil {
				utils.Warn(ctx, "Outbox flush stopped early", map[string]interface{}{"error": err, "published": n})
			} else if n > 0 {
				utils.Info(ctx, "Outbox flushed", map[string]interface{}{"published": n})
			}
		}
	}
}
