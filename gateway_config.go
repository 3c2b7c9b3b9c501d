package main

import (
	"context"
	"fmt"
	"os"

	"github.com/malwarebo/inboxflow/cache"
	"github.com/malwarebo/inboxflow/config"
	"github.com/malwarebo/inboxflow/db"
	"github.com/malwarebo/inboxflow/security"
	"github.com/malwarebo/inboxflow/services"
	"github.com/malwarebo/inboxflow/stores"
	"github.com/spf13/cobra"
)

func gatewayConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway-config",
		Short: "Manage tenant Paymob credentials",
	}

	var tenantID string
	settings := services.GatewaySettings{}
	set := &cobra.Command{
		Use:   "set",
		Short: "Store or rotate a tenant's Paymob credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			if settings.Credentials.APIKey == "" {
				settings.Credentials.APIKey = os.Getenv("PAYMOB_API_KEY")
			}
			if settings.HMACSecret == "" {
				settings.HMACSecret = os.Getenv("PAYMOB_HMAC_SECRET")
			}
			return saveGatewayConfig(cmd.Context(), tenantID, settings)
		},
	}
	flags := set.Flags()
	flags.StringVar(&tenantID, "tenant", "", "tenant id")
	flags.StringVar(&settings.Credentials.APIKey, "api-key", "", "Paymob API key (default $PAYMOB_API_KEY)")
	flags.StringVar(&settings.HMACSecret, "hmac-secret", "", "Paymob HMAC secret (default $PAYMOB_HMAC_SECRET)")
	flags.StringVar(&settings.Credentials.IntegrationIDCard, "card-integration", "", "card integration id")
	flags.StringVar(&settings.Credentials.IntegrationIDFawry, "fawry-integration", "", "Fawry integration id")
	flags.StringVar(&settings.Credentials.IntegrationIDWallet, "wallet-integration", "", "mobile wallet integration id")
	flags.StringVar(&settings.Credentials.IframeID, "iframe", "", "card checkout iframe id")
	_ = set.MarkFlagRequired("tenant")

	cmd.AddCommand(set)
	return cmd
}

func saveGatewayConfig(ctx context.Context, tenantID string, settings services.GatewaySettings) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	encryption, err := security.CreateEncryptionManager(security.ParseEncryptionKey(cfg.Security.EncryptionKey))
	if err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	conn, err := connectDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close(conn)

	// Without Redis the serve process reads the store directly, so there is
	// nothing to invalidate.
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
			printWarning(fmt.Sprintf("Failed to connect to Redis: %v (cached config expires after %s)", err, cfg.Redis.TTL))
			redisCache = nil
		} else {
			defer redisCache.Close()
		}
	}

	source := cache.CreateTenantConfigCache(redisCache, stores.CreateGatewayConfigStore(conn))
	resolver := services.CreateGatewayConfigResolver(source, encryption)
	if err := resolver.Save(ctx, tenantID, settings); err != nil {
		return err
	}

	printSuccess(fmt.Sprintf("Paymob credentials saved for tenant %s", tenantID))
	if settings.Credentials.IntegrationIDCard == "" && settings.Credentials.IntegrationIDFawry == "" && settings.Credentials.IntegrationIDWallet == "" {
		printWarning("No integration ids set; payments will fail until at least one is configured")
	}
	return nil
}
