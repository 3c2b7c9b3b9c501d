package config

import (
	"fmt"

	"github.com/malwarebo/inboxflow/security"
)

func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if c.Redis.Enabled {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis config: %w", err)
		}
	}

	if err := c.Meta.Validate(); err != nil {
		return fmt.Errorf("meta config: %w", err)
	}

	if err := c.Security.Validate(c.IsProduction()); err != nil {
		return fmt.Errorf("security config: %w", err)
	}

	if c.Messaging.ReplyWindow < 0 {
		return fmt.Errorf("messaging config: reply window must not be negative")
	}

	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.DBName == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	return nil
}

func (c *RedisConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("port is required")
	}
	return nil
}

func (c *MetaConfig) Validate() error {
	if c.AppSecret == "" {
		return fmt.Errorf("app secret is required - set META_APP_SECRET environment variable")
	}
	if c.VerifyToken == "" {
		return fmt.Errorf("verify token is required - set META_VERIFY_TOKEN environment variable")
	}
	return nil
}

// Validate requires a usable encryption key; production also requires an API key.
func (c *SecurityConfig) Validate(production bool) error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("encryption key is required - set ENCRYPTION_KEY environment variable")
	}
	if _, err := security.CreateEncryptionManager(security.ParseEncryptionKey(c.EncryptionKey)); err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}
	if production && c.APIKey == "" {
		return fmt.Errorf("api key is required in production - set API_KEY environment variable")
	}
	if c.WebhookRateRPS < 0 || c.APIRateRPS < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	return nil
}
