package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string          `json:"environment"`
	LogLevel    string          `json:"log_level"`
	Database    DatabaseConfig  `json:"database"`
	Redis       RedisConfig     `json:"redis"`
	Server      ServerConfig    `json:"server"`
	Meta        MetaConfig      `json:"meta"`
	Paymob      PaymobConfig    `json:"paymob"`
	Stripe      StripeConfig    `json:"stripe"`
	NATS        NATSConfig      `json:"nats"`
	Security    SecurityConfig  `json:"security"`
	Messaging   MessagingConfig `json:"messaging"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	DBName          string        `json:"dbname"`
	SSLMode         string        `json:"sslmode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ReplicaDSNs     []string      `json:"replica_dsns"`
}

type RedisConfig struct {
	Enabled  bool          `json:"enabled"`
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	TTL      time.Duration `json:"ttl"`
}

type ServerConfig struct {
	Port            string        `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	MaxHeaderBytes  int           `json:"max_header_bytes"`
}

type MetaConfig struct {
	AppSecret    string `json:"app_secret"`
	VerifyToken  string `json:"verify_token"`
	GraphURL     string `json:"graph_url"`
	GraphVersion string `json:"graph_version"`
}

type PaymobConfig struct {
	BaseURL     string        `json:"base_url"`
	CheckoutURL string        `json:"checkout_url"`
	Sandbox     bool          `json:"sandbox"`
	Timeout     time.Duration `json:"timeout"`
}

type StripeConfig struct {
	WebhookSecret string `json:"webhook_secret"`
}

type NATSConfig struct {
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix"`
}

type SecurityConfig struct {
	EncryptionKey    string   `json:"encryption_key"`
	APIKey           string   `json:"api_key"`
	WebhookRateRPS   float64  `json:"webhook_rate_rps"`
	WebhookRateBurst int      `json:"webhook_rate_burst"`
	APIRateRPS       float64  `json:"api_rate_rps"`
	APIRateBurst     int      `json:"api_rate_burst"`
	AllowedOrigins   []string `json:"allowed_origins"`
}

type MessagingConfig struct {
	ReplyWindow   time.Duration `json:"reply_window"`
	FlushInterval time.Duration `json:"flush_interval"`
}

const defaultConfigPath = "config/config.json"

// LoadConfig reads .env, then the optional JSON file, then environment
// overrides, then fills per-environment defaults.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(defaultConfigPath)
}

func LoadConfigFrom(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	if err := loadFromEnv(config); err != nil {
		return nil, err
	}
	setEnvironmentDefaults(config)

	return config, nil
}

func loadFromEnv(config *Config) error {
	setString(&config.Environment, "ENVIRONMENT")
	setString(&config.LogLevel, "LOG_LEVEL")

	setString(&config.Database.Host, "DB_HOST")
	setString(&config.Database.User, "DB_USER")
	setString(&config.Database.Password, "DB_PASSWORD")
	setString(&config.Database.DBName, "DB_NAME")
	setString(&config.Database.SSLMode, "DB_SSLMODE")
	setList(&config.Database.ReplicaDSNs, "DB_REPLICA_DSNS")

	setString(&config.Redis.Host, "REDIS_HOST")
	setString(&config.Redis.Password, "REDIS_PASSWORD")

	setString(&config.Server.Port, "SERVER_PORT")

	setString(&config.Meta.AppSecret, "META_APP_SECRET")
	setString(&config.Meta.VerifyToken, "META_VERIFY_TOKEN")
	setString(&config.Meta.GraphURL, "META_GRAPH_URL")
	setString(&config.Meta.GraphVersion, "META_GRAPH_VERSION")

	setString(&config.Paymob.BaseURL, "PAYMOB_BASE_URL")
	setString(&config.Paymob.CheckoutURL, "PAYMOB_CHECKOUT_URL")

	setString(&config.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")

	setString(&config.NATS.URL, "NATS_URL")
	setString(&config.NATS.SubjectPrefix, "NATS_SUBJECT_PREFIX")

	setString(&config.Security.EncryptionKey, "ENCRYPTION_KEY")
	setString(&config.Security.APIKey, "API_KEY")
	setList(&config.Security.AllowedOrigins, "ALLOWED_ORIGINS")

	parsers := []func() error{
		func() error { return setInt(&config.Database.Port, "DB_PORT") },
		func() error { return setInt(&config.Database.MaxOpenConns, "DB_MAX_OPEN_CONNS") },
		func() error { return setInt(&config.Database.MaxIdleConns, "DB_MAX_IDLE_CONNS") },
		func() error { return setInt(&config.Redis.Port, "REDIS_PORT") },
		func() error { return setInt(&config.Redis.DB, "REDIS_DB") },
		func() error { return setBool(&config.Redis.Enabled, "REDIS_ENABLED") },
		func() error { return setDuration(&config.Redis.TTL, "REDIS_TTL") },
		func() error { return setBool(&config.Paymob.Sandbox, "PAYMOB_SANDBOX") },
		func() error { return setDuration(&config.Paymob.Timeout, "PAYMOB_TIMEOUT") },
		func() error { return setFloat(&config.Security.WebhookRateRPS, "WEBHOOK_RATE_RPS") },
		func() error { return setInt(&config.Security.WebhookRateBurst, "WEBHOOK_RATE_BURST") },
		func() error { return setFloat(&config.Security.APIRateRPS, "API_RATE_RPS") },
		func() error { return setInt(&config.Security.APIRateBurst, "API_RATE_BURST") },
		func() error { return setDuration(&config.Messaging.ReplyWindow, "REPLY_WINDOW") },
		func() error { return setDuration(&config.Messaging.FlushInterval, "OUTBOX_FLUSH_INTERVAL") },
	}
	for _, parse := range parsers {
		if err := parse(); err != nil {
			return err
		}
	}
	return nil
}

func setEnvironmentDefaults(config *Config) {
	if config.Environment == "" {
		config.Environment = "development"
	}
	if config.LogLevel == "" {
		if config.IsProduction() {
			config.LogLevel = "info"
		} else {
			config.LogLevel = "debug"
		}
	}

	if config.Database.Host == "" {
		config.Database.Host = "localhost"
	}
	if config.Database.Port == 0 {
		config.Database.Port = 5432
	}
	if config.Database.DBName == "" {
		config.Database.DBName = "inboxflow"
	}
	if config.Database.SSLMode == "" {
		if config.IsProduction() {
			config.Database.SSLMode = "require"
		} else {
			config.Database.SSLMode = "disable"
		}
	}
	if config.Database.MaxOpenConns == 0 {
		config.Database.MaxOpenConns = 100
	}
	if config.Database.MaxIdleConns == 0 {
		config.Database.MaxIdleConns = 10
	}
	if config.Database.ConnMaxLifetime == 0 {
		config.Database.ConnMaxLifetime = time.Hour
	}

	if config.Redis.Host == "" {
		config.Redis.Host = "localhost"
	}
	if config.Redis.Port == 0 {
		config.Redis.Port = 6379
	}
	if config.Redis.TTL == 0 {
		config.Redis.TTL = 10 * time.Minute
	}

	if config.Server.Port == "" {
		config.Server.Port = "8080"
	}
	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = 15 * time.Second
	}
	if config.Server.WriteTimeout == 0 {
		config.Server.WriteTimeout = 15 * time.Second
	}
	if config.Server.IdleTimeout == 0 {
		config.Server.IdleTimeout = 60 * time.Second
	}
	if config.Server.ShutdownTimeout == 0 {
		config.Server.ShutdownTimeout = 30 * time.Second
	}
	if config.Server.MaxHeaderBytes == 0 {
		config.Server.MaxHeaderBytes = 1 << 20
	}

	if config.Meta.GraphURL == "" {
		config.Meta.GraphURL = "https://graph.facebook.com"
	}

	if config.Paymob.Timeout == 0 {
		config.Paymob.Timeout = 30 * time.Second
	}

	if config.NATS.SubjectPrefix == "" {
		config.NATS.SubjectPrefix = "inboxflow.automation"
	}

	if config.Security.WebhookRateRPS == 0 {
		config.Security.WebhookRateRPS = 50
	}
	if config.Security.WebhookRateBurst == 0 {
		config.Security.WebhookRateBurst = 100
	}
	if config.Security.APIRateRPS == 0 {
		config.Security.APIRateRPS = 10
	}
	if config.Security.APIRateBurst == 0 {
		config.Security.APIRateBurst = 20
	}
	if len(config.Security.AllowedOrigins) == 0 && !config.IsProduction() {
		config.Security.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:8080"}
	}

	if config.Messaging.ReplyWindow == 0 {
		config.Messaging.ReplyWindow = 24 * time.Hour
	}
	if config.Messaging.FlushInterval == 0 {
		config.Messaging.FlushInterval = 5 * time.Second
	}
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

func (c *Config) GetRedisAddr() string {
	return c.Redis.Host + ":" + strconv.Itoa(c.Redis.Port)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
