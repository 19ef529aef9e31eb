package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the immutable process configuration. It is built once by Load and
// passed explicitly to the components that need it.
type Config struct {
	// Server configuration
	Port string `validate:"required"`
	Mode string `validate:"oneof=debug release test"`

	// Database configuration
	DatabaseURL string
	SQLitePath  string

	// Redis configuration, empty disables the shared in-flight guard
	RedisURL string

	Fulfillment  FulfillmentConfig
	Webhook      WebhookConfig
	Notification NotificationConfig
	Reconciler   ReconcilerConfig

	OperatorAPIKey string
	CustomerAPIKey string

	LogLevel  string
	LogFormat string
}

// FulfillmentConfig holds the marketplace fulfillment API settings
type FulfillmentConfig struct {
	BaseURL      string `validate:"required,url"`
	APIVersion   string `validate:"required"`
	TenantID     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scope        string
	Timeout      time.Duration `validate:"gt=0"`
	MaxAttempts  int           `validate:"gte=1,lte=10"`
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// WebhookConfig describes how inbound webhook tokens are trusted
type WebhookConfig struct {
	Issuer           string
	Audience         string
	JWKSURL          string
	MarketplaceAppID string
	SharedSecret     string
}

// NotificationConfig configures the outbound notification sinks
type NotificationConfig struct {
	BrevoAPIKey    string
	BrevoFromEmail string `validate:"omitempty,email"`
	BrevoFromName  string
	CallbackURL    string `validate:"omitempty,url"`
	CallbackSecret string
	Timeout        time.Duration `validate:"gt=0"`
	SinkDeadline   time.Duration `validate:"gt=0"`
}

// ReconcilerConfig bounds the reconciliation engine
type ReconcilerConfig struct {
	MaxAttempts     int           `validate:"gte=1,lte=10"`
	PersistTimeout  time.Duration `validate:"gt=0"`
	ProcessDeadline time.Duration `validate:"gt=0"`
	InFlightTTL     time.Duration `validate:"gt=0"`
}

const defaultMarketplaceAppID = "20e940b3-4c77-4b0b-9a53-9e16a1b010a7"

// Load reads configuration from the environment (and .env if present)
func Load() (*Config, error) {
	// Ignore error if .env file doesn't exist
	_ = godotenv.Load()

	tenantID := getEnv("MARKETPLACE_TENANT_ID", "")

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Mode:        getEnv("GIN_MODE", "debug"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "saas-fulfillment.db"),
		RedisURL:    getEnv("REDIS_URL", ""),
		Fulfillment: FulfillmentConfig{
			BaseURL:      getEnv("FULFILLMENT_API_BASE_URL", "https://marketplaceapi.microsoft.com/api"),
			APIVersion:   getEnv("FULFILLMENT_API_VERSION", "2018-08-31"),
			TenantID:     tenantID,
			ClientID:     getEnv("FULFILLMENT_CLIENT_ID", ""),
			ClientSecret: getEnv("FULFILLMENT_CLIENT_SECRET", ""),
			TokenURL:     getEnv("FULFILLMENT_TOKEN_URL", tokenURL(tenantID)),
			Scope:        getEnv("FULFILLMENT_SCOPE", defaultMarketplaceAppID+"/.default"),
			Timeout:      getEnvDuration("FULFILLMENT_TIMEOUT", 10*time.Second),
			MaxAttempts:  getEnvInt("FULFILLMENT_MAX_ATTEMPTS", 3),
			InitialDelay: getEnvDuration("FULFILLMENT_BACKOFF_INITIAL", 200*time.Millisecond),
			MaxDelay:     getEnvDuration("FULFILLMENT_BACKOFF_MAX", 2*time.Second),
		},
		Webhook: WebhookConfig{
			Issuer:           getEnv("WEBHOOK_TOKEN_ISSUER", issuerURL(tenantID)),
			Audience:         getEnv("WEBHOOK_TOKEN_AUDIENCE", ""),
			JWKSURL:          getEnv("WEBHOOK_JWKS_URL", jwksURL(tenantID)),
			MarketplaceAppID: getEnv("WEBHOOK_MARKETPLACE_APP_ID", defaultMarketplaceAppID),
			SharedSecret:     getEnv("WEBHOOK_SHARED_SECRET", ""),
		},
		Notification: NotificationConfig{
			BrevoAPIKey:    getEnv("BREVO_API_KEY", ""),
			BrevoFromEmail: getEnv("BREVO_FROM_EMAIL", ""),
			BrevoFromName:  getEnv("BREVO_FROM_NAME", "Marketplace Subscriptions"),
			CallbackURL:    getEnv("NOTIFY_CALLBACK_URL", ""),
			CallbackSecret: getEnv("NOTIFY_CALLBACK_SECRET", ""),
			Timeout:        getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
			SinkDeadline:   getEnvDuration("NOTIFY_SINK_DEADLINE", 2*time.Minute),
		},
		Reconciler: ReconcilerConfig{
			MaxAttempts:     getEnvInt("RECONCILE_MAX_ATTEMPTS", 3),
			PersistTimeout:  getEnvDuration("RECONCILE_PERSIST_TIMEOUT", 5*time.Second),
			ProcessDeadline: getEnvDuration("RECONCILE_DEADLINE", 45*time.Second),
			InFlightTTL:     getEnvDuration("RECONCILE_INFLIGHT_TTL", 2*time.Minute),
		},
		OperatorAPIKey: getEnv("OPERATOR_API_KEY", ""),
		CustomerAPIKey: getEnv("CUSTOMER_API_KEY", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field requirements
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Webhook.SharedSecret == "" && (c.Webhook.Issuer == "" || c.Webhook.JWKSURL == "") {
		return fmt.Errorf("invalid configuration: webhook trust requires WEBHOOK_SHARED_SECRET or MARKETPLACE_TENANT_ID")
	}
	return nil
}

func tokenURL(tenantID string) string {
	if tenantID == "" {
		return ""
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID)
}

func issuerURL(tenantID string) string {
	if tenantID == "" {
		return ""
	}
	return fmt.Sprintf("https://sts.windows.net/%s/", tenantID)
}

func jwksURL(tenantID string) string {
	if tenantID == "" {
		return ""
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/discovery/v2.0/keys", tenantID)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
