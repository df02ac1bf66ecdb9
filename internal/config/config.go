package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultJWTSecret        = "change-me-in-production"
	defaultEncryptionSecret = "change-me-code-encryption-secret"
)

type Config struct {
	Env       string
	DB        DBConfig
	JWT       JWTConfig
	Server    ServerConfig
	Codes     CodeConfig
	TwoFactor TwoFactorConfig
	SSO       SSOConfig
	Delivery  DeliveryConfig
	Redis     RedisConfig
	Limits    LimitsConfig
	Cleanup   CleanupConfig
	Audit     AuditConfig
}

type DBConfig struct {
	Driver     string
	Host       string
	Port       string
	User       string
	Password   string
	Name       string
	SSLMode    string
	SQLitePath string
}

type JWTConfig struct {
	Secret     string
	SessionTTL time.Duration
	PendingTTL time.Duration
}

type ServerConfig struct {
	Port        string
	FrontendURL string
	BackendURL  string
	CORSOrigins string
}

type CodeConfig struct {
	EncryptionSecret string
	TTL              time.Duration
	MaxAttempts      int
}

type TwoFactorConfig struct {
	TrustedDeviceTTL time.Duration
	DeviceCookieName string
	TOTPIssuer       string
}

type OAuthProviderConfig struct {
	Enabled      bool
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

type SSOConfig struct {
	Google OAuthProviderConfig
	// LinkByEmail attaches a first-time Google identity to an existing
	// account with the same email. Every such link is written to the audit log.
	LinkByEmail bool
}

type DeliveryConfig struct {
	EmailProvider string
	ResendAPIKey  string
	EmailFrom     string
	SMSProvider   string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	LogCodes      bool
	SendTimeout   time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LimitsConfig struct {
	CodeSends  int
	CodeWindow time.Duration
}

type CleanupConfig struct {
	Interval time.Duration
}

type AuditConfig struct {
	QueueSize int
}

func Load() *Config {
	backendURL := getEnv("BACKEND_URL", "http://localhost:8080/api")
	return &Config{
		Env: getEnv("APP_ENV", "development"),
		DB: DBConfig{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "5432"),
			User:       getEnv("DB_USER", "hearthbudget"),
			Password:   getEnv("DB_PASSWORD", "hearthbudget_secret"),
			Name:       getEnv("DB_NAME", "hearthbudget"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			SQLitePath: getEnv("DB_SQLITE_PATH", "hearthbudget.db"),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", defaultJWTSecret),
			SessionTTL: getEnvAsDuration("JWT_SESSION_TTL", 24*time.Hour),
			PendingTTL: getEnvAsDuration("JWT_PENDING_TTL", 5*time.Minute),
		},
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8080"),
			FrontendURL: getEnv("FRONTEND_URL", "http://localhost:3000"),
			BackendURL:  backendURL,
			CORSOrigins: getEnv("CORS_ORIGINS", getEnv("FRONTEND_URL", "http://localhost:3000")),
		},
		Codes: CodeConfig{
			EncryptionSecret: getEnv("CODE_ENCRYPTION_SECRET", defaultEncryptionSecret),
			TTL:              getEnvAsDuration("CODE_TTL", 10*time.Minute),
			MaxAttempts:      getEnvAsInt("CODE_MAX_ATTEMPTS", 5),
		},
		TwoFactor: TwoFactorConfig{
			TrustedDeviceTTL: getEnvAsDuration("TRUSTED_DEVICE_TTL", 30*24*time.Hour),
			DeviceCookieName: getEnv("TRUSTED_DEVICE_COOKIE", "hb_trusted_device"),
			TOTPIssuer:       getEnv("TOTP_ISSUER", "HearthBudget"),
		},
		SSO: SSOConfig{
			Google: OAuthProviderConfig{
				Enabled:      getEnvAsBool("OAUTH_GOOGLE_ENABLED", false),
				ClientID:     getEnv("OAUTH_GOOGLE_CLIENT_ID", ""),
				ClientSecret: getEnv("OAUTH_GOOGLE_CLIENT_SECRET", ""),
				RedirectURL:  getEnv("OAUTH_GOOGLE_REDIRECT_URL", strings.TrimRight(backendURL, "/")+"/auth/google/callback"),
				Scopes:       getEnvAsList("OAUTH_GOOGLE_SCOPES", []string{"openid", "email", "profile"}),
			},
			LinkByEmail: getEnvAsBool("SSO_LINK_BY_EMAIL", true),
		},
		Delivery: DeliveryConfig{
			EmailProvider: getEnv("EMAIL_PROVIDER", "log"),
			ResendAPIKey:  getEnv("RESEND_API_KEY", ""),
			EmailFrom:     getEnv("EMAIL_FROM", "HearthBudget <no-reply@hearthbudget.app>"),
			SMSProvider:   getEnv("SMS_PROVIDER", "log"),
			TwilioSID:     getEnv("TWILIO_ACCOUNT_SID", ""),
			TwilioToken:   getEnv("TWILIO_AUTH_TOKEN", ""),
			TwilioFrom:    getEnv("TWILIO_FROM_NUMBER", ""),
			LogCodes:      getEnvAsBool("DELIVERY_LOG_CODES", false),
			SendTimeout:   getEnvAsDuration("DELIVERY_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Limits: LimitsConfig{
			CodeSends:  getEnvAsInt("LIMIT_CODE_SENDS", 5),
			CodeWindow: getEnvAsDuration("LIMIT_CODE_WINDOW", 15*time.Minute),
		},
		Cleanup: CleanupConfig{
			Interval: getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
		},
		Audit: AuditConfig{
			QueueSize: getEnvAsInt("AUDIT_QUEUE_SIZE", 1000),
		},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "test"
}

// Validate rejects configurations that would boot with placeholder secrets
// outside development.
func (c *Config) Validate() error {
	var errs []error

	if c.DB.Driver != "postgres" && c.DB.Driver != "sqlite" {
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver))
	}
	if c.Codes.MaxAttempts < 1 {
		errs = append(errs, errors.New("CODE_MAX_ATTEMPTS must be at least 1"))
	}
	if c.SSO.Google.Enabled && (c.SSO.Google.ClientID == "" || c.SSO.Google.ClientSecret == "") {
		errs = append(errs, errors.New("google oauth enabled without client credentials"))
	}

	if !c.IsDevelopment() {
		if c.JWT.Secret == "" || c.JWT.Secret == defaultJWTSecret {
			errs = append(errs, errors.New("JWT_SECRET must be set"))
		}
		if c.Codes.EncryptionSecret == "" || c.Codes.EncryptionSecret == defaultEncryptionSecret {
			errs = append(errs, errors.New("CODE_ENCRYPTION_SECRET must be set"))
		}
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
