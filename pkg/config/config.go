package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvLocal       = "local"
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Abuse guard policies applied when the counter store cannot be reached.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

const devSecretKey = "dev_secret"

type Config struct {
	Env       string
	Port      int
	APIPrefix string
	// TrustedProxies lists the peers allowed to set X-Forwarded-For. Empty
	// means the socket address is the client address.
	TrustedProxies []string

	Database      DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	AbuseGuard    AbuseGuardConfig
	RateLimit     RateLimitConfig
	SafeEndpoints []string
	CORS          CORSConfig
	Log           LogConfig
	Audit         AuditConfig
	Permissions   PermissionConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
	ConnectWait  time.Duration
}

// RedisConfig points at the store holding abuse counters and cached permission answers.
type RedisConfig struct {
	Host        string
	Port        int
	Password    string
	DB          int
	PoolSize    int
	IOTimeout   time.Duration
	ConnectWait time.Duration
}

// AuthConfig drives token issuance and refresh cookie handling.
type AuthConfig struct {
	AppID             string
	SecretKey         string
	AccessTokenTTL    time.Duration
	LocalAccessTTL    time.Duration
	RefreshCookieName string
	RefreshCookiePath string
	AccessCookieName  string
	CookieFallback    bool
	CookieSecure      bool
	PasswordHistory   int
	PasswordMinLength int
	BcryptCost        int
	RevokeOnSignIn    bool
}

// AbuseGuardConfig tunes brute-force counters and the scatter detector.
type AbuseGuardConfig struct {
	Enabled          bool
	IPBlocking       bool
	MaxAttempts      int64
	Window           time.Duration
	Lockout          time.Duration
	ScatterThreshold int64
	ScatterWindow    time.Duration
	IPLockout        time.Duration
	StoreTimeout     time.Duration
	FailPolicy       string
	KeyPrefix        string
}

// RateLimitConfig caps requests per client address in a fixed window.
type RateLimitConfig struct {
	Enabled  bool
	Requests int64
	Window   time.Duration
	Prefix   string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AuditConfig controls the asynchronous audit writer.
type AuditConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
}

// PermissionConfig controls caching of permission oracle answers.
type PermissionConfig struct {
	CacheTTL    time.Duration
	CachePrefix string
}

// IsLocal reports whether the service runs on a developer machine.
func (c *Config) IsLocal() bool {
	return c.Env == EnvLocal || c.Env == EnvDevelopment
}

// AccessTTL returns the access token lifetime for the current environment.
// Local runs get the long-lived variant so developers are not logged out
// every half hour.
func (c *Config) AccessTTL() time.Duration {
	if c.IsLocal() {
		return c.Auth.LocalAccessTTL
	}
	return c.Auth.AccessTokenTTL
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = strings.ToLower(v.GetString("ENV"))
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")
	cfg.TrustedProxies = splitAndTrim(v.GetString("TRUSTED_PROXIES"))

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		ConnLifetime: parseDuration(v.GetString("DB_CONN_MAX_LIFETIME"), time.Hour),
		ConnectWait:  parseDuration(v.GetString("DB_CONNECT_TIMEOUT"), 5*time.Second),
	}

	cfg.Redis = RedisConfig{
		Host:        v.GetString("REDIS_HOST"),
		Port:        v.GetInt("REDIS_PORT"),
		Password:    v.GetString("REDIS_PASSWORD"),
		DB:          v.GetInt("REDIS_DB"),
		PoolSize:    v.GetInt("REDIS_POOL_SIZE"),
		IOTimeout:   parseDuration(v.GetString("REDIS_IO_TIMEOUT"), 500*time.Millisecond),
		ConnectWait: parseDuration(v.GetString("REDIS_CONNECT_TIMEOUT"), 5*time.Second),
	}

	cfg.Auth = AuthConfig{
		AppID:             v.GetString("APP_ID"),
		SecretKey:         v.GetString("SECRET_KEY"),
		AccessTokenTTL:    parseDuration(v.GetString("ACCESS_TOKEN_TTL"), 30*time.Minute),
		LocalAccessTTL:    parseDuration(v.GetString("ACCESS_TOKEN_TTL_LOCAL"), 180*time.Minute),
		RefreshCookieName: v.GetString("REFRESH_TOKEN_COOKIE_NAME"),
		RefreshCookiePath: refreshCookiePath(v.GetString("REFRESH_TOKEN_COOKIE_PATH"), cfg.APIPrefix),
		AccessCookieName:  v.GetString("ACCESS_TOKEN_COOKIE_NAME"),
		CookieFallback:    v.GetBool("AUTH_COOKIE_FALLBACK"),
		CookieSecure:      v.GetBool("AUTH_COOKIE_SECURE"),
		PasswordHistory:   v.GetInt("PASSWORD_HISTORY_DEPTH"),
		PasswordMinLength: v.GetInt("PASSWORD_MIN_LENGTH"),
		BcryptCost:        v.GetInt("BCRYPT_COST"),
		RevokeOnSignIn:    v.GetBool("REVOKE_REFRESH_ON_LOGIN"),
	}

	cfg.AbuseGuard = AbuseGuardConfig{
		Enabled:          v.GetBool("ENABLE_BRUTE_FORCE_PROTECTION"),
		IPBlocking:       v.GetBool("ENABLE_IP_BLOCKING"),
		MaxAttempts:      v.GetInt64("BRUTE_FORCE_ATTEMPTS"),
		Window:           parseDuration(v.GetString("BRUTE_FORCE_WINDOW"), 5*time.Minute),
		Lockout:          parseDuration(v.GetString("BRUTE_FORCE_LOCKOUT"), 10*time.Minute),
		ScatterThreshold: v.GetInt64("IP_DISTINCT_USERNAME_THRESHOLD"),
		ScatterWindow:    parseDuration(v.GetString("IP_DISTINCT_WINDOW"), 5*time.Minute),
		IPLockout:        parseDuration(v.GetString("IP_BLOCK_LOCKOUT"), time.Hour),
		StoreTimeout:     parseDuration(v.GetString("ABUSE_STORE_TIMEOUT"), 250*time.Millisecond),
		FailPolicy:       strings.ToLower(v.GetString("ABUSE_FAIL_POLICY")),
		KeyPrefix:        v.GetString("ABUSE_KEY_PREFIX"),
	}

	cfg.RateLimit = RateLimitConfig{
		Enabled:  v.GetBool("ENABLE_RATE_LIMIT"),
		Requests: v.GetInt64("RATE_LIMIT_REQUESTS"),
		Window:   parseDuration(v.GetString("RATE_LIMIT_WINDOW"), time.Minute),
		Prefix:   v.GetString("RATE_LIMIT_KEY_PREFIX"),
	}

	cfg.SafeEndpoints = splitAndTrim(v.GetString("SAFE_ENDPOINTS"))

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Audit = AuditConfig{
		Workers:    v.GetInt("AUDIT_WORKERS"),
		BufferSize: v.GetInt("AUDIT_BUFFER_SIZE"),
		MaxRetries: v.GetInt("AUDIT_MAX_RETRIES"),
	}

	cfg.Permissions = PermissionConfig{
		CacheTTL:    parseDuration(v.GetString("PERMISSION_CACHE_TTL"), time.Minute),
		CachePrefix: v.GetString("PERMISSION_CACHE_PREFIX"),
	}

	return cfg
}

// Validate rejects configurations that must never reach production.
func (c *Config) Validate() error {
	if c.Auth.AppID == "" {
		return errors.New("APP_ID must be set")
	}
	if c.Env == EnvProduction && (c.Auth.SecretKey == "" || c.Auth.SecretKey == devSecretKey) {
		return errors.New("SECRET_KEY must be changed for production")
	}
	switch c.AbuseGuard.FailPolicy {
	case FailOpen, FailClosed:
	default:
		return errors.New("ABUSE_FAIL_POLICY must be either open or closed")
	}
	if c.AbuseGuard.MaxAttempts <= 0 || c.AbuseGuard.ScatterThreshold <= 0 {
		return errors.New("abuse guard thresholds must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		return errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvLocal)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/v1")
	v.SetDefault("TRUSTED_PROXIES", "")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "iam")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME", "1h")
	v.SetDefault("DB_CONNECT_TIMEOUT", "5s")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 20)
	v.SetDefault("REDIS_IO_TIMEOUT", "500ms")
	v.SetDefault("REDIS_CONNECT_TIMEOUT", "5s")

	v.SetDefault("APP_ID", "iam-gate")
	v.SetDefault("SECRET_KEY", devSecretKey)
	v.SetDefault("ACCESS_TOKEN_TTL", "30m")
	v.SetDefault("ACCESS_TOKEN_TTL_LOCAL", "180m")
	v.SetDefault("REFRESH_TOKEN_COOKIE_NAME", "refresh_token")
	v.SetDefault("ACCESS_TOKEN_COOKIE_NAME", "access_token")
	v.SetDefault("AUTH_COOKIE_FALLBACK", false)
	v.SetDefault("AUTH_COOKIE_SECURE", false)
	v.SetDefault("PASSWORD_HISTORY_DEPTH", 5)
	v.SetDefault("PASSWORD_MIN_LENGTH", 8)
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("REVOKE_REFRESH_ON_LOGIN", false)

	v.SetDefault("ENABLE_BRUTE_FORCE_PROTECTION", true)
	v.SetDefault("ENABLE_IP_BLOCKING", true)
	v.SetDefault("BRUTE_FORCE_ATTEMPTS", 5)
	v.SetDefault("BRUTE_FORCE_WINDOW", "300s")
	v.SetDefault("BRUTE_FORCE_LOCKOUT", "600s")
	v.SetDefault("IP_DISTINCT_USERNAME_THRESHOLD", 10)
	v.SetDefault("IP_DISTINCT_WINDOW", "300s")
	v.SetDefault("IP_BLOCK_LOCKOUT", "3600s")
	v.SetDefault("ABUSE_STORE_TIMEOUT", "250ms")
	v.SetDefault("ABUSE_FAIL_POLICY", FailClosed)
	v.SetDefault("ABUSE_KEY_PREFIX", "bf")

	v.SetDefault("ENABLE_RATE_LIMIT", true)
	v.SetDefault("RATE_LIMIT_REQUESTS", 60)
	v.SetDefault("RATE_LIMIT_WINDOW", "60s")
	v.SetDefault("RATE_LIMIT_KEY_PREFIX", "rl:ip")

	v.SetDefault("SAFE_ENDPOINTS", "/health,/ready,/metrics,/docs/*,/iam/auth/login,/iam/auth/refresh,/iam/auth/logout")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("AUDIT_WORKERS", 2)
	v.SetDefault("AUDIT_BUFFER_SIZE", 256)
	v.SetDefault("AUDIT_MAX_RETRIES", 3)

	v.SetDefault("PERMISSION_CACHE_TTL", "60s")
	v.SetDefault("PERMISSION_CACHE_PREFIX", "perm")
}

// refreshCookiePath scopes the refresh cookie to the auth group unless an
// explicit path is configured.
func refreshCookiePath(raw, apiPrefix string) string {
	if raw != "" {
		return raw
	}
	return strings.TrimRight(apiPrefix, "/") + "/iam/auth"
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
