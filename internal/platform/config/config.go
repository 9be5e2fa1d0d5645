// Package config builds the process configuration from environment
// variables so main stays lean. Every knob has a default; validation
// failures are returned to main, which exits with the config error code.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	stringutil "authd/pkg/platform/strings"
)

// Config is the full process configuration.
type Config struct {
	Server    Server
	Postgres  Postgres
	Redis     Redis
	Kafka     Kafka
	RateLimit RateLimit
	Security  Security
	WebAuthn  WebAuthn
	Token     Token
	Geo       Geo
	Risk      Risk
	Captcha   Captcha
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr string
	// TrustedProxies are the CIDRs whose forwarding headers are honoured
	// when resolving the client IP.
	TrustedProxies []string
	LogLevel       string
}

// Postgres holds the authoritative database connection settings.
type Postgres struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// Redis holds the shared-state store settings (rate-limit sorted sets,
// challenges, caches, revocation hot set).
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka holds the audit pipeline broker settings.
type Kafka struct {
	Brokers []string
	// ConsumerGroup is used by the audit sink binary.
	ConsumerGroup string
}

// RateLimit mirrors the rate-limit.* configuration surface.
type RateLimit struct {
	IPLimit         int
	IPWindow        time.Duration
	UserLimit       int
	UserWindow      time.Duration
	FailOpen        bool
	CleanupInterval time.Duration
	// CallTimeout bounds a single store round trip.
	CallTimeout time.Duration
}

// Security mirrors the security.* configuration surface.
type Security struct {
	MaxLoginAttempts int
	LockoutDuration  time.Duration
	// RecentFailureWindow is the lookback for the CAPTCHA gate and the
	// risk engine's recent-failures signal.
	RecentFailureWindow time.Duration
	// BlindIndexKey keys the recovery-email blind index (HMAC).
	BlindIndexKey string
	// FieldEncryptionKey encrypts recovery email and mobile number at
	// rest. Hex-encoded 32 bytes.
	FieldEncryptionKey string
}

// WebAuthn mirrors the webauthn.* configuration surface.
type WebAuthn struct {
	RPID         string
	RPName       string
	Origin       string
	Timeout      time.Duration
	ChallengeTTL time.Duration
}

// Token mirrors the token.* configuration surface.
type Token struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ClockSkew  time.Duration
	Issuer     string
	Audience   string
	SigningKey string
	KeyID      string
	// MfaChallengeTTL bounds the window to complete a risk-forced MFA step.
	MfaChallengeTTL time.Duration
}

// Geo mirrors the geo.* configuration surface. Empty paths disable the
// corresponding lookups; resolution then yields unknown, never an error.
type Geo struct {
	CityDBPath    string
	CountryDBPath string
	ASNDBPath     string
}

// Risk mirrors the risk.* configuration surface.
type Risk struct {
	ImpossibleTravelKmh    float64
	SuspiciousIPThreshold  int
	RecentFailureThreshold int
	CountryChangeLookback  int
	DenyScore              int
	ChallengeScore         int
}

// Captcha holds the external CAPTCHA provider settings. An empty VerifyURL
// disables the provider; the gate then fails closed when a token is required.
type Captcha struct {
	VerifyURL string
	Secret    string
	Timeout   time.Duration
}

// FromEnv builds the configuration from environment variables.
func FromEnv() (*Config, error) {
	var errs []string

	cfg := &Config{
		Server: Server{
			Addr:           envString("AUTHD_ADDR", ":8080"),
			TrustedProxies: envStringSlice("AUTHD_TRUSTED_PROXIES"),
			LogLevel:       envString("AUTHD_LOG_LEVEL", "info"),
		},
		Postgres: Postgres{
			URL:          envString("DATABASE_URL", "postgres://localhost:5432/authd?sslmode=disable"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25, &errs),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5, &errs),
		},
		Redis: Redis{
			URL:          envString("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10, &errs),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2, &errs),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second, &errs),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second, &errs),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second, &errs),
		},
		Kafka: Kafka{
			Brokers:       envStringSlice("KAFKA_BROKERS"),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", "authd-audit-sink"),
		},
		RateLimit: RateLimit{
			IPLimit:         envInt("RATE_LIMIT_IP_LIMIT", 100, &errs),
			IPWindow:        envDuration("RATE_LIMIT_IP_WINDOW", 60*time.Second, &errs),
			UserLimit:       envInt("RATE_LIMIT_USER_LIMIT", 20, &errs),
			UserWindow:      envDuration("RATE_LIMIT_USER_WINDOW", 60*time.Second, &errs),
			FailOpen:        envBool("RATE_LIMIT_FAIL_OPEN", false, &errs),
			CleanupInterval: envDuration("RATE_LIMIT_CLEANUP_INTERVAL", time.Hour, &errs),
			CallTimeout:     envDuration("RATE_LIMIT_CALL_TIMEOUT", 200*time.Millisecond, &errs),
		},
		Security: Security{
			MaxLoginAttempts:    envInt("SECURITY_MAX_LOGIN_ATTEMPTS", 5, &errs),
			LockoutDuration:     envDuration("SECURITY_LOCKOUT_DURATION", 15*time.Minute, &errs),
			RecentFailureWindow: envDuration("SECURITY_RECENT_FAILURE_WINDOW", 10*time.Minute, &errs),
			BlindIndexKey:       envString("SECURITY_BLIND_INDEX_KEY", ""),
			FieldEncryptionKey:  envString("SECURITY_FIELD_ENCRYPTION_KEY", ""),
		},
		WebAuthn: WebAuthn{
			RPID:         envString("WEBAUTHN_RP_ID", "localhost"),
			RPName:       envString("WEBAUTHN_RP_NAME", "authd"),
			Origin:       envString("WEBAUTHN_ORIGIN", "http://localhost:8080"),
			Timeout:      envDuration("WEBAUTHN_TIMEOUT", 60*time.Second, &errs),
			ChallengeTTL: envDuration("WEBAUTHN_CHALLENGE_TTL", 5*time.Minute, &errs),
		},
		Token: Token{
			AccessTTL:       envDuration("TOKEN_ACCESS_TTL", 15*time.Minute, &errs),
			RefreshTTL:      envDuration("TOKEN_REFRESH_TTL", 7*24*time.Hour, &errs),
			ClockSkew:       envDuration("TOKEN_CLOCK_SKEW", 10*time.Second, &errs),
			Issuer:          envString("TOKEN_ISSUER", "authd"),
			Audience:        envString("TOKEN_AUDIENCE", "authd-api"),
			SigningKey:      envString("TOKEN_SIGNING_KEY", ""),
			KeyID:           envString("TOKEN_KEY_ID", "authd-key-1"),
			MfaChallengeTTL: envDuration("TOKEN_MFA_CHALLENGE_TTL", 5*time.Minute, &errs),
		},
		Geo: Geo{
			CityDBPath:    envString("GEO_CITY_DB_PATH", ""),
			CountryDBPath: envString("GEO_COUNTRY_DB_PATH", ""),
			ASNDBPath:     envString("GEO_ASN_DB_PATH", ""),
		},
		Risk: Risk{
			ImpossibleTravelKmh:    envFloat("RISK_IMPOSSIBLE_TRAVEL_KMH", 900, &errs),
			SuspiciousIPThreshold:  envInt("RISK_SUSPICIOUS_IP_THRESHOLD", 5, &errs),
			RecentFailureThreshold: envInt("RISK_RECENT_FAILURE_THRESHOLD", 3, &errs),
			CountryChangeLookback:  envInt("RISK_COUNTRY_CHANGE_LOOKBACK", 5, &errs),
			DenyScore:              envInt("RISK_DENY_SCORE", 70, &errs),
			ChallengeScore:         envInt("RISK_CHALLENGE_SCORE", 40, &errs),
		},
		Captcha: Captcha{
			VerifyURL: envString("CAPTCHA_VERIFY_URL", ""),
			Secret:    envString("CAPTCHA_SECRET", ""),
			Timeout:   envDuration("CAPTCHA_TIMEOUT", 3*time.Second, &errs),
		},
	}

	if cfg.RateLimit.IPLimit <= 0 || cfg.RateLimit.UserLimit <= 0 {
		errs = append(errs, "rate limit values must be positive")
	}
	if cfg.Security.MaxLoginAttempts <= 0 {
		errs = append(errs, "SECURITY_MAX_LOGIN_ATTEMPTS must be positive")
	}
	if cfg.Risk.ChallengeScore >= cfg.Risk.DenyScore {
		errs = append(errs, "RISK_CHALLENGE_SCORE must be below RISK_DENY_SCORE")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envStringSlice(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	return stringutil.DedupeAndTrim(strings.Split(raw, ","))
}

func envInt(key string, def int, errs *[]string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: not an integer: %q", key, raw))
		return def
	}
	return v
}

func envFloat(key string, def float64, errs *[]string) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: not a number: %q", key, raw))
		return def
	}
	return v
}

func envBool(key string, def bool, errs *[]string) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: not a boolean: %q", key, raw))
		return def
	}
	return v
}

func envDuration(key string, def time.Duration, errs *[]string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: not a duration: %q", key, raw))
		return def
	}
	return v
}
