package authmesh

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/authmesh/token"
)

// Config is the full engine configuration. Start from [DefaultConfig] and adjust;
// the zero value is not valid.
type Config struct {
	Token       TokenConfig       `mapstructure:"token"`
	Session     SessionConfig     `mapstructure:"session"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Validator   ValidatorConfig   `mapstructure:"validator"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Durable     DurableConfig     `mapstructure:"durable"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Server      ServerConfig      `mapstructure:"server"`
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig holds key material for both token formats. Keys are strings so they
// can come from env vars; Ed25519 keys may be PEM or raw.
type TokenConfig struct {
	LegacySecret       string        `mapstructure:"legacy_secret"`
	EnhancedMethod     string        `mapstructure:"enhanced_method"` // "hs256" (default) or "ed25519"
	EnhancedSecret     string        `mapstructure:"enhanced_secret"`
	EnhancedPrivateKey string        `mapstructure:"enhanced_private_key"`
	EnhancedPublicKey  string        `mapstructure:"enhanced_public_key"`
	Issuer             string        `mapstructure:"issuer"`
	Audience           string        `mapstructure:"audience"`
	Leeway             time.Duration `mapstructure:"leeway"` // nbf/iat skew only; exp is exact
	AccessTTL          time.Duration `mapstructure:"access_ttl"`
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig tunes the hybrid session manager.
type SessionConfig struct {
	RedisPrefix        string        `mapstructure:"redis_prefix"`
	IdleTTL            time.Duration `mapstructure:"idle_ttl"`
	AbsoluteLifetime   time.Duration `mapstructure:"absolute_lifetime"`
	CacheTimeout       time.Duration `mapstructure:"cache_timeout"`
	DurableTimeout     time.Duration `mapstructure:"durable_timeout"`
	MaintenanceTimeout time.Duration `mapstructure:"maintenance_timeout"`
	SyncInterval       time.Duration `mapstructure:"sync_interval"`
	BackupInterval     time.Duration `mapstructure:"backup_interval"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	ProbeInterval      time.Duration `mapstructure:"probe_interval"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	InvalidateRetries  int           `mapstructure:"invalidate_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	// TouchOnValidate records activity on every accepted request.
	TouchOnValidate bool `mapstructure:"touch_on_validate"`
}

// BreakerConfig applies to the cache and durable circuits.
type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
}

/*
====================================
VALIDATOR CONFIG
====================================
*/

// DegradedPolicy decides what happens when no session tier can answer.
type DegradedPolicy string

const (
	// DegradedAllowJWT accepts a verified, unexpired token on its own and flags the
	// result as degraded.
	DegradedAllowJWT DegradedPolicy = "allow_jwt"
	// DegradedReject answers service_degraded instead.
	DegradedReject DegradedPolicy = "reject"
)

// ValidatorConfig configures request validation.
type ValidatorConfig struct {
	// PublicPaths skip validation. An entry ending in "/" or "*" matches by prefix,
	// any other entry must match exactly.
	PublicPaths    []string       `mapstructure:"public_paths"`
	DegradedPolicy DegradedPolicy `mapstructure:"degraded_policy"`
	// CookieName is consulted when no Authorization header is present.
	CookieName string `mapstructure:"cookie_name"`
}

// WebSocketConfig configures the handshake gateway.
type WebSocketConfig struct {
	// OriginPatterns is passed to the upgrader; empty means same-origin only.
	OriginPatterns []string `mapstructure:"origin_patterns"`
	// RequireUserLookup rejects handshakes when no user directory is wired.
	RequireUserLookup bool          `mapstructure:"require_user_lookup"`
	LookupTimeout     time.Duration `mapstructure:"lookup_timeout"`
	ThrottleEnabled   bool          `mapstructure:"throttle_enabled"`
	MaxFailures       int           `mapstructure:"max_failures"`
	FailureWindow     time.Duration `mapstructure:"failure_window"`
}

// CoordinatorConfig tunes auth-state event fan-out.
type CoordinatorConfig struct {
	InstanceID       string        `mapstructure:"instance_id"`
	Source           string        `mapstructure:"source"`
	BufferSize       int           `mapstructure:"buffer_size"`
	ListenerTimeout  time.Duration `mapstructure:"listener_timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerWindow    time.Duration `mapstructure:"breaker_window"`
	RedisChannel     string        `mapstructure:"redis_channel"`
	// AuditLog writes every event as a JSON line to the engine's log output.
	AuditLog bool `mapstructure:"audit_log"`
}

// MetricsConfig toggles the in-process counters.
type MetricsConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	EnableLatencyHistograms bool `mapstructure:"enable_latency_histograms"`
}

/*
====================================
STORAGE AND TRANSPORT CONFIG
====================================
*/

// DurableConfig selects the SQL tier. Driver is "postgres", "sqlite" or empty for
// no durable tier.
type DurableConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig is used by cmd/authmesh to dial the cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig enables the audit topic publisher when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ServerConfig is used by cmd/authmesh.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the baseline configuration. Secrets are left empty.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			EnhancedMethod: string(token.MethodHS256),
			Leeway:         30 * time.Second,
			AccessTTL:      15 * time.Minute,
		},
		Session: SessionConfig{
			RedisPrefix:        "session",
			IdleTTL:            30 * time.Minute,
			AbsoluteLifetime:   24 * time.Hour,
			CacheTimeout:       2 * time.Second,
			DurableTimeout:     5 * time.Second,
			MaintenanceTimeout: 30 * time.Second,
			SyncInterval:       time.Minute,
			BackupInterval:     5 * time.Minute,
			CleanupInterval:    10 * time.Minute,
			ProbeInterval:      15 * time.Second,
			SweepInterval:      time.Minute,
			InvalidateRetries:  5,
			RetryBackoff:       250 * time.Millisecond,
			TouchOnValidate:    true,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Window:    60 * time.Second,
		},
		Validator: ValidatorConfig{
			PublicPaths: []string{
				"/health",
				"/healthz",
				"/metrics",
				"/auth/login",
				"/auth/register",
				"/static/",
				"/favicon.ico",
			},
			DegradedPolicy: DegradedAllowJWT,
			CookieName:     "access_token",
		},
		WebSocket: WebSocketConfig{
			RequireUserLookup: true,
			LookupTimeout:     3 * time.Second,
			ThrottleEnabled:   true,
			MaxFailures:       10,
			FailureWindow:     time.Minute,
		},
		Coordinator: CoordinatorConfig{
			Source:           "authmesh",
			BufferSize:       1024,
			ListenerTimeout:  2 * time.Second,
			BreakerThreshold: 5,
			BreakerWindow:    60 * time.Second,
			RedisChannel:     "authmesh:auth-state",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Durable: DurableConfig{
			MaxConns:        10,
			MinConns:        1,
			MaxConnIdleTime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Kafka: KafkaConfig{
			Topic: "authmesh.auth-state",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Validator.PublicPaths = cloneStrings(cfg.Validator.PublicPaths)
	out.WebSocket.OriginPatterns = cloneStrings(cfg.WebSocket.OriginPatterns)
	out.Kafka.Brokers = cloneStrings(cfg.Kafka.Brokers)
	return out
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks cross-field constraints. It does not touch the network.
func (c *Config) Validate() error {
	// Token
	if c.Token.LegacySecret == "" && c.Token.EnhancedMethod == "" {
		return errors.New("Token: at least one format must be configured")
	}
	switch token.SigningMethod(c.Token.EnhancedMethod) {
	case "":
	case token.MethodHS256:
		if c.Token.EnhancedSecret == "" {
			return errors.New("Token: hs256 requires EnhancedSecret")
		}
	case token.MethodEd25519:
		if c.Token.EnhancedPublicKey == "" && c.Token.EnhancedPrivateKey == "" {
			return errors.New("Token: ed25519 requires a public or private key")
		}
	default:
		return fmt.Errorf("Token: unsupported EnhancedMethod %q", c.Token.EnhancedMethod)
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("Token: Leeway must be within [0, 2m]")
	}
	if c.Token.AccessTTL <= 0 {
		return errors.New("Token: AccessTTL must be > 0")
	}

	// Session
	if c.Session.IdleTTL <= 0 {
		return errors.New("Session: IdleTTL must be > 0")
	}
	if c.Session.AbsoluteLifetime < c.Session.IdleTTL {
		return errors.New("Session: AbsoluteLifetime must be >= IdleTTL")
	}
	if c.Session.CacheTimeout <= 0 || c.Session.DurableTimeout <= 0 {
		return errors.New("Session: tier timeouts must be > 0")
	}
	if strings.ContainsAny(c.Session.RedisPrefix, " \t\n") {
		return errors.New("Session: RedisPrefix must not contain whitespace")
	}

	// Breaker
	if c.Breaker.Threshold < 1 {
		return errors.New("Breaker: Threshold must be >= 1")
	}
	if c.Breaker.Window <= 0 {
		return errors.New("Breaker: Window must be > 0")
	}

	// Validator
	switch c.Validator.DegradedPolicy {
	case DegradedAllowJWT, DegradedReject:
	default:
		return fmt.Errorf("Validator: unknown DegradedPolicy %q", c.Validator.DegradedPolicy)
	}
	for _, p := range c.Validator.PublicPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("Validator: public path %q must start with /", p)
		}
	}

	// WebSocket
	if c.WebSocket.ThrottleEnabled && (c.WebSocket.MaxFailures < 1 || c.WebSocket.FailureWindow <= 0) {
		return errors.New("WebSocket: throttle requires MaxFailures >= 1 and FailureWindow > 0")
	}

	// Coordinator
	if c.Coordinator.BufferSize < 1 {
		return errors.New("Coordinator: BufferSize must be >= 1")
	}

	// Durable
	switch c.Durable.Driver {
	case "":
	case "postgres", "sqlite":
		if c.Durable.DSN == "" {
			return fmt.Errorf("Durable: %s requires DSN", c.Durable.Driver)
		}
	default:
		return fmt.Errorf("Durable: unsupported Driver %q", c.Durable.Driver)
	}
	if c.Durable.MinConns > c.Durable.MaxConns {
		return errors.New("Durable: MinConns must be <= MaxConns")
	}

	// Kafka
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("Kafka: Topic is required when Brokers are set")
	}

	return nil
}

func (c Config) tokenConfig(now func() time.Time) token.Config {
	tc := token.Config{
		EnhancedMethod: token.SigningMethod(c.Token.EnhancedMethod),
		Issuer:         c.Token.Issuer,
		Audience:       c.Token.Audience,
		Leeway:         c.Token.Leeway,
		AccessTTL:      c.Token.AccessTTL,
		Now:            now,
	}
	if c.Token.LegacySecret != "" {
		tc.LegacySecret = []byte(c.Token.LegacySecret)
	}
	if c.Token.EnhancedSecret != "" {
		tc.EnhancedSecret = []byte(c.Token.EnhancedSecret)
	}
	if c.Token.EnhancedPrivateKey != "" {
		tc.EnhancedPrivateKey = []byte(c.Token.EnhancedPrivateKey)
	}
	if c.Token.EnhancedPublicKey != "" {
		tc.EnhancedPublicKey = []byte(c.Token.EnhancedPublicKey)
	}
	return tc
}
