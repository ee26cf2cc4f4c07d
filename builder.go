package authmesh

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authmesh/breaker"
	"github.com/MrEthical07/authmesh/coordinator"
	"github.com/MrEthical07/authmesh/durable"
	"github.com/MrEthical07/authmesh/internal/flows"
	"github.com/MrEthical07/authmesh/session"
	"github.com/MrEthical07/authmesh/token"
)

// Builder assembles an [Engine]. It is single-use and not safe for concurrent use.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	durable session.Durable
	users   durable.UserDirectory

	logger      *slog.Logger
	listeners   []coordinator.Listener
	auditWriter io.Writer
	now         func() time.Time

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis enables the cache tier, cross-instance revocation and the Redis
// event publisher.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithDurable enables the SQL tier. A store that also implements
// [durable.UserDirectory] becomes the user directory unless one is set explicitly.
func (b *Builder) WithDurable(store session.Durable) *Builder {
	b.durable = store
	return b
}

// WithUserDirectory sets the directory consulted at login and WebSocket handshake.
func (b *Builder) WithUserDirectory(dir durable.UserDirectory) *Builder {
	b.users = dir
	return b
}

// WithLogger sets the structured logger. Token material is never logged.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithListeners registers additional auth-state listeners.
func (b *Builder) WithListeners(ls ...coordinator.Listener) *Builder {
	b.listeners = append(b.listeners, ls...)
	return b
}

// WithAuditWriter sets where Coordinator.AuditLog lines go; stdout by default.
func (b *Builder) WithAuditWriter(w io.Writer) *Builder {
	b.auditWriter = w
	return b
}

// WithMetricsEnabled toggles counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles latency histograms.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithClock overrides the time source of every component.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and wires the engine. It performs no I/O;
// call [Engine.Run] to start background work.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	// -------- TOKENS --------
	normalizer, err := token.NewNormalizer(cfg.tokenConfig(now))
	if err != nil {
		return nil, fmt.Errorf("token normalizer: %w", err)
	}
	issuerCfg := cfg.tokenConfig(now)
	if issuerCfg.EnhancedMethod == token.MethodEd25519 && len(issuerCfg.EnhancedPrivateKey) == 0 {
		// verify-only deployment
		issuerCfg.EnhancedMethod = ""
	}
	issuer, err := token.NewIssuer(issuerCfg)
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}

	users := b.users
	if users == nil {
		if dir, ok := b.durable.(durable.UserDirectory); ok {
			users = dir
		}
	}

	engine := &Engine{
		config:     cfg,
		logger:     logger.With("component", "engine"),
		metrics:    NewMetrics(cfg.Metrics),
		normalizer: normalizer,
		issuer:     issuer,
		users:      users,
		now:        now,
	}

	// -------- SESSIONS --------
	engine.breaker = breaker.New(breaker.Config{
		Threshold:     cfg.Breaker.Threshold,
		Window:        cfg.Breaker.Window,
		OnStateChange: engine.onBreakerChange,
		Now:           now,
	})

	var cache session.Cache
	if b.redis != nil {
		cache = session.NewRedisCache(b.redis, cfg.Session.RedisPrefix)
	}
	if cache == nil && b.durable == nil {
		engine.logger.Warn("no shared session tier configured; sessions are process-local")
	}
	engine.sessions = session.NewManager(session.Config{
		IdleTTL:            cfg.Session.IdleTTL,
		AbsoluteLifetime:   cfg.Session.AbsoluteLifetime,
		CacheTimeout:       cfg.Session.CacheTimeout,
		DurableTimeout:     cfg.Session.DurableTimeout,
		MaintenanceTimeout: cfg.Session.MaintenanceTimeout,
		SyncInterval:       cfg.Session.SyncInterval,
		BackupInterval:     cfg.Session.BackupInterval,
		CleanupInterval:    cfg.Session.CleanupInterval,
		ProbeInterval:      cfg.Session.ProbeInterval,
		SweepInterval:      cfg.Session.SweepInterval,
		InvalidateRetries:  cfg.Session.InvalidateRetries,
		RetryBackoff:       cfg.Session.RetryBackoff,
		OnRead:             engine.onSessionRead,
		Now:                now,
	}, cache, b.durable, engine.breaker, logger)

	// -------- COORDINATION --------
	listeners := []coordinator.Listener{coordinator.NewLocalInvalidator(engine.sessions)}
	if b.redis != nil {
		listeners = append(listeners, coordinator.NewRedisPublisher(b.redis, cfg.Coordinator.RedisChannel))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := coordinator.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			engine.sessions.Close()
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		listeners = append(listeners, kp)
	}
	if cfg.Coordinator.AuditLog {
		w := b.auditWriter
		if w == nil {
			w = os.Stdout
		}
		listeners = append(listeners, coordinator.NewJSONWriterListener(w))
	}
	listeners = append(listeners, b.listeners...)

	engine.coordinator = coordinator.New(coordinator.Config{
		InstanceID:       cfg.Coordinator.InstanceID,
		BufferSize:       cfg.Coordinator.BufferSize,
		ListenerTimeout:  cfg.Coordinator.ListenerTimeout,
		BreakerThreshold: cfg.Coordinator.BreakerThreshold,
		BreakerWindow:    cfg.Coordinator.BreakerWindow,
		OnDelivery:       engine.onDelivery,
		Now:              now,
	}, logger, listeners...)

	if b.redis != nil {
		engine.subscriber = coordinator.NewRedisSubscriber(
			b.redis,
			cfg.Coordinator.RedisChannel,
			engine.coordinator.InstanceID(),
			coordinator.EvictOnRevoke(engine.sessions),
			logger,
		)
	}

	// -------- FLOWS --------
	engine.deps = flows.Deps{
		Validate: flows.ValidateDeps{
			Normalize:      normalizer.Normalize,
			Sessions:       engine.sessions,
			Now:            now,
			AllowDegraded:  cfg.Validator.DegradedPolicy == DegradedAllowJWT,
			TouchOnSuccess: cfg.Session.TouchOnValidate,
		},
		Session: flows.SessionDeps{
			Normalize:     normalizer.Normalize,
			IssueLegacy:   issuer.IssueLegacy,
			IssueEnhanced: issuer.IssueEnhanced,
			Sessions:      engine.sessions,
			Notify:        engine.notify,
			Source:        cfg.Coordinator.Source,
		},
	}

	b.built = true

	return engine, nil
}

func (e *Engine) onBreakerChange(dep string, from, to breaker.Phase) {
	switch to {
	case breaker.Open:
		e.metrics.Inc(MetricBreakerOpened)
		e.logger.Warn("circuit opened", "dependency", dep, "from", from.String())
	case breaker.Closed:
		e.metrics.Inc(MetricBreakerClosed)
		e.logger.Info("circuit closed", "dependency", dep, "from", from.String())
	}
}

func (e *Engine) onSessionRead(t session.Tier) {
	switch t {
	case session.TierCache:
		e.metrics.Inc(MetricReadCache)
	case session.TierFallback:
		e.metrics.Inc(MetricReadFallback)
	case session.TierDurable:
		e.metrics.Inc(MetricReadDurable)
	}
}

func (e *Engine) onDelivery(listener string, err error) {
	if err != nil {
		e.metrics.Inc(MetricListenerFailure)
	}
}
