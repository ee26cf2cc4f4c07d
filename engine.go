package authmesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrEthical07/authmesh/breaker"
	"github.com/MrEthical07/authmesh/coordinator"
	"github.com/MrEthical07/authmesh/durable"
	"github.com/MrEthical07/authmesh/internal/flows"
	"github.com/MrEthical07/authmesh/session"
	"github.com/MrEthical07/authmesh/token"
)

const (
	subscriberMinBackoff = time.Second
	subscriberMaxBackoff = 30 * time.Second
)

// Engine validates tokens against the hybrid session store and propagates
// auth-state changes. Build one with [New] and share it; all methods are safe for
// concurrent use.
type Engine struct {
	config      Config
	logger      *slog.Logger
	metrics     *Metrics
	breaker     *breaker.Breaker
	sessions    *session.Manager
	normalizer  *token.Normalizer
	issuer      *token.Issuer
	coordinator *coordinator.Coordinator
	subscriber  *coordinator.RedisSubscriber
	users       durable.UserDirectory
	deps        flows.Deps
	now         func() time.Time

	healthMu     sync.RWMutex
	healthChecks map[string]HealthCheckFunc

	closed    atomic.Bool
	closeOnce sync.Once
}

// AuthResult is the outcome of one validation. It is never nil.
type AuthResult struct {
	Outcome  Outcome
	Identity token.Identity
	// Session is nil when the result was accepted in degraded mode.
	Session  *session.Record
	Degraded bool
	// Err is one of the package sentinels, possibly wrapped; nil when accepted.
	Err error
}

// Accepted reports whether the caller is authenticated.
func (r *AuthResult) Accepted() bool {
	return r != nil && r.Outcome == OutcomeAccepted
}

// SessionID returns the validated session id, or the token's sid in degraded mode.
func (r *AuthResult) SessionID() string {
	if r == nil {
		return ""
	}
	if r.Session != nil {
		return r.Session.SessionID
	}
	return r.Identity.SessionID
}

// LoginRequest describes a principal whose credentials were already checked.
type LoginRequest struct {
	UserID int64
	Email  string
	Role   token.Role
	// Format defaults to enhanced.
	Format   token.Format
	Metadata map[string]any
}

// LoginResult carries a freshly issued access token.
type LoginResult struct {
	AccessToken string
	Format      token.Format
	SessionID   string
	ExpiresAt   time.Time
}

// Config returns a copy of the effective configuration.
func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return cloneConfig(e.config)
}

// Sessions exposes the session manager for introspection and administration.
func (e *Engine) Sessions() *session.Manager {
	if e == nil {
		return nil
	}
	return e.sessions
}

// Coordinator returns the auth-state event publisher.
func (e *Engine) Coordinator() *coordinator.Coordinator {
	if e == nil {
		return nil
	}
	return e.coordinator
}

// Breaker returns the cache and durable circuit breaker.
func (e *Engine) Breaker() *breaker.Breaker {
	if e == nil {
		return nil
	}
	return e.breaker
}

// Users returns the configured user directory, or nil.
func (e *Engine) Users() durable.UserDirectory {
	if e == nil {
		return nil
	}
	return e.users
}

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger {
	if e == nil {
		return slog.Default()
	}
	return e.logger
}

// Metrics returns the engine's counters. Sub-packages record into it.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// MetricsSnapshot copies the current counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// EventsDropped is the number of auth-state events lost to a full queue.
func (e *Engine) EventsDropped() uint64 {
	if e == nil || e.coordinator == nil {
		return 0
	}
	return e.coordinator.Stats().Dropped
}

/*
====================================
VALIDATION
====================================
*/

// Validate runs the full validation state machine on raw. An empty raw yields
// OutcomeUnauthorized with ErrTokenMissing. Token-only acceptance happens only
// when no session tier can answer and the degraded policy allows it.
func (e *Engine) Validate(ctx context.Context, raw string) *AuthResult {
	if e == nil || e.closed.Load() {
		return &AuthResult{Outcome: OutcomeServiceDegraded, Err: ErrEngineNotReady}
	}

	start := time.Now()
	res := flows.RunValidate(ctx, raw, e.deps.Validate)
	e.metrics.Observe(MetricValidateLatency, time.Since(start))

	out := &AuthResult{
		Identity: res.Identity,
		Session:  res.Session,
		Degraded: res.Degraded,
	}
	if res.State == flows.StateAccepted {
		out.Outcome = OutcomeAccepted
		e.metrics.Inc(MetricValidateAccepted)
		if res.Degraded {
			e.metrics.Inc(MetricValidateDegraded)
			e.logger.Warn("degraded mode: token accepted without session check",
				"user_id", res.Identity.UserID,
				"format", res.Identity.SourceFormat.String(),
			)
		}
		return out
	}

	out.Outcome, out.Err = e.classify(res)
	out.Identity = token.Identity{}
	e.metrics.Inc(MetricValidateRejected)
	return out
}

func (e *Engine) classify(res flows.ValidateResult) (Outcome, error) {
	switch res.Failure {
	case flows.ValidateFailureTokenMissing:
		return OutcomeUnauthorized, ErrTokenMissing
	case flows.ValidateFailureTokenMalformed:
		e.metrics.Inc(MetricTokenInvalid)
		return OutcomeValidationFailed, fmt.Errorf("%w: %v", ErrTokenMalformed, res.Err)
	case flows.ValidateFailureSignatureInvalid:
		e.metrics.Inc(MetricTokenInvalid)
		return OutcomeValidationFailed, fmt.Errorf("%w: %v", ErrSignatureInvalid, res.Err)
	case flows.ValidateFailureTokenExpired:
		e.metrics.Inc(MetricTokenExpired)
		return OutcomeTokenExpired, ErrTokenExpired
	case flows.ValidateFailureSessionNotFound:
		e.metrics.Inc(MetricSessionNotFound)
		return OutcomeValidationFailed, ErrSessionNotFound
	case flows.ValidateFailureSessionInactive:
		e.metrics.Inc(MetricSessionNotFound)
		return OutcomeValidationFailed, fmt.Errorf("%w: %v", ErrSessionNotFound, res.Err)
	case flows.ValidateFailureUserMismatch:
		e.logger.Warn("session user mismatch", "user_id", res.Identity.UserID, "session_id", res.Identity.SessionID)
		return OutcomeValidationFailed, ErrUserMismatch
	case flows.ValidateFailureDependencyUnavailable:
		e.logger.Error("session storage unavailable and degraded acceptance disabled", "user_id", res.Identity.UserID)
		return OutcomeServiceDegraded, ErrDependencyUnavailable
	default:
		e.logger.Error("session validation failed unexpectedly", "state", res.FailedAt.String(), "error", res.Err)
		return OutcomeServiceDegraded, fmt.Errorf("%w: %v", ErrDependencyUnavailable, res.Err)
	}
}

/*
====================================
STATE-CHANGING OPERATIONS
====================================
*/

// Login creates a session for an authenticated principal and issues a token bound
// to it. When a user directory is configured the principal must exist there and be
// active.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if e == nil || e.closed.Load() {
		return nil, ErrEngineNotReady
	}
	if err := e.checkUser(ctx, req.UserID, req.Email); err != nil {
		return nil, err
	}

	res, err := flows.RunLogin(ctx, flows.LoginInput{
		UserID:   req.UserID,
		Email:    req.Email,
		Role:     req.Role,
		Format:   req.Format,
		Metadata: req.Metadata,
	}, e.deps.Session)
	if err != nil {
		return nil, translate(err)
	}
	e.metrics.Inc(MetricSessionCreated)
	e.logger.Info("session created", "user_id", req.UserID, "session_id", res.Session.SessionID, "format", res.Format.String())
	return &LoginResult{
		AccessToken: res.AccessToken,
		Format:      res.Format,
		SessionID:   res.Session.SessionID,
		ExpiresAt:   e.now().Add(e.issuer.AccessTTL()),
	}, nil
}

// Refresh re-issues a token for the live session behind raw, in raw's format.
func (e *Engine) Refresh(ctx context.Context, raw string) (*LoginResult, error) {
	if e == nil || e.closed.Load() {
		return nil, ErrEngineNotReady
	}
	if raw == "" {
		return nil, ErrTokenMissing
	}
	res, err := flows.RunRefresh(ctx, raw, e.deps.Session)
	if err != nil {
		return nil, translate(err)
	}
	e.metrics.Inc(MetricSessionRefreshed)
	return &LoginResult{
		AccessToken: res.AccessToken,
		Format:      res.Format,
		SessionID:   res.Session.SessionID,
		ExpiresAt:   e.now().Add(e.issuer.AccessTTL()),
	}, nil
}

// Logout invalidates the session behind raw and tells every other instance.
func (e *Engine) Logout(ctx context.Context, raw string) error {
	if e == nil || e.closed.Load() {
		return ErrEngineNotReady
	}
	if raw == "" {
		return ErrTokenMissing
	}
	res, err := flows.RunLogout(ctx, raw, e.deps.Session)
	if err != nil {
		return translate(err)
	}
	e.metrics.Inc(MetricSessionInvalidated)
	e.logger.Info("session invalidated", "user_id", res.UserID, "session_id", res.SessionID, "reason", "logout")
	return nil
}

// RevokeSession invalidates one session by id. It reports false for an unknown id.
func (e *Engine) RevokeSession(ctx context.Context, sessionID, reason string) (bool, error) {
	if e == nil || e.closed.Load() {
		return false, ErrEngineNotReady
	}
	rec, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return false, nil
		}
		return false, translate(err)
	}
	ok, err := e.sessions.Invalidate(ctx, sessionID)
	if err != nil {
		return false, translate(err)
	}
	if ok {
		e.metrics.Inc(MetricSessionInvalidated)
		e.notify(ctx, rec.UserID, rec.Email, coordinator.EventRevoke, map[string]string{
			coordinator.DetailSessionID: sessionID,
			coordinator.DetailApplied:   "true",
			"reason":                    reason,
		})
	}
	return ok, nil
}

// RevokeUser invalidates every session of userID and broadcasts the revocation.
func (e *Engine) RevokeUser(ctx context.Context, userID int64, email, reason string) (int, error) {
	if e == nil || e.closed.Load() {
		return 0, ErrEngineNotReady
	}
	n, err := flows.RunRevokeUser(ctx, userID, email, reason, e.deps.Session)
	if err != nil {
		return n, translate(err)
	}
	e.metrics.Inc(MetricRevokeAll)
	e.logger.Info("user sessions revoked", "user_id", userID, "count", n, "reason", reason)
	return n, nil
}

// Coordinate publishes an auth-state change on behalf of another service. It
// never waits for delivery.
func (e *Engine) Coordinate(ctx context.Context, userID int64, email string, eventType coordinator.EventType, details map[string]string) error {
	if e == nil || e.closed.Load() {
		return ErrEngineNotReady
	}
	if err := e.coordinator.Coordinate(ctx, userID, email, eventType, e.config.Coordinator.Source, details); err != nil {
		return err
	}
	e.metrics.Inc(MetricEventPublished)
	return nil
}

// ListUserSessions returns the live sessions of userID.
func (e *Engine) ListUserSessions(ctx context.Context, userID int64) ([]*session.Record, error) {
	if e == nil || e.closed.Load() {
		return nil, ErrEngineNotReady
	}
	recs, err := e.sessions.ListUserSessions(ctx, userID)
	return recs, translate(err)
}

func (e *Engine) checkUser(ctx context.Context, userID int64, email string) error {
	if e.users == nil {
		return nil
	}
	u, err := e.users.LookupByEmail(ctx, email)
	switch {
	case errors.Is(err, durable.ErrUserNotFound):
		return fmt.Errorf("%w: unknown user", ErrUserMismatch)
	case err != nil:
		return fmt.Errorf("%w: user lookup: %v", ErrDependencyUnavailable, err)
	case u.ID != userID:
		return ErrUserMismatch
	case !u.IsActive:
		return ErrUserInactive
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, userID int64, email string, typ coordinator.EventType, details map[string]string) {
	if err := e.coordinator.Coordinate(ctx, userID, email, typ, e.config.Coordinator.Source, details); err != nil {
		e.logger.Warn("auth-state event rejected", "event_type", typ, "user_id", userID, "error", err)
		return
	}
	e.metrics.Inc(MetricEventPublished)
}

// translate maps component errors onto the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, token.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, token.ErrSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, token.ErrMalformed):
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrInactive):
		return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	case errors.Is(err, flows.ErrUserMismatch):
		return ErrUserMismatch
	case errors.Is(err, session.ErrDependencyUnavailable):
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	default:
		return err
	}
}

/*
====================================
LIFECYCLE
====================================
*/

// Run drives background work until ctx is done: session maintenance and, when a
// Redis client is configured, the cross-instance revocation subscriber.
func (e *Engine) Run(ctx context.Context) error {
	if e == nil || e.closed.Load() {
		return ErrEngineNotReady
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.sessions.RunMaintenance(gctx)
		return nil
	})
	if e.subscriber != nil {
		g.Go(func() error {
			e.runSubscriber(gctx, nil)
			return nil
		})
	}
	return g.Wait()
}

// runSubscriber keeps the subscription alive across Redis outages.
func (e *Engine) runSubscriber(ctx context.Context, ready chan<- struct{}) {
	backoff := subscriberMinBackoff
	for {
		err := e.subscriber.Run(ctx, ready)
		ready = nil
		if ctx.Err() != nil {
			return
		}
		e.logger.Warn("auth-state subscription lost", "error", err, "retry_in", backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, subscriberMaxBackoff)
	}
}

// Close drains queued events, closes listeners and waits for in-flight session
// writes. It is idempotent; the engine rejects calls afterwards.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		err = e.coordinator.Close()
		e.sessions.Close()
	})
	return err
}
