package wsgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authmesh"
	"github.com/MrEthical07/authmesh/coordinator"
	"github.com/MrEthical07/authmesh/durable"
	"github.com/MrEthical07/authmesh/internal/rate"
)

// HealthComponent is the name the gateway registers under in [authmesh.Engine.Health].
const HealthComponent = "websocket_gateway"

// Phase is a step of the handshake state machine.
type Phase uint8

const (
	PhaseConnecting Phase = iota
	PhaseTokenExtraction
	PhaseNormalization
	PhaseSessionValidation
	PhaseUserLookup
	PhaseAuthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseTokenExtraction:
		return "token_extraction"
	case PhaseNormalization:
		return "normalization"
	case PhaseSessionValidation:
		return "session_validation"
	case PhaseUserLookup:
		return "user_lookup"
	case PhaseAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// ConnectionRecord describes one authenticated connection. It lives only while the
// connection is open and is never persisted.
type ConnectionRecord struct {
	ConnectionID string    `json:"connection_id"`
	UserID       int64     `json:"user_id"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	TokenFormat  string    `json:"token_format"`
	TokenSource  string    `json:"token_source"`
	SessionID    string    `json:"session_id,omitempty"`
	Degraded     bool      `json:"degraded_mode"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// Rejection is a failed handshake. Code is 1008 for authentication failures and
// 1011 when authentication could not be completed; [Gateway.Accept] reports it
// before any upgrade.
type Rejection struct {
	Code   websocket.StatusCode
	Reason string
	Phase  Phase
	Err    error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("websocket rejected at %s: %s", r.Phase, r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

// HandlerFunc serves one authenticated connection. ctx is cancelled when the
// request ends or the session is revoked.
type HandlerFunc func(ctx context.Context, conn *websocket.Conn, rec *ConnectionRecord) error

type liveConn struct {
	record ConnectionRecord
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// Gateway authenticates handshakes and tracks live connections. Build one per
// engine with [New]; it is safe for concurrent use.
type Gateway struct {
	engine   *authmesh.Engine
	users    durable.UserDirectory
	throttle *rate.Limiter
	cfg      authmesh.WebSocketConfig
	logger   *slog.Logger
	metrics  *authmesh.Metrics

	mu    sync.RWMutex
	conns map[string]*liveConn

	accepted  atomic.Uint64
	rejected  atomic.Uint64
	throttled atomic.Uint64
	revoked   atomic.Uint64
}

// New wires a gateway to engine. rdb backs the failed-handshake throttle and may be
// nil. The gateway registers itself as a health component and as a coordinator
// listener so revocations close live connections.
func New(engine *authmesh.Engine, rdb redis.UniversalClient) *Gateway {
	cfg := engine.Config()
	g := &Gateway{
		engine:  engine,
		users:   engine.Users(),
		cfg:     cfg.WebSocket,
		logger:  engine.Logger().With("component", "wsgateway"),
		metrics: engine.Metrics(),
		conns:   make(map[string]*liveConn),
	}
	if cfg.WebSocket.ThrottleEnabled && rdb != nil {
		g.throttle = rate.New(rdb, rate.Config{
			MaxFailures: cfg.WebSocket.MaxFailures,
			Window:      cfg.WebSocket.FailureWindow,
			KeyPrefix:   cfg.Coordinator.Source,
		})
	}
	if cfg.WebSocket.RequireUserLookup && g.users == nil {
		g.logger.Warn("no user directory configured; handshakes skip the user lookup")
	}

	engine.RegisterHealthCheck(HealthComponent, g.HealthCheck)
	engine.Coordinator().Register(g)
	return g
}

/*
====================================
HANDSHAKE
====================================
*/

// Authenticate runs the handshake state machine without upgrading. Exactly one of
// the results is non-nil.
func (g *Gateway) Authenticate(r *http.Request) (rec *ConnectionRecord, rej *Rejection) {
	phase := PhaseConnecting
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("handshake authentication panicked", "phase", phase.String(), "panic", fmt.Sprint(p))
			rec = nil
			rej = g.reject(r, &Rejection{
				Code:   websocket.StatusInternalError,
				Reason: "internal error",
				Phase:  phase,
				Err:    fmt.Errorf("panic: %v", p),
			})
		}
	}()
	ctx := r.Context()

	if g.throttle != nil {
		err := g.throttle.Allow(ctx, clientHost(r.RemoteAddr))
		switch {
		case errors.Is(err, rate.ErrRateLimited):
			g.throttled.Add(1)
			g.metrics.Inc(authmesh.MetricWSThrottled)
			g.rejected.Add(1)
			g.metrics.Inc(authmesh.MetricWSRejected)
			g.logger.Warn("websocket handshake throttled", "client", clientHost(r.RemoteAddr))
			return nil, &Rejection{Code: websocket.StatusPolicyViolation, Reason: "too many failed attempts", Phase: phase, Err: err}
		case err != nil:
			// Throttle storage down: admit the attempt.
			g.logger.Debug("handshake throttle unavailable", "error", err)
		}
	}

	phase = PhaseTokenExtraction
	ex := extractToken(r)
	if ex.token == "" {
		return nil, g.reject(r, policyViolation(phase, "authentication required", authmesh.ErrTokenMissing))
	}

	phase = PhaseNormalization
	res := g.engine.Validate(ctx, ex.token)
	if !res.Accepted() {
		return nil, g.reject(r, rejectionFor(res))
	}

	phase = PhaseUserLookup
	if err := g.lookupUser(ctx, res); err != nil {
		return nil, g.reject(r, err)
	}

	phase = PhaseAuthenticated
	return &ConnectionRecord{
		ConnectionID: uuid.NewString(),
		UserID:       res.Identity.UserID,
		Email:        res.Identity.Email,
		Role:         string(res.Identity.Role),
		TokenFormat:  res.Identity.SourceFormat.String(),
		TokenSource:  ex.source,
		SessionID:    res.SessionID(),
		Degraded:     res.Degraded,
		RemoteAddr:   r.RemoteAddr,
		ConnectedAt:  time.Now().UTC(),
	}, nil
}

func (g *Gateway) lookupUser(ctx context.Context, res *authmesh.AuthResult) *Rejection {
	if !g.cfg.RequireUserLookup || g.users == nil {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	defer cancel()

	u, err := g.users.LookupByEmail(lctx, res.Identity.Email)
	switch {
	case errors.Is(err, durable.ErrUserNotFound):
		return policyViolation(PhaseUserLookup, "user not found", fmt.Errorf("%w: %v", authmesh.ErrUserMismatch, err))
	case err != nil:
		return &Rejection{
			Code:   websocket.StatusInternalError,
			Reason: "authentication unavailable",
			Phase:  PhaseUserLookup,
			Err:    fmt.Errorf("%w: %v", authmesh.ErrDependencyUnavailable, err),
		}
	case u.ID != res.Identity.UserID:
		return policyViolation(PhaseUserLookup, "user mismatch", authmesh.ErrUserMismatch)
	case !u.IsActive:
		return policyViolation(PhaseUserLookup, "user inactive", authmesh.ErrUserInactive)
	}
	return nil
}

func policyViolation(phase Phase, reason string, err error) *Rejection {
	return &Rejection{Code: websocket.StatusPolicyViolation, Reason: reason, Phase: phase, Err: err}
}

func rejectionFor(res *authmesh.AuthResult) *Rejection {
	switch res.Outcome {
	case authmesh.OutcomeTokenExpired:
		return policyViolation(PhaseNormalization, "token expired", res.Err)
	case authmesh.OutcomeValidationFailed:
		if errors.Is(res.Err, authmesh.ErrTokenMalformed) || errors.Is(res.Err, authmesh.ErrSignatureInvalid) {
			return policyViolation(PhaseNormalization, "invalid token", res.Err)
		}
		return policyViolation(PhaseSessionValidation, "session invalid", res.Err)
	case authmesh.OutcomeServiceDegraded:
		return &Rejection{
			Code:   websocket.StatusInternalError,
			Reason: "authentication unavailable",
			Phase:  PhaseSessionValidation,
			Err:    res.Err,
		}
	default:
		return policyViolation(PhaseNormalization, "invalid token", res.Err)
	}
}

// reject counts a failed handshake against the client's throttle budget.
func (g *Gateway) reject(r *http.Request, rej *Rejection) *Rejection {
	g.rejected.Add(1)
	g.metrics.Inc(authmesh.MetricWSRejected)
	if g.throttle != nil && rej.Code == websocket.StatusPolicyViolation {
		if _, err := g.throttle.RecordFailure(r.Context(), clientHost(r.RemoteAddr)); err != nil {
			g.logger.Debug("handshake throttle unavailable", "error", err)
		}
	}
	g.logger.Info("websocket handshake rejected",
		"phase", rej.Phase.String(),
		"reason", rej.Reason,
		"code", int(rej.Code),
		"client", clientHost(r.RemoteAddr),
	)
	return rej
}

// Accept authenticates r, upgrades it and runs handler. A rejected handshake is
// never upgraded: the client gets a plain HTTP error carrying the rejection reason
// and the close code in [HeaderCloseCode]. The record is removed when handler
// returns.
func (g *Gateway) Accept(w http.ResponseWriter, r *http.Request, handler HandlerFunc) error {
	start := time.Now()
	rec, rej := g.Authenticate(r)
	g.metrics.Observe(authmesh.MetricHandshakeLatency, time.Since(start))
	if rej != nil {
		writeRejection(w, rej)
		return rej
	}

	opts := &websocket.AcceptOptions{OriginPatterns: g.cfg.OriginPatterns}
	if ex := extractToken(r); ex.subprotocol != "" {
		opts.Subprotocols = []string{ex.subprotocol}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	key := connectionKey(r)
	g.register(key, &liveConn{record: *rec, conn: conn, cancel: cancel})
	defer g.Disconnect(key, rec.ConnectionID)

	g.accepted.Add(1)
	g.metrics.Inc(authmesh.MetricWSAccepted)
	g.logger.Info("websocket authenticated",
		"connection_id", rec.ConnectionID,
		"user_id", rec.UserID,
		"format", rec.TokenFormat,
		"source", rec.TokenSource,
		"degraded", rec.Degraded,
	)

	err = handler(ctx, conn, rec)
	if err != nil && websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
		g.logger.Warn("websocket handler failed", "connection_id", rec.ConnectionID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return err
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	return nil
}

/*
====================================
REGISTRY
====================================
*/

func (g *Gateway) register(key string, lc *liveConn) {
	g.mu.Lock()
	prev := g.conns[key]
	g.conns[key] = lc
	g.mu.Unlock()
	if prev != nil {
		g.logger.Warn("replacing connection registered under the same address", "key", key, "connection_id", prev.record.ConnectionID)
	}
}

// Disconnect removes the record registered under key ("host:port") when it still
// belongs to connectionID. A connection that was replaced under the same key
// leaves its successor in place. It reports whether a record was removed.
func (g *Gateway) Disconnect(key, connectionID string) bool {
	g.mu.Lock()
	lc, ok := g.conns[key]
	if ok && lc.record.ConnectionID != connectionID {
		ok = false
	}
	if ok {
		delete(g.conns, key)
	}
	g.mu.Unlock()
	if ok {
		g.metrics.Inc(authmesh.MetricWSDisconnected)
		g.logger.Debug("websocket disconnected", "connection_id", lc.record.ConnectionID, "user_id", lc.record.UserID)
	}
	return ok
}

// ActiveConnections returns a copy of every live record, oldest first.
func (g *Gateway) ActiveConnections() []ConnectionRecord {
	g.mu.RLock()
	out := make([]ConnectionRecord, 0, len(g.conns))
	for _, lc := range g.conns {
		out = append(out, lc.record)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Stats summarizes gateway activity since construction.
type Stats struct {
	Active      int            `json:"active"`
	UniqueUsers int            `json:"unique_users"`
	ByFormat    map[string]int `json:"by_format"`
	ByRole      map[string]int `json:"by_role"`
	Degraded    int            `json:"degraded"`
	Accepted    uint64         `json:"accepted"`
	Rejected    uint64         `json:"rejected"`
	Throttled   uint64         `json:"throttled"`
	Revoked     uint64         `json:"revoked"`
}

func (g *Gateway) ConnectionStats() Stats {
	s := Stats{
		ByFormat:  make(map[string]int),
		ByRole:    make(map[string]int),
		Accepted:  g.accepted.Load(),
		Rejected:  g.rejected.Load(),
		Throttled: g.throttled.Load(),
		Revoked:   g.revoked.Load(),
	}
	users := make(map[int64]struct{})
	g.mu.RLock()
	for _, lc := range g.conns {
		s.Active++
		s.ByFormat[lc.record.TokenFormat]++
		s.ByRole[lc.record.Role]++
		if lc.record.Degraded {
			s.Degraded++
		}
		users[lc.record.UserID] = struct{}{}
	}
	g.mu.RUnlock()
	s.UniqueUsers = len(users)
	return s
}

// HealthCheck always asserts bypass_disabled; the gateway has no unauthenticated
// path to report on.
func (g *Gateway) HealthCheck(context.Context) authmesh.ComponentHealth {
	s := g.ConnectionStats()
	throttle := "disabled"
	if g.throttle != nil {
		throttle = "enabled"
	}
	lookup := "skipped"
	if g.cfg.RequireUserLookup && g.users != nil {
		lookup = "enabled"
	}
	return authmesh.ComponentHealth{
		Status: authmesh.StatusHealthy,
		Details: map[string]any{
			"bypass_disabled":    true,
			"active_connections": s.Active,
			"rejected":           s.Rejected,
			"throttle":           throttle,
			"user_lookup":        lookup,
		},
	}
}

/*
====================================
REVOCATION
====================================
*/

func (g *Gateway) Name() string { return HealthComponent }

// Handle closes connections named by a revoke event: one session when the event
// carries a session id, otherwise every connection of the user.
func (g *Gateway) Handle(_ context.Context, ev coordinator.Event) error {
	if ev.Type != coordinator.EventRevoke || ev.UserID <= 0 {
		return nil
	}
	sid := ev.SessionID()

	var victims []*liveConn
	g.mu.RLock()
	for _, lc := range g.conns {
		if lc.record.UserID != ev.UserID {
			continue
		}
		if sid != "" && lc.record.SessionID != sid {
			continue
		}
		victims = append(victims, lc)
	}
	g.mu.RUnlock()

	for _, lc := range victims {
		g.revoked.Add(1)
		g.logger.Info("closing revoked websocket", "connection_id", lc.record.ConnectionID, "user_id", lc.record.UserID)
		go func(lc *liveConn) {
			_ = lc.conn.Close(websocket.StatusPolicyViolation, "session revoked")
			lc.cancel()
		}(lc)
	}
	return nil
}

// HeaderCloseCode carries the WebSocket close code of a rejected handshake.
const HeaderCloseCode = "X-WebSocket-Close-Code"

// writeRejection answers a handshake that will not be upgraded. Policy violations
// are 403 (429 when throttled); anything else is 503.
func writeRejection(w http.ResponseWriter, rej *Rejection) {
	status := http.StatusServiceUnavailable
	if rej.Code == websocket.StatusPolicyViolation {
		status = http.StatusForbidden
		if errors.Is(rej.Err, rate.ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
	}
	w.Header().Set(HeaderCloseCode, strconv.Itoa(int(rej.Code)))
	http.Error(w, rej.Reason, status)
}

func connectionKey(r *http.Request) string {
	host, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return net.JoinHostPort(host, port)
}

func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
