package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrExpired is returned for any token whose exp claim is in the past, whether or
	// not its signature verifies.
	ErrExpired = errors.New("token expired")
	// ErrMalformed is returned when the token cannot be decoded or a required claim
	// (subject, email, role) is absent.
	ErrMalformed = errors.New("token malformed")
	// ErrSignatureInvalid is returned when no configured key verifies the token.
	ErrSignatureInvalid = errors.New("token signature invalid")
)

// SigningMethod selects the algorithm used for enhanced tokens. Legacy tokens are
// always HS256.
type SigningMethod string

const (
	MethodHS256   SigningMethod = "hs256"
	MethodEd25519 SigningMethod = "ed25519"
)

const maxLeeway = 2 * time.Minute

// Config holds key material and verification policy for both token formats.
type Config struct {
	// LegacySecret verifies (and signs) legacy HS256 tokens. Empty disables the
	// legacy format.
	LegacySecret []byte

	EnhancedMethod     SigningMethod
	EnhancedSecret     []byte // hs256
	EnhancedPrivateKey []byte // ed25519, raw or PEM; only needed to issue
	EnhancedPublicKey  []byte // ed25519, raw or PEM

	// Issuer and Audience are enforced on enhanced tokens when set.
	Issuer   string
	Audience string

	// Leeway tolerates clock skew on nbf and iat only.
	Leeway    time.Duration
	AccessTTL time.Duration

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

type legacyClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type enhancedClaims struct {
	UserID    int64  `json:"user_id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	TokenType string `json:"token_type"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// parsed is the result of one verification attempt against a single format.
type parsed struct {
	format   Format
	legacy   *legacyClaims
	enhanced *enhancedClaims
}

// attemptError records why one format attempt failed. verified is true when the
// signature checked out and only the claim set was unacceptable.
type attemptError struct {
	err      error
	verified bool
}

// Normalizer verifies tokens of either format and produces [Identity] values.
// It is safe for concurrent use.
type Normalizer struct {
	cfg       Config
	now       func() time.Time
	enhKey    interface{}
	enhMethod jwt.SigningMethod
}

// NewNormalizer validates cfg and returns a ready [Normalizer].
func NewNormalizer(cfg Config) (*Normalizer, error) {
	if cfg.Leeway < 0 || cfg.Leeway > maxLeeway {
		return nil, errors.New("invalid leeway configuration")
	}
	if len(cfg.LegacySecret) == 0 && cfg.EnhancedMethod == "" {
		return nil, errors.New("at least one token format must be configured")
	}

	n := &Normalizer{cfg: cfg, now: cfg.Now}
	if n.now == nil {
		n.now = time.Now
	}

	switch cfg.EnhancedMethod {
	case "":
	case MethodHS256:
		if len(cfg.EnhancedSecret) == 0 {
			return nil, errors.New("hs256 enhanced tokens require a secret")
		}
		n.enhKey = cfg.EnhancedSecret
		n.enhMethod = jwt.SigningMethodHS256
	case MethodEd25519:
		var pub ed25519.PublicKey
		var err error
		switch {
		case len(cfg.EnhancedPublicKey) > 0:
			pub, err = parseEdPublicKey(cfg.EnhancedPublicKey)
		case len(cfg.EnhancedPrivateKey) > 0:
			var priv ed25519.PrivateKey
			priv, err = parseEdPrivateKey(cfg.EnhancedPrivateKey)
			if err == nil {
				pub = priv.Public().(ed25519.PublicKey)
			}
		default:
			err = errors.New("ed25519 enhanced tokens require a public key")
		}
		if err != nil {
			return nil, err
		}
		n.enhKey = pub
		n.enhMethod = jwt.SigningMethodEdDSA
	default:
		return nil, fmt.Errorf("unsupported signing method %q", cfg.EnhancedMethod)
	}

	return n, nil
}

// Normalize verifies raw and returns its canonical identity.
//
// Expiry is checked against the unverified claims before any signature work, so every
// expired token yields [ErrExpired]. The check is exact; leeway never extends exp. The claim-name guess decides which format is tried
// first; the other format is always tried before giving up.
func (n *Normalizer) Normalize(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrMalformed
	}

	guess, expiresAt, err := inspect(raw)
	if err != nil {
		return Identity{}, err
	}
	if !n.now().Before(expiresAt) {
		return Identity{}, ErrExpired
	}

	var failures [2]attemptError
	for i, format := range [2]Format{guess, guess.other()} {
		p, attempt := n.parse(raw, format)
		if attempt == nil {
			id, err := p.identity()
			if err == nil {
				return id, nil
			}
			attempt = &attemptError{err: err, verified: true}
		}
		if errors.Is(attempt.err, ErrExpired) {
			return Identity{}, ErrExpired
		}
		failures[i] = *attempt
	}

	for _, f := range failures {
		if f.verified {
			return Identity{}, f.err
		}
	}
	for _, f := range failures {
		if errors.Is(f.err, ErrSignatureInvalid) {
			return Identity{}, ErrSignatureInvalid
		}
	}
	return Identity{}, ErrMalformed
}

// inspect reads the unverified claim set to guess the format and find the expiry.
func inspect(raw string) (Format, time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, time.Time{}, fmt.Errorf("%w: missing exp claim", ErrMalformed)
	}

	guess := FormatLegacy
	if _, ok := claims["user_id"]; ok {
		guess = FormatEnhanced
	}
	return guess, exp.Time, nil
}

func (n *Normalizer) parse(raw string, format Format) (parsed, *attemptError) {
	switch format {
	case FormatLegacy:
		if len(n.cfg.LegacySecret) == 0 {
			return parsed{}, &attemptError{err: ErrSignatureInvalid}
		}
		claims := &legacyClaims{}
		if err := n.verify(raw, claims, jwt.SigningMethodHS256, n.cfg.LegacySecret, false); err != nil {
			return parsed{}, err
		}
		return parsed{format: FormatLegacy, legacy: claims}, nil
	case FormatEnhanced:
		if n.enhMethod == nil {
			return parsed{}, &attemptError{err: ErrSignatureInvalid}
		}
		claims := &enhancedClaims{}
		if err := n.verify(raw, claims, n.enhMethod, n.enhKey, true); err != nil {
			return parsed{}, err
		}
		return parsed{format: FormatEnhanced, enhanced: claims}, nil
	default:
		return parsed{}, &attemptError{err: ErrMalformed}
	}
}

func (n *Normalizer) verify(raw string, claims jwt.Claims, method jwt.SigningMethod, key interface{}, scoped bool) *attemptError {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(n.now),
	}
	if n.cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(n.cfg.Leeway))
	}
	if scoped && n.cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(n.cfg.Issuer))
	}
	if scoped && n.cfg.Audience != "" {
		options = append(options, jwt.WithAudience(n.cfg.Audience))
	}

	token, err := jwt.NewParser(options...).ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != method.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return key, nil
	})
	if err != nil {
		return classify(err)
	}
	if !token.Valid {
		return &attemptError{err: ErrSignatureInvalid}
	}
	return nil
}

func classify(err error) *attemptError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &attemptError{err: ErrExpired, verified: true}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return &attemptError{err: ErrSignatureInvalid}
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return &attemptError{err: fmt.Errorf("%w: %v", ErrMalformed, err), verified: true}
	default:
		return &attemptError{err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
}

func (p parsed) identity() (Identity, error) {
	switch p.format {
	case FormatLegacy:
		c := p.legacy
		uid, err := strconv.ParseInt(strings.TrimSpace(c.Subject), 10, 64)
		if err != nil || uid <= 0 {
			return Identity{}, fmt.Errorf("%w: legacy subject is not a user id", ErrMalformed)
		}
		return buildIdentity(uid, c.Email, c.Role, c.RegisteredClaims, FormatLegacy, "")
	case FormatEnhanced:
		c := p.enhanced
		if c.UserID <= 0 {
			return Identity{}, fmt.Errorf("%w: missing user_id", ErrMalformed)
		}
		if c.TokenType != "" && c.TokenType != "access" {
			return Identity{}, fmt.Errorf("%w: token_type %q is not an access token", ErrMalformed, c.TokenType)
		}
		return buildIdentity(c.UserID, c.Email, c.Role, c.RegisteredClaims, FormatEnhanced, c.SessionID)
	default:
		return Identity{}, ErrMalformed
	}
}

func buildIdentity(uid int64, email, role string, reg jwt.RegisteredClaims, format Format, sid string) (Identity, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Identity{}, fmt.Errorf("%w: missing email", ErrMalformed)
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return Identity{}, fmt.Errorf("%w: missing role", ErrMalformed)
	}
	if reg.ExpiresAt == nil {
		return Identity{}, fmt.Errorf("%w: missing exp claim", ErrMalformed)
	}

	id := Identity{
		UserID:       uid,
		Email:        email,
		Role:         Role(role),
		ExpiresAt:    reg.ExpiresAt.Time.UTC(),
		SourceFormat: format,
		SessionID:    strings.TrimSpace(sid),
	}
	if reg.IssuedAt != nil {
		id.IssuedAt = reg.IssuedAt.Time.UTC()
	}
	return id, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
