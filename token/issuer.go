package token

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultAccessTTL = 15 * time.Minute

// Issuer mints tokens in either format. Services that only verify tokens never need
// one; it exists for login/refresh flows and tooling.
type Issuer struct {
	cfg     Config
	now     func() time.Time
	enhKey  interface{}
	enhAlgo jwt.SigningMethod
}

// NewIssuer validates signing material in cfg.
func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.AccessTTL < 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = defaultAccessTTL
	}

	i := &Issuer{cfg: cfg, now: cfg.Now}
	if i.now == nil {
		i.now = time.Now
	}

	switch cfg.EnhancedMethod {
	case "":
	case MethodHS256:
		if len(cfg.EnhancedSecret) == 0 {
			return nil, errors.New("hs256 enhanced tokens require a secret")
		}
		i.enhKey = cfg.EnhancedSecret
		i.enhAlgo = jwt.SigningMethodHS256
	case MethodEd25519:
		priv, err := parseEdPrivateKey(cfg.EnhancedPrivateKey)
		if err != nil {
			return nil, err
		}
		i.enhKey = priv
		i.enhAlgo = jwt.SigningMethodEdDSA
	default:
		return nil, errors.New("unsupported signing method")
	}

	return i, nil
}

// IssueLegacy signs a legacy-format token for the given principal.
func (i *Issuer) IssueLegacy(userID int64, email string, role Role) (string, error) {
	if len(i.cfg.LegacySecret) == 0 {
		return "", errors.New("legacy format disabled")
	}
	now := i.now()
	claims := legacyClaims{
		Email: email,
		Role:  string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.AccessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.LegacySecret)
}

// IssueEnhanced signs an enhanced-format access token bound to sessionID.
func (i *Issuer) IssueEnhanced(userID int64, email string, role Role, sessionID string) (string, error) {
	if i.enhAlgo == nil {
		return "", errors.New("enhanced format disabled")
	}
	now := i.now()
	claims := enhancedClaims{
		UserID:    userID,
		Email:     email,
		Role:      string(role),
		TokenType: "access",
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.AccessTTL)),
		},
	}
	if i.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{i.cfg.Audience}
	}
	return jwt.NewWithClaims(i.enhAlgo, claims).SignedString(i.enhKey)
}

// AccessTTL reports the lifetime applied to issued tokens.
func (i *Issuer) AccessTTL() time.Duration {
	return i.cfg.AccessTTL
}
