package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	legacySecret   = []byte("legacy-secret-legacy-secret-0001")
	enhancedSecret = []byte("enhanced-secret-enhanced-secret1")
)

func testConfig() Config {
	return Config{
		LegacySecret:   legacySecret,
		EnhancedMethod: MethodHS256,
		EnhancedSecret: enhancedSecret,
		Issuer:         "authmesh",
		AccessTTL:      time.Hour,
	}
}

func newPair(t *testing.T, cfg Config) (*Normalizer, *Issuer) {
	t.Helper()
	n, err := NewNormalizer(cfg)
	require.NoError(t, err)
	i, err := NewIssuer(cfg)
	require.NoError(t, err)
	return n, i
}

func TestNormalizeLegacyToken(t *testing.T) {
	n, iss := newPair(t, testConfig())

	raw, err := iss.IssueLegacy(42, "a@example.com", RoleUser)
	require.NoError(t, err)

	id, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id.UserID)
	assert.Equal(t, "a@example.com", id.Email)
	assert.Equal(t, RoleUser, id.Role)
	assert.Equal(t, FormatLegacy, id.SourceFormat)
	assert.Empty(t, id.SessionID)
	assert.True(t, id.HasIssuedAt())
}

func TestNormalizeEnhancedToken(t *testing.T) {
	n, iss := newPair(t, testConfig())

	raw, err := iss.IssueEnhanced(7, "B@Example.com", RoleAdmin, "sid-1")
	require.NoError(t, err)

	id, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.UserID)
	assert.Equal(t, FormatEnhanced, id.SourceFormat)
	assert.Equal(t, "sid-1", id.SessionID)
	assert.True(t, id.SameEmail("b@example.com"))
}

func TestNormalizeIsDeterministic(t *testing.T) {
	n, iss := newPair(t, testConfig())

	for _, issue := range []func() (string, error){
		func() (string, error) { return iss.IssueLegacy(42, "a@example.com", RoleUser) },
		func() (string, error) { return iss.IssueEnhanced(42, "a@example.com", RoleUser, "s") },
	} {
		raw, err := issue()
		require.NoError(t, err)

		first, err := n.Normalize(raw)
		require.NoError(t, err)
		second, err := n.Normalize(raw)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestNormalizeExpiredWinsOverSignature(t *testing.T) {
	cfg := testConfig()
	cfg.Now = func() time.Time { return time.Now().Add(-3 * time.Hour) }
	_, pastIssuer := newPair(t, cfg)
	n, _ := newPair(t, testConfig())

	good, err := pastIssuer.IssueEnhanced(1, "x@example.com", RoleUser, "s")
	require.NoError(t, err)
	_, err = n.Normalize(good)
	assert.ErrorIs(t, err, ErrExpired)

	// Same expired claims, signed with a key nobody trusts.
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, legacyClaims{
		Email: "x@example.com",
		Role:  "user",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	bad, err := forged.SignedString([]byte("wrong-wrong-wrong-wrong-wrong-00"))
	require.NoError(t, err)
	_, err = n.Normalize(bad)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestNormalizeLeewayDoesNotExtendExpiry(t *testing.T) {
	issuedAt := time.Now().Truncate(time.Second)
	cfg := testConfig()
	cfg.Leeway = 30 * time.Second
	cfg.AccessTTL = time.Minute
	cfg.Now = func() time.Time { return issuedAt }
	_, issuer := newPair(t, cfg)

	for _, format := range []Format{FormatLegacy, FormatEnhanced} {
		var raw string
		var err error
		if format == FormatLegacy {
			raw, err = issuer.IssueLegacy(1, "x@example.com", RoleUser)
		} else {
			raw, err = issuer.IssueEnhanced(1, "x@example.com", RoleUser, "s")
		}
		require.NoError(t, err)

		late := cfg
		late.Now = func() time.Time { return issuedAt.Add(time.Minute + time.Second) }
		n, _ := newPair(t, late)
		_, err = n.Normalize(raw)
		assert.ErrorIs(t, err, ErrExpired, format.String())

		onTime := cfg
		onTime.Now = func() time.Time { return issuedAt.Add(59 * time.Second) }
		n, _ = newPair(t, onTime)
		_, err = n.Normalize(raw)
		assert.NoError(t, err, format.String())
	}
}

func TestNormalizeSignatureInvalid(t *testing.T) {
	n, _ := newPair(t, testConfig())

	claims := enhancedClaims{
		UserID: 5, Email: "c@example.com", Role: "user", TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-the-key-not-the-key-not-the!"))
	require.NoError(t, err)

	_, err = n.Normalize(raw)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestNormalizeMissingClaimsIsMalformed(t *testing.T) {
	n, _ := newPair(t, testConfig())

	tests := []struct {
		name   string
		claims jwt.Claims
		key    []byte
	}{
		{
			name: "legacy without email",
			claims: legacyClaims{Role: "user", RegisteredClaims: jwt.RegisteredClaims{
				Subject: "9", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			}},
			key: legacySecret,
		},
		{
			name: "legacy with non-numeric subject",
			claims: legacyClaims{Email: "d@example.com", Role: "user", RegisteredClaims: jwt.RegisteredClaims{
				Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			}},
			key: legacySecret,
		},
		{
			name: "enhanced without role",
			claims: enhancedClaims{UserID: 3, Email: "e@example.com", RegisteredClaims: jwt.RegisteredClaims{
				Issuer: "authmesh", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			}},
			key: enhancedSecret,
		},
		{
			name: "enhanced refresh token",
			claims: enhancedClaims{UserID: 3, Email: "e@example.com", Role: "user", TokenType: "refresh", RegisteredClaims: jwt.RegisteredClaims{
				Issuer: "authmesh", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			}},
			key: enhancedSecret,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tt.claims).SignedString(tt.key)
			require.NoError(t, err)
			_, err = n.Normalize(raw)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestNormalizeGarbage(t *testing.T) {
	n, _ := newPair(t, testConfig())
	for _, raw := range []string{"", "   ", "not.a.jwt", "eyJhbGciOiJub25lIn0.eyJ1aWQiOiJ0ZXN0In0."} {
		_, err := n.Normalize(raw)
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}
}

func TestNormalizeFallsBackToOtherFormat(t *testing.T) {
	// A token shaped like legacy (no user_id) but signed with the enhanced key must
	// still be tried as enhanced; it then fails on missing user_id, not on signature.
	n, _ := newPair(t, testConfig())
	claims := legacyClaims{Email: "f@example.com", Role: "user", RegisteredClaims: jwt.RegisteredClaims{
		Subject: "11", Issuer: "authmesh", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(enhancedSecret)
	require.NoError(t, err)

	_, err = n.Normalize(raw)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNormalizeEd25519Enhanced(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := Config{
		EnhancedMethod:     MethodEd25519,
		EnhancedPrivateKey: priv,
		EnhancedPublicKey:  pub,
		Audience:           "api",
		AccessTTL:          time.Minute,
	}
	n, iss := newPair(t, cfg)

	raw, err := iss.IssueEnhanced(8, "g@example.com", RoleService, "sid-ed")
	require.NoError(t, err)
	id, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, RoleService, id.Role)

	// Legacy disabled: an HS256 legacy token cannot verify.
	legacyIss, err := NewIssuer(Config{LegacySecret: legacySecret})
	require.NoError(t, err)
	legacy, err := legacyIss.IssueLegacy(8, "g@example.com", RoleUser)
	require.NoError(t, err)
	_, err = n.Normalize(legacy)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestNewNormalizerRejectsBadConfig(t *testing.T) {
	_, err := NewNormalizer(Config{})
	assert.Error(t, err)

	_, err = NewNormalizer(Config{LegacySecret: legacySecret, Leeway: time.Hour})
	assert.Error(t, err)

	_, err = NewNormalizer(Config{EnhancedMethod: MethodHS256})
	assert.Error(t, err)

	_, err = NewNormalizer(Config{EnhancedMethod: "rs512", EnhancedSecret: enhancedSecret})
	assert.Error(t, err)
}
