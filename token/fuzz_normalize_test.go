package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

// FuzzNormalize feeds arbitrary strings through both format paths.
// Goal: no panics; every rejection maps to one of the three sentinels.
func FuzzNormalize(f *testing.F) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		f.Fatal(err)
	}
	cfg := Config{
		LegacySecret:       []byte("fuzz-legacy-secret-fuzz-legacy-1"),
		EnhancedMethod:     MethodEd25519,
		EnhancedPrivateKey: priv,
		EnhancedPublicKey:  pub,
		Issuer:             "fuzz",
		Leeway:             30 * time.Second,
		AccessTTL:          5 * time.Minute,
	}
	n, err := NewNormalizer(cfg)
	if err != nil {
		f.Fatal(err)
	}
	iss, err := NewIssuer(cfg)
	if err != nil {
		f.Fatal(err)
	}

	legacy, err := iss.IssueLegacy(1, "fuzz@example.com", RoleUser)
	if err != nil {
		f.Fatal(err)
	}
	enhanced, err := iss.IssueEnhanced(1, "fuzz@example.com", RoleUser, "sid")
	if err != nil {
		f.Fatal(err)
	}

	f.Add(legacy)
	f.Add(enhanced)
	f.Add("")
	f.Add("not.a.jwt")
	f.Add("eyJhbGciOiJFZERTQSJ9.eyJ1aWQiOiJ0ZXN0In0.invalid")
	f.Add("eyJhbGciOiJub25lIn0.eyJ1aWQiOiJ0ZXN0In0.")

	f.Fuzz(func(t *testing.T, input string) {
		id, err := n.Normalize(input)
		if err != nil {
			if !errors.Is(err, ErrExpired) && !errors.Is(err, ErrMalformed) && !errors.Is(err, ErrSignatureInvalid) {
				t.Fatalf("unclassified error: %v", err)
			}
			return
		}
		if id.UserID <= 0 || id.Email == "" || id.Role == "" {
			t.Fatalf("accepted identity with missing fields: %+v", id)
		}
	})
}
