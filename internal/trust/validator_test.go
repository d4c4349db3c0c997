package trust

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/cardeahq/cardea/internal/model"
)

// setupTestJWKS creates a test JWKS server and returns the private key, JWKS URL, and cleanup function
func setupTestJWKS(t *testing.T) (*rsa.PrivateKey, string, func()) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	publicKey, err := jwk.FromRaw(privateKey.PublicKey)
	if err != nil {
		t.Fatalf("failed to create JWK: %v", err)
	}
	if err := publicKey.Set(jwk.KeyIDKey, "test-key-1"); err != nil {
		t.Fatalf("failed to set key ID: %v", err)
	}
	if err := publicKey.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("failed to set algorithm: %v", err)
	}

	jwks := jwk.NewSet()
	if err := jwks.AddKey(publicKey); err != nil {
		t.Fatalf("failed to add key to set: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(jwks); err != nil {
			t.Errorf("failed to encode JWKS: %v", err)
		}
	}))

	return privateKey, server.URL, server.Close
}

func signingKey(t *testing.T, privateKey *rsa.PrivateKey) jwk.Key {
	key, err := jwk.FromRaw(privateKey)
	if err != nil {
		t.Fatalf("failed to create JWK from private key: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "test-key-1"); err != nil {
		t.Fatalf("failed to set key ID: %v", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("failed to set algorithm: %v", err)
	}
	return key
}

// createTestJWT creates a signed JWT for testing
func createTestJWT(t *testing.T, privateKey *rsa.PrivateKey, claims map[string]interface{}) string {
	token := jwt.New()

	now := time.Now()
	if err := token.Set(jwt.IssuedAtKey, now); err != nil {
		t.Fatalf("failed to set iat: %v", err)
	}
	if err := token.Set(jwt.ExpirationKey, now.Add(1*time.Hour)); err != nil {
		t.Fatalf("failed to set exp: %v", err)
	}
	for key, value := range claims {
		if err := token.Set(key, value); err != nil {
			t.Fatalf("failed to set claim %s: %v", key, err)
		}
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, signingKey(t, privateKey)))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return string(signed)
}

// createSelfDescribedJWT signs a token carrying its JWKS location in the
// jku protected header
func createSelfDescribedJWT(t *testing.T, privateKey *rsa.PrivateKey, jwksURL string, claims map[string]interface{}) string {
	token := jwt.New()

	now := time.Now()
	if err := token.Set(jwt.IssuedAtKey, now); err != nil {
		t.Fatalf("failed to set iat: %v", err)
	}
	if err := token.Set(jwt.ExpirationKey, now.Add(1*time.Hour)); err != nil {
		t.Fatalf("failed to set exp: %v", err)
	}
	for key, value := range claims {
		if err := token.Set(key, value); err != nil {
			t.Fatalf("failed to set claim %s: %v", key, err)
		}
	}

	headers := jws.NewHeaders()
	if err := headers.Set(jws.JWKSetURLKey, jwksURL); err != nil {
		t.Fatalf("failed to set jku: %v", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, signingKey(t, privateKey), jws.WithProtectedHeaders(headers)))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return string(signed)
}

func newTestValidator(t *testing.T, anchors ...Anchor) *Validator {
	validator, err := NewValidator(context.Background(), Config{Anchors: anchors})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	return validator
}

func TestValidateAnchored(t *testing.T) {
	ctx := context.Background()

	privateKey, jwksURL, cleanup := setupTestJWKS(t)
	defer cleanup()

	const issuer = "https://anchored.example.com"
	validator := newTestValidator(t, Anchor{Issuer: issuer, JWKSURL: jwksURL})

	t.Run("validates token from anchored issuer", func(t *testing.T) {
		raw := createTestJWT(t, privateKey, map[string]interface{}{
			"iss": issuer,
			"sub": "user-1",
		})

		token, err := validator.ValidateAnchored(ctx, raw)
		if err != nil {
			t.Fatalf("expected valid token, got error: %v", err)
		}
		if token.Subject() != "user-1" {
			t.Errorf("expected subject user-1, got %s", token.Subject())
		}
	})

	t.Run("rejects token from unlisted issuer", func(t *testing.T) {
		raw := createTestJWT(t, privateKey, map[string]interface{}{
			"iss": "https://unknown.example.com",
		})

		_, err := validator.ValidateAnchored(ctx, raw)
		if !errors.Is(err, ErrInvalidJWT) {
			t.Errorf("expected ErrInvalidJWT, got %v", err)
		}
	})

	t.Run("rejects token without issuer", func(t *testing.T) {
		raw := createTestJWT(t, privateKey, nil)

		_, err := validator.ValidateAnchored(ctx, raw)
		if !errors.Is(err, ErrInvalidJWT) {
			t.Errorf("expected ErrInvalidJWT, got %v", err)
		}
	})

	t.Run("rejects token signed with a different key", func(t *testing.T) {
		otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("failed to generate RSA key: %v", err)
		}
		raw := createTestJWT(t, otherKey, map[string]interface{}{
			"iss": issuer,
		})

		_, err = validator.ValidateAnchored(ctx, raw)
		if !errors.Is(err, ErrInvalidJWT) {
			t.Errorf("expected ErrInvalidJWT, got %v", err)
		}
	})

	t.Run("rejects expired token", func(t *testing.T) {
		raw := createTestJWT(t, privateKey, map[string]interface{}{
			"iss": issuer,
			"exp": time.Now().Add(-1 * time.Hour),
		})

		_, err := validator.ValidateAnchored(ctx, raw)
		if !errors.Is(err, ErrInvalidJWT) {
			t.Errorf("expected ErrInvalidJWT, got %v", err)
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := validator.ValidateAnchored(ctx, "not-a-jwt")
		if !errors.Is(err, ErrInvalidJWT) {
			t.Errorf("expected ErrInvalidJWT, got %v", err)
		}
	})
}

func TestValidateSelfDescribed(t *testing.T) {
	ctx := context.Background()

	privateKey, jwksURL, cleanup := setupTestJWKS(t)
	defer cleanup()

	// The self-described issuer is deliberately absent from the anchors.
	validator := newTestValidator(t)

	t.Run("validates token via its own jku", func(t *testing.T) {
		raw := createSelfDescribedJWT(t, privateKey, jwksURL, map[string]interface{}{
			"iss": "https://outside-the-anchors.example.com",
		})

		if _, err := validator.ValidateSelfDescribed(ctx, raw); err != nil {
			t.Fatalf("expected valid token, got error: %v", err)
		}
	})

	t.Run("same content without jku fails anchor trust", func(t *testing.T) {
		raw := createTestJWT(t, privateKey, map[string]interface{}{
			"iss": "https://outside-the-anchors.example.com",
		})

		_, err := validator.ValidateAnchored(ctx, raw)
		if !errors.Is(err, ErrInvalidJWT) {
			t.Errorf("expected ErrInvalidJWT, got %v", err)
		}
	})

	t.Run("rejects token without jku", func(t *testing.T) {
		raw := createTestJWT(t, privateKey, map[string]interface{}{
			"iss": "https://outside-the-anchors.example.com",
		})

		_, err := validator.ValidateSelfDescribed(ctx, raw)
		if !errors.Is(err, ErrInvalidJWT) {
			t.Errorf("expected ErrInvalidJWT, got %v", err)
		}
	})

	t.Run("unreachable jwks is a transient failure, not invalidity", func(t *testing.T) {
		otherKey, deadURL, deadCleanup := setupTestJWKS(t)
		deadCleanup()

		raw := createSelfDescribedJWT(t, otherKey, deadURL, map[string]interface{}{
			"iss": "https://outside-the-anchors.example.com",
		})

		_, err := validator.ValidateSelfDescribed(ctx, raw)
		if err == nil {
			t.Fatal("expected an error")
		}
		if errors.Is(err, ErrInvalidJWT) {
			t.Errorf("fetch failure must not be ErrInvalidJWT, got %v", err)
		}
	})
}

func TestVisaTokenType(t *testing.T) {
	privateKey, jwksURL, cleanup := setupTestJWKS(t)
	defer cleanup()

	t.Run("jku header means document_token", func(t *testing.T) {
		raw := createSelfDescribedJWT(t, privateKey, jwksURL, nil)

		tokenType, err := VisaTokenType(raw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tokenType != model.TokenTypeDocumentToken {
			t.Errorf("expected document_token, got %s", tokenType)
		}
	})

	t.Run("no jku header means access_token", func(t *testing.T) {
		raw := createTestJWT(t, privateKey, nil)

		tokenType, err := VisaTokenType(raw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tokenType != model.TokenTypeAccessToken {
			t.Errorf("expected access_token, got %s", tokenType)
		}
	})
}

func TestJWKSDiscovery(t *testing.T) {
	ctx := context.Background()

	privateKey, jwksURL, cleanup := setupTestJWKS(t)
	defer cleanup()

	// Issuer serves a well-known document pointing at the JWKS server.
	var issuerURL string
	issuerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":   issuerURL,
			"jwks_uri": jwksURL,
		})
	}))
	defer issuerServer.Close()
	issuerURL = issuerServer.URL

	validator := newTestValidator(t, Anchor{Issuer: issuerURL})

	raw := createTestJWT(t, privateKey, map[string]interface{}{
		"iss": issuerURL,
	})
	if _, err := validator.ValidateAnchored(ctx, raw); err != nil {
		t.Fatalf("expected discovery-backed validation to succeed, got %v", err)
	}
}
