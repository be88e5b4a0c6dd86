package oauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"appleauth/internal/nonce"
)

const testAppleClientID = "com.example.app"

type appleFixture struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	provider *AppleProvider
	fetches  atomic.Int32
}

func newAppleFixture(t *testing.T) *appleFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey returned error: %v", err)
	}

	f := &appleFixture{key: key}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.fetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []appleJWK{{
				Kty: "RSA",
				Kid: "test-kid",
				Use: "sig",
				Alg: "RS256",
				N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(f.server.Close)

	f.provider = NewAppleProvider(testAppleClientID, WithAppleKeysURL(f.server.URL))
	return f
}

func (f *appleFixture) sign(t *testing.T, claims appleIDTokenClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-kid"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("SignedString returned error: %v", err)
	}
	return signed
}

func validAppleClaims(rawNonce string) appleIDTokenClaims {
	return appleIDTokenClaims{
		Email:     "user@privaterelay.appleid.com",
		GivenName: "Ada",
		Nonce:     nonce.Hash(rawNonce),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    appleIssuer,
			Subject:   "001234.abcdef",
			Audience:  jwt.ClaimStrings{testAppleClientID},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
		},
	}
}

func TestAppleAuthenticateWithNonce(t *testing.T) {
	f := newAppleFixture(t)
	token := f.sign(t, validAppleClaims("raw-nonce"))

	profile, err := f.provider.Authenticate(context.Background(), CredentialPayload{IdentityToken: token, Nonce: "raw-nonce"})
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if profile.ID != "001234.abcdef" || profile.Email != "user@privaterelay.appleid.com" || profile.Provider != ProviderApple {
		t.Fatalf("unexpected profile: %#v", profile)
	}
	if profile.Name != "Ada" {
		t.Fatalf("expected name Ada, got %q", profile.Name)
	}
}

func TestAppleAuthenticateCachesKeys(t *testing.T) {
	f := newAppleFixture(t)
	token := f.sign(t, validAppleClaims("n"))

	for i := 0; i < 3; i++ {
		if _, err := f.provider.Authenticate(context.Background(), CredentialPayload{IdentityToken: token}); err != nil {
			t.Fatalf("Authenticate returned error: %v", err)
		}
	}
	if got := f.fetches.Load(); got != 1 {
		t.Fatalf("expected one key fetch, got %d", got)
	}
}

func TestAppleAuthenticateRejects(t *testing.T) {
	f := newAppleFixture(t)

	cases := []struct {
		name    string
		claims  func() appleIDTokenClaims
		payload func(token string) CredentialPayload
		target  error
	}{
		{
			name:   "nonce mismatch",
			claims: func() appleIDTokenClaims { return validAppleClaims("other") },
			payload: func(token string) CredentialPayload {
				return CredentialPayload{IdentityToken: token, Nonce: "raw-nonce"}
			},
			target: ErrNonceMismatch,
		},
		{
			name: "wrong audience",
			claims: func() appleIDTokenClaims {
				c := validAppleClaims("raw-nonce")
				c.Audience = jwt.ClaimStrings{"com.other.app"}
				return c
			},
			payload: func(token string) CredentialPayload { return CredentialPayload{IdentityToken: token} },
			target:  ErrInvalidCredential,
		},
		{
			name: "wrong issuer",
			claims: func() appleIDTokenClaims {
				c := validAppleClaims("raw-nonce")
				c.Issuer = "https://evil.example.com"
				return c
			},
			payload: func(token string) CredentialPayload { return CredentialPayload{IdentityToken: token} },
			target:  ErrInvalidCredential,
		},
		{
			name: "expired",
			claims: func() appleIDTokenClaims {
				c := validAppleClaims("raw-nonce")
				c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
				return c
			},
			payload: func(token string) CredentialPayload { return CredentialPayload{IdentityToken: token} },
			target:  ErrInvalidCredential,
		},
		{
			name: "missing subject",
			claims: func() appleIDTokenClaims {
				c := validAppleClaims("raw-nonce")
				c.Subject = ""
				return c
			},
			payload: func(token string) CredentialPayload { return CredentialPayload{IdentityToken: token} },
			target:  ErrInvalidCredential,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token := f.sign(t, tc.claims())
			_, err := f.provider.Authenticate(context.Background(), tc.payload(token))
			if !errors.Is(err, tc.target) {
				t.Fatalf("expected %v, got %v", tc.target, err)
			}
		})
	}
}

func TestAppleAuthenticateRequiresToken(t *testing.T) {
	p := NewAppleProvider(testAppleClientID)
	if _, err := p.Authenticate(context.Background(), CredentialPayload{}); err == nil {
		t.Fatalf("expected error for empty identity token")
	}
}

func TestAppleAuthenticateKeysUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := newAppleFixture(t)
	token := f.sign(t, validAppleClaims("n"))

	p := NewAppleProvider(testAppleClientID, WithAppleKeysURL(server.URL))
	if _, err := p.Authenticate(context.Background(), CredentialPayload{IdentityToken: token}); err == nil {
		t.Fatalf("expected error when keys cannot be fetched")
	}
}

func TestAppleClientSecretMint(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey returned error: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey returned error: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	secret, err := NewAppleClientSecret(AppleSecretConfig{
		TeamID:        "TEAM123",
		KeyID:         "KEY456",
		ClientID:      testAppleClientID,
		PrivateKeyPEM: pemBytes,
	})
	if err != nil {
		t.Fatalf("NewAppleClientSecret returned error: %v", err)
	}

	signed, err := secret.Mint(context.Background())
	if err != nil {
		t.Fatalf("Mint returned error: %v", err)
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(signed, claims, func(token *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil || !token.Valid {
		t.Fatalf("minted secret did not verify: %v", err)
	}
	if token.Header["kid"] != "KEY456" {
		t.Fatalf("expected kid header, got %v", token.Header["kid"])
	}
	if claims.Issuer != "TEAM123" || claims.Subject != testAppleClientID {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}

func TestAppleClientSecretRejectsBadConfig(t *testing.T) {
	if _, err := NewAppleClientSecret(AppleSecretConfig{TeamID: "t"}); err == nil {
		t.Fatalf("expected error for incomplete config")
	}
	if _, err := NewAppleClientSecret(AppleSecretConfig{TeamID: "t", KeyID: "k", ClientID: "c", PrivateKeyPEM: []byte("nope")}); err == nil {
		t.Fatalf("expected error for invalid pem")
	}
}

func TestGoogleAuthenticateWithIDToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id_token") != "google-token" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(googleTokenInfoResponse{
			Sub:   "g-1",
			Aud:   "google-client",
			Email: "g@example.com",
			Nonce: nonce.Hash("raw"),
		})
	}))
	defer server.Close()

	p := NewGoogleProvider("google-client", "secret", "", nil, WithGoogleEndpoints(server.URL, server.URL))

	profile, err := p.Authenticate(context.Background(), CredentialPayload{IdentityToken: "google-token", Nonce: "raw"})
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if profile.ID != "g-1" || profile.Provider != ProviderGoogle {
		t.Fatalf("unexpected profile: %#v", profile)
	}

	if _, err := p.Authenticate(context.Background(), CredentialPayload{IdentityToken: "google-token", Nonce: "other"}); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected nonce mismatch, got %v", err)
	}

	if _, err := p.Authenticate(context.Background(), CredentialPayload{IdentityToken: "bad"}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected invalid credential, got %v", err)
	}
}

func TestGoogleOAuthConfigIsCopy(t *testing.T) {
	p := NewGoogleProvider("id", "secret", "https://example.com/cb", nil)
	cfg := p.OAuthConfig()
	cfg.ClientID = "changed"
	if p.OAuthConfig().ClientID != "id" {
		t.Fatalf("expected provider config to be unaffected")
	}
	if len(cfg.Scopes) != 3 {
		t.Fatalf("expected default scopes, got %v", cfg.Scopes)
	}
}
