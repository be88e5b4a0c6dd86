package oauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AppleSecretConfig holds what is needed to mint the client_secret JWT Apple
// expects on the token endpoint.
type AppleSecretConfig struct {
	TeamID        string
	KeyID         string
	ClientID      string
	PrivateKeyPEM []byte
	TTL           time.Duration
}

// AppleClientSecret mints short-lived ES256 client secrets.
type AppleClientSecret struct {
	cfg AppleSecretConfig
	key *ecdsa.PrivateKey
	now func() time.Time
}

// NewAppleClientSecret parses the .p8 developer key. TTL defaults to five minutes.
func NewAppleClientSecret(cfg AppleSecretConfig) (*AppleClientSecret, error) {
	if cfg.TeamID == "" || cfg.KeyID == "" || cfg.ClientID == "" || len(cfg.PrivateKeyPEM) == 0 {
		return nil, errors.New("apple: missing client secret config")
	}

	block, _ := pem.Decode(cfg.PrivateKeyPEM)
	if block == nil {
		return nil, errors.New("apple: invalid private key pem")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		ecKey, ecErr := x509.ParseECPrivateKey(block.Bytes)
		if ecErr != nil {
			return nil, err
		}
		parsed = ecKey
	}

	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("apple: private key is not ECDSA")
	}

	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}

	return &AppleClientSecret{cfg: cfg, key: key, now: time.Now}, nil
}

// Mint returns a freshly signed client secret.
func (s *AppleClientSecret) Mint(_ context.Context) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.cfg.TeamID,
		Subject:   s.cfg.ClientID,
		Audience:  jwt.ClaimStrings{appleIssuer},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.cfg.KeyID
	return token.SignedString(s.key)
}
