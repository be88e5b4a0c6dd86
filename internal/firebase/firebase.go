// Package firebase mints Firebase custom tokens so a client can finish a
// provider sign-in against Firebase Authentication.
package firebase

import (
	"context"
	"errors"
	"fmt"

	fb "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// maxUIDLength is the longest uid Firebase accepts.
const maxUIDLength = 128

var ErrInvalidUID = errors.New("firebase: uid must be 1-128 characters")

type tokenClient interface {
	CustomTokenWithClaims(ctx context.Context, uid string, claims map[string]interface{}) (string, error)
}

// TokenMinter creates custom tokens with the Firebase Admin SDK.
type TokenMinter struct {
	client tokenClient
}

// NewTokenMinter initialises the Admin SDK. An empty credentialsFile falls
// back to application default credentials.
func NewTokenMinter(ctx context.Context, projectID, credentialsFile string) (*TokenMinter, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := fb.NewApp(ctx, &fb.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase: new app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase: auth client: %w", err)
	}
	return &TokenMinter{client: client}, nil
}

// UID is the Firebase uid for a provider account.
func UID(provider, subject string) string {
	return provider + ":" + subject
}

// MintCustomToken returns a custom token for uid carrying claims.
func (m *TokenMinter) MintCustomToken(ctx context.Context, uid string, claims map[string]any) (string, error) {
	if uid == "" || len(uid) > maxUIDLength {
		return "", ErrInvalidUID
	}

	token, err := m.client.CustomTokenWithClaims(ctx, uid, claims)
	if err != nil {
		return "", fmt.Errorf("firebase: mint custom token: %w", err)
	}
	return token, nil
}
