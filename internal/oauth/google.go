package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"appleauth/internal/nonce"
)

const (
	googleUserInfoEndpoint  = "https://www.googleapis.com/oauth2/v3/userinfo"
	googleTokenInfoEndpoint = "https://oauth2.googleapis.com/tokeninfo"
)

// GoogleProvider verifies Google Sign-In (OAuth) responses and builds a normalized profile.
type GoogleProvider struct {
	config       *oauth2.Config
	httpClient   *http.Client
	userInfoURL  string
	tokenInfoURL string
}

// GoogleOption customizes a GoogleProvider.
type GoogleOption func(*GoogleProvider)

// WithGoogleEndpoints overrides the userinfo and tokeninfo URLs.
func WithGoogleEndpoints(userInfoURL, tokenInfoURL string) GoogleOption {
	return func(p *GoogleProvider) {
		p.userInfoURL = userInfoURL
		p.tokenInfoURL = tokenInfoURL
	}
}

// WithGoogleHTTPClient sets the client used for Google API calls.
func WithGoogleHTTPClient(client *http.Client) GoogleOption {
	return func(p *GoogleProvider) { p.httpClient = client }
}

// NewGoogleProvider builds a Google provider backed by the provided OAuth client credentials.
func NewGoogleProvider(clientID, clientSecret, redirectURL string, scopes []string, opts ...GoogleOption) *GoogleProvider {
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}

	p := &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		},
		httpClient:   http.DefaultClient,
		userInfoURL:  googleUserInfoEndpoint,
		tokenInfoURL: googleTokenInfoEndpoint,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OAuthConfig returns a copy of the client configuration used for the
// authorization code flow.
func (p *GoogleProvider) OAuthConfig() *oauth2.Config {
	cfg := *p.config
	return &cfg
}

// Name implements Provider.
func (p *GoogleProvider) Name() string {
	return ProviderGoogle
}

// Authenticate validates the credential payload with Google and returns the associated user profile.
func (p *GoogleProvider) Authenticate(ctx context.Context, payload CredentialPayload) (*UserProfile, error) {
	switch {
	case payload.AuthCode != "":
		return p.authenticateWithCode(ctx, payload.AuthCode)
	case payload.IdentityToken != "":
		return p.authenticateWithIDToken(ctx, payload.IdentityToken, payload.Nonce)
	default:
		return nil, errors.New("google: missing auth code or id token")
	}
}

func (p *GoogleProvider) authenticateWithCode(ctx context.Context, code string) (*UserProfile, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("google: exchange failed: %w", ErrInvalidCredential)
	}

	if !token.Valid() || token.AccessToken == "" {
		return nil, fmt.Errorf("google: empty access token: %w", ErrInvalidCredential)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	res, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google: userinfo request failed: %w", ErrProviderUnavailable)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google: userinfo status %d: %w", res.StatusCode, ErrInvalidCredential)
	}

	var payload googleUserInfoResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, err
	}

	if payload.Sub == "" {
		return nil, fmt.Errorf("google: missing subject: %w", ErrInvalidCredential)
	}

	return payload.toUserProfile(), nil
}

func (p *GoogleProvider) authenticateWithIDToken(ctx context.Context, idToken, rawNonce string) (*UserProfile, error) {
	endpoint, err := url.Parse(p.tokenInfoURL)
	if err != nil {
		return nil, err
	}
	query := endpoint.Query()
	query.Set("id_token", idToken)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}

	res, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google: tokeninfo request failed: %w", ErrProviderUnavailable)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google: invalid id token: %w", ErrInvalidCredential)
	}

	var payload googleTokenInfoResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, err
	}

	if payload.Sub == "" {
		return nil, fmt.Errorf("google: missing subject: %w", ErrInvalidCredential)
	}

	if p.config.ClientID != "" && payload.Aud != p.config.ClientID {
		return nil, fmt.Errorf("google: invalid audience: %w", ErrInvalidCredential)
	}

	if rawNonce != "" && payload.Nonce != nonce.Hash(rawNonce) {
		return nil, fmt.Errorf("google: %w: %w", ErrNonceMismatch, ErrInvalidCredential)
	}

	return payload.toUserProfile(), nil
}

type googleUserInfoResponse struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

type googleTokenInfoResponse struct {
	Sub   string `json:"sub"`
	Aud   string `json:"aud"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Nonce string `json:"nonce"`
}

func (p googleUserInfoResponse) toUserProfile() *UserProfile {
	return &UserProfile{
		ID:       p.Sub,
		Email:    p.Email,
		Name:     p.Name,
		Picture:  p.Picture,
		Provider: ProviderGoogle,
	}
}

func (p googleTokenInfoResponse) toUserProfile() *UserProfile {
	return &UserProfile{
		ID:       p.Sub,
		Email:    p.Email,
		Name:     p.Name,
		Provider: ProviderGoogle,
	}
}
