package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"appleauth/internal/firebase"
	"appleauth/internal/identity"
	"appleauth/internal/oauth"
	"appleauth/internal/signin"
	"appleauth/internal/storage"
)

// CustomTokenMinter mints a Firebase custom token for a signed-in user.
type CustomTokenMinter interface {
	MintCustomToken(ctx context.Context, uid string, claims map[string]any) (string, error)
}

// TokenSet is what the app receives after a successful sign-in or refresh.
type TokenSet struct {
	AccessToken           string    `json:"accessToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshToken          string    `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
	FirebaseToken         string    `json:"firebaseToken,omitempty"`
}

// issueError carries a message that is safe to show to the client.
type issueError struct {
	public string
	err    error
}

func (e *issueError) Error() string {
	return e.public + ": " + e.err.Error()
}

func (e *issueError) Unwrap() error {
	return e.err
}

// Host turns a completed sign-in into API tokens. It is the plugin every
// provider handler reports to.
type Host struct {
	tokens *TokenManager
	store  storage.RefreshStore
	minter CustomTokenMinter
	logger *slog.Logger
}

var _ signin.Plugin = (*Host)(nil)

// HostOption customizes a Host.
type HostOption func(*Host)

// WithCustomTokens adds a Firebase custom token to every TokenSet.
func WithCustomTokens(minter CustomTokenMinter) HostOption {
	return func(h *Host) { h.minter = minter }
}

// WithHostLogger sets the logger. The default is slog.Default().
func WithHostLogger(logger *slog.Logger) HostOption {
	return func(h *Host) { h.logger = logger }
}

// NewHost builds the sign-in host.
func NewHost(tokens *TokenManager, store storage.RefreshStore, opts ...HostOption) *Host {
	h := &Host{
		tokens: tokens,
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Issue creates a TokenSet for profile. A non-empty previousRefresh is
// rotated out in the same step.
func (h *Host) Issue(ctx context.Context, profile *oauth.UserProfile, nonce, previousRefresh string) (*TokenSet, error) {
	accessToken, accessExpiresAt, err := h.tokens.GenerateAccessToken(profile)
	if err != nil {
		return nil, &issueError{public: "unable to issue access token", err: err}
	}

	refreshToken, refreshExpiresAt, err := h.tokens.GenerateRefreshToken()
	if err != nil {
		return nil, &issueError{public: "unable to issue refresh token", err: err}
	}

	set := &TokenSet{
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  accessExpiresAt,
		RefreshToken:          refreshToken,
		RefreshTokenExpiresAt: refreshExpiresAt,
	}

	if h.minter != nil {
		claims := map[string]any{"provider": profile.Provider}
		if profile.Email != "" {
			claims["email"] = profile.Email
		}
		set.FirebaseToken, err = h.minter.MintCustomToken(ctx, firebase.UID(profile.Provider, profile.ID), claims)
		if err != nil {
			return nil, &issueError{public: "unable to mint firebase token", err: err}
		}
	}

	record := storage.RefreshRecord{
		Token:     refreshToken,
		UserID:    profile.ID,
		Email:     profile.Email,
		Provider:  profile.Provider,
		Nonce:     nonce,
		ExpiresAt: refreshExpiresAt,
	}

	if previousRefresh == "" {
		if err := h.store.Save(ctx, record); err != nil {
			return nil, &issueError{public: "unable to persist refresh token", err: err}
		}
	} else {
		if err := h.store.Replace(ctx, previousRefresh, record); err != nil {
			return nil, &issueError{public: "unable to rotate refresh token", err: err}
		}
	}

	return set, nil
}

// HandleAuthCredentials issues tokens for cred and resolves the call with
// them plus whatever the provider handler adds.
func (h *Host) HandleAuthCredentials(ctx context.Context, call *signin.Call, cred *identity.Credential) {
	profile := cred.Profile
	if profile == nil || profile.ID == "" {
		call.Reject("sign-in returned no account:", errors.New("credential has no subject"))
		return
	}
	if profile.Provider == "" {
		profile.Provider = cred.Provider
	}

	nonce := cred.RawNonce
	if session := call.Session(); session != nil {
		nonce = session.Nonce
	}

	set, err := h.Issue(ctx, profile, nonce, "")
	if err != nil {
		h.logger.ErrorContext(ctx, "issue tokens failed", "provider", profile.Provider, "error", err)
		call.Reject("sign-in succeeded but tokens could not be issued:", err)
		return
	}

	data := map[string]any{
		"provider":              profile.Provider,
		"accessToken":           set.AccessToken,
		"accessTokenExpiresAt":  set.AccessTokenExpiresAt,
		"refreshToken":          set.RefreshToken,
		"refreshTokenExpiresAt": set.RefreshTokenExpiresAt,
	}
	if set.FirebaseToken != "" {
		data["firebaseToken"] = set.FirebaseToken
	}
	call.FillResult(data)
	call.Resolve(data)

	h.logger.InfoContext(ctx, "signed in", "provider", profile.Provider, "user", profile.ID)
}

// HandleFailure rejects the call with message and cause.
func (h *Host) HandleFailure(ctx context.Context, call *signin.Call, message string, cause error) {
	h.logger.WarnContext(ctx, "sign-in rejected", "message", message, "error", cause)
	call.Reject(message, cause)
}

func publicMessage(err error, fallback string) string {
	var ie *issueError
	if errors.As(err, &ie) {
		return ie.public
	}
	return fallback
}
