// Package signin holds the provider handlers that run one sign-in per call:
// they start (or resume) the provider flow, wait for it, and pass the
// credential or the failure to the host plugin.
package signin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"appleauth/internal/bridge"
	"appleauth/internal/identity"
	"appleauth/internal/nonce"
	"appleauth/internal/oauth"
)

// Plugin is the host that receives the result of a sign-in. Each SignIn
// calls exactly one of these, exactly once.
type Plugin interface {
	HandleAuthCredentials(ctx context.Context, call *Call, cred *identity.Credential)
	HandleFailure(ctx context.Context, call *Call, message string, cause error)
}

// IdentityClient is the part of the identity SDK a handler drives.
type IdentityClient interface {
	PendingResult(ctx context.Context, deviceID string) (*identity.Task, bool, error)
	StartSignIn(ctx context.Context, req identity.SignInRequest) (*identity.Task, error)
	KeepResult(ctx context.Context, deviceID string, cred *identity.Credential) error
}

// ProviderHandler signs users in with one identity provider.
type ProviderHandler interface {
	Name() string
	Init(plugin Plugin)
	SignIn(ctx context.Context, call *Call)
	FillResult(session *Session, data map[string]any)
	SignOut(ctx context.Context) error
}

// Session is a completed sign-in: the credential and the nonce bound to it.
type Session struct {
	Credential *identity.Credential
	Nonce      string
}

// OAuthHandler is a ProviderHandler for any provider the identity client
// knows about.
type OAuthHandler struct {
	provider    string
	displayName string
	scopes      []string
	client      IdentityClient
	plugin      Plugin
	nonceLength int
	timeout     time.Duration
	nonces      func(int) (string, error)
	logger      *slog.Logger
}

var _ ProviderHandler = (*OAuthHandler)(nil)

const keepTimeout = 5 * time.Second

// Option customizes an OAuthHandler.
type Option func(*OAuthHandler)

// WithTimeout bounds how long SignIn waits for the provider.
func WithTimeout(timeout time.Duration) Option {
	return func(h *OAuthHandler) { h.timeout = timeout }
}

// WithNonceLength sets the length of the raw nonce minted for each sign-in.
func WithNonceLength(length int) Option {
	return func(h *OAuthHandler) { h.nonceLength = length }
}

// WithScopes sets the scopes requested from the provider.
func WithScopes(scopes ...string) Option {
	return func(h *OAuthHandler) { h.scopes = scopes }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *OAuthHandler) { h.logger = logger }
}

func withNonceSource(fn func(int) (string, error)) Option {
	return func(h *OAuthHandler) { h.nonces = fn }
}

// NewOAuthHandler builds a handler for provider. displayName is used in
// failure messages.
func NewOAuthHandler(provider, displayName string, client IdentityClient, opts ...Option) *OAuthHandler {
	h := &OAuthHandler{
		provider:    provider,
		displayName: displayName,
		client:      client,
		nonceLength: nonce.DefaultLength,
		timeout:     5 * time.Minute,
		nonces:      nonce.Generate,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewAppleHandler builds the Sign in with Apple handler.
func NewAppleHandler(client IdentityClient, opts ...Option) *OAuthHandler {
	return NewOAuthHandler(oauth.ProviderApple, "Apple", client, append([]Option{WithScopes("email", "name")}, opts...)...)
}

// NewGoogleHandler builds the Google sign-in handler.
func NewGoogleHandler(client IdentityClient, opts ...Option) *OAuthHandler {
	return NewOAuthHandler(oauth.ProviderGoogle, "Google", client, append([]Option{WithScopes("openid", "email", "profile")}, opts...)...)
}

func (h *OAuthHandler) Name() string {
	return h.provider
}

// Init attaches the host plugin. It must be called before SignIn.
func (h *OAuthHandler) Init(plugin Plugin) {
	h.plugin = plugin
}

// SignIn runs one sign-in for call and reports it to the plugin.
func (h *OAuthHandler) SignIn(ctx context.Context, call *Call) {
	failure := h.displayName + " Sign In failure:"

	rawNonce, err := h.nonces(h.nonceLength)
	if err != nil {
		h.plugin.HandleFailure(ctx, call, failure, err)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	open, err := h.initiator(waitCtx, call, rawNonce)
	if err != nil {
		h.plugin.HandleFailure(ctx, call, failure, err)
		return
	}

	cred, err := bridge.Await(waitCtx, func(ctx context.Context, c *bridge.Completion[*identity.Credential]) error {
		return open(ctx, h.callbacks(ctx, call, c))
	}).Get()
	if err != nil {
		if errors.Is(err, bridge.ErrInterrupted) {
			failure = h.displayName + " Sign In failure (interrupted):"
		}
		h.logger.WarnContext(ctx, "sign-in failed", "provider", h.provider, "error", err)
		h.plugin.HandleFailure(ctx, call, failure, err)
		return
	}

	session := &Session{Credential: cred, Nonce: rawNonce}
	if cred.RawNonce != "" {
		session.Nonce = cred.RawNonce
	}
	call.bind(h, session)
	h.plugin.HandleAuthCredentials(ctx, call, cred)
}

// opener starts the flow with cb already attached to its result.
type opener func(ctx context.Context, cb identity.Callbacks) error

// initiator picks the call that starts the flow: resuming a result that is
// already waiting for this device, or starting a new sign-in.
func (h *OAuthHandler) initiator(ctx context.Context, call *Call, rawNonce string) (opener, error) {
	pending, ok, err := h.client.PendingResult(ctx, call.DeviceID)
	if err != nil {
		return nil, err
	}
	if ok {
		h.logger.InfoContext(ctx, "resuming pending sign-in", "provider", h.provider, "device", call.DeviceID)
		return func(_ context.Context, cb identity.Callbacks) error {
			pending.Then(cb)
			return nil
		}, nil
	}

	return func(ctx context.Context, cb identity.Callbacks) error {
		_, err := h.client.StartSignIn(ctx, identity.SignInRequest{
			Provider:  h.provider,
			DeviceID:  call.DeviceID,
			Scopes:    h.scopes,
			RawNonce:  rawNonce,
			Launcher:  call.Launcher,
			Callbacks: cb,
		})
		return err
	}, nil
}

// callbacks feed the task's result into c. A credential that arrives after
// the wait was interrupted is handed back to the client, so the next sign-in
// from this device resumes it. Late failures are dropped.
func (h *OAuthHandler) callbacks(ctx context.Context, call *Call, c *bridge.Completion[*identity.Credential]) identity.Callbacks {
	return identity.Callbacks{
		OnSuccess: func(cred *identity.Credential) {
			if c.Succeed(cred) {
				return
			}
			keepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), keepTimeout)
			defer cancel()
			if err := h.client.KeepResult(keepCtx, call.DeviceID, cred); err != nil {
				h.logger.ErrorContext(ctx, "late sign-in result lost", "provider", h.provider, "device", call.DeviceID, "error", err)
			}
		},
		OnFailure: func(err error) {
			if !c.Fail(err) {
				h.logger.InfoContext(ctx, "late sign-in failure dropped", "provider", h.provider, "error", err)
			}
		},
	}
}

// FillResult writes the identity token and nonce, plus the authorization code
// and profile fields when the provider shared them.
func (h *OAuthHandler) FillResult(session *Session, data map[string]any) {
	cred := session.Credential
	data["identityToken"] = cred.IDToken
	data["nonce"] = session.Nonce

	if cred.AuthorizationCode != "" {
		data["authorizationCode"] = cred.AuthorizationCode
	}

	if cred.Profile == nil {
		return
	}
	if cred.Profile.ID != "" {
		data["user"] = cred.Profile.ID
	}
	if cred.Profile.Email != "" {
		data["email"] = cred.Profile.Email
	}
	if cred.Profile.Name != "" {
		data["fullName"] = cred.Profile.Name
	}
}

// SignOut is a no-op; Apple and Google sessions are ended by revoking tokens.
func (h *OAuthHandler) SignOut(context.Context) error {
	return nil
}

func (h *OAuthHandler) String() string {
	return fmt.Sprintf("%s sign-in", h.displayName)
}
