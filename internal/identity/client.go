// Package identity runs provider sign-ins the way a mobile identity SDK does:
// a sign-in is started, the user leaves for the provider, and the result
// comes back later through callbacks registered on a Task.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"appleauth/internal/nonce"
	"appleauth/internal/oauth"
	"appleauth/internal/storage"
)

var (
	ErrUnknownProvider = errors.New("identity: unknown provider")
	ErrUnknownState    = errors.New("identity: unknown or expired sign-in state")
	ErrAttemptExpired  = errors.New("identity: sign-in attempt expired")
	ErrMissingCode     = errors.New("identity: callback carried no authorization code")
	ErrMissingIDToken  = errors.New("identity: token response carried no id_token")
	ErrSignInFailed    = errors.New("identity: sign-in failed")
)

// ProviderError is an error the provider reported on the redirect, such as
// the user cancelling.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return "identity: provider returned " + e.Code
	}
	return fmt.Sprintf("identity: provider returned %s: %s", e.Code, e.Description)
}

// Credential is what a successful sign-in produces.
type Credential struct {
	Provider          string
	IDToken           string
	AccessToken       string
	AuthorizationCode string
	RawNonce          string
	Profile           *oauth.UserProfile
}

// Provider describes one OAuth identity provider the client can sign in with.
type Provider struct {
	Name     string
	OAuth    *oauth2.Config
	Verifier oauth.Provider
	// ClientSecret, when set, replaces OAuth.ClientSecret on every exchange.
	ClientSecret func(ctx context.Context) (string, error)
	// AuthParams are extra authorize URL parameters.
	AuthParams map[string]string
}

// Authorization is handed to a Launcher to send the user to the provider.
type Authorization struct {
	Provider  string    `json:"provider"`
	State     string    `json:"state"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Launcher opens the provider's authorize page for the user.
type Launcher interface {
	Launch(ctx context.Context, auth Authorization) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, auth Authorization) error

func (f LauncherFunc) Launch(ctx context.Context, auth Authorization) error {
	return f(ctx, auth)
}

// SignInRequest starts a new sign-in.
type SignInRequest struct {
	Provider string
	DeviceID string
	Scopes   []string
	RawNonce string
	Launcher Launcher
	// Callbacks, when set, are registered on the Task before the provider is
	// launched, so a redirect that lands before StartSignIn returns still
	// reaches them.
	Callbacks Callbacks
}

// CallbackParams is the provider redirect, from the query string or a form_post body.
type CallbackParams struct {
	Provider         string
	State            string
	Code             string
	Error            string
	ErrorDescription string
	// User is Apple's JSON "user" field, only sent on the first sign-in.
	User string
}

type inflight struct {
	task  *Task
	timer *time.Timer
}

// Client starts sign-ins and completes them when the provider redirects back.
type Client struct {
	providers  map[string]*Provider
	store      storage.AttemptStore
	attemptTTL time.Duration
	pendingTTL time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]*inflight
}

// Option customizes a Client.
type Option func(*Client)

// WithAttemptTTL bounds how long a launched sign-in waits for its redirect.
func WithAttemptTTL(ttl time.Duration) Option {
	return func(c *Client) { c.attemptTTL = ttl }
}

// WithPendingTTL bounds how long an unclaimed result is kept for resumption.
func WithPendingTTL(ttl time.Duration) Option {
	return func(c *Client) { c.pendingTTL = ttl }
}

// WithHTTPClient sets the client used for code exchanges.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient builds a Client for the given providers.
func NewClient(store storage.AttemptStore, providers []*Provider, opts ...Option) *Client {
	c := &Client{
		providers:  make(map[string]*Provider, len(providers)),
		store:      store,
		attemptTTL: 10 * time.Minute,
		pendingTTL: 10 * time.Minute,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		now:        time.Now,
		inflight:   map[string]*inflight{},
	}
	for _, p := range providers {
		c.providers[p.Name] = p
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartSignIn records a new attempt and launches the provider's authorize
// page. The returned Task completes when the redirect arrives or the attempt
// expires.
func (c *Client) StartSignIn(ctx context.Context, req SignInRequest) (*Task, error) {
	p, ok := c.providers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, req.Provider)
	}
	if req.RawNonce == "" {
		return nil, errors.New("identity: raw nonce required")
	}
	if req.Launcher == nil {
		return nil, errors.New("identity: launcher required")
	}

	state, err := newState()
	if err != nil {
		return nil, fmt.Errorf("identity: generate state: %w", err)
	}

	now := c.now()
	attempt := storage.Attempt{
		State:     state,
		Provider:  p.Name,
		DeviceID:  req.DeviceID,
		RawNonce:  req.RawNonce,
		CreatedAt: now,
		ExpiresAt: now.Add(c.attemptTTL),
	}
	if err := c.store.SaveAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("identity: save attempt: %w", err)
	}

	task := c.track(state)
	if req.Callbacks.set() {
		task.Then(req.Callbacks)
	}

	auth := Authorization{
		Provider:  p.Name,
		State:     state,
		URL:       authURL(p, state, req),
		ExpiresAt: attempt.ExpiresAt,
	}
	if err := req.Launcher.Launch(ctx, auth); err != nil {
		c.untrack(state)
		_, _ = c.store.TakeAttempt(context.WithoutCancel(ctx), state)
		return nil, fmt.Errorf("identity: launch %s sign-in: %w", p.Name, err)
	}

	c.logger.InfoContext(ctx, "sign-in launched", "provider", p.Name, "device", req.DeviceID)
	return task, nil
}

// PendingResult returns a completed Task for a result that arrived while no
// one was waiting on this device. The result is claimed by the call.
func (c *Client) PendingResult(ctx context.Context, deviceID string) (*Task, bool, error) {
	if deviceID == "" {
		return nil, false, nil
	}

	result, err := c.store.TakePending(ctx, deviceID)
	if errors.Is(err, storage.ErrPendingNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("identity: load pending result: %w", err)
	}

	cred, cause := fromPending(result)
	return completedTask(cred, cause), true, nil
}

// HandleCallback completes the attempt identified by params.State. It
// returns nil when a credential was produced, otherwise the failure that was
// delivered to the waiting Task.
func (c *Client) HandleCallback(ctx context.Context, params CallbackParams) error {
	attempt, err := c.store.TakeAttempt(ctx, params.State)
	if errors.Is(err, storage.ErrAttemptNotFound) {
		return ErrUnknownState
	}
	if err != nil {
		return fmt.Errorf("identity: load attempt: %w", err)
	}

	var (
		cred  *Credential
		cause error
	)
	if params.Provider != "" && params.Provider != attempt.Provider {
		cause = fmt.Errorf("%w: %s callback for %s sign-in", ErrUnknownState, params.Provider, attempt.Provider)
	} else {
		cred, cause = c.exchange(ctx, attempt, params)
	}

	if err := c.finish(ctx, attempt, cred, cause); err != nil {
		return err
	}
	return cause
}

func (c *Client) exchange(ctx context.Context, attempt storage.Attempt, params CallbackParams) (*Credential, error) {
	if params.Error != "" {
		return nil, &ProviderError{Code: params.Error, Description: params.ErrorDescription}
	}
	if params.Code == "" {
		return nil, ErrMissingCode
	}

	p, ok := c.providers[attempt.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, attempt.Provider)
	}

	cfg := *p.OAuth
	if p.ClientSecret != nil {
		secret, err := p.ClientSecret(ctx)
		if err != nil {
			return nil, fmt.Errorf("identity: mint %s client secret: %w", p.Name, err)
		}
		cfg.ClientSecret = secret
	}

	token, err := cfg.Exchange(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), params.Code)
	if err != nil {
		return nil, fmt.Errorf("identity: exchange %s code: %w", p.Name, err)
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return nil, ErrMissingIDToken
	}

	profile, err := p.Verifier.Authenticate(ctx, oauth.CredentialPayload{
		IdentityToken: idToken,
		Nonce:         attempt.RawNonce,
	})
	if err != nil {
		return nil, err
	}
	mergeAppleUser(profile, params.User)

	return &Credential{
		Provider:          p.Name,
		IDToken:           idToken,
		AccessToken:       token.AccessToken,
		AuthorizationCode: params.Code,
		RawNonce:          attempt.RawNonce,
		Profile:           profile,
	}, nil
}

// finish hands the outcome to the waiting Task, or keeps it for the device
// when nobody is listening.
func (c *Client) finish(ctx context.Context, attempt storage.Attempt, cred *Credential, cause error) error {
	if task := c.untrack(attempt.State); task != nil && task.complete(cred, cause) {
		return nil
	}
	return c.keep(ctx, attempt, cred, cause)
}

// KeepResult stores a credential its waiter could no longer take, so the next
// sign-in from deviceID resumes it.
func (c *Client) KeepResult(ctx context.Context, deviceID string, cred *Credential) error {
	if cred == nil {
		return errors.New("identity: no credential to keep")
	}
	return c.keep(ctx, storage.Attempt{
		Provider: cred.Provider,
		DeviceID: deviceID,
		RawNonce: cred.RawNonce,
	}, cred, nil)
}

func (c *Client) keep(ctx context.Context, attempt storage.Attempt, cred *Credential, cause error) error {
	if attempt.DeviceID == "" {
		c.logger.WarnContext(ctx, "sign-in result dropped, no waiter and no device", "provider", attempt.Provider)
		return nil
	}

	result := toPending(attempt, cred, cause, c.now().Add(c.pendingTTL))
	if err := c.store.SavePending(ctx, result); err != nil {
		return fmt.Errorf("identity: keep pending result: %w", err)
	}
	c.logger.InfoContext(ctx, "sign-in result kept for resumption", "provider", attempt.Provider, "device", attempt.DeviceID)
	return nil
}

func (c *Client) track(state string) *Task {
	task := newTask()
	entry := &inflight{task: task}
	entry.timer = time.AfterFunc(c.attemptTTL, func() { c.expire(state) })

	c.mu.Lock()
	c.inflight[state] = entry
	c.mu.Unlock()
	return task
}

func (c *Client) untrack(state string) *Task {
	c.mu.Lock()
	entry, ok := c.inflight[state]
	delete(c.inflight, state)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	entry.timer.Stop()
	return entry.task
}

func (c *Client) expire(state string) {
	c.mu.Lock()
	entry, ok := c.inflight[state]
	delete(c.inflight, state)
	c.mu.Unlock()

	if ok {
		entry.task.complete(nil, ErrAttemptExpired)
	}
}

func authURL(p *Provider, state string, req SignInRequest) string {
	cfg := *p.OAuth
	if len(req.Scopes) > 0 {
		cfg.Scopes = req.Scopes
	}

	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("nonce", nonce.Hash(req.RawNonce))}
	for key, value := range p.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(key, value))
	}
	return cfg.AuthCodeURL(state, opts...)
}

func newState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

type appleUser struct {
	Name struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	} `json:"name"`
	Email string `json:"email"`
}

func mergeAppleUser(profile *oauth.UserProfile, raw string) {
	if profile == nil || raw == "" {
		return
	}

	var user appleUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return
	}
	if profile.Email == "" {
		profile.Email = user.Email
	}
	if profile.Name == "" {
		profile.Name = strings.TrimSpace(user.Name.FirstName + " " + user.Name.LastName)
	}
}

func toPending(attempt storage.Attempt, cred *Credential, cause error, expiresAt time.Time) storage.PendingResult {
	result := storage.PendingResult{
		DeviceID:  attempt.DeviceID,
		Provider:  attempt.Provider,
		RawNonce:  attempt.RawNonce,
		ExpiresAt: expiresAt,
	}
	if cause != nil {
		result.Failure = cause.Error()
		return result
	}

	result.IDToken = cred.IDToken
	result.AccessToken = cred.AccessToken
	result.AuthorizationCode = cred.AuthorizationCode
	if cred.Profile != nil {
		result.Subject = cred.Profile.ID
		result.Email = cred.Profile.Email
		result.Name = cred.Profile.Name
	}
	return result
}

func fromPending(result storage.PendingResult) (*Credential, error) {
	if result.Failure != "" {
		return nil, fmt.Errorf("%w: %s", ErrSignInFailed, result.Failure)
	}

	return &Credential{
		Provider:          result.Provider,
		IDToken:           result.IDToken,
		AccessToken:       result.AccessToken,
		AuthorizationCode: result.AuthorizationCode,
		RawNonce:          result.RawNonce,
		Profile: &oauth.UserProfile{
			ID:       result.Subject,
			Email:    result.Email,
			Name:     result.Name,
			Provider: result.Provider,
		},
	}, nil
}
