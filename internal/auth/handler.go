package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"appleauth/internal/identity"
	"appleauth/internal/nonce"
	"appleauth/internal/oauth"
	"appleauth/internal/signin"
)

// CallbackReceiver completes a sign-in from the provider redirect.
type CallbackReceiver interface {
	HandleCallback(ctx context.Context, params identity.CallbackParams) error
}

// Handler wires HTTP requests to the OAuth providers, the sign-in handlers
// and the token host.
type Handler struct {
	host        *Host
	providers   map[string]oauth.Provider
	signIn      map[string]signin.ProviderHandler
	callbacks   CallbackReceiver
	nonceLength int
	logger      *slog.Logger
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithSignIn registers provider handlers for the redirect sign-in flow.
// Each one is initialised with the handler's Host.
func WithSignIn(handlers ...signin.ProviderHandler) HandlerOption {
	return func(h *Handler) {
		for _, ph := range handlers {
			h.signIn[ph.Name()] = ph
		}
	}
}

// WithCallbacks sets where provider redirects are delivered.
func WithCallbacks(receiver CallbackReceiver) HandlerOption {
	return func(h *Handler) { h.callbacks = receiver }
}

// WithNonceLength sets the nonce length /auth/nonce uses when the request
// does not ask for one.
func WithNonceLength(length int) HandlerOption {
	return func(h *Handler) { h.nonceLength = length }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler builds a new auth HTTP handler bundle.
func NewHandler(host *Host, providers map[string]oauth.Provider, opts ...HandlerOption) *Handler {
	h := &Handler{
		host:        host,
		providers:   providers,
		signIn:      map[string]signin.ProviderHandler{},
		nonceLength: nonce.DefaultLength,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, ph := range h.signIn {
		ph.Init(host)
	}
	return h
}

// HandleOAuthLogin processes /auth/google or /auth/apple requests carrying a
// token the app obtained natively.
func (h *Handler) HandleOAuthLogin(providerName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider, ok := h.providers[providerName]
		if !ok {
			http.Error(w, "unsupported provider", http.StatusBadRequest)
			return
		}

		var body oauthRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}

		if body.AuthCode == "" && body.IdentityToken == "" {
			http.Error(w, "credential required", http.StatusBadRequest)
			return
		}

		profile, err := provider.Authenticate(r.Context(), oauth.CredentialPayload{
			AuthCode:      body.AuthCode,
			IdentityToken: body.IdentityToken,
			Nonce:         body.Nonce,
		})
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, oauth.ErrProviderUnavailable) {
				status = http.StatusBadGateway
			}
			h.logger.WarnContext(r.Context(), "native login rejected", "provider", providerName, "error", err)
			http.Error(w, err.Error(), status)
			return
		}

		h.issueTokens(w, r, profile, body.Nonce, "")
	}
}

// HandleNonce hands a fresh raw nonce and its digest to apps that run the
// provider sign-in themselves.
func (h *Handler) HandleNonce() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		length := h.nonceLength
		if raw := r.URL.Query().Get("length"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				http.Error(w, "invalid length", http.StatusBadRequest)
				return
			}
			length = n
		}

		value, err := nonce.Generate(length)
		if errors.Is(err, nonce.ErrInvalidLength) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, "unable to generate nonce", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, nonceResponse{Nonce: value, HashedNonce: nonce.Hash(value)})
	}
}

// HandleSignIn runs a redirect sign-in and streams its progress as
// server-sent events: "authorize" with the URL to open, then "result" or
// "error".
func (h *Handler) HandleSignIn(providerName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handler, ok := h.signIn[providerName]
		if !ok {
			http.Error(w, "unsupported provider", http.StatusBadRequest)
			return
		}

		stream, err := newEventStream(w)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		deviceID := r.Header.Get("X-Device-ID")
		if deviceID == "" {
			deviceID = r.URL.Query().Get("device")
		}

		call := signin.NewCall(deviceID, identity.LauncherFunc(func(_ context.Context, auth identity.Authorization) error {
			return stream.send("authorize", auth)
		}))
		handler.SignIn(r.Context(), call)

		data, err := call.Result()
		if err != nil {
			_ = stream.send("error", errorEvent{Message: err.Error()})
			return
		}
		_ = stream.send("result", data)
	}
}

// HandleCallback receives the provider redirect, either as a query string or
// as a form_post body.
func (h *Handler) HandleCallback(providerName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.callbacks == nil {
			http.Error(w, "sign-in callbacks not configured", http.StatusNotFound)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid callback", http.StatusBadRequest)
			return
		}

		err := h.callbacks.HandleCallback(r.Context(), identity.CallbackParams{
			Provider:         providerName,
			State:            r.Form.Get("state"),
			Code:             r.Form.Get("code"),
			Error:            r.Form.Get("error"),
			ErrorDescription: r.Form.Get("error_description"),
			User:             r.Form.Get("user"),
		})
		switch {
		case errors.Is(err, identity.ErrUnknownState):
			http.Error(w, "sign-in expired or already completed", http.StatusBadRequest)
		case err != nil:
			h.logger.WarnContext(r.Context(), "sign-in callback failed", "provider", providerName, "error", err)
			http.Error(w, "sign-in failed", http.StatusUnauthorized)
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(callbackPage))
		}
	}
}

// HandleRefresh rotates refresh tokens and returns a new access token.
func (h *Handler) HandleRefresh() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}

		record, err := h.host.store.Get(r.Context(), body.RefreshToken)
		if err != nil {
			http.Error(w, "invalid refresh token", http.StatusUnauthorized)
			return
		}

		if time.Now().After(record.ExpiresAt) {
			_ = h.host.store.Delete(r.Context(), body.RefreshToken)
			http.Error(w, "refresh token expired", http.StatusUnauthorized)
			return
		}

		profile := &oauth.UserProfile{
			ID:       record.UserID,
			Email:    record.Email,
			Provider: record.Provider,
		}

		h.issueTokens(w, r, profile, "", body.RefreshToken)
	}
}

// HandleProfile returns the authenticated user's claims.
func (h *Handler) HandleProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var issuedAt time.Time
		if claims.IssuedAt != nil {
			issuedAt = claims.IssuedAt.Time
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"userId":   claims.UserID,
			"email":    claims.Email,
			"name":     claims.Name,
			"provider": claims.Provider,
			"issuedAt": issuedAt,
		})
	}
}

func (h *Handler) issueTokens(w http.ResponseWriter, r *http.Request, profile *oauth.UserProfile, rawNonce, previousRefresh string) {
	set, err := h.host.Issue(r.Context(), profile, rawNonce, previousRefresh)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "issue tokens failed", "provider", profile.Provider, "error", err)
		http.Error(w, publicMessage(err, "unable to issue tokens"), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, set)
}

const callbackPage = `<!doctype html>
<html><body><p>Sign-in complete. You can return to the app.</p></body></html>
`

type oauthRequest struct {
	AuthCode      string `json:"authCode"`
	IdentityToken string `json:"identityToken"`
	Nonce         string `json:"nonce,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type nonceResponse struct {
	Nonce       string `json:"nonce"`
	HashedNonce string `json:"hashedNonce"`
}

type errorEvent struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
