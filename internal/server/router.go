package server

import (
	"log/slog"
	"net/http"
	"time"

	"appleauth/internal/auth"
	"appleauth/internal/oauth"
)

// NewRouter wires HTTP routes to handlers and middleware.
func NewRouter(handler *auth.Handler, middleware *auth.Middleware, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("GET /auth/nonce", handler.HandleNonce())
	for _, provider := range []string{oauth.ProviderApple, oauth.ProviderGoogle} {
		mux.Handle("POST /auth/"+provider, handler.HandleOAuthLogin(provider))
		mux.Handle("POST /auth/"+provider+"/signin", handler.HandleSignIn(provider))
		mux.Handle("GET /auth/"+provider+"/callback", handler.HandleCallback(provider))
		mux.Handle("POST /auth/"+provider+"/callback", handler.HandleCallback(provider))
	}
	mux.Handle("POST /auth/refresh", handler.HandleRefresh())
	mux.Handle("GET /me", middleware.RequireAuth(handler.HandleProfile()))

	return logRequests(mux, logger)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps the sign-in event stream working through the logger.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
