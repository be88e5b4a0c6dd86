package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"appleauth/internal/auth"
	"appleauth/internal/config"
	"appleauth/internal/firebase"
	"appleauth/internal/identity"
	"appleauth/internal/oauth"
	"appleauth/internal/server"
	"appleauth/internal/signin"
	"appleauth/internal/storage"
)

type cleaner interface {
	CleanupExpired(ctx context.Context, now time.Time) int
}

func serve(parent context.Context, cfg config.Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		refreshStore storage.RefreshStore
		attemptStore storage.AttemptStore
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		refreshStore = storage.NewRedisRefreshStore(client)
		attemptStore = storage.NewRedisAttemptStore(client)
		logger.Info("using redis stores", "addr", cfg.RedisAddr)
	} else {
		memRefresh := storage.NewMemoryRefreshStore()
		memAttempts := storage.NewMemoryAttemptStore()
		refreshStore, attemptStore = memRefresh, memAttempts
		go runJanitor(ctx, logger, time.Minute, memRefresh, memAttempts)
		logger.Warn("using in-memory stores, sessions are lost on restart")
	}

	googleProvider := oauth.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL, cfg.GoogleScopes)
	appleProvider := oauth.NewAppleProvider(cfg.AppleClientID)
	providers := map[string]oauth.Provider{
		oauth.ProviderGoogle: googleProvider,
		oauth.ProviderApple:  appleProvider,
	}

	var redirectProviders []*identity.Provider
	if cfg.AppleRedirectEnabled() {
		secret, err := oauth.NewAppleClientSecret(oauth.AppleSecretConfig{
			TeamID:        cfg.AppleTeamID,
			KeyID:         cfg.AppleKeyID,
			ClientID:      cfg.AppleClientID,
			PrivateKeyPEM: []byte(cfg.AppleKey),
		})
		if err != nil {
			return fmt.Errorf("apple client secret: %w", err)
		}
		redirectProviders = append(redirectProviders, &identity.Provider{
			Name: oauth.ProviderApple,
			OAuth: &oauth2.Config{
				ClientID:    cfg.AppleClientID,
				RedirectURL: cfg.AppleRedirectURL,
				Scopes:      cfg.AppleScopes,
				Endpoint:    oauth.AppleEndpoint,
			},
			Verifier:     appleProvider,
			ClientSecret: secret.Mint,
			AuthParams:   map[string]string{"response_mode": "form_post"},
		})
	} else {
		logger.Info("apple redirect sign-in disabled, APPLE_TEAM_ID/APPLE_KEY_ID/APPLE_PRIVATE_KEY not set")
	}

	if cfg.GoogleClientID != "" {
		redirectProviders = append(redirectProviders, &identity.Provider{
			Name:     oauth.ProviderGoogle,
			OAuth:    googleProvider.OAuthConfig(),
			Verifier: googleProvider,
		})
	}

	identityClient := identity.NewClient(attemptStore, redirectProviders,
		identity.WithAttemptTTL(cfg.AttemptTTL),
		identity.WithPendingTTL(cfg.AttemptTTL),
		identity.WithLogger(logger),
	)

	handlerOpts := []signin.Option{
		signin.WithTimeout(cfg.SignInTimeout),
		signin.WithNonceLength(cfg.NonceLength),
		signin.WithLogger(logger),
	}
	var signInHandlers []signin.ProviderHandler
	for _, p := range redirectProviders {
		switch p.Name {
		case oauth.ProviderApple:
			signInHandlers = append(signInHandlers, signin.NewAppleHandler(identityClient, append(handlerOpts, signin.WithScopes(cfg.AppleScopes...))...))
		case oauth.ProviderGoogle:
			signInHandlers = append(signInHandlers, signin.NewGoogleHandler(identityClient, append(handlerOpts, signin.WithScopes(cfg.GoogleScopes...))...))
		}
	}

	hostOpts := []auth.HostOption{auth.WithHostLogger(logger)}
	if cfg.FirebaseEnabled() {
		minter, err := firebase.NewTokenMinter(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsFile)
		if err != nil {
			return err
		}
		hostOpts = append(hostOpts, auth.WithCustomTokens(minter))
	}

	tokenManager := auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	host := auth.NewHost(tokenManager, refreshStore, hostOpts...)
	handler := auth.NewHandler(host, providers,
		auth.WithSignIn(signInHandlers...),
		auth.WithCallbacks(identityClient),
		auth.WithNonceLength(cfg.NonceLength),
		auth.WithLogger(logger),
	)
	router := server.NewRouter(handler, auth.NewMiddleware(tokenManager), logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.SignInTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("auth server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// runJanitor drops expired entries from the in-memory stores.
func runJanitor(ctx context.Context, logger *slog.Logger, every time.Duration, stores ...cleaner) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := 0
			for _, s := range stores {
				removed += s.CleanupExpired(ctx, now)
			}
			if removed > 0 {
				logger.Debug("expired entries removed", "count", removed)
			}
		}
	}
}
