package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"appleauth/internal/config"
	"appleauth/internal/nonce"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "appleauth",
		Short: "Sign in with Apple and Google, bridged to Firebase",
		Long: `appleauth runs the sign-in server: it sends users to Apple or Google,
receives the redirect, verifies the identity token against the sign-in nonce
and hands the app its session tokens.

Environment variables:
  APPLE_CLIENT_ID, APPLE_TEAM_ID, APPLE_KEY_ID, APPLE_PRIVATE_KEY
  APPLE_REDIRECT_URL, GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET
  REDIS_ADDR, FIREBASE_PROJECT_ID, JWT_SECRET`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(nonceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sign-in HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	return serve(cmd.Context(), cfg, logger)
}

func nonceCmd() *cobra.Command {
	var length int
	var hashed bool

	cmd := &cobra.Command{
		Use:   "nonce",
		Short: "Print a random sign-in nonce",
		Long: `Prints a nonce of printable ASCII characters, the kind the server binds
to every sign-in. With --hash the SHA-256 digest sent to the provider is
printed on a second line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := nonce.Generate(length)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			if hashed {
				fmt.Fprintln(cmd.OutOrStdout(), nonce.Hash(value))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&length, "length", nonce.DefaultLength, "Number of characters")
	cmd.Flags().BoolVar(&hashed, "hash", false, "Also print the SHA-256 digest")

	return cmd
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
