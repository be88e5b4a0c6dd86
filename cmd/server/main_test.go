package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"appleauth/internal/nonce"
)

func TestNonceCommand(t *testing.T) {
	cmd := nonceCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--length", "16", "--hash"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("nonce command failed: %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected nonce and digest, got %q", out.String())
	}
	if len(lines[0]) != 16 {
		t.Fatalf("expected 16 characters, got %q", lines[0])
	}
	if lines[1] != nonce.Hash(lines[0]) {
		t.Fatalf("digest does not match nonce")
	}
}

func TestNonceCommandRejectsLength(t *testing.T) {
	cmd := nonceCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--length", "0"})

	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error for zero length")
	}
}

type countingCleaner struct {
	calls atomic.Int32
}

func (c *countingCleaner) CleanupExpired(context.Context, time.Time) int {
	c.calls.Add(1)
	return 1
}

func TestRunJanitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &countingCleaner{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		runJanitor(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), 5*time.Millisecond, store)
	}()

	deadline := time.After(2 * time.Second)
	for store.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("janitor did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestNewLogger(t *testing.T) {
	if !newLogger("debug").Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("expected debug to be enabled")
	}
	if newLogger("warn").Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("expected info to be disabled at warn")
	}
}
