package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunAllCancelsOnFirstError(t *testing.T) {
	boom := errors.New("boom")
	stopped := make(chan struct{})

	err := runAll(context.Background(),
		func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return nil
		},
		func(context.Context) error { return boom },
	)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("sibling task was not cancelled")
	}
}

func TestRunAllReturnsNilOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := runAll(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestEnqueueCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "rgs.db")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	cfgFile := filepath.Join(t.TempDir(), "rgs.toml")
	if err := os.WriteFile(cfgFile, []byte("[database]\npath = \""+filepath.ToSlash(dbPath)+"\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	rootCmd.SetArgs([]string{"--config", cfgFile, "enqueue", "RadioRateChange", `{"rate":"Slow"}`})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "queued RadioRateChange as command 1") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	rootCmd.SetArgs([]string{"--config", "", "enqueue", "Bogus"})
	defer rootCmd.SetArgs(nil)
	if err := rootCmd.Execute(); err == nil {
		t.Fatalf("expected error for unknown command type")
	}
}
