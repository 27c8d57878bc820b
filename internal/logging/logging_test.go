package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevel(t *testing.T) {
	t.Setenv(EnvLevel, "")
	log, err := New("warn", false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info enabled at warn level")
	}
	if !log.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("warn disabled at warn level")
	}
}

func TestEnvOverridesLevel(t *testing.T) {
	t.Setenv(EnvLevel, "debug")
	log, err := New("error", true)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("env level not applied")
	}
}

func TestBadLevel(t *testing.T) {
	t.Setenv(EnvLevel, "")
	if _, err := New("loud", false); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
