package logging

import (
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		logger := New(input)
		if logger == nil || logger.Logger == nil {
			t.Fatalf("New(%q) returned nil logger", input)
		}
		if !logger.Enabled(nil, want) {
			t.Errorf("New(%q) does not log at %v", input, want)
		}
	}
}

func TestComponentAndTenantOnNil(t *testing.T) {
	var l *Logger
	if got := l.Component("scheduler"); got == nil || got.Logger == nil {
		t.Fatal("Component on nil logger should fall back to default")
	}
	if got := l.WithTenant("t1"); got == nil || got.Logger == nil {
		t.Fatal("WithTenant on nil logger should fall back to default")
	}
}
