package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	if logger := New("", "text"); logger == nil {
		t.Fatal("Expected non-nil logger for default level")
	}

	logger := New("debug", "text")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}

	logger = New("error", "json")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("Expected req-123, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-456")
	if id := RequestID(ctx); id != "req-456" {
		t.Errorf("Expected req-456, got %q", id)
	}
}

func TestFromContext_DefaultAndCustom(t *testing.T) {
	ctx := context.Background()

	if logger := FromContext(ctx); logger == nil {
		t.Fatal("Expected default logger")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	if FromContext(ctx) != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))
	if L(ctx) == nil {
		t.Fatal("Expected non-nil logger from L()")
	}
	ctx = WithRequestID(ctx, "req-789")
	if L(ctx) == nil {
		t.Fatal("Expected non-nil logger from L() with request ID")
	}
}
