package logging

import (
	"context"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "" {
		t.Errorf("empty context returned request ID %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("RequestID = %q, want req-123", got)
	}
}

func TestFromContextFallsBack(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil for empty context")
	}

	logger := New("debug", "text")
	ctx := WithLogger(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Error("FromContext did not return the stored logger")
	}
}

func TestLAttachesRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-9")
	if L(ctx) == nil {
		t.Fatal("L returned nil")
	}
}
