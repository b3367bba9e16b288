package apperr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestKindAndCodeThroughWrapping(t *testing.T) {
	base := Conflict(CodeCapacityExceeded, "not enough capacity")
	err := fmt.Errorf("create reservation: %w", base)

	if KindOf(err) != KindConflict {
		t.Fatalf("expected CONFLICT, got %s", KindOf(err))
	}
	if CodeOf(err) != CodeCapacityExceeded || !Is(err, CodeCapacityExceeded) {
		t.Fatalf("expected code %s, got %s", CodeCapacityExceeded, CodeOf(err))
	}
	if KindOf(errors.New("plain")) != KindUnknown || CodeOf(errors.New("plain")) != CodeInternal {
		t.Fatalf("expected plain errors to be unknown/internal")
	}
}

func TestExternalKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := External(CodeGatewayRefundFailed, "refund failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected the cause to be reachable with errors.Is")
	}
	if KindOf(err) != KindExternalDependency {
		t.Fatalf("expected EXTERNAL_DEPENDENCY, got %s", KindOf(err))
	}
}

func TestInvariantLogsCriticalAndHidesDetail(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := Invariant(context.Background(), logger, "restore exceeded capacity", "schedule_id", 9)

	if KindOf(err) != KindInvariantViolation {
		t.Fatalf("expected INVARIANT_VIOLATION, got %s", KindOf(err))
	}
	var ie *InvariantError
	if !errors.As(err, &ie) || ie.PublicMessage() != "internal error" {
		t.Fatalf("expected a generic public message, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"severity":"critical"`) || !strings.Contains(out, `"schedule_id":9`) || !strings.Contains(out, `"level":"ERROR"`) {
		t.Fatalf("expected a critical error log line, got %s", out)
	}
}
