package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"b24app.dev/internal/auth"
	"b24app.dev/internal/obs"
)

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	ctx := obs.With(context.Background(), "request_id", "req-123")
	ctx = auth.ContextWithClaims(ctx, auth.Claims{Domain: "acme.example", MemberID: "m1"})

	if err := LogEvent(ctx, "installation.completed", map[string]any{"installation_id": "inst-1"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.Bytes()
	if len(line) == 0 {
		t.Fatal("expected log output")
	}
	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["event"] != "installation.completed" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["session_domain"] != "acme.example" || entry["session_member_id"] != "m1" {
		t.Fatalf("claims missing: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["installation_id"] != "inst-1" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}
