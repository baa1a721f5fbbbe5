package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerCarriesContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()

	ctx := With(context.Background(), "member_id", "m1", "domain", "acme.example")
	Logger().ErrorContext(ctx, "install.begin.failed", Err(errors.New("boom")))

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "member_id", "domain"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in %v", key, entry)
		}
	}
	if entry["member_id"] != "m1" {
		t.Fatalf("unexpected member_id: %v", entry["member_id"])
	}
}

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()
	defer SetLevel("info")

	SetLevel("warn")
	Logger().Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info line must be filtered at warn level: %q", buf.String())
	}
	SetLevel("debug")
	Logger().Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("debug line expected at debug level")
	}
}

func TestWithKeepsFirstValuePerKey(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()

	ctx := With(context.Background(), "request_id", "req-1", "domain", "acme.example")
	ctx = With(ctx, "domain", "other.example", "member_id", "m1")
	Logger().InfoContext(ctx, "nested")

	line := strings.TrimSpace(buf.String())
	if n := strings.Count(line, `"domain"`); n != 1 {
		t.Fatalf("domain logged %d times: %s", n, line)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["domain"] != "acme.example" || entry["member_id"] != "m1" || entry["request_id"] != "req-1" {
		t.Fatalf("unexpected attributes: %v", entry)
	}
}
