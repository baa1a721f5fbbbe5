package ids

import (
	"testing"
	"time"
)

func TestNewIsSortableAndValid(t *testing.T) {
	base := time.Date(2025, 10, 29, 14, 8, 0, 0, time.UTC)
	first := NewAt(base)
	second := NewAt(base.Add(time.Millisecond))
	if !(first < second) {
		t.Fatalf("expected %s < %s", first, second)
	}
	if !Valid(first) || !Valid(New()) {
		t.Fatalf("generated ids must be valid")
	}
	if Valid("not-an-id") {
		t.Fatalf("garbage must not validate")
	}
}
