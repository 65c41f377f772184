package database

import (
	"strings"
	"testing"
)

func TestTruncateReason(t *testing.T) {
	short := "cancelled by operator"
	if got := TruncateReason(short); got != short {
		t.Errorf("short reason must pass through, got %q", got)
	}

	long := strings.Repeat("x", 800)
	got := TruncateReason(long)
	if len(got) != maxReasonLen {
		t.Errorf("long reason length = %d, want %d", len(got), maxReasonLen)
	}
}

func TestTruncateColumnWidths(t *testing.T) {
	long := strings.Repeat("y", 800)
	cases := []struct {
		width int
	}{
		{100}, // pending_orders.cancel_reason, positions.exit_reason
		{200}, // pending_orders.note, close_recovery_tasks.reason
		{500}, // trades.reason, close_recovery_tasks.last_error
	}
	for _, c := range cases {
		if got := truncate(long, c.width); len(got) != c.width {
			t.Errorf("truncate to %d produced length %d", c.width, len(got))
		}
	}
	if got := truncate("short", 100); got != "short" {
		t.Errorf("short value must pass through, got %q", got)
	}
}

func TestPendingOrderFillRate(t *testing.T) {
	p := &PendingOrder{OrderQuantity: 10, FilledQuantity: 9}
	if got := p.FillRate(); got != 0.9 {
		t.Errorf("fill rate = %v, want 0.9", got)
	}

	zero := &PendingOrder{OrderQuantity: 0, FilledQuantity: 5}
	if got := zero.FillRate(); got != 0 {
		t.Errorf("zero quantity must yield 0, got %v", got)
	}
}
