package schedule

import (
	"testing"
	"time"
)

// Portal hours 10:30 to 22:00.
var portalHours = []string{"30-59 10 * * *", "* 11-21 * * *", "0 22 * * *"}

func sgt(t *testing.T, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Singapore")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return time.Date(2026, time.March, 2, hour, min, 15, 0, loc)
}

func TestEmptyWindowAlwaysOpen(t *testing.T) {
	w, err := NewWindow(nil, "")
	if err != nil {
		t.Fatalf("new window: %v", err)
	}
	if !w.Always() {
		t.Error("expected empty window to be unrestricted")
	}
	if !w.IsOpen(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)) {
		t.Error("expected empty window to be open")
	}
	if got := w.Describe(); got != "always open" {
		t.Errorf("unexpected description %q", got)
	}

	var nilWindow *Window
	if !nilWindow.IsOpen(time.Now()) {
		t.Error("expected nil window to be open")
	}
}

func TestIsOpen(t *testing.T) {
	w, err := NewWindow(portalHours, "Asia/Singapore")
	if err != nil {
		t.Fatalf("new window: %v", err)
	}

	tests := []struct {
		hour, min int
		want      bool
	}{
		{9, 0, false},
		{10, 29, false},
		{10, 30, true},
		{14, 5, true},
		{21, 59, true},
		{22, 0, true},
		{22, 1, false},
		{23, 30, false},
	}
	for _, tt := range tests {
		if got := w.IsOpen(sgt(t, tt.hour, tt.min)); got != tt.want {
			t.Errorf("IsOpen(%02d:%02d) = %v, want %v", tt.hour, tt.min, got, tt.want)
		}
	}
}

func TestIsOpenUsesWindowZone(t *testing.T) {
	w, err := NewWindow(portalHours, "Asia/Singapore")
	if err != nil {
		t.Fatalf("new window: %v", err)
	}
	// 03:00 UTC is 11:00 in Singapore.
	if !w.IsOpen(time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)) {
		t.Error("expected 03:00 UTC to be open")
	}
	// 15:00 UTC is 23:00 in Singapore.
	if w.IsOpen(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)) {
		t.Error("expected 15:00 UTC to be closed")
	}
}

func TestNextOpen(t *testing.T) {
	w, err := NewWindow(portalHours, "Asia/Singapore")
	if err != nil {
		t.Fatalf("new window: %v", err)
	}

	now := sgt(t, 12, 0)
	next, ok := w.NextOpen(now)
	if !ok || !next.Equal(now) {
		t.Errorf("expected open window to return now, got %v %v", next, ok)
	}

	next, ok = w.NextOpen(sgt(t, 8, 0))
	if !ok {
		t.Fatal("expected a next open time")
	}
	if next.Day() != 2 || next.Hour() != 10 || next.Minute() != 30 {
		t.Errorf("expected same day 10:30, got %v", next)
	}

	next, ok = w.NextOpen(sgt(t, 23, 0))
	if !ok {
		t.Fatal("expected a next open time")
	}
	if next.Day() != 3 || next.Hour() != 10 || next.Minute() != 30 {
		t.Errorf("expected next day 10:30, got %v", next)
	}
}

func TestNewWindowErrors(t *testing.T) {
	if _, err := NewWindow([]string{"not a cron"}, ""); err == nil {
		t.Error("expected error for invalid cron")
	}
	if _, err := NewWindow(nil, "Mars/Olympus_Mons"); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestNewWindowSkipsBlank(t *testing.T) {
	w, err := NewWindow([]string{"  ", ""}, "UTC")
	if err != nil {
		t.Fatalf("new window: %v", err)
	}
	if !w.Always() {
		t.Error("expected blank expressions to be ignored")
	}
}
