package autopay

import (
	"testing"
	"time"
)

func entryAt(ts time.Time, amount int64, approved bool) *HistoryEntry {
	return &HistoryEntry{
		ID:         "hist_x",
		PeerPubkey: "02aabb",
		AmountSats: amount,
		Approved:   approved,
		Timestamp:  ts,
	}
}

func TestSpentInWindow_ApprovedOnly(t *testing.T) {
	now := time.Now()
	start := now.Add(-1 * time.Hour)

	entries := []*HistoryEntry{
		entryAt(now.Add(-30*time.Minute), 1_000, true),
		entryAt(now.Add(-20*time.Minute), 2_000, false), // denied, must not count
		entryAt(now.Add(-10*time.Minute), 4_000, true),
	}

	if got := SpentInWindow(entries, start, now); got != 5_000 {
		t.Errorf("Expected 5000, got %d", got)
	}
}

func TestSpentInWindow_BoundsInclusive(t *testing.T) {
	now := time.Now()
	start := now.Add(-1 * time.Hour)

	entries := []*HistoryEntry{
		entryAt(start, 100, true),                     // exactly at window start
		entryAt(now, 10, true),                        // exactly at now
		entryAt(start.Add(-time.Second), 1_000, true), // before window
		entryAt(now.Add(time.Second), 10_000, true),   // after now
	}

	if got := SpentInWindow(entries, start, now); got != 110 {
		t.Errorf("Expected 110 (inclusive bounds), got %d", got)
	}
}

// Spent-today is calendar-day based, not a rolling 24h window: a payment
// at 23:50 yesterday stops counting at 00:01 today.
func TestSpentToday_MidnightBoundary(t *testing.T) {
	loc := time.Local
	now := time.Date(2026, 3, 14, 0, 1, 0, 0, loc) // just past midnight

	lateYesterday := time.Date(2026, 3, 13, 23, 50, 0, 0, loc)
	earlyToday := time.Date(2026, 3, 14, 0, 0, 30, 0, loc)

	entries := []*HistoryEntry{
		entryAt(lateYesterday, 50_000, true),
		entryAt(earlyToday, 7_000, true),
	}

	if got := SpentToday(entries, now); got != 7_000 {
		t.Errorf("Expected 7000 (yesterday excluded), got %d", got)
	}

	// Five minutes earlier, still yesterday: only the late payment counts.
	before := time.Date(2026, 3, 13, 23, 55, 0, 0, loc)
	if got := SpentToday([]*HistoryEntry{entryAt(lateYesterday, 50_000, true)}, before); got != 50_000 {
		t.Errorf("Expected 50000 before midnight, got %d", got)
	}
}

func TestStartOfDay(t *testing.T) {
	ts := time.Date(2026, 3, 14, 17, 42, 9, 12345, time.Local)
	got := StartOfDay(ts)
	want := time.Date(2026, 3, 14, 0, 0, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	// Midnight maps to itself.
	if !StartOfDay(want).Equal(want) {
		t.Error("StartOfDay not idempotent at midnight")
	}
}
