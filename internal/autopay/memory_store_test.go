package autopay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_Settings(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetSettings(ctx, "alice")
	if !errors.Is(err, ErrSettingsNotFound) {
		t.Fatalf("Expected ErrSettingsNotFound, got %v", err)
	}

	s := DefaultSettings()
	s.Enabled = true
	if err := store.PutSettings(ctx, "alice", s); err != nil {
		t.Fatalf("PutSettings failed: %v", err)
	}

	got, err := store.GetSettings(ctx, "alice")
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if !got.Enabled {
		t.Error("Expected enabled settings")
	}

	// Stored copy is isolated from caller mutation.
	s.GlobalDailyLimit = 1
	got2, _ := store.GetSettings(ctx, "alice")
	if got2.GlobalDailyLimit == 1 {
		t.Error("Store leaked a reference to caller's settings")
	}

	// Identities are isolated.
	if _, err := store.GetSettings(ctx, "bob"); !errors.Is(err, ErrSettingsNotFound) {
		t.Errorf("Expected bob to have no settings, got %v", err)
	}
}

func TestMemoryStore_Quotas(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetQuota(ctx, "alice", "02aabb")
	if !errors.Is(err, ErrQuotaNotFound) {
		t.Fatalf("Expected ErrQuotaNotFound, got %v", err)
	}

	q := &Quota{
		ID: "qta_1", PeerPubkey: "02aabb", LimitSats: 10_000,
		Period: PeriodDaily, PeriodStart: time.Now(),
	}
	if err := store.PutQuota(ctx, "alice", q); err != nil {
		t.Fatalf("PutQuota failed: %v", err)
	}
	_ = store.PutQuota(ctx, "alice", &Quota{
		ID: "qta_2", PeerPubkey: "02cccc", LimitSats: 5_000,
		Period: PeriodWeekly, PeriodStart: time.Now(),
	})

	got, err := store.GetQuota(ctx, "alice", "02aabb")
	if err != nil {
		t.Fatalf("GetQuota failed: %v", err)
	}
	if got.LimitSats != 10_000 {
		t.Errorf("Expected limit 10000, got %d", got.LimitSats)
	}

	quotas, err := store.ListQuotas(ctx, "alice")
	if err != nil || len(quotas) != 2 {
		t.Fatalf("Expected 2 quotas, got %d (%v)", len(quotas), err)
	}

	if err := store.DeleteQuota(ctx, "alice", "02aabb"); err != nil {
		t.Fatalf("DeleteQuota failed: %v", err)
	}
	if err := store.DeleteQuota(ctx, "alice", "02aabb"); !errors.Is(err, ErrQuotaNotFound) {
		t.Errorf("Second delete should report not found, got %v", err)
	}
}

func TestMemoryStore_RulesOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"rule_a", "rule_b", "rule_c"} {
		if err := store.PutRule(ctx, "alice", &Rule{ID: id, Name: id, Enabled: true}); err != nil {
			t.Fatalf("PutRule %s failed: %v", id, err)
		}
	}

	rules, _ := store.ListRules(ctx, "alice")
	if len(rules) != 3 {
		t.Fatalf("Expected 3 rules, got %d", len(rules))
	}
	for i, want := range []string{"rule_a", "rule_b", "rule_c"} {
		if rules[i].ID != want || rules[i].Position != i {
			t.Errorf("Slot %d: got %s pos=%d", i, rules[i].ID, rules[i].Position)
		}
	}

	// Updating a rule keeps its slot.
	if err := store.PutRule(ctx, "alice", &Rule{ID: "rule_b", Name: "renamed", Enabled: false}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	rules, _ = store.ListRules(ctx, "alice")
	if rules[1].ID != "rule_b" || rules[1].Name != "renamed" {
		t.Errorf("Update moved the rule: %+v", rules[1])
	}

	// Reorder requires the full ID set.
	if err := store.ReorderRules(ctx, "alice", []string{"rule_c", "rule_a"}); err == nil {
		t.Error("Partial reorder should fail")
	}
	if err := store.ReorderRules(ctx, "alice", []string{"rule_c", "rule_a", "rule_x"}); err == nil {
		t.Error("Reorder with unknown ID should fail")
	}
	if err := store.ReorderRules(ctx, "alice", []string{"rule_c", "rule_a", "rule_b"}); err != nil {
		t.Fatalf("Reorder failed: %v", err)
	}
	rules, _ = store.ListRules(ctx, "alice")
	for i, want := range []string{"rule_c", "rule_a", "rule_b"} {
		if rules[i].ID != want {
			t.Errorf("Slot %d: expected %s, got %s", i, want, rules[i].ID)
		}
	}

	// Deleting closes the position gap.
	if err := store.DeleteRule(ctx, "alice", "rule_a"); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}
	rules, _ = store.ListRules(ctx, "alice")
	if len(rules) != 2 || rules[0].Position != 0 || rules[1].Position != 1 {
		t.Errorf("Positions not compacted: %+v", rules)
	}
}

func TestMemoryStore_History(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		e := &HistoryEntry{
			ID:         "hist_" + string(rune('a'+i)),
			PeerPubkey: "02aabb",
			AmountSats: int64(i + 1),
			Approved:   true,
			Timestamp:  now.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AppendHistory(ctx, "alice", e); err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
	}

	// Newest first.
	entries, err := store.HistorySince(ctx, "alice", now, 0)
	if err != nil {
		t.Fatalf("HistorySince failed: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("Expected 5 entries, got %d", len(entries))
	}
	if entries[0].AmountSats != 5 || entries[4].AmountSats != 1 {
		t.Errorf("Expected newest first, got %d..%d", entries[0].AmountSats, entries[4].AmountSats)
	}

	// Window filter is inclusive of since.
	entries, _ = store.HistorySince(ctx, "alice", now.Add(2*time.Minute), 0)
	if len(entries) != 3 {
		t.Errorf("Expected 3 entries since +2m, got %d", len(entries))
	}

	// Limit caps the result.
	entries, _ = store.HistorySince(ctx, "alice", now, 2)
	if len(entries) != 2 {
		t.Errorf("Expected 2 entries with limit, got %d", len(entries))
	}
}

func TestMemoryStore_SpentSince(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	// More entries than HistorySince ever returns in one page.
	for i := 0; i < 600; i++ {
		_ = store.AppendHistory(ctx, "alice", &HistoryEntry{
			ID: "hist_ok", PeerPubkey: "02aabb", AmountSats: 10, Approved: true, Timestamp: now,
		})
	}
	// Denied and pre-window entries never count.
	_ = store.AppendHistory(ctx, "alice", &HistoryEntry{
		ID: "hist_denied", PeerPubkey: "02aabb", AmountSats: 9_999, Approved: false, Timestamp: now,
	})
	_ = store.AppendHistory(ctx, "alice", &HistoryEntry{
		ID: "hist_old", PeerPubkey: "02aabb", AmountSats: 9_999, Approved: true,
		Timestamp: now.Add(-48 * time.Hour),
	})

	spent, err := store.SpentSince(ctx, "alice", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("SpentSince failed: %v", err)
	}
	if spent != 6_000 {
		t.Errorf("Expected 6000, got %d", spent)
	}

	spent, _ = store.SpentSince(ctx, "bob", now.Add(-time.Hour))
	if spent != 0 {
		t.Errorf("Expected 0 for bob, got %d", spent)
	}
}
