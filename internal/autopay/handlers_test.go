package autopay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	svc := NewService(store, nil, nil, nil)
	handler := NewHandler(svc, store)

	router := gin.New()
	v1 := router.Group("/v1")
	handler.RegisterRoutes(v1)
	return router, store
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_AuthorizeEndpoint(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	cfg := baseSettings()
	_ = store.PutSettings(ctx, "alice", cfg)
	_ = store.PutQuota(ctx, "alice", &Quota{
		ID: "qta_1", PeerPubkey: "02aabb", LimitSats: 50_000,
		Period: PeriodDaily, PeriodStart: time.Now(),
	})
	_ = store.PutRule(ctx, "alice", &Rule{ID: "rule_1", Name: "allow", Enabled: true})

	w := doJSON(t, router, http.MethodPost, "/v1/identities/alice/authorize", gin.H{
		"peerPubkey": "02aabb",
		"amountSats": 5_000,
		"methodId":   "lightning",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Decision Decision `json:"decision"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Decision.Outcome != OutcomeApproved {
		t.Errorf("Expected approved, got %s (%s)", resp.Decision.Outcome, resp.Decision.Reason)
	}
	if resp.Decision.RuleID != "rule_1" {
		t.Errorf("Expected rule_1, got %q", resp.Decision.RuleID)
	}
}

func TestHandler_AuthorizeRejectsBadIntent(t *testing.T) {
	router, _ := newTestRouter(t)

	// Missing peerPubkey fails binding.
	w := doJSON(t, router, http.MethodPost, "/v1/identities/alice/authorize", gin.H{
		"amountSats": 5_000,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/v1/identities/alice/authorize", gin.H{
		"peerPubkey": "02aabb",
		"amountSats": -5,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for negative amount, got %d", w.Code)
	}
}

func TestHandler_SettingsRoundTrip(t *testing.T) {
	router, _ := newTestRouter(t)

	// Unsaved identity gets the defaults.
	w := doJSON(t, router, http.MethodGet, "/v1/identities/alice/settings", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var got struct {
		Settings Settings `json:"settings"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.Settings.Enabled {
		t.Error("Defaults must have auto-pay off")
	}

	update := DefaultSettings()
	update.Enabled = true
	update.GlobalDailyLimit = 250_000
	w = doJSON(t, router, http.MethodPut, "/v1/identities/alice/settings", update)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/v1/identities/alice/settings", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if !got.Settings.Enabled || got.Settings.GlobalDailyLimit != 250_000 {
		t.Errorf("Update not persisted: %+v", got.Settings)
	}

	// Negative limits rejected.
	update.GlobalDailyLimit = -1
	w = doJSON(t, router, http.MethodPut, "/v1/identities/alice/settings", update)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}

func TestHandler_QuotaLifecycle(t *testing.T) {
	router, _ := newTestRouter(t)

	// Create.
	w := doJSON(t, router, http.MethodPut, "/v1/identities/alice/quotas/02aabb", gin.H{
		"peerName":  "Relay Shop",
		"limitSats": 25_000,
		"period":    "weekly",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Update keeps Used.
	w = doJSON(t, router, http.MethodPut, "/v1/identities/alice/quotas/02aabb", gin.H{
		"peerName":  "Relay Shop",
		"limitSats": 30_000,
		"period":    "weekly",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var got struct {
		Quota Quota `json:"quota"`
	}
	w = doJSON(t, router, http.MethodGet, "/v1/identities/alice/quotas/02aabb", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.Quota.LimitSats != 30_000 || got.Quota.Period != PeriodWeekly {
		t.Errorf("Unexpected quota: %+v", got.Quota)
	}

	// Reset.
	w = doJSON(t, router, http.MethodPost, "/v1/identities/alice/quotas/02aabb/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	// Delete, then 404.
	w = doJSON(t, router, http.MethodDelete, "/v1/identities/alice/quotas/02aabb", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	w = doJSON(t, router, http.MethodGet, "/v1/identities/alice/quotas/02aabb", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
}

func TestHandler_RuleLifecycleAndReorder(t *testing.T) {
	router, _ := newTestRouter(t)

	var ids []string
	for i := 0; i < 3; i++ {
		w := doJSON(t, router, http.MethodPost, "/v1/identities/alice/rules", gin.H{
			"name": fmt.Sprintf("rule %d", i),
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
		}
		var got struct {
			Rule Rule `json:"rule"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &got)
		ids = append(ids, got.Rule.ID)
	}

	// Reverse the order.
	w := doJSON(t, router, http.MethodPut, "/v1/identities/alice/rules/order", gin.H{
		"ids": []string{ids[2], ids[1], ids[0]},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var list struct {
		Rules []*Rule `json:"rules"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Rules) != 3 || list.Rules[0].ID != ids[2] {
		t.Errorf("Reorder not applied: %+v", list.Rules)
	}

	// Partial reorder rejected.
	w = doJSON(t, router, http.MethodPut, "/v1/identities/alice/rules/order", gin.H{
		"ids": []string{ids[0]},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}

	// Update and delete.
	w = doJSON(t, router, http.MethodPut, "/v1/identities/alice/rules/"+ids[0], gin.H{
		"name":    "renamed",
		"enabled": false,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodDelete, "/v1/identities/alice/rules/"+ids[1], nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	w = doJSON(t, router, http.MethodDelete, "/v1/identities/alice/rules/"+ids[1], nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 on double delete, got %d", w.Code)
	}
}

func TestHandler_HistoryAndSpentToday(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()
	now := time.Now()

	_ = store.AppendHistory(ctx, "alice", &HistoryEntry{
		ID: "hist_1", PeerPubkey: "02aabb", AmountSats: 4_000, Approved: true, Timestamp: now,
	})
	_ = store.AppendHistory(ctx, "alice", &HistoryEntry{
		ID: "hist_2", PeerPubkey: "02aabb", AmountSats: 9_000, Approved: false,
		Reason: ReasonDailyLimit, Timestamp: now,
	})

	w := doJSON(t, router, http.MethodGet, "/v1/identities/alice/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var hist struct {
		History []*HistoryEntry `json:"history"`
		Count   int             `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &hist)
	if hist.Count != 2 {
		t.Errorf("Expected 2 entries, got %d", hist.Count)
	}

	// Denied entries never count toward spend.
	w = doJSON(t, router, http.MethodGet, "/v1/identities/alice/history/spent-today", nil)
	var spent struct {
		SpentTodaySats int64 `json:"spentTodaySats"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &spent)
	if spent.SpentTodaySats != 4_000 {
		t.Errorf("Expected 4000, got %d", spent.SpentTodaySats)
	}

	// Bad query params rejected.
	w = doJSON(t, router, http.MethodGet, "/v1/identities/alice/history?since=yesterday", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	w = doJSON(t, router, http.MethodGet, "/v1/identities/alice/history?limit=-2", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}

func TestHandler_CommitEndpoint(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()
	_ = store.PutQuota(ctx, "alice", &Quota{
		ID: "qta_1", PeerPubkey: "02aabb", LimitSats: 50_000,
		Period: PeriodDaily, PeriodStart: time.Now(),
	})

	w := doJSON(t, router, http.MethodPost, "/v1/identities/alice/commit", gin.H{
		"peerPubkey": "02aabb",
		"amountSats": 7_000,
		"approved":   true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	q, _ := store.GetQuota(ctx, "alice", "02aabb")
	if q.UsedSats != 7_000 {
		t.Errorf("Expected used=7000, got %d", q.UsedSats)
	}
}
