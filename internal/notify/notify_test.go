package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubscription_Wants(t *testing.T) {
	all := &Subscription{}
	if !all.wants(KindPaymentApproved) || !all.wants(KindNewPeer) {
		t.Error("Empty kinds list should match everything")
	}

	filtered := &Subscription{Kinds: []Kind{KindPaymentBlocked, KindLimitReached}}
	if !filtered.wants(KindPaymentBlocked) {
		t.Error("Listed kind should match")
	}
	if filtered.wants(KindPaymentApproved) {
		t.Error("Unlisted kind should not match")
	}
}

func TestDispatcher_DeliversSignedPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	_ = store.Create(context.Background(), &Subscription{
		ID: "sub_1", Identity: "alice", URL: srv.URL, Secret: "topsecret", Active: true,
	})

	d := NewDispatcher(store)
	n := &Notification{
		ID:         "ntf_1",
		Kind:       KindPaymentApproved,
		Identity:   "alice",
		PeerPubkey: "02aabb",
		AmountSats: 5_000,
		Timestamp:  time.Now(),
	}
	if err := d.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	var req *http.Request
	select {
	case req = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for delivery")
	}

	if req.Header.Get("X-Autopay-Event") != string(KindPaymentApproved) {
		t.Errorf("Wrong event header: %q", req.Header.Get("X-Autopay-Event"))
	}

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if got := req.Header.Get("X-Autopay-Signature"); got != want {
		t.Errorf("Bad signature: got %q, want %q", got, want)
	}

	var decoded Notification
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("Payload is not valid JSON: %v", err)
	}
	if decoded.AmountSats != 5_000 || decoded.PeerPubkey != "02aabb" {
		t.Errorf("Payload mismatch: %+v", decoded)
	}

	// Delivery state lands on the subscription.
	waitFor(t, func() bool {
		sub, _ := store.Get(context.Background(), "sub_1")
		return sub.LastSuccess != nil
	})
}

func TestDispatcher_SkipsInactiveAndFiltered(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	_ = store.Create(context.Background(), &Subscription{
		ID: "sub_off", Identity: "alice", URL: srv.URL, Active: false,
	})
	_ = store.Create(context.Background(), &Subscription{
		ID: "sub_blocked_only", Identity: "alice", URL: srv.URL, Active: true,
		Kinds: []Kind{KindPaymentBlocked},
	})
	_ = store.Create(context.Background(), &Subscription{
		ID: "sub_other", Identity: "bob", URL: srv.URL, Active: true,
	})

	d := NewDispatcher(store)
	err := d.Dispatch(context.Background(), &Notification{
		ID: "ntf_1", Kind: KindPaymentApproved, Identity: "alice", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if hits.Load() != 0 {
		t.Errorf("Expected no deliveries, got %d", hits.Load())
	}
}

func TestDispatcher_NoRetryOn4xx(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	_ = store.Create(context.Background(), &Subscription{
		ID: "sub_1", Identity: "alice", URL: srv.URL, Active: true,
	})

	d := NewDispatcher(store)
	_ = d.Dispatch(context.Background(), &Notification{
		ID: "ntf_1", Kind: KindPaymentBlocked, Identity: "alice", Timestamp: time.Now(),
	})

	waitFor(t, func() bool {
		sub, _ := store.Get(context.Background(), "sub_1")
		return sub.LastError != ""
	})
	if hits.Load() != 1 {
		t.Errorf("4xx should not be retried, got %d attempts", hits.Load())
	}
}

func TestDispatcher_RetriesOn5xx(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	_ = store.Create(context.Background(), &Subscription{
		ID: "sub_1", Identity: "alice", URL: srv.URL, Active: true,
	})

	d := NewDispatcher(store)
	_ = d.Dispatch(context.Background(), &Notification{
		ID: "ntf_1", Kind: KindLimitReached, Identity: "alice", Timestamp: time.Now(),
	})

	waitFor(t, func() bool {
		sub, _ := store.Get(context.Background(), "sub_1")
		return sub.LastSuccess != nil
	})
	if hits.Load() != 2 {
		t.Errorf("Expected 2 attempts, got %d", hits.Load())
	}
}

func TestDispatcher_CircuitOpenSkipsDelivery(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	_ = store.Create(context.Background(), &Subscription{
		ID: "sub_1", Identity: "alice", URL: srv.URL, Active: true,
	})

	d := NewDispatcher(store)
	for i := 0; i < breakerThreshold; i++ {
		d.breaker.RecordFailure(srv.URL)
	}

	_ = d.Dispatch(context.Background(), &Notification{
		ID: "ntf_1", Kind: KindPaymentApproved, Identity: "alice", Timestamp: time.Now(),
	})

	waitFor(t, func() bool {
		sub, _ := store.Get(context.Background(), "sub_1")
		return sub.LastError != ""
	})
	if hits.Load() != 0 {
		t.Errorf("Open circuit should skip delivery, got %d attempts", hits.Load())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "sub_x"); err != ErrSubscriptionNotFound {
		t.Fatalf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	sub := &Subscription{ID: "sub_1", Identity: "alice", URL: "https://example.com/hook", Active: true}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "sub_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	// Copies are isolated.
	got.URL = "https://tampered.example.com"
	again, _ := store.Get(ctx, "sub_1")
	if again.URL != "https://example.com/hook" {
		t.Error("Store leaked an internal reference")
	}

	subs, _ := store.ListByIdentity(ctx, "alice")
	if len(subs) != 1 {
		t.Fatalf("Expected 1 subscription, got %d", len(subs))
	}
	subs, _ = store.ListByIdentity(ctx, "bob")
	if len(subs) != 0 {
		t.Fatalf("Expected 0 subscriptions for bob, got %d", len(subs))
	}

	sub.Active = false
	if err := store.Update(ctx, sub); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = store.Get(ctx, "sub_1")
	if got.Active {
		t.Error("Update not applied")
	}

	if err := store.Update(ctx, &Subscription{ID: "sub_x"}); err != ErrSubscriptionNotFound {
		t.Errorf("Update of unknown sub should fail, got %v", err)
	}

	if err := store.Delete(ctx, "sub_1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "sub_1"); err != ErrSubscriptionNotFound {
		t.Errorf("Second delete should fail, got %v", err)
	}
}
