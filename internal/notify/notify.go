// Package notify delivers autopay decision notifications to external
// services over signed webhooks.
//
// The engine only signals that a notification should fire; this package is
// the transport. Identities register webhook URLs to receive:
//   - auto-approved payments
//   - blocked payments
//   - daily limit reached
//   - first contact with a new peer
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lumopay/autopay/internal/circuitbreaker"
	"github.com/lumopay/autopay/internal/metrics"
	"github.com/lumopay/autopay/internal/retry"
)

// Kind is the type of notification event.
type Kind string

const (
	KindPaymentApproved Kind = "payment.approved"
	KindPaymentBlocked  Kind = "payment.blocked"
	KindLimitReached    Kind = "limit.reached"
	KindNewPeer         Kind = "peer.new"
)

// ErrSubscriptionNotFound is returned when a subscription ID is unknown.
var ErrSubscriptionNotFound = errors.New("notify: subscription not found")

// Notification is a single event delivered to subscribers.
type Notification struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Identity   string         `json:"identity"`
	PeerPubkey string         `json:"peerPubkey,omitempty"`
	PeerName   string         `json:"peerName,omitempty"`
	AmountSats int64          `json:"amountSats,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// Subscription is a registered webhook endpoint for one identity.
type Subscription struct {
	ID          string     `json:"id"`
	Identity    string     `json:"identity"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"` // HMAC signing key, never serialized
	Kinds       []Kind     `json:"kinds"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// wants reports whether the subscription covers the given kind. An empty
// kinds list means all kinds.
func (s *Subscription) wants(kind Kind) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByIdentity(ctx context.Context, identity string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Delivery tuning.
const (
	maxDeliveryAttempts = 3
	deliveryBaseDelay   = 500 * time.Millisecond
	breakerThreshold    = 5
	breakerOpenFor      = 30 * time.Second
)

// Dispatcher sends notifications to all matching subscriptions. Failed
// deliveries are retried with backoff; endpoints that keep failing trip a
// per-URL circuit breaker so a dead receiver cannot soak up goroutines.
type Dispatcher struct {
	store   Store
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.New(breakerThreshold, breakerOpenFor),
	}
}

// Dispatch fans the notification out to the identity's active subscriptions.
// Delivery is asynchronous; Dispatch returns once the sends are scheduled.
func (d *Dispatcher) Dispatch(ctx context.Context, n *Notification) error {
	subs, err := d.store.ListByIdentity(ctx, n.Identity)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !sub.wants(n.Kind) {
			continue
		}
		go d.send(context.WithoutCancel(ctx), sub, n)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, n *Notification) {
	if !d.breaker.Allow(sub.URL) {
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "skipped").Inc()
		d.updateError(ctx, sub, "circuit open, delivery skipped")
		return
	}

	payload, err := json.Marshal(n)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal notification")
		return
	}

	err = retry.Do(ctx, maxDeliveryAttempts, deliveryBaseDelay, func() error {
		return d.attempt(ctx, sub, n.Kind, payload, n.Timestamp)
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "error").Inc()
		d.breaker.RecordFailure(sub.URL)
		d.updateError(ctx, sub, err.Error())
		return
	}

	metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "ok").Inc()
	d.breaker.RecordSuccess(sub.URL)
	d.updateSuccess(ctx, sub)
}

// attempt performs one signed POST. 4xx responses are permanent: the receiver
// rejected the payload and a retry cannot change that.
func (d *Dispatcher) attempt(ctx context.Context, sub *Subscription, kind Kind, payload []byte, ts time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Autopay-Event", string(kind))
	req.Header.Set("X-Autopay-Timestamp", fmt.Sprintf("%d", ts.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Autopay-Signature", sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// sign computes the hex HMAC-SHA256 of payload under secret. Receivers
// verify it from the X-Autopay-Signature header.
func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	_ = d.store.Update(ctx, sub)
}
