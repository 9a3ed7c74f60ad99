// Package autopay implements the autonomous payment authorization engine.
//
// Given a proposed payment (peer, amount, method, subscription flag) the
// engine decides whether it may proceed without user interaction, must be
// confirmed manually, must be step-up-authenticated, or must be refused,
// enforcing a layered set of spending policies: global per-day cap,
// per-payment cap, per-peer rolling quotas, first-contact and subscription
// confirmation rules, and user-defined allow rules.
//
// The engine never moves funds. Evaluate is a pure function over an explicit
// snapshot; Service wraps it with storage, locking, and notification fan-out.
package autopay

import (
	"errors"
	"time"
)

// Errors
var (
	ErrSettingsNotFound = errors.New("autopay: settings not found")
	ErrQuotaNotFound    = errors.New("autopay: quota not found")
	ErrRuleNotFound     = errors.New("autopay: rule not found")
	ErrInvalidIntent    = errors.New("autopay: invalid payment intent")
)

// LargePaymentThresholdSats is the fixed cutoff above which payments require
// step-up (biometric) authentication when the setting is on. Not user-tunable.
const LargePaymentThresholdSats int64 = 100_000

// Outcome classifies a payment intent.
type Outcome string

const (
	OutcomeApproved       Outcome = "approved"
	OutcomeNeedsApproval  Outcome = "needs_approval"
	OutcomeNeedsBiometric Outcome = "needs_biometric"
	OutcomeDenied         Outcome = "denied"
)

// Denial reasons returned by Evaluate. Exact strings are part of the API
// contract; clients match on them.
const (
	ReasonDisabled      = "Auto-pay is disabled"
	ReasonMaxPerPayment = "Exceeds max per payment"
	ReasonDailyLimit    = "Would exceed daily limit"
	ReasonPeerLimit     = "Would exceed peer limit"
	ReasonInvalidAmount = "invalid amount"
)

// Signal is a notification intent emitted alongside a decision. The engine
// only signals that a notification should fire; delivery belongs to the
// caller's transport.
type Signal string

const (
	SignalLimitReached Signal = "limit_reached"
	SignalNewPeer      Signal = "new_peer"
)

// PaymentIntent is a proposed payment awaiting authorization.
type PaymentIntent struct {
	PeerPubkey     string `json:"peerPubkey" binding:"required"`
	PeerName       string `json:"peerName"`
	AmountSats     int64  `json:"amountSats"`
	MethodID       string `json:"methodId"`
	IsSubscription bool   `json:"isSubscription"`
}

// Validate checks the caller contract for an intent. The engine itself
// treats violations as denials; the HTTP boundary rejects them earlier.
func (p PaymentIntent) Validate() error {
	if p.PeerPubkey == "" {
		return ErrInvalidIntent
	}
	if p.AmountSats < 0 {
		return ErrInvalidIntent
	}
	return nil
}

// Settings is the per-identity policy configuration. Mutated only by explicit
// settings updates, never by the engine.
type Settings struct {
	Enabled bool `json:"enabled"`

	// Limits, in satoshis. A GlobalDailyLimit of 0 effectively disables
	// auto-approval for any positive amount.
	GlobalDailyLimit int64 `json:"globalDailyLimit"`
	MaxPerPayment    int64 `json:"maxPerPayment"`

	// BiometricForLarge requires step-up auth for payments strictly above
	// LargePaymentThresholdSats.
	BiometricForLarge bool `json:"biometricForLarge"`

	// Confirmation toggles.
	ConfirmFirstPayment  bool `json:"confirmFirstPayment"`
	ConfirmHighValue     bool `json:"confirmHighValue"`
	ConfirmSubscriptions bool `json:"confirmSubscriptions"`

	// Notification toggles.
	NotifyOnPayment      bool `json:"notifyOnPayment"`
	NotifyOnLimitReached bool `json:"notifyOnLimitReached"`
	NotifyOnBlocked      bool `json:"notifyOnBlocked"`
	NotifyOnNewPeer      bool `json:"notifyOnNewPeer"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the non-negativity invariants on limit fields.
func (s *Settings) Validate() error {
	if s.GlobalDailyLimit < 0 {
		return errors.New("autopay: globalDailyLimit must be >= 0")
	}
	if s.MaxPerPayment < 0 {
		return errors.New("autopay: maxPerPayment must be >= 0")
	}
	return nil
}

// DefaultSettings returns the conservative out-of-the-box policy: auto-pay
// off, every confirmation and notification on.
func DefaultSettings() *Settings {
	return &Settings{
		Enabled:              false,
		GlobalDailyLimit:     100_000,
		MaxPerPayment:        50_000,
		BiometricForLarge:    true,
		ConfirmFirstPayment:  true,
		ConfirmHighValue:     true,
		ConfirmSubscriptions: true,
		NotifyOnPayment:      true,
		NotifyOnLimitReached: true,
		NotifyOnBlocked:      true,
		NotifyOnNewPeer:      true,
	}
}

// Decision is the engine's classification of a payment intent.
type Decision struct {
	Outcome Outcome `json:"outcome"`

	// RuleID/RuleName identify the approving rule when Outcome is approved.
	RuleID   string `json:"ruleId,omitempty"`
	RuleName string `json:"ruleName,omitempty"`

	// Reason is set when Outcome is denied.
	Reason string `json:"reason,omitempty"`

	// Signals are notification intents the caller should forward.
	Signals []Signal `json:"signals,omitempty"`

	// QuotaResetDue reports that the peer quota's period had elapsed and the
	// evaluation treated it as freshly reset. The caller must persist the
	// reset (Used=0, PeriodStart=now).
	QuotaResetDue bool `json:"quotaResetDue,omitempty"`
}

// Approved reports whether the decision authorizes the payment without
// further user interaction.
func (d *Decision) Approved() bool {
	return d.Outcome == OutcomeApproved
}

func (d *Decision) signal(s Signal) {
	d.Signals = append(d.Signals, s)
}
