package autopay

import "time"

// Snapshot is everything Evaluate reads: the policy configuration, the
// aggregated spend for the current calendar day, the peer's quota (nil when
// none exists), the ordered rule list, and the evaluation time. Callers build
// it from storage under the per-peer lock; Evaluate itself performs no I/O.
type Snapshot struct {
	Settings   *Settings
	SpentToday int64
	PeerQuota  *Quota
	Rules      []*Rule
	Now        time.Time
}

// Evaluate classifies a payment intent against the snapshot. It is a pure
// function: no hidden state, no I/O, no mutation of its inputs, and it cannot
// fail under valid input.
//
// The precedence order below is a contract, not an implementation detail.
// Each step short-circuits the rest:
//
//  1. auto-pay disabled            -> denied
//  2. above per-payment cap        -> needs approval (or denied)
//  3. would exceed daily limit     -> denied (+ limit-reached signal)
//  4. first contact, no quota yet  -> needs approval (+ new-peer signal)
//  5. subscription confirmation    -> needs approval
//  6. large payment step-up        -> needs biometric
//  7. would exceed peer quota      -> denied (after period-reset check)
//  8. first matching allow rule    -> approved
//  9. no rule matched              -> needs approval (never a silent deny)
//
// A negative amount is a caller contract violation; rather than panic on
// hostile input the engine returns Denied(ReasonInvalidAmount).
func Evaluate(intent PaymentIntent, snap Snapshot) Decision {
	if intent.AmountSats < 0 {
		return Decision{Outcome: OutcomeDenied, Reason: ReasonInvalidAmount}
	}

	cfg := snap.Settings
	var dec Decision

	// 1. Master switch.
	if !cfg.Enabled {
		dec.Outcome = OutcomeDenied
		dec.Reason = ReasonDisabled
		return dec
	}

	// 2. Per-payment cap.
	if intent.AmountSats > cfg.MaxPerPayment {
		if cfg.ConfirmHighValue {
			dec.Outcome = OutcomeNeedsApproval
			return dec
		}
		dec.Outcome = OutcomeDenied
		dec.Reason = ReasonMaxPerPayment
		return dec
	}

	// 3. Global daily limit, against the calendar-day window.
	if snap.SpentToday+intent.AmountSats > cfg.GlobalDailyLimit {
		dec.Outcome = OutcomeDenied
		dec.Reason = ReasonDailyLimit
		if cfg.NotifyOnLimitReached {
			dec.signal(SignalLimitReached)
		}
		return dec
	}

	// 4. First contact: a peer with no quota record has never been granted
	// an allowance, so a human confirms the first payment.
	if snap.PeerQuota == nil && cfg.ConfirmFirstPayment {
		dec.Outcome = OutcomeNeedsApproval
		if cfg.NotifyOnNewPeer {
			dec.signal(SignalNewPeer)
		}
		return dec
	}

	// 5. Subscriptions.
	if intent.IsSubscription && cfg.ConfirmSubscriptions {
		dec.Outcome = OutcomeNeedsApproval
		return dec
	}

	// 6. Step-up auth for large payments. Precedes the rule scan: an allow
	// rule cannot waive biometrics.
	if cfg.BiometricForLarge && intent.AmountSats > LargePaymentThresholdSats {
		dec.Outcome = OutcomeNeedsBiometric
		return dec
	}

	// 7. Peer quota. If the period has elapsed the quota is treated as
	// freshly reset; QuotaResetDue tells the caller to persist Used=0 and
	// PeriodStart=now. Evaluate never mutates the quota itself.
	if q := snap.PeerQuota; q != nil {
		used := q.UsedSats
		if q.ShouldReset(snap.Now) {
			used = 0
			dec.QuotaResetDue = true
		}
		if used+intent.AmountSats > q.LimitSats {
			dec.Outcome = OutcomeDenied
			dec.Reason = ReasonPeerLimit
			return dec
		}
	}

	// 8. User rules, first enabled match wins.
	if r := FirstMatch(snap.Rules, intent.PeerPubkey, intent.AmountSats, intent.MethodID); r != nil {
		dec.Outcome = OutcomeApproved
		dec.RuleID = r.ID
		dec.RuleName = r.Name
		return dec
	}

	// 9. Default: hand it to a human.
	dec.Outcome = OutcomeNeedsApproval
	return dec
}
