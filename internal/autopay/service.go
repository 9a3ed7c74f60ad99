package autopay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lumopay/autopay/internal/idgen"
	"github.com/lumopay/autopay/internal/logging"
	"github.com/lumopay/autopay/internal/metrics"
	"github.com/lumopay/autopay/internal/notify"
	"github.com/lumopay/autopay/internal/realtime"
	"github.com/lumopay/autopay/internal/syncutil"
	"github.com/lumopay/autopay/internal/traces"
)

// Notifier forwards decision signals to external subscribers. Satisfied by
// notify.Dispatcher; tests inject a recorder.
type Notifier interface {
	Dispatch(ctx context.Context, n *notify.Notification) error
}

// Feed publishes decision events to connected realtime clients. Satisfied by
// realtime.Hub; nil-safe via the noopFeed default.
type Feed interface {
	BroadcastDecision(data realtime.DecisionData)
	BroadcastCommit(data realtime.DecisionData)
}

type noopFeed struct{}

func (noopFeed) BroadcastDecision(realtime.DecisionData) {}
func (noopFeed) BroadcastCommit(realtime.DecisionData)   {}

// CommitResult reports what actually happened to a previously authorized (or
// user-confirmed) payment. Approved means funds moved; a false Approved with
// a Reason records a user denial or a payment failure.
type CommitResult struct {
	PeerPubkey string `json:"peerPubkey" binding:"required"`
	PeerName   string `json:"peerName"`
	AmountSats int64  `json:"amountSats"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason"`
}

// Service wraps the pure engine with storage, per-peer serialization,
// notification fan-out, and the realtime feed.
//
// Two-phase contract: Authorize classifies an intent and, for auto-approved
// payments, charges the peer quota immediately as a reservation; Commit
// records the executed outcome. Charging at authorize time closes the
// check-then-act race: two concurrent intents against the same peer cannot
// both observe the pre-charge allowance. A reservation whose payment fails
// is refunded at commit.
type Service struct {
	store    Store
	notifier Notifier
	feed     Feed
	logger   *slog.Logger
	locks    *syncutil.ContextKeyedMutex
	now      func() time.Time

	// In-flight approved amounts, identity -> peer -> sats. Counted into
	// SpentToday so concurrent intents cannot collectively blow the daily
	// cap while their history entries are still pending.
	resMu    sync.Mutex
	reserved map[string]map[string]int64
}

// NewService creates the authorization service. notifier and feed may be nil.
func NewService(store Store, notifier Notifier, feed Feed, logger *slog.Logger) *Service {
	if feed == nil {
		feed = noopFeed{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		feed:     feed,
		logger:   logger,
		locks:    syncutil.NewContextKeyedMutex(),
		now:      time.Now,
		reserved: make(map[string]map[string]int64),
	}
}

func (s *Service) reserve(identity, peer string, amount int64) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if s.reserved[identity] == nil {
		s.reserved[identity] = make(map[string]int64)
	}
	s.reserved[identity][peer] += amount
}

// release returns how much of amount was actually outstanding. A commit
// without a prior reservation (user-confirmed payments) releases nothing.
func (s *Service) release(identity, peer string, amount int64) int64 {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	outstanding := s.reserved[identity][peer]
	if outstanding == 0 {
		return 0
	}
	released := amount
	if released > outstanding {
		released = outstanding
	}
	if outstanding == released {
		delete(s.reserved[identity], peer)
		if len(s.reserved[identity]) == 0 {
			delete(s.reserved, identity)
		}
	} else {
		s.reserved[identity][peer] = outstanding - released
	}
	return released
}

func (s *Service) reservedTotal(identity string) int64 {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	var total int64
	for _, amt := range s.reserved[identity] {
		total += amt
	}
	return total
}

// Authorize evaluates a payment intent for the identity and returns the
// decision. Reads, evaluation, and the denial write happen under a per
// identity+peer lock so concurrent intents against the same peer see each
// other's effects.
//
// If policy state cannot be loaded the decision degrades to NeedsApproval:
// fail toward a human, never silently approve.
func (s *Service) Authorize(ctx context.Context, identity string, intent PaymentIntent) (Decision, error) {
	if err := intent.Validate(); err != nil {
		return Decision{}, err
	}

	ctx, span := traces.StartSpan(ctx, "autopay.Authorize",
		traces.Identity(identity),
		traces.Peer(intent.PeerPubkey),
		traces.AmountSats(intent.AmountSats))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, identity+"|"+intent.PeerPubkey)
	if err != nil {
		return Decision{}, err
	}
	defer unlock()

	now := s.now()
	snap, loadErr := s.loadSnapshot(ctx, identity, intent.PeerPubkey, now)
	snap.SpentToday += s.reservedTotal(identity)
	if loadErr != nil {
		logging.L(ctx).Error("policy state unavailable, degrading to needs_approval",
			"identity", identity, "peer", intent.PeerPubkey, "error", loadErr)
		metrics.DecisionsTotal.WithLabelValues(string(OutcomeNeedsApproval)).Inc()
		return Decision{Outcome: OutcomeNeedsApproval}, nil
	}

	start := time.Now()
	dec := Evaluate(intent, snap)
	metrics.EvaluateDuration.Observe(time.Since(start).Seconds())
	metrics.DecisionsTotal.WithLabelValues(string(dec.Outcome)).Inc()
	span.SetAttributes(traces.Outcome(string(dec.Outcome)))

	if dec.QuotaResetDue && snap.PeerQuota != nil {
		q := *snap.PeerQuota
		q.Reset()
		q.PeriodStart = now
		q.UpdatedAt = now
		if err := s.store.PutQuota(ctx, identity, &q); err != nil {
			logging.L(ctx).Error("quota reset not persisted",
				"identity", identity, "peer", intent.PeerPubkey, "error", err)
		} else {
			metrics.QuotaResetsTotal.Inc()
		}
	}

	// Auto-approved payments charge the quota now, while the lock is held.
	// The reservation also shadows the daily cap until Commit lands the
	// history entry.
	if dec.Approved() {
		if err := s.chargeQuota(ctx, identity, intent.PeerPubkey, intent.AmountSats, now); err != nil {
			logging.L(ctx).Error("approved payment not charged to quota",
				"identity", identity, "peer", intent.PeerPubkey, "error", err)
		}
		s.reserve(identity, intent.PeerPubkey, intent.AmountSats)
	}

	// Denials are terminal: no commit follows, so the history entry is
	// written here. Approvals are recorded by Commit once funds move.
	if dec.Outcome == OutcomeDenied {
		entry := &HistoryEntry{
			ID:         idgen.WithPrefix(idgen.PrefixHistory),
			PeerPubkey: intent.PeerPubkey,
			PeerName:   intent.PeerName,
			AmountSats: intent.AmountSats,
			Approved:   false,
			Reason:     dec.Reason,
			Timestamp:  now,
		}
		if err := s.store.AppendHistory(ctx, identity, entry); err != nil {
			logging.L(ctx).Error("denial not recorded in history",
				"identity", identity, "peer", intent.PeerPubkey, "error", err)
		}
	}

	s.notifyDecision(ctx, identity, intent, snap.Settings, dec)

	s.feed.BroadcastDecision(realtime.DecisionData{
		Identity:   identity,
		PeerPubkey: intent.PeerPubkey,
		PeerName:   intent.PeerName,
		AmountSats: intent.AmountSats,
		Outcome:    string(dec.Outcome),
		Reason:     dec.Reason,
		RuleName:   dec.RuleName,
	})

	logging.L(ctx).Info("payment intent evaluated",
		"identity", identity,
		"peer", intent.PeerPubkey,
		"amount_sats", intent.AmountSats,
		"outcome", dec.Outcome,
		"reason", dec.Reason)

	return dec, nil
}

// Commit records the final outcome of a payment after the payment layer
// executed it or the user answered a confirmation prompt. It settles the
// reservation Authorize made: a successful auto-approved payment keeps its
// charge, a failed one is refunded, and a user-confirmed payment with no
// reservation charges the quota here.
//
// A committed payment is a fact: failures writing it down are logged as
// reconciliation gaps, never rolled back.
func (s *Service) Commit(ctx context.Context, identity string, result CommitResult) error {
	if result.PeerPubkey == "" || result.AmountSats < 0 {
		return ErrInvalidIntent
	}

	ctx, span := traces.StartSpan(ctx, "autopay.Commit",
		traces.Identity(identity),
		traces.Peer(result.PeerPubkey),
		traces.AmountSats(result.AmountSats))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, identity+"|"+result.PeerPubkey)
	if err != nil {
		return err
	}
	defer unlock()

	now := s.now()
	entry := &HistoryEntry{
		ID:         idgen.WithPrefix(idgen.PrefixHistory),
		PeerPubkey: result.PeerPubkey,
		PeerName:   result.PeerName,
		AmountSats: result.AmountSats,
		Approved:   result.Approved,
		Reason:     result.Reason,
		Timestamp:  now,
	}
	if err := s.store.AppendHistory(ctx, identity, entry); err != nil {
		metrics.ReconciliationGapsTotal.Inc()
		logging.L(ctx).Error("committed payment not recorded in history",
			"identity", identity, "peer", result.PeerPubkey,
			"amount_sats", result.AmountSats, "error", err)
	}

	released := s.release(identity, result.PeerPubkey, result.AmountSats)
	if result.Approved {
		// User-confirmed payments were never reserved; charge the
		// difference so the quota reflects the full committed amount.
		if remainder := result.AmountSats - released; remainder > 0 {
			if err := s.chargeQuota(ctx, identity, result.PeerPubkey, remainder, now); err != nil {
				metrics.ReconciliationGapsTotal.Inc()
				logging.L(ctx).Error("committed payment not charged to quota",
					"identity", identity, "peer", result.PeerPubkey,
					"amount_sats", remainder, "error", err)
			}
		}
		metrics.CommitsTotal.WithLabelValues("approved").Inc()
		s.notifyCommit(ctx, identity, result)
	} else {
		// The payment did not happen; hand the reserved allowance back.
		if released > 0 {
			if err := s.refundQuota(ctx, identity, result.PeerPubkey, released, now); err != nil {
				metrics.ReconciliationGapsTotal.Inc()
				logging.L(ctx).Error("failed reservation not refunded to quota",
					"identity", identity, "peer", result.PeerPubkey,
					"amount_sats", released, "error", err)
			}
		}
		metrics.CommitsTotal.WithLabelValues("rejected").Inc()
	}

	s.feed.BroadcastCommit(realtime.DecisionData{
		Identity:   identity,
		PeerPubkey: result.PeerPubkey,
		PeerName:   result.PeerName,
		AmountSats: result.AmountSats,
		Outcome:    commitOutcome(result.Approved),
		Reason:     result.Reason,
	})

	return nil
}

func commitOutcome(approved bool) string {
	if approved {
		return string(OutcomeApproved)
	}
	return string(OutcomeDenied)
}

// loadSnapshot reads everything Evaluate needs under the caller's lock.
// A missing settings row falls back to defaults; a missing quota row is the
// first-contact case and maps to a nil PeerQuota.
func (s *Service) loadSnapshot(ctx context.Context, identity, peerPubkey string, now time.Time) (Snapshot, error) {
	settings, err := s.store.GetSettings(ctx, identity)
	if errors.Is(err, ErrSettingsNotFound) {
		settings = DefaultSettings()
	} else if err != nil {
		return Snapshot{}, err
	}

	quota, err := s.store.GetQuota(ctx, identity, peerPubkey)
	if errors.Is(err, ErrQuotaNotFound) {
		quota = nil
	} else if err != nil {
		return Snapshot{}, err
	}

	rules, err := s.store.ListRules(ctx, identity)
	if err != nil {
		return Snapshot{}, err
	}

	spent, err := s.store.SpentSince(ctx, identity, StartOfDay(now))
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Settings:   settings,
		SpentToday: spent,
		PeerQuota:  quota,
		Rules:      rules,
		Now:        now,
	}, nil
}

// chargeQuota adds amount to the peer's used allowance, applying a pending
// period reset first. Peers without a quota record have nothing to charge.
func (s *Service) chargeQuota(ctx context.Context, identity, peerPubkey string, amount int64, now time.Time) error {
	quota, err := s.store.GetQuota(ctx, identity, peerPubkey)
	if errors.Is(err, ErrQuotaNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if quota.ShouldReset(now) {
		quota.Reset()
		quota.PeriodStart = now
		metrics.QuotaResetsTotal.Inc()
	}
	quota.UsedSats += amount
	quota.UpdatedAt = now
	return s.store.PutQuota(ctx, identity, quota)
}

// refundQuota hands a reserved-but-unspent amount back, clamped at zero so
// an intervening manual reset cannot drive the counter negative.
func (s *Service) refundQuota(ctx context.Context, identity, peerPubkey string, amount int64, now time.Time) error {
	quota, err := s.store.GetQuota(ctx, identity, peerPubkey)
	if errors.Is(err, ErrQuotaNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	quota.UsedSats -= amount
	if quota.UsedSats < 0 {
		quota.UsedSats = 0
	}
	quota.UpdatedAt = now
	return s.store.PutQuota(ctx, identity, quota)
}

// notifyDecision maps engine signals and settings toggles to webhook kinds.
func (s *Service) notifyDecision(ctx context.Context, identity string, intent PaymentIntent, cfg *Settings, dec Decision) {
	if s.notifier == nil {
		return
	}

	for _, sig := range dec.Signals {
		var kind notify.Kind
		switch sig {
		case SignalLimitReached:
			kind = notify.KindLimitReached
		case SignalNewPeer:
			kind = notify.KindNewPeer
		default:
			continue
		}
		s.dispatch(ctx, &notify.Notification{
			ID:         idgen.WithPrefix(idgen.PrefixRequest),
			Kind:       kind,
			Identity:   identity,
			PeerPubkey: intent.PeerPubkey,
			PeerName:   intent.PeerName,
			AmountSats: intent.AmountSats,
			Reason:     dec.Reason,
			Timestamp:  s.now(),
		})
	}

	if dec.Outcome == OutcomeDenied && cfg.NotifyOnBlocked {
		s.dispatch(ctx, &notify.Notification{
			ID:         idgen.WithPrefix(idgen.PrefixRequest),
			Kind:       notify.KindPaymentBlocked,
			Identity:   identity,
			PeerPubkey: intent.PeerPubkey,
			PeerName:   intent.PeerName,
			AmountSats: intent.AmountSats,
			Reason:     dec.Reason,
			Timestamp:  s.now(),
		})
	}
}

// notifyCommit fires the approved-payment webhook when the identity asked
// for it. Settings load failure here only mutes the notification.
func (s *Service) notifyCommit(ctx context.Context, identity string, result CommitResult) {
	if s.notifier == nil {
		return
	}
	settings, err := s.store.GetSettings(ctx, identity)
	if errors.Is(err, ErrSettingsNotFound) {
		settings = DefaultSettings()
	} else if err != nil {
		logging.L(ctx).Warn("settings unavailable for commit notification",
			"identity", identity, "error", err)
		return
	}
	if !settings.NotifyOnPayment {
		return
	}
	s.dispatch(ctx, &notify.Notification{
		ID:         idgen.WithPrefix(idgen.PrefixRequest),
		Kind:       notify.KindPaymentApproved,
		Identity:   identity,
		PeerPubkey: result.PeerPubkey,
		PeerName:   result.PeerName,
		AmountSats: result.AmountSats,
		Timestamp:  s.now(),
	})
}

func (s *Service) dispatch(ctx context.Context, n *notify.Notification) {
	if err := s.notifier.Dispatch(ctx, n); err != nil {
		logging.L(ctx).Warn("notification dispatch failed",
			"kind", n.Kind, "identity", n.Identity, "error", err)
	}
}
