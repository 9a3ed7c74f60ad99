package autopay

import (
	"context"
	"time"
)

// Store persists per-identity policy state. All collections are partitioned
// by an opaque identity string; the engine assumes reads return the latest
// committed snapshot and that writes are durable before the next Authorize
// for the same peer.
type Store interface {
	// Settings. GetSettings returns ErrSettingsNotFound when the identity has
	// never saved a policy; callers fall back to DefaultSettings.
	GetSettings(ctx context.Context, identity string) (*Settings, error)
	PutSettings(ctx context.Context, identity string, s *Settings) error

	// Quotas, keyed by peer pubkey. GetQuota returns ErrQuotaNotFound when the
	// peer has no quota record (the first-contact case).
	GetQuota(ctx context.Context, identity, peerPubkey string) (*Quota, error)
	ListQuotas(ctx context.Context, identity string) ([]*Quota, error)
	PutQuota(ctx context.Context, identity string, q *Quota) error
	DeleteQuota(ctx context.Context, identity, peerPubkey string) error

	// Rules, kept in evaluation order.
	GetRule(ctx context.Context, identity, ruleID string) (*Rule, error)
	ListRules(ctx context.Context, identity string) ([]*Rule, error)
	PutRule(ctx context.Context, identity string, r *Rule) error
	DeleteRule(ctx context.Context, identity, ruleID string) error
	// ReorderRules rewrites positions to match ids; ids must name every rule
	// of the identity exactly once.
	ReorderRules(ctx context.Context, identity string, ids []string) error

	// History, append-only.
	AppendHistory(ctx context.Context, identity string, e *HistoryEntry) error
	// HistorySince returns entries with timestamp >= since, newest first,
	// capped at limit (0 = store default).
	HistorySince(ctx context.Context, identity string, since time.Time, limit int) ([]*HistoryEntry, error)
	// SpentSince returns the sum of approved amounts with timestamp >= since,
	// over the full history. Daily-limit checks use this rather than
	// HistorySince so the row cap can never undercount spend.
	SpentSince(ctx context.Context, identity string, since time.Time) (int64, error)
}
