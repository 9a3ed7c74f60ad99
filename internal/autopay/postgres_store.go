package autopay

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. Schema lives in the
// migrations/ directory and is applied via cmd/migrate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the autopay tables if they don't exist. Used by tests and
// demo setups; production deployments run goose migrations instead.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS autopay_settings (
			identity                VARCHAR(128) PRIMARY KEY,
			enabled                 BOOLEAN NOT NULL DEFAULT FALSE,
			global_daily_limit      BIGINT NOT NULL DEFAULT 0,
			max_per_payment         BIGINT NOT NULL DEFAULT 0,
			biometric_for_large     BOOLEAN NOT NULL DEFAULT TRUE,
			confirm_first_payment   BOOLEAN NOT NULL DEFAULT TRUE,
			confirm_high_value      BOOLEAN NOT NULL DEFAULT TRUE,
			confirm_subscriptions   BOOLEAN NOT NULL DEFAULT TRUE,
			notify_on_payment       BOOLEAN NOT NULL DEFAULT TRUE,
			notify_on_limit_reached BOOLEAN NOT NULL DEFAULT TRUE,
			notify_on_blocked       BOOLEAN NOT NULL DEFAULT TRUE,
			notify_on_new_peer      BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS autopay_quotas (
			id           VARCHAR(36) PRIMARY KEY,
			identity     VARCHAR(128) NOT NULL,
			peer_pubkey  VARCHAR(128) NOT NULL,
			peer_name    TEXT NOT NULL DEFAULT '',
			limit_sats   BIGINT NOT NULL,
			used_sats    BIGINT NOT NULL DEFAULT 0,
			period       VARCHAR(16) NOT NULL,
			period_start TIMESTAMPTZ NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (identity, peer_pubkey)
		);
		CREATE TABLE IF NOT EXISTS autopay_rules (
			id              VARCHAR(36) PRIMARY KEY,
			identity        VARCHAR(128) NOT NULL,
			name            TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			enabled         BOOLEAN NOT NULL DEFAULT TRUE,
			max_amount_sats BIGINT,
			method_filter   TEXT,
			peer_filter     TEXT,
			position        INT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_autopay_rules_identity ON autopay_rules(identity, position);
		CREATE TABLE IF NOT EXISTS autopay_history (
			id           VARCHAR(36) PRIMARY KEY,
			identity     VARCHAR(128) NOT NULL,
			peer_pubkey  VARCHAR(128) NOT NULL,
			peer_name    TEXT NOT NULL DEFAULT '',
			amount_sats  BIGINT NOT NULL,
			was_approved BOOLEAN NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			ts           TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_autopay_history_identity_ts ON autopay_history(identity, ts DESC);
	`)
	return err
}

func (p *PostgresStore) GetSettings(ctx context.Context, identity string) (*Settings, error) {
	var s Settings
	err := p.db.QueryRowContext(ctx, `
		SELECT enabled, global_daily_limit, max_per_payment, biometric_for_large,
			confirm_first_payment, confirm_high_value, confirm_subscriptions,
			notify_on_payment, notify_on_limit_reached, notify_on_blocked,
			notify_on_new_peer, updated_at
		FROM autopay_settings WHERE identity = $1
	`, identity).Scan(
		&s.Enabled, &s.GlobalDailyLimit, &s.MaxPerPayment, &s.BiometricForLarge,
		&s.ConfirmFirstPayment, &s.ConfirmHighValue, &s.ConfirmSubscriptions,
		&s.NotifyOnPayment, &s.NotifyOnLimitReached, &s.NotifyOnBlocked,
		&s.NotifyOnNewPeer, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	return &s, nil
}

func (p *PostgresStore) PutSettings(ctx context.Context, identity string, s *Settings) error {
	s.UpdatedAt = time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO autopay_settings (
			identity, enabled, global_daily_limit, max_per_payment,
			biometric_for_large, confirm_first_payment, confirm_high_value,
			confirm_subscriptions, notify_on_payment, notify_on_limit_reached,
			notify_on_blocked, notify_on_new_peer, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (identity) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			global_daily_limit = EXCLUDED.global_daily_limit,
			max_per_payment = EXCLUDED.max_per_payment,
			biometric_for_large = EXCLUDED.biometric_for_large,
			confirm_first_payment = EXCLUDED.confirm_first_payment,
			confirm_high_value = EXCLUDED.confirm_high_value,
			confirm_subscriptions = EXCLUDED.confirm_subscriptions,
			notify_on_payment = EXCLUDED.notify_on_payment,
			notify_on_limit_reached = EXCLUDED.notify_on_limit_reached,
			notify_on_blocked = EXCLUDED.notify_on_blocked,
			notify_on_new_peer = EXCLUDED.notify_on_new_peer,
			updated_at = EXCLUDED.updated_at
	`,
		identity, s.Enabled, s.GlobalDailyLimit, s.MaxPerPayment,
		s.BiometricForLarge, s.ConfirmFirstPayment, s.ConfirmHighValue,
		s.ConfirmSubscriptions, s.NotifyOnPayment, s.NotifyOnLimitReached,
		s.NotifyOnBlocked, s.NotifyOnNewPeer, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetQuota(ctx context.Context, identity, peerPubkey string) (*Quota, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, peer_pubkey, peer_name, limit_sats, used_sats, period,
			period_start, created_at, updated_at
		FROM autopay_quotas WHERE identity = $1 AND peer_pubkey = $2
	`, identity, peerPubkey)

	q, err := scanQuota(row)
	if err == sql.ErrNoRows {
		return nil, ErrQuotaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quota: %w", err)
	}
	return q, nil
}

func (p *PostgresStore) ListQuotas(ctx context.Context, identity string) ([]*Quota, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, peer_pubkey, peer_name, limit_sats, used_sats, period,
			period_start, created_at, updated_at
		FROM autopay_quotas WHERE identity = $1
		ORDER BY peer_pubkey
	`, identity)
	if err != nil {
		return nil, fmt.Errorf("list quotas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Quota
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, q)
	}
	return result, rows.Err()
}

func (p *PostgresStore) PutQuota(ctx context.Context, identity string, q *Quota) error {
	q.UpdatedAt = time.Now()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = q.UpdatedAt
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO autopay_quotas (
			id, identity, peer_pubkey, peer_name, limit_sats, used_sats,
			period, period_start, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (identity, peer_pubkey) DO UPDATE SET
			peer_name = EXCLUDED.peer_name,
			limit_sats = EXCLUDED.limit_sats,
			used_sats = EXCLUDED.used_sats,
			period = EXCLUDED.period,
			period_start = EXCLUDED.period_start,
			updated_at = EXCLUDED.updated_at
	`,
		q.ID, identity, q.PeerPubkey, q.PeerName, q.LimitSats, q.UsedSats,
		string(q.Period), q.PeriodStart, q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put quota: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteQuota(ctx context.Context, identity, peerPubkey string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM autopay_quotas WHERE identity = $1 AND peer_pubkey = $2
	`, identity, peerPubkey)
	if err != nil {
		return fmt.Errorf("delete quota: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrQuotaNotFound
	}
	return nil
}

func (p *PostgresStore) GetRule(ctx context.Context, identity, ruleID string) (*Rule, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, description, enabled, max_amount_sats, method_filter,
			peer_filter, position, created_at, updated_at
		FROM autopay_rules WHERE identity = $1 AND id = $2
	`, identity, ruleID)

	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) ListRules(ctx context.Context, identity string) ([]*Rule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, enabled, max_amount_sats, method_filter,
			peer_filter, position, created_at, updated_at
		FROM autopay_rules WHERE identity = $1
		ORDER BY position
	`, identity)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) PutRule(ctx context.Context, identity string, r *Rule) error {
	r.UpdatedAt = time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = r.UpdatedAt
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// New rules append at the end of the evaluation order.
	var position int
	err = tx.QueryRowContext(ctx, `
		SELECT position FROM autopay_rules WHERE identity = $1 AND id = $2
	`, identity, r.ID).Scan(&position)
	if err == sql.ErrNoRows {
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position) + 1, 0) FROM autopay_rules WHERE identity = $1
		`, identity).Scan(&position); err != nil {
			return fmt.Errorf("next position: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("current position: %w", err)
	}
	r.Position = position

	_, err = tx.ExecContext(ctx, `
		INSERT INTO autopay_rules (
			id, identity, name, description, enabled, max_amount_sats,
			method_filter, peer_filter, position, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			enabled = EXCLUDED.enabled,
			max_amount_sats = EXCLUDED.max_amount_sats,
			method_filter = EXCLUDED.method_filter,
			peer_filter = EXCLUDED.peer_filter,
			updated_at = EXCLUDED.updated_at
	`,
		r.ID, identity, r.Name, r.Description, r.Enabled, nullInt64(r.MaxAmountSats),
		nullString(r.MethodFilter), nullString(r.PeerFilter), r.Position,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put rule: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) DeleteRule(ctx context.Context, identity, ruleID string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM autopay_rules WHERE identity = $1 AND id = $2
	`, identity, ruleID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (p *PostgresStore) ReorderRules(ctx context.Context, identity string, ids []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM autopay_rules WHERE identity = $1
	`, identity).Scan(&count); err != nil {
		return fmt.Errorf("count rules: %w", err)
	}
	if count != len(ids) {
		return fmt.Errorf("autopay: reorder must name all %d rules, got %d", count, len(ids))
	}

	for pos, id := range ids {
		result, err := tx.ExecContext(ctx, `
			UPDATE autopay_rules SET position = $3, updated_at = NOW()
			WHERE identity = $1 AND id = $2
		`, identity, id, pos)
		if err != nil {
			return fmt.Errorf("reorder rule %s: %w", id, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("autopay: reorder references unknown rule %q", id)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) AppendHistory(ctx context.Context, identity string, e *HistoryEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO autopay_history (
			id, identity, peer_pubkey, peer_name, amount_sats, was_approved, reason, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, identity, e.PeerPubkey, e.PeerName, e.AmountSats, e.Approved, e.Reason, e.Timestamp)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (p *PostgresStore) HistorySince(ctx context.Context, identity string, since time.Time, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, peer_pubkey, peer_name, amount_sats, was_approved, reason, ts
		FROM autopay_history
		WHERE identity = $1 AND ts >= $2
		ORDER BY ts DESC
		LIMIT $3
	`, identity, since, limit)
	if err != nil {
		return nil, fmt.Errorf("history since: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.PeerPubkey, &e.PeerName, &e.AmountSats,
			&e.Approved, &e.Reason, &e.Timestamp); err != nil {
			return nil, err
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SpentSince(ctx context.Context, identity string, since time.Time) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_sats), 0)
		FROM autopay_history
		WHERE identity = $1 AND was_approved AND ts >= $2
	`, identity, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("spent since: %w", err)
	}
	return total, nil
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanQuota(row scannable) (*Quota, error) {
	var q Quota
	var period string
	err := row.Scan(&q.ID, &q.PeerPubkey, &q.PeerName, &q.LimitSats, &q.UsedSats,
		&period, &q.PeriodStart, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	q.Period = Period(period)
	return &q, nil
}

func scanRule(row scannable) (*Rule, error) {
	var r Rule
	var maxAmount sql.NullInt64
	var method, peer sql.NullString
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Enabled, &maxAmount,
		&method, &peer, &r.Position, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if maxAmount.Valid {
		v := maxAmount.Int64
		r.MaxAmountSats = &v
	}
	if method.Valid {
		v := method.String
		r.MethodFilter = &v
	}
	if peer.Valid {
		v := peer.String
		r.PeerFilter = &v
	}
	return &r, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
