package notify

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the subscriptions table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS autopay_webhooks (
			id           VARCHAR(36) PRIMARY KEY,
			identity     VARCHAR(128) NOT NULL,
			url          TEXT NOT NULL,
			secret       TEXT NOT NULL DEFAULT '',
			kinds        TEXT NOT NULL DEFAULT '',
			active       BOOLEAN NOT NULL DEFAULT TRUE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_success TIMESTAMPTZ,
			last_error   TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_autopay_webhooks_identity ON autopay_webhooks(identity);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO autopay_webhooks (id, identity, url, secret, kinds, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.Identity, sub.URL, sub.Secret, joinKinds(sub.Kinds), sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, identity, url, secret, kinds, active, created_at, last_success, last_error
		FROM autopay_webhooks WHERE id = $1
	`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (p *PostgresStore) ListByIdentity(ctx context.Context, identity string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, identity, url, secret, kinds, active, created_at, last_success, last_error
		FROM autopay_webhooks WHERE identity = $1
		ORDER BY created_at
	`, identity)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE autopay_webhooks SET
			url = $2, secret = $3, kinds = $4, active = $5,
			last_success = $6, last_error = $7
		WHERE id = $1
	`, sub.ID, sub.URL, sub.Secret, joinKinds(sub.Kinds), sub.Active,
		nullTime(sub.LastSuccess), sub.LastError)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM autopay_webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row scannable) (*Subscription, error) {
	var sub Subscription
	var kinds string
	var lastSuccess sql.NullTime
	err := row.Scan(&sub.ID, &sub.Identity, &sub.URL, &sub.Secret, &kinds,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &sub.LastError)
	if err != nil {
		return nil, err
	}
	sub.Kinds = splitKinds(kinds)
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	return &sub, nil
}

func joinKinds(kinds []Kind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

func splitKinds(s string) []Kind {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	kinds := make([]Kind, len(parts))
	for i, p := range parts {
		kinds[i] = Kind(p)
	}
	return kinds
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
