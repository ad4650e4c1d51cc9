// Package postgres implements the credit store on PostgreSQL for deployments
// that already run one.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// register pgx stdlib driver
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loomgate/loomgate/internal/credit"
)

// Store implements credit.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ credit.Store = (*Store)(nil)

// New opens a PostgreSQL-backed credit store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle int, lifetime, idleTime time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetime > 0 {
		db.SetConnMaxLifetime(lifetime)
	}
	if idleTime > 0 {
		db.SetConnMaxIdleTime(idleTime)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS credit_grants (
	id BIGSERIAL PRIMARY KEY,
	owner_id TEXT NOT NULL,
	amount BIGINT NOT NULL,
	memo TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_credit_grants_owner ON credit_grants(owner_id);
CREATE TABLE IF NOT EXISTS usage_entries (
	id BIGSERIAL PRIMARY KEY,
	owner_id TEXT NOT NULL,
	request_id TEXT NOT NULL,
	prompt_tokens BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	estimated BOOLEAN NOT NULL DEFAULT FALSE,
	memo TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_usage_entries_owner_created ON usage_entries(owner_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckBalance answers whether the owner can cover the estimated cost.
func (s *Store) CheckBalance(ctx context.Context, ownerID string, estimatedCost int64) (credit.Decision, error) {
	balance, err := s.Balance(ctx, ownerID)
	if err != nil {
		return credit.Decision{}, err
	}
	return credit.Decision{Allowed: balance >= estimatedCost, Remaining: balance}, nil
}

// Balance returns granted minus consumed tokens for the owner.
func (s *Store) Balance(ctx context.Context, ownerID string) (int64, error) {
	var granted, used sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount),0) FROM credit_grants WHERE owner_id = $1`, ownerID).Scan(&granted)
	if err != nil {
		return 0, fmt.Errorf("query grants: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(prompt_tokens + output_tokens),0) FROM usage_entries WHERE owner_id = $1`, ownerID).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("query usage: %w", err)
	}
	return granted.Int64 - used.Int64, nil
}

// Grant credits the owner's balance.
func (s *Store) Grant(ctx context.Context, ownerID string, amount int64, memo string) error {
	if amount <= 0 {
		return errors.New("grant amount must be positive")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_grants (owner_id, amount, memo) VALUES ($1, $2, $3)`,
		ownerID, amount, memo)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

// Record inserts a usage entry.
func (s *Store) Record(ctx context.Context, entry credit.Entry) error {
	if entry.OwnerID == "" {
		return errors.New("owner id required")
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_entries (owner_id, request_id, prompt_tokens, output_tokens, estimated, memo, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.OwnerID, entry.RequestID, entry.PromptTokens, entry.OutputTokens, entry.Estimated, entry.Memo, createdAt)
	if err != nil {
		return fmt.Errorf("insert usage entry: %w", err)
	}
	return nil
}
