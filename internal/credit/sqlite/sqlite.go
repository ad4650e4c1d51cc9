// Package sqlite implements the credit store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/loomgate/loomgate/internal/credit"
)

// Store implements credit.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ credit.Store = (*Store)(nil)

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create credit directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
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
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id TEXT NOT NULL,
	amount INTEGER NOT NULL,
	memo TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_credit_grants_owner ON credit_grants(owner_id);
CREATE TABLE IF NOT EXISTS usage_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id TEXT NOT NULL,
	request_id TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	estimated INTEGER NOT NULL DEFAULT 0,
	memo TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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
		`SELECT COALESCE(SUM(amount),0) FROM credit_grants WHERE owner_id = ?`, ownerID).Scan(&granted)
	if err != nil {
		return 0, fmt.Errorf("query grants: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(prompt_tokens + output_tokens),0) FROM usage_entries WHERE owner_id = ?`, ownerID).Scan(&used)
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
		`INSERT INTO credit_grants (owner_id, amount, memo, created_at) VALUES (?, ?, ?, ?)`,
		ownerID, amount, memo, time.Now().UTC())
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
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.OwnerID, entry.RequestID, entry.PromptTokens, entry.OutputTokens, boolToInt(entry.Estimated), entry.Memo, createdAt)
	if err != nil {
		return fmt.Errorf("insert usage entry: %w", err)
	}
	return nil
}

// ListRecent returns the owner's newest usage entries up to limit.
func (s *Store) ListRecent(ctx context.Context, ownerID string, limit int) ([]credit.Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, request_id, prompt_tokens, output_tokens, estimated, memo, created_at
		 FROM usage_entries WHERE owner_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage entries: %w", err)
	}
	defer rows.Close()

	var entries []credit.Entry
	for rows.Next() {
		var e credit.Entry
		var estimated int
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.RequestID, &e.PromptTokens, &e.OutputTokens, &estimated, &e.Memo, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage entry: %w", err)
		}
		e.Estimated = estimated != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
