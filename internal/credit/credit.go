// Package credit defines the gate consulted before every provider invocation
// and the usage ledger recorded after each completion.
package credit

import (
	"context"
	"time"
)

// Decision is the gate's answer for one balance check.
type Decision struct {
	Allowed   bool  `json:"allowed"`
	Remaining int64 `json:"remaining"`
}

// Gate answers whether an owner may spend an estimated cost. Pure query; a
// negative answer is a hard stop surfaced to the client as an
// insufficient-balance error carrying Remaining and the amount requested.
type Gate interface {
	CheckBalance(ctx context.Context, ownerID string, estimatedCost int64) (Decision, error)
}

// Entry is one usage record written after a provider invocation completes.
type Entry struct {
	ID           int64     `json:"id"`
	OwnerID      string    `json:"owner_id"`
	RequestID    string    `json:"request_id"`
	PromptTokens int64     `json:"prompt_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Estimated    bool      `json:"estimated"`
	Memo         string    `json:"memo"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store defines persistence behaviour for credit balances and usage.
type Store interface {
	Gate
	// Record inserts a usage entry and debits the owner's balance.
	Record(ctx context.Context, entry Entry) error
	// Balance returns the owner's remaining credits.
	Balance(ctx context.Context, ownerID string) (int64, error)
	// Grant credits the owner's balance.
	Grant(ctx context.Context, ownerID string, amount int64, memo string) error
	Close() error
}

// AllowAll is a Gate that never declines; useful for tests and deployments
// that meter elsewhere.
type AllowAll struct{}

// CheckBalance always allows.
func (AllowAll) CheckBalance(ctx context.Context, ownerID string, estimatedCost int64) (Decision, error) {
	return Decision{Allowed: true, Remaining: 0}, nil
}
