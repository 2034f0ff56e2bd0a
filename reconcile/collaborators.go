package reconcile

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Email is one raw message handed over by an email source.
type Email struct {
	MessageID  string
	Mailbox    string
	From       string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// Draft is a normalized transaction before it is persisted.
type Draft struct {
	TransactionDate time.Time
	Amount          decimal.Decimal
	Direction       Direction
	Description     string
	SenderHint      string
	Reference       string
	AccountLast4    string
}

// Extractor parses an email into zero or more drafts. Errors wrap
// ErrUnrecognizedEmail or ErrMalformedEmail.
type Extractor interface {
	Extract(email Email) ([]Draft, error)
}

// Matcher resolves a transaction to a resident. It never fails.
type Matcher interface {
	Match(tx Transaction) MatchResult
}

// NewMatcherFunc builds a matcher over a snapshot of the directory and aliases.
type NewMatcherFunc func(residents []Resident, aliases []Alias) Matcher

// Source supplies raw emails for a mailbox.
type Source interface {
	Mailbox() string
	Fetch(ctx context.Context) ([]Email, error)
}

// Notifier is informed, fire-and-forget, about completed work. Failures are
// the notifier's own business and never affect the pipeline.
type Notifier interface {
	TransactionAutoProcessed(ctx context.Context, tx Transaction, entry LedgerEntry)
	SessionCompleted(ctx context.Context, session ImportSession)
}

type nopNotifier struct{}

func (nopNotifier) TransactionAutoProcessed(context.Context, Transaction, LedgerEntry) {}
func (nopNotifier) SessionCompleted(context.Context, ImportSession)                   {}
