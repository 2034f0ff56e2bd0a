/*
store.go - Persistence interfaces for the reconciliation core

PURPOSE:
  Defines the boundary between decision logic and the database. Every
  reviewer action runs inside TxStore.WithTx so that the status update,
  the ledger entry, the alias upsert and the audit row commit together or
  not at all.

KEY INTERFACES:
  TransactionStore:  Email transactions with optimistic versioning
  AliasStore:        Learned sender aliases, upsert keyed on (resident, text)
  ResidentDirectory: Read model of residents (plus seeding for demos/tests)
  LedgerStore:       Append-only wallet entries, unique per transaction
  SessionStore:      Import sessions
  AuditLog:          Who did what when (append-only)
  TxStore:           All of the above plus WithTx

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - reconcile/store/memory.go: In-memory for testing
*/
package reconcile

import (
	"context"
	"time"
)

type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx Transaction) error

	// GetTransaction returns ErrTransactionNotFound when id is unknown.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// UpdateTransaction writes tx if the stored version equals tx.Version,
	// then bumps the version. Returns ErrConcurrentModification otherwise.
	UpdateTransaction(ctx context.Context, tx Transaction) error

	// ListTransactions returns one page ordered by transaction date desc,
	// id asc, plus the total count matching the filter.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error)

	SessionTransactions(ctx context.Context, sessionID SessionID) ([]Transaction, error)

	// HasMessage reports whether any transaction was extracted from messageID.
	HasMessage(ctx context.Context, messageID string) (bool, error)
}

type AliasStore interface {
	// UpsertAlias inserts or reactivates the alias for (ResidentID, NormalizedText).
	UpsertAlias(ctx context.Context, alias Alias) (Alias, error)
	ListAliases(ctx context.Context, filter AliasFilter) ([]Alias, error)
	DeactivateAlias(ctx context.Context, id AliasID) error
}

type ResidentDirectory interface {
	SaveResident(ctx context.Context, r Resident) error

	// GetResident returns ErrResidentNotFound when id is unknown.
	GetResident(ctx context.Context, id ResidentID) (*Resident, error)
	ListResidents(ctx context.Context, activeOnly bool) ([]Resident, error)
}

type LedgerStore interface {
	// AppendLedgerEntry returns ErrDuplicateIdempotencyKey when an entry for
	// the same transaction exists.
	AppendLedgerEntry(ctx context.Context, entry LedgerEntry) error

	// LedgerEntryByTransaction returns (nil, nil) when none exists.
	LedgerEntryByTransaction(ctx context.Context, id TransactionID) (*LedgerEntry, error)
	FindLedgerEntries(ctx context.Context, q LedgerQuery) ([]LedgerEntry, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, s ImportSession) error

	// GetSession returns ErrSessionNotFound when id is unknown.
	GetSession(ctx context.Context, id SessionID) (*ImportSession, error)

	// UpdateSession returns ErrSessionCompleted when the stored row is sealed.
	UpdateSession(ctx context.Context, s ImportSession) error
	ListSessions(ctx context.Context, limit int) ([]ImportSession, error)
}

// Store is the full persistence surface.
type Store interface {
	TransactionStore
	AliasStore
	ResidentDirectory
	LedgerStore
	SessionStore
	AuditLog
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT LOG - Separate from ledger, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditApprove     AuditAction = "approve"
	AuditSkip        AuditAction = "skip"
	AuditAutoProcess AuditAction = "auto_process"
	AuditAliasSaved  AuditAction = "alias_saved"
	AuditImport      AuditAction = "import_completed"
)

// AuditEntry records who did what when.
type AuditEntry struct {
	ID         string
	Timestamp  time.Time
	ActorID    string
	Action     AuditAction
	EntityType string
	EntityID   string
	Payload    map[string]any
}

type AuditFilter struct {
	EntityID string
	ActorID  string
	Actions  []AuditAction
	Limit    int
}

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}
