/*
Package reconcile turns bank-notification emails into resident ledger entries.

PURPOSE:
  This package holds the decision logic of the email-to-payment pipeline:
  which status a transaction is in, which status it may move to, when money
  moves unattended, and how a human review becomes a wallet entry exactly once.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction:   One extracted monetary event (a.k.a. email transaction)
  - ImportSession: One email-fetch run and its counters
  - Alias:         Learned mapping from sender text to a resident
  - Resident:      Read model of the resident directory used for matching
  - MatchResult:   Transient output of the resident matcher
  - LedgerEntry:   Wallet credit/debit produced from an approved transaction

DESIGN PRINCIPLES:
  1. Precision: Amounts are decimal.Decimal, persisted as integer minor units
  2. Auditability: Transactions are never deleted; skip/error are terminal
  3. Type Safety: Strong typing for IDs prevents mixing resident/transaction IDs
  4. Derived counters: Session counters are recomputed from transaction rows

SEE ALSO:
  - status.go: Allowed status transitions
  - review.go: Process/skip operations
  - ledger.go: Ledger applier
*/
package reconcile

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TransactionID string
type SessionID string
type ResidentID string
type AliasID string
type LedgerEntryID string

// =============================================================================
// VOCABULARY - wire-level stable strings
// =============================================================================

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

func (d Direction) Valid() bool {
	return d == DirectionCredit || d == DirectionDebit
}

// Confidence is the categorical strength of a resident match.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
	ConfidenceManual Confidence = "manual"
)

// Downgrade returns the next weaker automatic tier. Low is the floor: an
// ambiguous low match still carries a resident for the reviewer to confirm.
func (c Confidence) Downgrade() Confidence {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	case ConfidenceMedium:
		return ConfidenceLow
	default:
		return c
	}
}

// MatchMethod records which matcher strategy produced the resident.
type MatchMethod string

const (
	MethodAlias       MatchMethod = "alias"
	MethodPhone       MatchMethod = "phone"
	MethodName        MatchMethod = "name"
	MethodHouseNumber MatchMethod = "house_number"
	MethodManual      MatchMethod = "manual"
)

// =============================================================================
// TRANSACTION
// =============================================================================

// Transaction is one monetary event extracted from an inbound email.
//
// INVARIANTS:
//   - Status processed/skipped (and auto_processed/error) is terminal.
//   - MatchedResidentID is set for matched, auto_processed, queued_for_review
//     and processed.
//   - Version increments on every persisted update (optimistic locking).
type Transaction struct {
	ID        TransactionID
	SessionID SessionID
	MessageID string

	TransactionDate time.Time
	Amount          decimal.Decimal
	Direction       Direction
	Description     string
	SenderHint      string
	Reference       string
	AccountLast4    string

	Confidence        Confidence
	MatchMethod       MatchMethod
	MatchScore        float64
	MatchedAliasID    AliasID
	MatchedResidentID ResidentID

	Status        Status
	ReviewNotes   string
	ReviewedBy    string
	ReviewedAt    *time.Time
	LedgerEntryID LedgerEntryID
	ErrorMessage  string
	QueuedAt      *time.Time // first entry into queued_for_review; kept after review

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasResident reports whether a resident is attached.
func (t Transaction) HasResident() bool { return t.MatchedResidentID != "" }

// TransactionFilter drives the review queue listing.
type TransactionFilter struct {
	SessionID SessionID
	Statuses  []Status
	Search    string // description, sender, reference, amount or resident name
	Limit     int
	Offset    int
}

// =============================================================================
// IMPORT SESSION
// =============================================================================

type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// ImportSession is one email-fetch run. Email-level counters are written by
// the run itself; transaction counters are derived (see aggregator.go).
type ImportSession struct {
	ID          SessionID
	Mailbox     string
	Status      SessionStatus
	StartedAt   time.Time
	CompletedAt *time.Time

	EmailsFetched int
	EmailsSkipped int
	EmailsErrored int

	Counters     SessionCounters
	ErrorMessage string
	Summary      map[string]any
}

// Completed reports whether the session is sealed.
func (s ImportSession) Completed() bool { return s.CompletedAt != nil }

// =============================================================================
// ALIAS
// =============================================================================

// Alias maps free-text sender identity to a resident.
type Alias struct {
	ID             AliasID
	ResidentID     ResidentID
	Text           string
	NormalizedText string
	Active         bool
	CreatedBy      string
	CreatedAt      time.Time

	// UpdatedAt and Revision move forward on every save, including a
	// re-save of an existing row. Revision is store-wide and strictly
	// increasing, so it orders writers that share a timestamp.
	UpdatedAt time.Time
	Revision  int64
}

// SystemActor is recorded as creator for rows written by the pipeline itself.
const SystemActor = "system"

// NormalizeAliasText lower-cases, trims and collapses inner whitespace.
func NormalizeAliasText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

type AliasFilter struct {
	ResidentID ResidentID
	ActiveOnly bool
}

// =============================================================================
// RESIDENT
// =============================================================================

// Resident is the matcher's view of a resident directory row.
type Resident struct {
	ID             ResidentID
	Code           string
	FirstName      string
	LastName       string
	AlternateNames []string
	Phone          string
	Email          string
	HouseNumbers   []string
	Active         bool
	CreatedAt      time.Time
}

func (r Resident) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// =============================================================================
// MATCH RESULT
// =============================================================================

// Candidate is one scored resident considered by the matcher.
type Candidate struct {
	ResidentID   ResidentID
	Method       MatchMethod
	Score        float64
	MatchedValue string
}

// MatchResult is the transient matcher output, folded into Transaction fields.
type MatchResult struct {
	ResidentID   ResidentID
	Confidence   Confidence
	Method       MatchMethod
	AliasID      AliasID
	Score        float64
	MatchedValue string
	Ambiguous    bool
	Candidates   []Candidate
}

// NoMatch is the terminal "nothing found" result.
func NoMatch() MatchResult {
	return MatchResult{Confidence: ConfidenceNone}
}

// Apply folds the result into the transaction's match fields.
func (m MatchResult) Apply(tx *Transaction) {
	tx.MatchedResidentID = m.ResidentID
	tx.Confidence = m.Confidence
	tx.MatchMethod = m.Method
	tx.MatchScore = m.Score
	tx.MatchedAliasID = m.AliasID
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type EntryKind string

const (
	EntryWalletCredit EntryKind = "wallet_credit"
	EntryWalletDebit  EntryKind = "wallet_debit"
)

// LedgerEntry is the single wallet movement produced by an approved
// transaction. Append-only; TransactionID is unique.
type LedgerEntry struct {
	ID             LedgerEntryID
	TransactionID  TransactionID
	ResidentID     ResidentID
	Kind           EntryKind
	Amount         decimal.Decimal // signed: credits positive, debits negative
	Reference      string
	EffectiveAt    time.Time // transaction date of the source event
	IdempotencyKey string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// LedgerQuery selects entries for duplicate detection and wallet views.
type LedgerQuery struct {
	ResidentID ResidentID
	Reference  string
	Amount     *decimal.Decimal
	From       *time.Time
	To         *time.Time
}

// =============================================================================
// ESTATE CONFIG
// =============================================================================

// EstateConfig carries the per-estate switches consulted by routing.
type EstateConfig struct {
	AutoProcessEnabled bool
}
