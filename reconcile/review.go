/*
review.go - Human review queue

PURPOSE:
  Exposes the two reviewer mutations (process, skip) and the paginated
  queue listing. Each mutation is one database transaction:

    read status ──▶ validate ──▶ write status + side effects ──▶ commit

  A crash or error anywhere leaves the transaction in its prior state.

PROCESS FLOW:
  1. ConfirmMatch: status -> processed, resident + notes + reviewer recorded
  2. Ledger apply: exactly one wallet entry (rollback on LedgerError)
  3. Versioned update: a concurrent reviewer that won the race turns this
     call into an InvalidStateError
  4. Optional SaveAlias: a separate, independently audited upsert

SKIP FLOW:
  Non-empty reason required; status -> skipped; reason stored as notes.
  No ledger side effect.

SEE ALSO:
  - status.go: Allowed predecessor sets
  - ledger.go: LedgerApplier
  - alias.go: SaveAlias
*/
package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/estate-reconciler/logging"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// ReviewQueue orchestrates reviewer actions.
type ReviewQueue struct {
	Store  TxStore
	Ledger *LedgerApplier
	Now    func() time.Time
}

func NewReviewQueue(store TxStore, ledger *LedgerApplier) *ReviewQueue {
	return &ReviewQueue{
		Store:  store,
		Ledger: ledger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// ProcessRequest is the reviewer's "process" decision.
type ProcessRequest struct {
	TransactionID TransactionID
	ResidentID    ResidentID
	Notes         string
	SaveAsAlias   bool
	AliasName     string
	ReviewerID    string
}

type ProcessResult struct {
	Transaction Transaction
	Entry       LedgerEntry
	Alias       *Alias
}

type SkipRequest struct {
	TransactionID TransactionID
	Reason        string
	ReviewerID    string
}

// Process approves a transaction for a resident and credits the wallet.
func (q *ReviewQueue) Process(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	if req.ResidentID == "" {
		return nil, ErrResidentRequired
	}
	log := logging.FromContext(ctx).With().
		Str("transaction_id", string(req.TransactionID)).
		Str("resident_id", string(req.ResidentID)).
		Logger()

	var result ProcessResult
	err := q.Store.WithTx(ctx, func(s Store) error {
		current, err := s.GetTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		now := q.now()

		confirmed := *current
		if err := ConfirmMatch(&confirmed, req.ResidentID, req.Notes, req.ReviewerID, now); err != nil {
			return err
		}

		applied, err := q.Ledger.Apply(ctx, s, confirmed)
		if err != nil {
			return err
		}
		confirmed.LedgerEntryID = applied.Entry.ID

		if err := s.UpdateTransaction(ctx, confirmed); err != nil {
			return conflictAsInvalidState(err, current, StatusProcessed)
		}
		confirmed.Version++

		if err := s.AppendAudit(ctx, AuditEntry{
			ID:         uuid.NewString(),
			Timestamp:  now,
			ActorID:    req.ReviewerID,
			Action:     AuditApprove,
			EntityType: "email_transaction",
			EntityID:   string(confirmed.ID),
			Payload: map[string]any{
				"resident_id":     string(confirmed.MatchedResidentID),
				"ledger_entry_id": string(applied.Entry.ID),
				"confidence":      string(confirmed.Confidence),
				"previous_status": string(current.Status),
				"notes":           req.Notes,
			},
		}); err != nil {
			return err
		}

		result.Transaction = confirmed
		result.Entry = applied.Entry

		if !req.SaveAsAlias {
			return nil
		}
		text := req.AliasName
		if strings.TrimSpace(text) == "" {
			text = confirmed.SenderHint
		}
		alias, err := SaveAlias(ctx, s, req.ResidentID, text, req.ReviewerID, now)
		if err != nil {
			return err
		}
		result.Alias = &alias
		return s.AppendAudit(ctx, aliasAudit(alias, now, confirmed.ID))
	})
	if err != nil {
		log.Warn().Err(err).Msg("process transaction rejected")
		return nil, err
	}

	log.Info().
		Str("confidence", string(result.Transaction.Confidence)).
		Bool("alias_saved", result.Alias != nil).
		Msg("transaction processed")
	return &result, nil
}

// ConfirmMatch records the reviewer's resident choice and moves tx to
// processed. Confidence becomes manual only when the reviewer picked a
// different resident than the matcher did.
func ConfirmMatch(tx *Transaction, residentID ResidentID, notes, reviewer string, at time.Time) error {
	if !tx.Status.Reviewable() {
		return &InvalidStateError{TransactionID: tx.ID, From: tx.Status, To: StatusProcessed}
	}
	if tx.MatchedResidentID != residentID {
		tx.MatchedResidentID = residentID
		tx.Confidence = ConfidenceManual
		tx.MatchMethod = MethodManual
		tx.MatchedAliasID = ""
	}
	if err := Transition(tx, StatusProcessed, at); err != nil {
		return err
	}
	tx.ReviewNotes = notes
	tx.ReviewedBy = reviewer
	tx.ReviewedAt = &at
	return nil
}

// Skip marks a transaction as deliberately not credited.
func (q *ReviewQueue) Skip(ctx context.Context, req SkipRequest) (*Transaction, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	var skipped Transaction
	err := q.Store.WithTx(ctx, func(s Store) error {
		current, err := s.GetTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if !current.Status.Reviewable() {
			return &InvalidStateError{TransactionID: current.ID, From: current.Status, To: StatusSkipped}
		}

		now := q.now()
		skipped = *current
		if err := Transition(&skipped, StatusSkipped, now); err != nil {
			return err
		}
		skipped.ReviewNotes = reason
		skipped.ReviewedBy = req.ReviewerID
		skipped.ReviewedAt = &now

		if err := s.UpdateTransaction(ctx, skipped); err != nil {
			return conflictAsInvalidState(err, current, StatusSkipped)
		}
		skipped.Version++

		return s.AppendAudit(ctx, AuditEntry{
			ID:         uuid.NewString(),
			Timestamp:  now,
			ActorID:    req.ReviewerID,
			Action:     AuditSkip,
			EntityType: "email_transaction",
			EntityID:   string(skipped.ID),
			Payload: map[string]any{
				"skip_reason":     reason,
				"previous_status": string(current.Status),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx)
	log.Info().
		Str("transaction_id", string(skipped.ID)).
		Msg("transaction skipped")
	return &skipped, nil
}

// List returns one page of the queue. With no status filter it lists
// transactions awaiting review.
func (q *ReviewQueue) List(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error) {
	if len(filter.Statuses) == 0 {
		filter.Statuses = []Status{StatusQueuedForReview}
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultPageSize
	}
	if filter.Limit > MaxPageSize {
		filter.Limit = MaxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.Search = strings.TrimSpace(filter.Search)
	return q.Store.ListTransactions(ctx, filter)
}

// Get returns a single transaction.
func (q *ReviewQueue) Get(ctx context.Context, id TransactionID) (*Transaction, error) {
	return q.Store.GetTransaction(ctx, id)
}

func (q *ReviewQueue) now() time.Time {
	if q.Now == nil {
		return time.Now().UTC()
	}
	return q.Now()
}

func conflictAsInvalidState(err error, current *Transaction, to Status) error {
	if errors.Is(err, ErrConcurrentModification) {
		return &InvalidStateError{
			TransactionID: current.ID,
			From:          current.Status,
			To:            to,
			Reason:        "modified by a concurrent reviewer",
		}
	}
	return err
}
