/*
ledger.go - Ledger applier: approved transaction -> exactly one wallet entry

PURPOSE:
  Converts a matched, approved transaction into one wallet credit (or debit)
  for the matched resident. The ledger itself is append-only; the wallet
  balance is never stored, it is the sum of the resident's entries.

IDEMPOTENCY:
  Entries are unique on transaction_id (idempotency key "email-tx:<id>").
  A retry finds the existing entry and returns it with Replayed=true instead
  of crediting twice. A lost insert race (unique violation) is resolved the
  same way.

FAILURES:
  Every failure is a *LedgerError (errors.Is(err, ErrLedger)). The caller is
  expected to run Apply inside TxStore.WithTx so the status change that
  triggered it rolls back with it.
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerResult is the outcome of Apply.
type LedgerResult struct {
	Entry    LedgerEntry
	Replayed bool
}

// LedgerApplier writes wallet entries.
type LedgerApplier struct {
	Now func() time.Time
}

func NewLedgerApplier() *LedgerApplier {
	return &LedgerApplier{Now: func() time.Time { return time.Now().UTC() }}
}

// IdempotencyKey is the ledger key for an email transaction.
func IdempotencyKey(id TransactionID) string {
	return "email-tx:" + string(id)
}

// Apply records the wallet movement for tx exactly once.
func (a *LedgerApplier) Apply(ctx context.Context, store Store, tx Transaction) (LedgerResult, error) {
	fail := func(err error) (LedgerResult, error) {
		return LedgerResult{}, &LedgerError{TransactionID: tx.ID, ResidentID: tx.MatchedResidentID, Err: err}
	}

	existing, err := store.LedgerEntryByTransaction(ctx, tx.ID)
	if err != nil {
		return fail(err)
	}
	if existing != nil {
		return LedgerResult{Entry: *existing, Replayed: true}, nil
	}

	if !tx.HasResident() {
		return fail(ErrResidentRequired)
	}
	if !tx.Amount.IsPositive() {
		return fail(ErrInvalidAmount)
	}

	resident, err := store.GetResident(ctx, tx.MatchedResidentID)
	if err != nil {
		return fail(err)
	}
	if !resident.Active {
		return fail(fmt.Errorf("%w: resident %s is inactive", ErrResidentNotFound, resident.ID))
	}

	entry := LedgerEntry{
		ID:             LedgerEntryID(uuid.NewString()),
		TransactionID:  tx.ID,
		ResidentID:     resident.ID,
		Kind:           EntryWalletCredit,
		Amount:         tx.Amount,
		Reference:      tx.Reference,
		EffectiveAt:    tx.TransactionDate,
		IdempotencyKey: IdempotencyKey(tx.ID),
		Metadata: map[string]any{
			"session_id":  string(tx.SessionID),
			"description": tx.Description,
			"source":      "email_import",
		},
		CreatedAt: a.now(),
	}
	if tx.Direction == DirectionDebit {
		entry.Kind = EntryWalletDebit
		entry.Amount = tx.Amount.Neg()
	}

	if err := store.AppendLedgerEntry(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			prior, lookupErr := store.LedgerEntryByTransaction(ctx, tx.ID)
			if lookupErr == nil && prior != nil {
				return LedgerResult{Entry: *prior, Replayed: true}, nil
			}
		}
		return fail(err)
	}
	return LedgerResult{Entry: entry}, nil
}

func (a *LedgerApplier) now() time.Time {
	if a.Now == nil {
		return time.Now().UTC()
	}
	return a.Now()
}

// WalletBalance replays a resident's entries into a balance.
func WalletBalance(ctx context.Context, store LedgerStore, residentID ResidentID) (decimal.Decimal, []LedgerEntry, error) {
	entries, err := store.FindLedgerEntries(ctx, LedgerQuery{ResidentID: residentID})
	if err != nil {
		return decimal.Zero, nil, err
	}
	balance := decimal.Zero
	for _, e := range entries {
		balance = balance.Add(e.Amount)
	}
	return balance, entries, nil
}
