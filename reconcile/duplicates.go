package reconcile

import (
	"context"
	"fmt"
)

// DuplicatePolicy detects bank events that were already credited, e.g. the
// same alert forwarded twice or a payment also entered by hand.
type DuplicatePolicy struct {
	// CheckReference flags a transaction whose bank reference already
	// appears on a ledger entry.
	CheckReference bool

	// AmountWindowDays, when >= 0, flags a transaction for which the same
	// resident already has an entry of the same signed amount within
	// +/- AmountWindowDays of the transaction date.
	AmountWindowDays int
}

// DefaultDuplicatePolicy checks references only.
func DefaultDuplicatePolicy() DuplicatePolicy {
	return DuplicatePolicy{CheckReference: true, AmountWindowDays: -1}
}

// Check returns a non-empty reason when tx duplicates an existing entry.
func (p DuplicatePolicy) Check(ctx context.Context, store LedgerStore, tx Transaction) (string, error) {
	if p.CheckReference && tx.Reference != "" {
		prior, err := store.FindLedgerEntries(ctx, LedgerQuery{Reference: tx.Reference})
		if err != nil {
			return "", err
		}
		for _, e := range prior {
			if e.TransactionID != tx.ID {
				return fmt.Sprintf("duplicate payment detected: reference %s already recorded", tx.Reference), nil
			}
		}
	}

	if p.AmountWindowDays >= 0 && tx.HasResident() {
		amount := tx.Amount
		if tx.Direction == DirectionDebit {
			amount = amount.Neg()
		}
		from := tx.TransactionDate.AddDate(0, 0, -p.AmountWindowDays)
		to := tx.TransactionDate.AddDate(0, 0, p.AmountWindowDays+1)
		prior, err := store.FindLedgerEntries(ctx, LedgerQuery{
			ResidentID: tx.MatchedResidentID,
			Amount:     &amount,
			From:       &from,
			To:         &to,
		})
		if err != nil {
			return "", err
		}
		for _, e := range prior {
			if e.TransactionID != tx.ID {
				return fmt.Sprintf("duplicate payment detected: %s already recorded for resident within %d day(s)",
					amount.StringFixed(2), p.AmountWindowDays), nil
			}
		}
	}
	return "", nil
}
