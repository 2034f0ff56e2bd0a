/*
aggregator.go - Import session counters

PURPOSE:
  Session counters are a derived view, never an independently incremented
  field. Summarize recomputes them from the session's transaction rows, so
  concurrent reviewer actions cannot make them drift and a sealed session
  still reflects later reviews.

COUNTING RULES:
  Each transaction contributes exactly once per counter:
    Extracted      every row
    Matched        rows with a resident attached
    AutoProcessed  status auto_processed
    Queued         rows that ever entered queued_for_review (QueuedAt set),
                   so reviewing a row does not take it off the card
    Processed      status processed
    Skipped        status skipped
    Errored        status error
    Unmatched      status pending

  Email-level counters (fetched/skipped/errored) have no transaction rows
  behind them and are written by the run that owns the session.
*/
package reconcile

import (
	"context"

	"github.com/shopspring/decimal"
)

// SessionCounters is the read-only summary behind dashboard stat cards.
type SessionCounters struct {
	Extracted     int             `json:"transactions_extracted"`
	Matched       int             `json:"transactions_matched"`
	AutoProcessed int             `json:"transactions_auto_processed"`
	Queued        int             `json:"transactions_queued"`
	Processed     int             `json:"transactions_processed"`
	Skipped       int             `json:"transactions_skipped"`
	Errored       int             `json:"transactions_errored"`
	Unmatched     int             `json:"transactions_unmatched"`
	CreditedTotal decimal.Decimal `json:"credited_total"`
}

// Summarize derives counters from transaction rows.
func Summarize(txs []Transaction) SessionCounters {
	c := SessionCounters{CreditedTotal: decimal.Zero}
	for _, tx := range txs {
		c.Extracted++
		if tx.HasResident() {
			c.Matched++
		}
		if tx.QueuedAt != nil || tx.Status == StatusQueuedForReview {
			c.Queued++
		}
		switch tx.Status {
		case StatusAutoProcessed:
			c.AutoProcessed++
		case StatusProcessed:
			c.Processed++
		case StatusSkipped:
			c.Skipped++
		case StatusError:
			c.Errored++
		case StatusPending:
			c.Unmatched++
		}
		if tx.LedgerEntryID != "" && tx.Direction == DirectionCredit {
			c.CreditedTotal = c.CreditedTotal.Add(tx.Amount)
		}
	}
	return c
}

// SessionSummary loads a session with counters rebuilt from its rows.
func SessionSummary(ctx context.Context, store Store, id SessionID) (*ImportSession, error) {
	session, err := store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	txs, err := store.SessionTransactions(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Counters = Summarize(txs)
	return session, nil
}

// EmailTally accumulates the email-level outcomes of one run.
type EmailTally struct {
	Fetched int
	Skipped int
	Errored int
}

func (t *EmailTally) applyTo(s *ImportSession) {
	s.EmailsFetched = t.Fetched
	s.EmailsSkipped = t.Skipped
	s.EmailsErrored = t.Errored
}
