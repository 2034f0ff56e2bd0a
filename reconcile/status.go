/*
status.go - Transaction status state machine

PURPOSE:
  A single transition function owns every status change. Callers never
  assign Transaction.Status directly; they ask Transition and get an
  InvalidStateError when the predecessor is not allowed.

STATE DIAGRAM:

  pending ──▶ matched ──▶ auto_processed        (ledger applied by pipeline)
     │           │
     │           ├──────▶ queued_for_review ──▶ processed | skipped
     │           │
     │           └──────▶ processed | skipped | error
     │
     └──────────────────▶ processed | skipped | error

  processed, skipped, auto_processed and error have no outgoing edges.

REVIEWABLE STATES:
  Reviewer actions (process, skip) are accepted only from
  pending, matched and queued_for_review.

SEE ALSO:
  - review.go: Reviewer actions
  - importer.go: Pipeline transitions
*/
package reconcile

import "time"

type Status string

const (
	StatusPending         Status = "pending"
	StatusMatched         Status = "matched"
	StatusAutoProcessed   Status = "auto_processed"
	StatusQueuedForReview Status = "queued_for_review"
	StatusProcessed       Status = "processed"
	StatusSkipped         Status = "skipped"
	StatusError           Status = "error"
)

// AllStatuses lists the wire vocabulary in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusMatched, StatusAutoProcessed, StatusQueuedForReview,
	StatusProcessed, StatusSkipped, StatusError,
}

var transitions = map[Status][]Status{
	StatusPending: {
		StatusMatched, StatusAutoProcessed, StatusQueuedForReview,
		StatusProcessed, StatusSkipped, StatusError,
	},
	StatusMatched: {
		StatusAutoProcessed, StatusQueuedForReview,
		StatusProcessed, StatusSkipped, StatusError,
	},
	StatusQueuedForReview: {
		StatusProcessed, StatusSkipped,
	},
}

// ReviewableStatuses are the predecessors accepted by process/skip.
var ReviewableStatuses = []Status{StatusPending, StatusMatched, StatusQueuedForReview}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Reviewable reports whether a reviewer may act on a transaction in s.
func (s Status) Reviewable() bool {
	for _, v := range ReviewableStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves tx to the target status, enforcing the allowed
// predecessor set and the resident invariant. On error tx is unchanged.
func Transition(tx *Transaction, to Status, at time.Time) error {
	if !CanTransition(tx.Status, to) {
		return &InvalidStateError{TransactionID: tx.ID, From: tx.Status, To: to}
	}
	if requiresResident(to) && !tx.HasResident() {
		return &InvalidStateError{TransactionID: tx.ID, From: tx.Status, To: to, Reason: "no resident attached"}
	}
	tx.Status = to
	tx.UpdatedAt = at
	if to == StatusQueuedForReview && tx.QueuedAt == nil {
		queued := at
		tx.QueuedAt = &queued
	}
	return nil
}

func requiresResident(s Status) bool {
	switch s {
	case StatusMatched, StatusAutoProcessed, StatusQueuedForReview, StatusProcessed:
		return true
	}
	return false
}
