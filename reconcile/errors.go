/*
errors.go - Centralized error types for the reconciliation core

ERROR CATEGORIES:
  1. State errors   - Review action outside the allowed status set
  2. Ledger errors  - Wallet write failed; triggers full rollback
  3. Validation     - Missing reason, missing resident, bad filters
  4. Store errors   - Not found, duplicate key, concurrent modification

PROPAGATION:
  Matching and routing never fail (they degrade to a safe status).
  Only storage and ledger failures reach the caller.

SEE ALSO:
  - extract/errors.go: ExtractionError (email-level, never stored on a transaction)
  - api/handlers.go: HTTP status mapping via IsClientError/IsNotFound/IsConflict
*/
package reconcile

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidState is returned when a transition is not allowed from the
	// current status (double processing, double skipping, lost race).
	ErrInvalidState = errors.New("invalid transaction state")

	// ErrLedger marks every failure of the ledger applier.
	ErrLedger = errors.New("ledger write failed")

	// ErrDuplicateIdempotencyKey is returned by stores when a ledger entry for
	// the same transaction already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when an optimistic version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrTransactionNotFound = errors.New("transaction not found")
	ErrResidentNotFound    = errors.New("resident not found")
	ErrAliasNotFound       = errors.New("alias not found")
	ErrSessionNotFound     = errors.New("import session not found")

	// ErrSessionCompleted is returned when writing to a sealed import session.
	ErrSessionCompleted = errors.New("import session already completed")

	// ErrUnrecognizedEmail marks an email that is not a bank notification.
	// It is counted as a skipped email.
	ErrUnrecognizedEmail = errors.New("email is not a recognized bank notification")

	// ErrMalformedEmail marks a recognized notification with an unparseable
	// required field. It is counted as an errored email.
	ErrMalformedEmail = errors.New("bank notification has an unparseable field")

	ErrReasonRequired    = errors.New("skip reason is required")
	ErrResidentRequired  = errors.New("resident id is required")
	ErrAliasTextRequired = errors.New("alias text is required when saving an alias")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidStateError describes a rejected status transition.
type InvalidStateError struct {
	TransactionID TransactionID
	From          Status
	To            Status
	Reason        string
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("cannot move transaction %s from %s to %s", e.TransactionID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// LedgerError wraps the cause of a failed wallet write.
type LedgerError struct {
	TransactionID TransactionID
	ResidentID    ResidentID
	Err           error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger apply for transaction %s (resident %s): %v", e.TransactionID, e.ResidentID, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

func (e *LedgerError) Is(target error) bool { return target == ErrLedger }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrReasonRequired) ||
		errors.Is(err, ErrResidentRequired) ||
		errors.Is(err, ErrAliasTextRequired) ||
		errors.Is(err, ErrInvalidAmount)
}

// IsConflict returns true if the error reflects a state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrSessionCompleted)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrResidentNotFound) ||
		errors.Is(err, ErrAliasNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}
