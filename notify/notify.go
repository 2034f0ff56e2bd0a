/*
Package notify tells the outside world about completed pipeline work.

NOTIFIERS:
  LogNotifier:   structured zerolog lines (always on)
  KafkaNotifier: JSON events on a Kafka topic, keyed by resident or session
  Multi:         fan-out to several notifiers

EVENTS:
  transaction.auto_processed  a wallet was credited without review
  import.completed            an import session was sealed

Delivery is best effort. A failed publish is logged and never reaches the
pipeline, which has already committed its work.
*/
package notify

import (
	"context"
	"time"

	"github.com/warp/estate-reconciler/logging"
	"github.com/warp/estate-reconciler/reconcile"
)

// Event types.
const (
	EventTransactionAutoProcessed = "transaction.auto_processed"
	EventImportCompleted          = "import.completed"
)

// Event is the wire payload published for every notification.
type Event struct {
	Type          string                     `json:"type"`
	OccurredAt    time.Time                  `json:"occurred_at"`
	SessionID     string                     `json:"session_id,omitempty"`
	TransactionID string                     `json:"transaction_id,omitempty"`
	ResidentID    string                     `json:"resident_id,omitempty"`
	LedgerEntryID string                     `json:"ledger_entry_id,omitempty"`
	Amount        string                     `json:"amount,omitempty"`
	Reference     string                     `json:"reference,omitempty"`
	Status        string                     `json:"status,omitempty"`
	Counters      *reconcile.SessionCounters `json:"counters,omitempty"`
}

// Key partitions events so one resident's credits stay ordered.
func (e Event) Key() string {
	if e.ResidentID != "" {
		return e.ResidentID
	}
	return e.SessionID
}

func autoProcessedEvent(tx reconcile.Transaction, entry reconcile.LedgerEntry, at time.Time) Event {
	return Event{
		Type:          EventTransactionAutoProcessed,
		OccurredAt:    at,
		SessionID:     string(tx.SessionID),
		TransactionID: string(tx.ID),
		ResidentID:    string(entry.ResidentID),
		LedgerEntryID: string(entry.ID),
		Amount:        entry.Amount.StringFixed(2),
		Reference:     tx.Reference,
		Status:        string(tx.Status),
	}
}

func sessionEvent(s reconcile.ImportSession, at time.Time) Event {
	counters := s.Counters
	return Event{
		Type:       EventImportCompleted,
		OccurredAt: at,
		SessionID:  string(s.ID),
		Status:     string(s.Status),
		Counters:   &counters,
	}
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier writes one log line per event.
type LogNotifier struct{}

var _ reconcile.Notifier = LogNotifier{}

func (LogNotifier) TransactionAutoProcessed(ctx context.Context, tx reconcile.Transaction, entry reconcile.LedgerEntry) {
	log := logging.FromContext(ctx)
	log.Info().
		Str("event", EventTransactionAutoProcessed).
		Str("transaction_id", string(tx.ID)).
		Str("resident_id", string(entry.ResidentID)).
		Str("amount", entry.Amount.StringFixed(2)).
		Msg("wallet credited")
}

func (LogNotifier) SessionCompleted(ctx context.Context, s reconcile.ImportSession) {
	log := logging.FromContext(ctx)
	log.Info().
		Str("event", EventImportCompleted).
		Str("session_id", string(s.ID)).
		Str("status", string(s.Status)).
		Int("auto_processed", s.Counters.AutoProcessed).
		Int("queued", s.Counters.Queued).
		Msg("import session sealed")
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi forwards each event to every notifier in order.
type Multi []reconcile.Notifier

var _ reconcile.Notifier = Multi(nil)

func (m Multi) TransactionAutoProcessed(ctx context.Context, tx reconcile.Transaction, entry reconcile.LedgerEntry) {
	for _, n := range m {
		n.TransactionAutoProcessed(ctx, tx, entry)
	}
}

func (m Multi) SessionCompleted(ctx context.Context, s reconcile.ImportSession) {
	for _, n := range m {
		n.SessionCompleted(ctx, s)
	}
}
