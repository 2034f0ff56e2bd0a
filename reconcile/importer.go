/*
importer.go - Email import pipeline

PURPOSE:
  One run turns a batch of raw emails into persisted transactions and,
  where allowed, wallet entries. The run owns one ImportSession.

PIPELINE (per email):

  message-id seen? ──yes──▶ emails_skipped
        │no
        ▼
  extract ──not recognized──▶ emails_skipped
        │  └──malformed─────▶ emails_errored
        ▼
  per draft:
    create pending ──▶ match ──none──▶ stays pending (unmatched)
                         │
                         ▼
                      matched ──duplicate──▶ skipped
                         │
                         ▼
                       Route ──▶ queued_for_review
                         │
                         └────▶ auto_processed (ledger in same db tx)
                                   └─ledger failure─▶ error

  The resident directory and alias table are read once per run so every
  email in the run is matched against the same snapshot.

SESSION OUTCOME:
  completed unless a transaction ended in error, then failed. A storage
  failure aborts the run and seals the session as failed with the message.
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/estate-reconciler/logging"
)

// Importer runs the email-to-transaction pipeline.
type Importer struct {
	Store      TxStore
	Extractor  Extractor
	NewMatcher NewMatcherFunc
	Ledger     *LedgerApplier
	Notifier   Notifier
	Estate     EstateConfig
	Duplicates DuplicatePolicy
	Source     Source
	Now        func() time.Time
}

// Run imports emails under a new session and returns the sealed session
// with derived counters.
func (im *Importer) Run(ctx context.Context, mailbox string, emails []Email) (*ImportSession, error) {
	session := ImportSession{
		ID:        SessionID(uuid.NewString()),
		Mailbox:   mailbox,
		Status:    SessionRunning,
		StartedAt: im.now(),
	}
	if err := im.Store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create import session: %w", err)
	}

	log := logging.FromContext(ctx).With().
		Str("session_id", string(session.ID)).
		Str("mailbox", mailbox).
		Logger()
	ctx = logging.WithContext(ctx, log)
	log.Info().Int("emails", len(emails)).Msg("import started")

	tally := EmailTally{Fetched: len(emails)}
	if err := im.importAll(ctx, session.ID, emails, &tally); err != nil {
		log.Error().Err(err).Msg("import aborted")
		if sealErr := im.seal(ctx, &session, tally, err); sealErr != nil {
			log.Error().Err(sealErr).Msg("could not seal failed session")
		}
		return nil, err
	}

	if err := im.seal(ctx, &session, tally, nil); err != nil {
		return nil, err
	}
	summary, err := SessionSummary(ctx, im.Store, session.ID)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("status", string(summary.Status)).
		Int("emails_skipped", tally.Skipped).
		Int("emails_errored", tally.Errored).
		Int("extracted", summary.Counters.Extracted).
		Int("auto_processed", summary.Counters.AutoProcessed).
		Int("queued", summary.Counters.Queued).
		Msg("import finished")
	im.notifier().SessionCompleted(ctx, *summary)
	return summary, nil
}

// Fetch pulls emails from the configured source and runs them.
func (im *Importer) Fetch(ctx context.Context) (*ImportSession, error) {
	if im.Source == nil {
		return nil, errors.New("no email source configured")
	}
	emails, err := im.Source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch mailbox %s: %w", im.Source.Mailbox(), err)
	}
	return im.Run(ctx, im.Source.Mailbox(), emails)
}

func (im *Importer) importAll(ctx context.Context, sessionID SessionID, emails []Email, tally *EmailTally) error {
	residents, err := im.Store.ListResidents(ctx, true)
	if err != nil {
		return fmt.Errorf("load residents: %w", err)
	}
	aliases, err := im.Store.ListAliases(ctx, AliasFilter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("load aliases: %w", err)
	}
	matcher := im.NewMatcher(residents, aliases)

	log := logging.FromContext(ctx)
	seen := make(map[string]bool, len(emails))
	for _, email := range emails {
		if email.MessageID != "" {
			dup := seen[email.MessageID]
			if !dup {
				dup, err = im.Store.HasMessage(ctx, email.MessageID)
				if err != nil {
					return err
				}
			}
			if dup {
				tally.Skipped++
				log.Debug().Str("message_id", email.MessageID).Msg("email already imported")
				continue
			}
			seen[email.MessageID] = true
		}

		drafts, err := im.Extractor.Extract(email)
		switch {
		case errors.Is(err, ErrMalformedEmail):
			tally.Errored++
			log.Warn().Err(err).Str("message_id", email.MessageID).Msg("malformed bank notification")
			continue
		case err != nil:
			tally.Skipped++
			log.Debug().Err(err).Str("message_id", email.MessageID).Msg("email skipped")
			continue
		case len(drafts) == 0:
			tally.Skipped++
			continue
		}

		for _, d := range drafts {
			if err := im.ingest(ctx, sessionID, email.MessageID, d, matcher); err != nil {
				return err
			}
		}
	}
	return nil
}

// ingest persists one draft and drives it as far as the pipeline may.
func (im *Importer) ingest(ctx context.Context, sessionID SessionID, messageID string, d Draft, matcher Matcher) error {
	now := im.now()
	tx := Transaction{
		ID:              TransactionID(uuid.NewString()),
		SessionID:       sessionID,
		MessageID:       messageID,
		TransactionDate: d.TransactionDate,
		Amount:          d.Amount,
		Direction:       d.Direction,
		Description:     d.Description,
		SenderHint:      d.SenderHint,
		Reference:       d.Reference,
		AccountLast4:    d.AccountLast4,
		Confidence:      ConfidenceNone,
		Status:          StatusPending,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := im.Store.CreateTransaction(ctx, tx); err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}

	log := logging.FromContext(ctx).With().Str("transaction_id", string(tx.ID)).Logger()

	match := matcher.Match(tx)
	if match.ResidentID == "" || match.Confidence == ConfidenceNone {
		log.Debug().Str("sender", tx.SenderHint).Msg("no resident match")
		return nil
	}

	match.Apply(&tx)
	if err := im.save(ctx, &tx, StatusMatched); err != nil {
		return err
	}

	reason, err := im.Duplicates.Check(ctx, im.Store, tx)
	if err != nil {
		return err
	}
	if reason != "" {
		tx.ReviewNotes = reason
		log.Info().Str("reason", reason).Msg("duplicate payment skipped")
		return im.save(ctx, &tx, StatusSkipped)
	}

	switch target := Route(tx, match, im.Estate); target {
	case StatusAutoProcessed:
		return im.autoProcess(ctx, tx, log)
	case StatusQueuedForReview:
		return im.save(ctx, &tx, StatusQueuedForReview)
	default:
		return nil
	}
}

// autoProcess moves tx to auto_processed and writes its ledger entry in one
// database transaction. A ledger failure leaves the transaction in error.
func (im *Importer) autoProcess(ctx context.Context, tx Transaction, log zerolog.Logger) error {
	var entry LedgerEntry
	processed := tx
	err := im.Store.WithTx(ctx, func(s Store) error {
		now := im.now()
		if err := Transition(&processed, StatusAutoProcessed, now); err != nil {
			return err
		}
		applied, err := im.Ledger.Apply(ctx, s, processed)
		if err != nil {
			return err
		}
		entry = applied.Entry
		processed.LedgerEntryID = entry.ID
		if err := s.UpdateTransaction(ctx, processed); err != nil {
			return err
		}
		processed.Version++
		return s.AppendAudit(ctx, AuditEntry{
			ID:         uuid.NewString(),
			Timestamp:  now,
			ActorID:    SystemActor,
			Action:     AuditAutoProcess,
			EntityType: "email_transaction",
			EntityID:   string(processed.ID),
			Payload: map[string]any{
				"resident_id":     string(processed.MatchedResidentID),
				"ledger_entry_id": string(entry.ID),
				"match_method":    string(processed.MatchMethod),
				"match_score":     processed.MatchScore,
			},
		})
	})
	if err == nil {
		log.Info().
			Str("resident_id", string(processed.MatchedResidentID)).
			Str("amount", processed.Amount.StringFixed(2)).
			Msg("transaction auto-processed")
		im.notifier().TransactionAutoProcessed(ctx, processed, entry)
		return nil
	}
	if !errors.Is(err, ErrLedger) {
		return err
	}

	log.Warn().Err(err).Msg("auto-process ledger failure")
	tx.ErrorMessage = err.Error()
	return im.save(ctx, &tx, StatusError)
}

// save transitions tx and persists it outside any reviewer transaction.
func (im *Importer) save(ctx context.Context, tx *Transaction, to Status) error {
	if err := Transition(tx, to, im.now()); err != nil {
		return err
	}
	if err := im.Store.UpdateTransaction(ctx, *tx); err != nil {
		return fmt.Errorf("update transaction %s: %w", tx.ID, err)
	}
	tx.Version++
	return nil
}

func (im *Importer) seal(ctx context.Context, session *ImportSession, tally EmailTally, runErr error) error {
	txs, err := im.Store.SessionTransactions(ctx, session.ID)
	if err != nil {
		return err
	}
	counters := Summarize(txs)

	now := im.now()
	tally.applyTo(session)
	session.CompletedAt = &now
	session.Counters = counters
	session.Status = SessionCompleted
	switch {
	case runErr != nil:
		session.Status = SessionFailed
		session.ErrorMessage = runErr.Error()
	case counters.Errored > 0:
		session.Status = SessionFailed
		session.ErrorMessage = fmt.Sprintf("%d transaction(s) failed to process", counters.Errored)
	}
	session.Summary = map[string]any{
		"emails_fetched":              tally.Fetched,
		"emails_skipped":              tally.Skipped,
		"emails_errored":              tally.Errored,
		"transactions_extracted":      counters.Extracted,
		"transactions_auto_processed": counters.AutoProcessed,
		"transactions_queued":         counters.Queued,
		"transactions_unmatched":      counters.Unmatched,
		"transactions_errored":        counters.Errored,
	}
	if err := im.Store.UpdateSession(ctx, *session); err != nil {
		return fmt.Errorf("seal session: %w", err)
	}
	return im.Store.AppendAudit(ctx, AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  now,
		ActorID:    SystemActor,
		Action:     AuditImport,
		EntityType: "import_session",
		EntityID:   string(session.ID),
		Payload:    session.Summary,
	})
}

func (im *Importer) notifier() Notifier {
	if im.Notifier == nil {
		return nopNotifier{}
	}
	return im.Notifier
}

func (im *Importer) now() time.Time {
	if im.Now == nil {
		return time.Now().UTC()
	}
	return im.Now()
}
