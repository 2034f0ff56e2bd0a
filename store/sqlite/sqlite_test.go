package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/estate-reconciler/reconcile"
)

var day = time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func pendingTx(id string, amount string) reconcile.Transaction {
	return reconcile.Transaction{
		ID:              reconcile.TransactionID(id),
		SessionID:       "sess-1",
		MessageID:       "<" + id + "@bank>",
		TransactionDate: day,
		Amount:          decimal.RequireFromString(amount),
		Direction:       reconcile.DirectionCredit,
		Description:     "JOHN A SMITH TRF",
		SenderHint:      "JOHN A SMITH TRF",
		Reference:       "FT-" + id,
		AccountLast4:    "1234",
		Confidence:      reconcile.ConfidenceNone,
		Status:          reconcile.StatusPending,
		Version:         1,
		CreatedAt:       day,
		UpdatedAt:       day,
	}
}

func TestTransaction_RoundTripAndVersioning(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// GIVEN: A stored pending transaction
	require.NoError(t, s.CreateTransaction(ctx, pendingTx("tx-1", "50000.25")))

	got, err := s.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("50000.25")), "amount %s", got.Amount)
	assert.Equal(t, day, got.TransactionDate)
	assert.Equal(t, 1, got.Version)

	// WHEN: Updating at the current version
	reviewed := day.Add(time.Hour)
	got.Status = reconcile.StatusSkipped
	got.ReviewNotes = "duplicate"
	got.ReviewedAt = &reviewed
	require.NoError(t, s.UpdateTransaction(ctx, *got))

	// THEN: Version bumped, stale writers rejected
	after, err := s.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, 2, after.Version)
	assert.Equal(t, reconcile.StatusSkipped, after.Status)
	require.NotNil(t, after.ReviewedAt)
	assert.Equal(t, reviewed, *after.ReviewedAt)

	err = s.UpdateTransaction(ctx, *got) // still version 1
	assert.ErrorIs(t, err, reconcile.ErrConcurrentModification)

	missing := pendingTx("tx-404", "1")
	assert.ErrorIs(t, s.UpdateTransaction(ctx, missing), reconcile.ErrTransactionNotFound)
	_, err = s.GetTransaction(ctx, "tx-404")
	assert.ErrorIs(t, err, reconcile.ErrTransactionNotFound)

	seen, err := s.HasMessage(ctx, "<tx-1@bank>")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestTransaction_ListFilters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for i, id := range []string{"tx-a", "tx-b", "tx-c"} {
		tx := pendingTx(id, "100")
		tx.TransactionDate = day.AddDate(0, 0, i)
		tx.Status = reconcile.StatusQueuedForReview
		tx.MatchedResidentID = "res-1"
		require.NoError(t, s.CreateTransaction(ctx, tx))
	}
	other := pendingTx("tx-z", "250")
	other.SenderHint = "ZENITH POS"
	other.Description = "ZENITH POS"
	require.NoError(t, s.CreateTransaction(ctx, other))
	require.NoError(t, s.SaveResident(ctx, reconcile.Resident{ID: "res-1", FirstName: "Ngozi", LastName: "Eze", Active: true}))

	page, total, err := s.ListTransactions(ctx, reconcile.TransactionFilter{
		Statuses: []reconcile.Status{reconcile.StatusQueuedForReview}, Limit: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, reconcile.TransactionID("tx-c"), page[0].ID, "newest first")

	found, total, err := s.ListTransactions(ctx, reconcile.TransactionFilter{Search: "zenith"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, reconcile.TransactionID("tx-z"), found[0].ID)

	_, total, err = s.ListTransactions(ctx, reconcile.TransactionFilter{Search: "ngozi eze"})
	require.NoError(t, err)
	assert.Equal(t, 3, total, "matched resident name")

	_, total, err = s.ListTransactions(ctx, reconcile.TransactionFilter{Search: "100.00"})
	require.NoError(t, err)
	assert.Equal(t, 3, total, "two-place amount")

	byAmount, total, err := s.ListTransactions(ctx, reconcile.TransactionFilter{Search: "250"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, reconcile.TransactionID("tx-z"), byAmount[0].ID)

	empty, total, err := s.ListTransactions(ctx, reconcile.TransactionFilter{Search: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.NotNil(t, empty)
}

func TestAlias_UpsertIsUniquePerResidentAndText(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	first, err := s.UpsertAlias(ctx, reconcile.Alias{
		ID: "al-1", ResidentID: "res-1", Text: "JOHN A SMITH TRF", NormalizedText: "john a smith trf",
		CreatedBy: "admin", CreatedAt: day,
	})
	require.NoError(t, err)
	require.NoError(t, s.DeactivateAlias(ctx, first.ID))

	// Same (resident, text) reuses and reactivates the row
	second, err := s.UpsertAlias(ctx, reconcile.Alias{
		ID: "al-2", ResidentID: "res-1", Text: "John A Smith TRF", NormalizedText: "john a smith trf",
		CreatedBy: "admin", CreatedAt: day,
	})
	require.NoError(t, err)
	assert.Equal(t, reconcile.AliasID("al-1"), second.ID)
	assert.True(t, second.Active)
	assert.Equal(t, "John A Smith TRF", second.Text)

	aliases, err := s.ListAliases(ctx, reconcile.AliasFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, aliases, 1)

	assert.ErrorIs(t, s.DeactivateAlias(ctx, "al-404"), reconcile.ErrAliasNotFound)
}

func TestAlias_ResaveTakesNextRevision(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	save := func(id string, resident reconcile.ResidentID, at time.Time) reconcile.Alias {
		a, err := s.UpsertAlias(ctx, reconcile.Alias{
			ID: reconcile.AliasID(id), ResidentID: resident, Text: "JOHN A SMITH TRF", NormalizedText: "john a smith trf",
			CreatedBy: "admin", CreatedAt: at, UpdatedAt: at,
		})
		require.NoError(t, err)
		return a
	}

	// GIVEN: res-1, res-2, then res-1 again, inside one second
	first := save("al-1", "res-1", day)
	second := save("al-2", "res-2", day.Add(300*time.Millisecond))
	again := save("al-3", "res-1", day.Add(600*time.Millisecond))

	// THEN: The re-save keeps its row but moves ahead
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, day, again.CreatedAt)
	assert.Equal(t, day.Add(600*time.Millisecond), again.UpdatedAt)
	assert.Greater(t, second.Revision, first.Revision)
	assert.Greater(t, again.Revision, second.Revision)

	aliases, err := s.ListAliases(ctx, reconcile.AliasFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Equal(t, reconcile.ResidentID("res-1"), reconcile.LatestAliases(aliases)["john a smith trf"].ResidentID)
}

func TestCorruptJSONIsReported(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// Unencodable payloads are refused
	err := s.AppendAudit(ctx, reconcile.AuditEntry{
		ID: "au-1", Timestamp: day, Action: reconcile.AuditSkip, EntityType: "email_transaction", EntityID: "tx-1",
		Payload: map[string]any{"bad": make(chan int)},
	})
	assert.Error(t, err)

	// Undecodable stored columns surface on read
	_, err = s.db.Exec(`INSERT INTO audit_log (id, timestamp, actor_id, action, entity_type, entity_id, payload_json)
		VALUES ('au-2', ?, 'admin', 'skip', 'email_transaction', 'tx-2', '{not json')`, formatTime(day))
	require.NoError(t, err)
	_, err = s.QueryAudit(ctx, reconcile.AuditFilter{EntityID: "tx-2"})
	assert.ErrorContains(t, err, "failed to decode audit payload")

	_, err = s.db.Exec(`INSERT INTO residents (id, first_name, last_name, house_numbers_json, active, created_at)
		VALUES ('res-bad', 'A', 'B', '[1,', TRUE, ?)`, formatTime(day))
	require.NoError(t, err)
	_, err = s.GetResident(ctx, "res-bad")
	assert.ErrorContains(t, err, "failed to decode house numbers")
}

func TestResident_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	r := reconcile.Resident{
		ID: "res-1", FirstName: "Musa", LastName: "Bello", Phone: "08031234567",
		AlternateNames: []string{"Bello Musa"}, HouseNumbers: []string{"Block A Plot 5"},
		Active: true, CreatedAt: day,
	}
	require.NoError(t, s.SaveResident(ctx, r))
	require.NoError(t, s.SaveResident(ctx, reconcile.Resident{ID: "res-2", FirstName: "Gone", Active: false, CreatedAt: day}))

	got, err := s.GetResident(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, r, *got)

	active, err := s.ListResidents(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	_, err = s.GetResident(ctx, "res-404")
	assert.ErrorIs(t, err, reconcile.ErrResidentNotFound)
}

func TestLedger_UniquePerTransaction(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	entry := reconcile.LedgerEntry{
		ID: "le-1", TransactionID: "tx-1", ResidentID: "res-1", Kind: reconcile.EntryWalletDebit,
		Amount: decimal.RequireFromString("-1500.50"), Reference: "FT1", EffectiveAt: day,
		IdempotencyKey: reconcile.IdempotencyKey("tx-1"), CreatedAt: day,
	}
	require.NoError(t, s.AppendLedgerEntry(ctx, entry))

	dup := entry
	dup.ID = "le-2"
	assert.ErrorIs(t, s.AppendLedgerEntry(ctx, dup), reconcile.ErrDuplicateIdempotencyKey)

	got, err := s.LedgerEntryByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Amount.Equal(entry.Amount), "signed amount survives: %s", got.Amount)

	none, err := s.LedgerEntryByTransaction(ctx, "tx-2")
	require.NoError(t, err)
	assert.Nil(t, none)

	// Window query is [From, To)
	amount := entry.Amount
	from, to := day.AddDate(0, 0, -1), day
	hits, err := s.FindLedgerEntries(ctx, reconcile.LedgerQuery{ResidentID: "res-1", Amount: &amount, From: &from, To: &to})
	require.NoError(t, err)
	assert.Empty(t, hits)
	to = day.Add(time.Second)
	hits, err = s.FindLedgerEntries(ctx, reconcile.LedgerQuery{ResidentID: "res-1", Amount: &amount, From: &from, To: &to})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSession_SealedRejectsUpdates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	session := reconcile.ImportSession{ID: "sess-1", Mailbox: "alerts@estate.test", Status: reconcile.SessionRunning, StartedAt: day}
	require.NoError(t, s.CreateSession(ctx, session))

	done := day.Add(time.Minute)
	session.Status = reconcile.SessionCompleted
	session.CompletedAt = &done
	session.EmailsFetched = 3
	session.Counters = reconcile.SessionCounters{Extracted: 2, CreditedTotal: decimal.NewFromInt(700)}
	session.Summary = map[string]any{"emails_fetched": 3}
	require.NoError(t, s.UpdateSession(ctx, session))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, got.Completed())
	assert.Equal(t, 3, got.EmailsFetched)
	assert.Equal(t, 2, got.Counters.Extracted)
	assert.True(t, got.Counters.CreditedTotal.Equal(decimal.NewFromInt(700)))

	assert.ErrorIs(t, s.UpdateSession(ctx, session), reconcile.ErrSessionCompleted)
	assert.ErrorIs(t, s.UpdateSession(ctx, reconcile.ImportSession{ID: "nope"}), reconcile.ErrSessionNotFound)

	list, err := s.ListSessions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateTransaction(ctx, pendingTx("tx-1", "100")))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(st reconcile.Store) error {
		tx, err := st.GetTransaction(ctx, "tx-1")
		if err != nil {
			return err
		}
		tx.Status = reconcile.StatusSkipped
		if err := st.UpdateTransaction(ctx, *tx); err != nil {
			return err
		}
		if err := st.AppendAudit(ctx, reconcile.AuditEntry{
			ID: "au-1", Timestamp: day, Action: reconcile.AuditSkip, EntityType: "email_transaction", EntityID: "tx-1",
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	tx, err := s.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusPending, tx.Status)
	assert.Equal(t, 1, tx.Version)

	audit, err := s.QueryAudit(ctx, reconcile.AuditFilter{EntityID: "tx-1"})
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestAudit_NewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for i, action := range []reconcile.AuditAction{reconcile.AuditSkip, reconcile.AuditApprove, reconcile.AuditAliasSaved} {
		require.NoError(t, s.AppendAudit(ctx, reconcile.AuditEntry{
			ID: string(action), Timestamp: day.Add(time.Duration(i) * time.Minute), ActorID: "admin",
			Action: action, EntityType: "email_transaction", EntityID: "tx-1",
			Payload: map[string]any{"n": i},
		}))
	}

	got, err := s.QueryAudit(ctx, reconcile.AuditFilter{ActorID: "admin", Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, reconcile.AuditAliasSaved, got[0].Action)
	assert.Equal(t, float64(2), got[0].Payload["n"])

	approvals, err := s.QueryAudit(ctx, reconcile.AuditFilter{Actions: []reconcile.AuditAction{reconcile.AuditApprove}})
	require.NoError(t, err)
	assert.Len(t, approvals, 1)
}

func TestMoneyConversion(t *testing.T) {
	assert.Equal(t, int64(5000025), toMinor(decimal.RequireFromString("50000.25")))
	assert.Equal(t, int64(-150), toMinor(decimal.RequireFromString("-1.50")))
	assert.Equal(t, "12.30", fromMinor(1230).StringFixed(2))
}
