package reconcile

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTransition_TerminalStatesHaveNoExit(t *testing.T) {
	for _, from := range []Status{StatusProcessed, StatusSkipped, StatusAutoProcessed, StatusError} {
		assert.True(t, from.Terminal(), from)
		for _, to := range AllStatuses {
			tx := Transaction{ID: "tx", Status: from, MatchedResidentID: "res-1"}
			err := Transition(&tx, to, at)
			var stateErr *InvalidStateError
			require.ErrorAs(t, err, &stateErr, "%s -> %s", from, to)
			assert.Equal(t, from, tx.Status, "status must not change on rejection")
		}
	}
}

func TestTransition_ResidentRequired(t *testing.T) {
	for _, to := range []Status{StatusMatched, StatusAutoProcessed, StatusQueuedForReview, StatusProcessed} {
		tx := Transaction{ID: "tx", Status: StatusPending}
		err := Transition(&tx, to, at)
		assert.ErrorIs(t, err, ErrInvalidState, to)
		assert.Equal(t, StatusPending, tx.Status)
	}

	// skipped and error carry no resident requirement
	tx := Transaction{ID: "tx", Status: StatusPending}
	require.NoError(t, Transition(&tx, StatusSkipped, at))
	assert.Equal(t, at, tx.UpdatedAt)
}

func TestTransition_ReviewableSet(t *testing.T) {
	assert.True(t, StatusPending.Reviewable())
	assert.True(t, StatusMatched.Reviewable())
	assert.True(t, StatusQueuedForReview.Reviewable())
	assert.False(t, StatusAutoProcessed.Reviewable())
	assert.False(t, StatusProcessed.Reviewable())
	assert.False(t, StatusSkipped.Reviewable())
	assert.False(t, StatusError.Reviewable())
}

func TestRoute_Table(t *testing.T) {
	credit := Transaction{Direction: DirectionCredit, Amount: decimal.NewFromInt(100)}
	debit := Transaction{Direction: DirectionDebit, Amount: decimal.NewFromInt(100)}
	on := EstateConfig{AutoProcessEnabled: true}
	off := EstateConfig{}

	tests := []struct {
		name   string
		tx     Transaction
		match  MatchResult
		estate EstateConfig
		want   Status
	}{
		{"high credit auto on", credit, MatchResult{ResidentID: "r", Confidence: ConfidenceHigh}, on, StatusAutoProcessed},
		{"high credit auto off", credit, MatchResult{ResidentID: "r", Confidence: ConfidenceHigh}, off, StatusQueuedForReview},
		{"high debit", debit, MatchResult{ResidentID: "r", Confidence: ConfidenceHigh}, on, StatusQueuedForReview},
		{"medium", credit, MatchResult{ResidentID: "r", Confidence: ConfidenceMedium}, on, StatusQueuedForReview},
		{"low", credit, MatchResult{ResidentID: "r", Confidence: ConfidenceLow}, on, StatusQueuedForReview},
		{"none", credit, MatchResult{Confidence: ConfidenceNone}, on, StatusPending},
		{"ambiguous high", credit, MatchResult{ResidentID: "r", Confidence: ConfidenceHigh, Ambiguous: true}, on, StatusQueuedForReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Route(tt.tx, tt.match, tt.estate))
		})
	}
}

func TestRoute_OnlyHighCreditWithAutoMovesMoney(t *testing.T) {
	// Property: auto_processed iff high AND credit AND auto enabled
	for _, conf := range []Confidence{ConfidenceHigh, ConfidenceMedium, ConfidenceLow, ConfidenceNone} {
		for _, dir := range []Direction{DirectionCredit, DirectionDebit} {
			for _, auto := range []bool{true, false} {
				tx := Transaction{Direction: dir, Amount: decimal.NewFromInt(1)}
				m := MatchResult{Confidence: conf}
				if conf != ConfidenceNone {
					m.ResidentID = "r"
				}
				got := Route(tx, m, EstateConfig{AutoProcessEnabled: auto})
				want := conf == ConfidenceHigh && dir == DirectionCredit && auto
				assert.Equal(t, want, got == StatusAutoProcessed, "%s/%s/%v", conf, dir, auto)
			}
		}
	}
}

func TestConfidence_Downgrade(t *testing.T) {
	assert.Equal(t, ConfidenceMedium, ConfidenceHigh.Downgrade())
	assert.Equal(t, ConfidenceLow, ConfidenceMedium.Downgrade())
	assert.Equal(t, ConfidenceLow, ConfidenceLow.Downgrade())
}

func TestSummarize_CountsEachRowOnce(t *testing.T) {
	txs := []Transaction{
		{Status: StatusPending},
		{Status: StatusQueuedForReview, MatchedResidentID: "r1"},
		{Status: StatusProcessed, MatchedResidentID: "r1", LedgerEntryID: "le-1", Direction: DirectionCredit, Amount: decimal.NewFromInt(500)},
		{Status: StatusAutoProcessed, MatchedResidentID: "r2", LedgerEntryID: "le-2", Direction: DirectionCredit, Amount: decimal.NewFromInt(250)},
		{Status: StatusSkipped},
		{Status: StatusError, MatchedResidentID: "r3"},
	}

	c := Summarize(txs)

	assert.Equal(t, 6, c.Extracted)
	assert.Equal(t, 4, c.Matched)
	assert.Equal(t, 1, c.Unmatched)
	assert.Equal(t, 1, c.Queued)
	assert.Equal(t, 1, c.Processed)
	assert.Equal(t, 1, c.AutoProcessed)
	assert.Equal(t, 1, c.Skipped)
	assert.Equal(t, 1, c.Errored)
	assert.True(t, c.CreditedTotal.Equal(decimal.NewFromInt(750)))

	// Re-aggregating yields the same counters
	assert.Equal(t, c, Summarize(txs))
}

func TestSummarize_QueuedSurvivesReview(t *testing.T) {
	// GIVEN: A row routed to review
	tx := Transaction{Status: StatusMatched, MatchedResidentID: "r1"}
	require.NoError(t, Transition(&tx, StatusQueuedForReview, at))
	require.NotNil(t, tx.QueuedAt)
	assert.Equal(t, 1, Summarize([]Transaction{tx}).Queued)

	// WHEN: The reviewer processes it
	require.NoError(t, Transition(&tx, StatusProcessed, at.Add(time.Hour)))

	// THEN: Queued still counts it once, next to processed
	c := Summarize([]Transaction{tx})
	assert.Equal(t, 1, c.Queued)
	assert.Equal(t, 1, c.Processed)
	assert.Equal(t, at, *tx.QueuedAt)
}

func TestLatestAliases_LastWriterWins(t *testing.T) {
	older := Alias{ID: "a1", ResidentID: "r1", NormalizedText: "john s", Active: true, CreatedAt: at}
	newer := Alias{ID: "a2", ResidentID: "r2", NormalizedText: "john s", Active: true, CreatedAt: at.Add(time.Hour)}
	inactive := Alias{ID: "a3", ResidentID: "r3", NormalizedText: "john s", Active: false, CreatedAt: at.Add(2 * time.Hour)}

	got := LatestAliases([]Alias{newer, inactive, older})

	assert.Equal(t, ResidentID("r2"), got["john s"].ResidentID)
}

func TestLatestAliases_RevisionBeatsTimestamps(t *testing.T) {
	// r1 re-saved its row after r2: higher revision, older CreatedAt
	resaved := Alias{ID: "a1", ResidentID: "r1", NormalizedText: "john s", Active: true,
		CreatedAt: at, UpdatedAt: at.Add(time.Hour), Revision: 3}
	other := Alias{ID: "a2", ResidentID: "r2", NormalizedText: "john s", Active: true,
		CreatedAt: at.Add(time.Hour), UpdatedAt: at.Add(time.Hour), Revision: 2}

	got := LatestAliases([]Alias{resaved, other})

	assert.Equal(t, ResidentID("r1"), got["john s"].ResidentID)
}
