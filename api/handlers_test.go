/*
handlers_test.go - HTTP tests for the review and import endpoints

Tests for:
- Import push, session summary and error statuses
- Process/skip through the router, including 409 on a second attempt
- Residents, aliases and wallets
- Scenario loading
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/estate-reconciler/extract"
	"github.com/warp/estate-reconciler/matching"
	"github.com/warp/estate-reconciler/reconcile"
	"github.com/warp/estate-reconciler/store/sqlite"
)

var testNow = time.Date(2025, 2, 3, 8, 0, 0, 0, time.UTC)

type testAPI struct {
	store   *sqlite.Store
	handler *Handler
	router  http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger := reconcile.NewLedgerApplier()
	ledger.Now = func() time.Time { return testNow }
	importer := &reconcile.Importer{
		Store:      store,
		Extractor:  extract.New(),
		NewMatcher: matching.Builder(matching.DefaultConfig()),
		Ledger:     ledger,
		Estate:     reconcile.EstateConfig{AutoProcessEnabled: true},
		Duplicates: reconcile.DefaultDuplicatePolicy(),
		Now:        func() time.Time { return testNow },
	}
	queue := reconcile.NewReviewQueue(store, ledger)
	queue.Now = func() time.Time { return testNow }

	h := NewHandler(store, importer, queue)
	h.Now = func() time.Time { return testNow }
	return &testAPI{store: store, handler: h, router: NewRouter(h)}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (a *testAPI) seedResidents(t *testing.T) {
	t.Helper()
	for _, req := range []CreateResidentRequest{
		{ID: "res-john", FirstName: "John", LastName: "Smith"},
		{ID: "res-ada", FirstName: "Ada", LastName: "Obi", Phone: "08031234567"},
	} {
		w := a.do(t, http.MethodPost, "/api/residents", req)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
}

func alert(id, sender, amount, ref string) EmailDTO {
	return EmailDTO{
		MessageID:  id,
		Subject:    "Credit Alert",
		Body:       "Your account ****1234 has been credited with NGN " + amount + " by " + sender + " on 01/02/2025. Ref: " + ref + ".",
		ReceivedAt: "2025-02-01T09:00:00Z",
	}
}

// importOne pushes a single alert and returns the resulting transaction.
func (a *testAPI) importOne(t *testing.T, email EmailDTO) (SessionDTO, TransactionDTO) {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/imports", ImportRequest{Mailbox: "alerts@estate.test", Emails: []EmailDTO{email}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	session := decode[SessionDTO](t, w)

	txs, err := a.store.SessionTransactions(context.Background(), reconcile.SessionID(session.ID))
	require.NoError(t, err)
	require.Len(t, txs, 1)
	return session, toTransactionDTO(txs[0])
}

// =============================================================================
// IMPORTS
// =============================================================================

func TestRunImport_QueuesFuzzyMatch(t *testing.T) {
	// GIVEN
	a := newTestAPI(t)
	a.seedResidents(t)

	// WHEN
	session, tx := a.importOne(t, alert("<m1@bank>", "JOHN A SMITH TRF", "50,000.00", "FT0001"))

	// THEN
	assert.Equal(t, "completed", session.Status)
	assert.Equal(t, 1, session.EmailsFetched)
	assert.Equal(t, 1, session.Counters.Queued)
	assert.Equal(t, "0.00", session.Counters.CreditedTotal)
	assert.Equal(t, "queued_for_review", tx.Status)
	assert.Equal(t, "medium", tx.Confidence)
	assert.Equal(t, "50000.00", tx.Amount)

	w := a.do(t, http.MethodGet, "/api/imports/"+session.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[SessionDTO](t, w).Counters.Extracted)

	w = a.do(t, http.MethodGet, "/api/imports", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]SessionDTO](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Counters.Queued)
}

func TestRunImport_Validation(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/imports", ImportRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	bad := alert("<m1@bank>", "X", "1.00", "R1")
	bad.ReceivedAt = "yesterday"
	w = a.do(t, http.MethodPost, "/api/imports", ImportRequest{Emails: []EmailDTO{bad}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFetchImport_NoSourceConfigured(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodPost, "/api/imports/fetch", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetImport_NotFound(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/api/imports/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// REVIEW
// =============================================================================

func TestProcessTransaction_CreditsWalletAndSavesAlias(t *testing.T) {
	// GIVEN: A queued transaction
	a := newTestAPI(t)
	a.seedResidents(t)
	_, tx := a.importOne(t, alert("<m1@bank>", "JOHN A SMITH TRF", "50,000.00", "FT0001"))

	// WHEN: The reviewer approves it and saves the sender as an alias
	w := a.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/process", ProcessRequestDTO{
		ResidentID:  "res-john",
		SaveAsAlias: true,
		ReviewerID:  "admin-1",
	})

	// THEN
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[ProcessResponse](t, w)
	assert.Equal(t, "processed", resp.Transaction.Status)
	assert.Equal(t, "admin-1", resp.Transaction.ReviewedBy)
	assert.Equal(t, "50000.00", resp.LedgerEntry.Amount)
	require.NotNil(t, resp.Alias)
	assert.Equal(t, "john a smith trf", resp.Alias.NormalizedText)

	w = a.do(t, http.MethodGet, "/api/residents/res-john/wallet", nil)
	require.Equal(t, http.StatusOK, w.Code)
	wallet := decode[WalletDTO](t, w)
	assert.Equal(t, "50000.00", wallet.Balance)
	assert.Len(t, wallet.Entries, 1)

	// AND: A second process attempt is a conflict
	w = a.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/process", ProcessRequestDTO{ResidentID: "res-john"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, http.MethodGet, "/api/audit?entity_id="+tx.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	audit := decode[[]AuditEntryDTO](t, w)
	require.Len(t, audit, 1)
	assert.Equal(t, "approve", audit[0].Action)
}

func TestProcessTransaction_Errors(t *testing.T) {
	a := newTestAPI(t)
	a.seedResidents(t)
	_, tx := a.importOne(t, alert("<m1@bank>", "JOHN A SMITH TRF", "50,000.00", "FT0001"))

	tests := []struct {
		name string
		id   string
		body ProcessRequestDTO
		want int
	}{
		{"missing resident", tx.ID, ProcessRequestDTO{}, http.StatusBadRequest},
		{"unknown transaction", "tx-missing", ProcessRequestDTO{ResidentID: "res-john"}, http.StatusNotFound},
		{"ledger rejects unknown resident", tx.ID, ProcessRequestDTO{ResidentID: "res-ghost"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, "/api/transactions/"+tt.id+"/process", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	// THEN: Nothing moved
	w := a.do(t, http.MethodGet, "/api/transactions/"+tx.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "queued_for_review", decode[TransactionDTO](t, w).Status)
}

func TestSkipTransaction(t *testing.T) {
	a := newTestAPI(t)
	a.seedResidents(t)
	_, tx := a.importOne(t, alert("<m1@bank>", "JOHN A SMITH TRF", "50,000.00", "FT0001"))

	w := a.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/skip", SkipRequestDTO{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "reason is required")

	req := httptest.NewRequest(http.MethodPost, "/api/transactions/"+tx.ID+"/skip",
		bytes.NewBufferString(`{"reason":"refund, not a levy"}`))
	req.Header.Set(ReviewerHeader, "admin-2")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	skipped := decode[TransactionDTO](t, rec)
	assert.Equal(t, "skipped", skipped.Status)
	assert.Equal(t, "admin-2", skipped.ReviewedBy)
	assert.Equal(t, "refund, not a levy", skipped.ReviewNotes)

	w = a.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/skip", SkipRequestDTO{Reason: "again"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListReviewQueue(t *testing.T) {
	// GIVEN: One queued and one unmatched transaction
	a := newTestAPI(t)
	a.seedResidents(t)
	a.importOne(t, alert("<m1@bank>", "JOHN A SMITH TRF", "50,000.00", "FT0001"))
	a.importOne(t, alert("<m2@bank>", "ZENITH OUTSOURCING", "12,500.00", "FT0002"))

	// WHEN/THEN: Default lists the queue only
	w := a.do(t, http.MethodGet, "/api/review-queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[ReviewQueueResponse](t, w)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, reconcile.DefaultPageSize, page.Limit)

	w = a.do(t, http.MethodGet, "/api/review-queue?status=pending,queued_for_review&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = decode[ReviewQueueResponse](t, w)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Items, 1)

	w = a.do(t, http.MethodGet, "/api/review-queue?status=pending&search=zenith", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[ReviewQueueResponse](t, w).Total)

	// Search also covers the amount and the matched resident's name
	for _, q := range []string{"50000", "50,000.00", "john%20smith"} {
		w = a.do(t, http.MethodGet, "/api/review-queue?status=pending,queued_for_review&search="+q, nil)
		require.Equal(t, http.StatusOK, w.Code)
		page = decode[ReviewQueueResponse](t, w)
		require.Equal(t, 1, page.Total, q)
		assert.Equal(t, "res-john", page.Items[0].ResidentID, q)
	}

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/api/review-queue?status=lost", nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/api/review-queue?limit=abc", nil).Code)
}

// =============================================================================
// RESIDENTS AND ALIASES
// =============================================================================

func TestResidentsAndAliases(t *testing.T) {
	a := newTestAPI(t)
	a.seedResidents(t)

	w := a.do(t, http.MethodGet, "/api/residents/res-ada", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ada Obi", decode[ResidentDTO](t, w).FullName)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/residents/nobody", nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/residents", CreateResidentRequest{ID: "x"}).Code)

	// Alias lifecycle
	w = a.do(t, http.MethodPost, "/api/residents/res-ada/aliases", CreateAliasRequest{Text: "  ADA  OBI VENTURES ", CreatedBy: "admin-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	alias := decode[AliasDTO](t, w)
	assert.Equal(t, "ada obi ventures", alias.NormalizedText)

	assert.Equal(t, http.StatusBadRequest,
		a.do(t, http.MethodPost, "/api/residents/res-ada/aliases", CreateAliasRequest{Text: "  "}).Code)
	assert.Equal(t, http.StatusNotFound,
		a.do(t, http.MethodPost, "/api/residents/nobody/aliases", CreateAliasRequest{Text: "X"}).Code)

	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodDelete, "/api/aliases/"+alias.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodDelete, "/api/aliases/missing", nil).Code)

	w = a.do(t, http.MethodGet, "/api/residents/res-ada/aliases?active=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]AliasDTO](t, w))

	w = a.do(t, http.MethodGet, "/api/audit?action=alias_saved", nil)
	require.Equal(t, http.StatusOK, w.Code)
	audit := decode[[]AuditEntryDTO](t, w)
	require.Len(t, audit, 1)
	assert.Equal(t, "admin-1", audit[0].ActorID)
}

// =============================================================================
// SCENARIOS AND HEALTH
// =============================================================================

func TestLoadScenario_EstateBasic(t *testing.T) {
	// GIVEN
	a := newTestAPI(t)

	// WHEN
	w := a.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "estate-basic"})

	// THEN: The newsletter is skipped, every alert is extracted
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[LoadScenarioResponse](t, w)
	assert.Equal(t, 3, resp.Residents)
	require.NotNil(t, resp.Session)
	assert.Equal(t, 7, resp.Session.EmailsFetched)
	assert.Equal(t, 1, resp.Session.EmailsSkipped)
	assert.Equal(t, 6, resp.Session.Counters.Extracted)

	w = a.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "estate-basic", decode[ScenarioDTO](t, w).ID)

	// AND: Loading again imports nothing new
	w = a.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "estate-basic"})
	require.Equal(t, http.StatusOK, w.Code)
	again := decode[LoadScenarioResponse](t, w)
	assert.Equal(t, 7, again.Session.EmailsSkipped)
	assert.Equal(t, 0, again.Session.Counters.Extracted)
}

func TestLoadScenario_AliasLearning(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "alias-learning"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[LoadScenarioResponse](t, w)
	assert.Equal(t, 1, resp.Session.Counters.AutoProcessed)
	assert.Equal(t, 1, resp.Session.Counters.Queued)

	w = a.do(t, http.MethodGet, "/api/residents/res-john/wallet", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "50000.00", decode[WalletDTO](t, w).Balance)
}

func TestLoadScenario_Unknown(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodGet, "/api/scenarios", nil)
	assert.Len(t, decode[[]ScenarioDTO](t, w), len(scenarios))
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
