/*
handlers.go - HTTP API handlers for the estate payment reconciler

PURPOSE:
  Exposes the reconciliation pipeline and the review queue via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  reconcile package.

ENDPOINTS:
  Residents:
    GET    /api/residents                 List residents (?active=true)
    POST   /api/residents                 Create or replace a resident
    GET    /api/residents/{id}            Resident details
    GET    /api/residents/{id}/wallet     Balance replayed from ledger entries
    GET    /api/residents/{id}/aliases    Aliases (?active=true)
    POST   /api/residents/{id}/aliases    Save an alias
    DELETE /api/aliases/{id}              Deactivate an alias

  Imports:
    POST   /api/imports                   Run the pipeline over pushed emails
    POST   /api/imports/fetch             Run the pipeline over the mailbox source
    GET    /api/imports                   Recent sessions (?limit=)
    GET    /api/imports/{id}              Session with derived counters

  Review:
    GET    /api/review-queue              ?status=&session_id=&search=&limit=&offset=
    GET    /api/transactions/{id}         Single transaction
    POST   /api/transactions/{id}/process Credit a resident's wallet
    POST   /api/transactions/{id}/skip    Close without crediting

  Audit:
    GET    /api/audit                     ?entity_id=&actor_id=&action=&limit=

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: persistence with transaction support
  - Queue: reviewer actions
  - Importer: the email pipeline

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Invalid state, concurrent modification
  - 422: Ledger write failed (the whole action was rolled back)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/estate-reconciler/reconcile"
)

// ReviewerHeader carries the reviewer identity when the body does not.
const ReviewerHeader = "X-Reviewer-ID"

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Store    reconcile.TxStore
	Queue    *reconcile.ReviewQueue
	Importer *reconcile.Importer

	// Mailbox names sessions created from pushed emails when the request
	// does not name one.
	Mailbox string
	Now     func() time.Time

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(store reconcile.TxStore, importer *reconcile.Importer, queue *reconcile.ReviewQueue) *Handler {
	return &Handler{
		Store:    store,
		Queue:    queue,
		Importer: importer,
		Mailbox:  "api",
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now()
}

// Health pings the store when it supports it.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RESIDENT ENDPOINTS
// =============================================================================

// ListResidents returns the resident directory.
// GET /api/residents
func (h *Handler) ListResidents(w http.ResponseWriter, r *http.Request) {
	residents, err := h.Store.ListResidents(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list residents", err)
		return
	}
	dtos := make([]ResidentDTO, 0, len(residents))
	for _, res := range residents {
		dtos = append(dtos, toResidentDTO(res))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateResident creates or replaces a resident.
// POST /api/residents
func (h *Handler) CreateResident(w http.ResponseWriter, r *http.Request) {
	var req CreateResidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.FirstName+req.LastName) == "" {
		writeError(w, http.StatusBadRequest, "id and a name are required", nil)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	res := reconcile.Resident{
		ID:             reconcile.ResidentID(req.ID),
		Code:           req.Code,
		FirstName:      strings.TrimSpace(req.FirstName),
		LastName:       strings.TrimSpace(req.LastName),
		AlternateNames: req.AlternateNames,
		Phone:          req.Phone,
		Email:          req.Email,
		HouseNumbers:   req.HouseNumbers,
		Active:         active,
		CreatedAt:      h.now(),
	}
	if err := h.Store.SaveResident(r.Context(), res); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save resident", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResidentDTO(res))
}

// GetResident returns a single resident.
// GET /api/residents/{id}
func (h *Handler) GetResident(w http.ResponseWriter, r *http.Request) {
	res, err := h.Store.GetResident(r.Context(), reconcile.ResidentID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get resident", err)
		return
	}
	writeJSON(w, http.StatusOK, toResidentDTO(*res))
}

// GetWallet returns the resident's balance and the entries behind it.
// GET /api/residents/{id}/wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := reconcile.ResidentID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetResident(ctx, id); err != nil {
		writeDomainError(w, "Failed to get resident", err)
		return
	}

	balance, entries, err := reconcile.WalletBalance(ctx, h.Store, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute wallet", err)
		return
	}
	dto := WalletDTO{
		ResidentID: string(id),
		Balance:    balance.StringFixed(2),
		Entries:    make([]LedgerEntryDTO, 0, len(entries)),
	}
	for _, e := range entries {
		dto.Entries = append(dto.Entries, toLedgerEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// ALIAS ENDPOINTS
// =============================================================================

// ListAliases returns a resident's aliases.
// GET /api/residents/{id}/aliases
func (h *Handler) ListAliases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := reconcile.ResidentID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetResident(ctx, id); err != nil {
		writeDomainError(w, "Failed to get resident", err)
		return
	}

	aliases, err := h.Store.ListAliases(ctx, reconcile.AliasFilter{
		ResidentID: id,
		ActiveOnly: r.URL.Query().Get("active") == "true",
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list aliases", err)
		return
	}
	dtos := make([]AliasDTO, 0, len(aliases))
	for _, a := range aliases {
		dtos = append(dtos, toAliasDTO(a))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAlias saves (or reactivates) an alias for a resident.
// POST /api/residents/{id}/aliases
func (h *Handler) CreateAlias(w http.ResponseWriter, r *http.Request) {
	var req CreateAliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	alias, err := reconcile.RegisterAlias(r.Context(), h.Store,
		reconcile.ResidentID(chi.URLParam(r, "id")), req.Text, reviewer(r, req.CreatedBy), h.now())
	if err != nil {
		writeDomainError(w, "Failed to save alias", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAliasDTO(alias))
}

// DeactivateAlias hides an alias from matching.
// DELETE /api/aliases/{id}
func (h *Handler) DeactivateAlias(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeactivateAlias(r.Context(), reconcile.AliasID(chi.URLParam(r, "id"))); err != nil {
		writeDomainError(w, "Failed to deactivate alias", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// IMPORT ENDPOINTS
// =============================================================================

// RunImport runs the pipeline over emails pushed in the request body.
// POST /api/imports
func (h *Handler) RunImport(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Emails) == 0 {
		writeError(w, http.StatusBadRequest, "At least one email is required", nil)
		return
	}

	mailbox := strings.TrimSpace(req.Mailbox)
	if mailbox == "" {
		mailbox = h.Mailbox
	}
	emails := make([]reconcile.Email, 0, len(req.Emails))
	for i, e := range req.Emails {
		received := h.now()
		if e.ReceivedAt != "" {
			t, err := time.Parse(time.RFC3339, e.ReceivedAt)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("emails[%d].received_at must be RFC3339", i), err)
				return
			}
			received = t.UTC()
		}
		emails = append(emails, reconcile.Email{
			MessageID:  strings.TrimSpace(e.MessageID),
			Mailbox:    mailbox,
			From:       e.From,
			Subject:    e.Subject,
			Body:       e.Body,
			ReceivedAt: received,
		})
	}

	session, err := h.Importer.Run(r.Context(), mailbox, emails)
	if err != nil {
		writeDomainError(w, "Import failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(*session))
}

// FetchImport pulls the configured mailbox and runs the pipeline.
// POST /api/imports/fetch
func (h *Handler) FetchImport(w http.ResponseWriter, r *http.Request) {
	if h.Importer.Source == nil {
		writeError(w, http.StatusServiceUnavailable, "No mailbox source configured", nil)
		return
	}
	session, err := h.Importer.Fetch(r.Context())
	if err != nil {
		writeDomainError(w, "Import failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(*session))
}

// ListImports returns recent sessions, newest first.
// GET /api/imports
func (h *Handler) ListImports(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, err := intParam(r, "limit", reconcile.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	sessions, err := h.Store.ListSessions(ctx, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list import sessions", err)
		return
	}
	dtos := make([]SessionDTO, 0, len(sessions))
	for _, s := range sessions {
		txs, err := h.Store.SessionTransactions(ctx, s.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to summarize import session", err)
			return
		}
		s.Counters = reconcile.Summarize(txs)
		dtos = append(dtos, toSessionDTO(s))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetImport returns one session with counters derived from its transactions.
// GET /api/imports/{id}
func (h *Handler) GetImport(w http.ResponseWriter, r *http.Request) {
	session, err := reconcile.SessionSummary(r.Context(), h.Store, reconcile.SessionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get import session", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(*session))
}

// =============================================================================
// REVIEW ENDPOINTS
// =============================================================================

// ListReviewQueue returns one page of transactions. Without a status filter
// it lists transactions queued for review.
// GET /api/review-queue
func (h *Handler) ListReviewQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := reconcile.TransactionFilter{
		SessionID: reconcile.SessionID(q.Get("session_id")),
		Search:    q.Get("search"),
	}
	for _, raw := range strings.Split(q.Get("status"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		status := reconcile.Status(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "Unknown status", fmt.Errorf("%q", raw))
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	var err error
	if filter.Limit, err = intParam(r, "limit", reconcile.DefaultPageSize); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if filter.Offset, err = intParam(r, "offset", 0); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset", err)
		return
	}

	items, total, err := h.Queue.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list review queue", err)
		return
	}
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = reconcile.DefaultPageSize
	case limit > reconcile.MaxPageSize:
		limit = reconcile.MaxPageSize
	}
	writeJSON(w, http.StatusOK, ReviewQueueResponse{
		Items:  toTransactionDTOs(items),
		Total:  total,
		Limit:  limit,
		Offset: filter.Offset,
	})
}

// GetTransaction returns a single transaction.
// GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Queue.Get(r.Context(), reconcile.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// ProcessTransaction credits the chosen resident and closes the transaction.
// POST /api/transactions/{id}/process
func (h *Handler) ProcessTransaction(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Queue.Process(r.Context(), reconcile.ProcessRequest{
		TransactionID: reconcile.TransactionID(chi.URLParam(r, "id")),
		ResidentID:    reconcile.ResidentID(strings.TrimSpace(req.ResidentID)),
		Notes:         req.Notes,
		SaveAsAlias:   req.SaveAsAlias,
		AliasName:     req.AliasName,
		ReviewerID:    reviewer(r, req.ReviewerID),
	})
	if err != nil {
		writeDomainError(w, "Failed to process transaction", err)
		return
	}

	resp := ProcessResponse{
		Transaction: toTransactionDTO(result.Transaction),
		LedgerEntry: toLedgerEntryDTO(result.Entry),
	}
	if result.Alias != nil {
		a := toAliasDTO(*result.Alias)
		resp.Alias = &a
	}
	writeJSON(w, http.StatusOK, resp)
}

// SkipTransaction closes a transaction without crediting anyone.
// POST /api/transactions/{id}/skip
func (h *Handler) SkipTransaction(w http.ResponseWriter, r *http.Request) {
	var req SkipRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.Queue.Skip(r.Context(), reconcile.SkipRequest{
		TransactionID: reconcile.TransactionID(chi.URLParam(r, "id")),
		Reason:        req.Reason,
		ReviewerID:    reviewer(r, req.ReviewerID),
	})
	if err != nil {
		writeDomainError(w, "Failed to skip transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// =============================================================================
// AUDIT ENDPOINTS
// =============================================================================

// ListAudit returns audit entries, newest first.
// GET /api/audit
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	filter := reconcile.AuditFilter{
		EntityID: q.Get("entity_id"),
		ActorID:  q.Get("actor_id"),
		Limit:    limit,
	}
	for _, a := range strings.Split(q.Get("action"), ",") {
		if a = strings.TrimSpace(a); a != "" {
			filter.Actions = append(filter.Actions, reconcile.AuditAction(a))
		}
	}

	entries, err := h.Store.QueryAudit(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log", err)
		return
	}
	dtos := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toAuditEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps reconcile errors onto HTTP statuses. Ledger failures
// are checked first: they may wrap a not-found cause from inside the
// rolled-back transaction.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, reconcile.ErrLedger):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case reconcile.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case reconcile.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case reconcile.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// reviewer prefers the identity in the body, then the header.
func reviewer(r *http.Request, fromBody string) string {
	if id := strings.TrimSpace(fromBody); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(ReviewerHeader))
}
