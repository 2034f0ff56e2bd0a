/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the reconcile domain model from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal strings with two fractional digits ("50000.00"),
  never floats.

TIMES:
  RFC3339 in UTC. Optional times are omitted when unset.

SEE ALSO:
  - handlers.go: Uses these types
  - reconcile/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/estate-reconciler/reconcile"
)

// =============================================================================
// RESIDENTS AND ALIASES
// =============================================================================

type ResidentDTO struct {
	ID             string   `json:"id"`
	Code           string   `json:"code,omitempty"`
	FirstName      string   `json:"first_name"`
	LastName       string   `json:"last_name"`
	FullName       string   `json:"full_name"`
	AlternateNames []string `json:"alternate_names,omitempty"`
	Phone          string   `json:"phone,omitempty"`
	Email          string   `json:"email,omitempty"`
	HouseNumbers   []string `json:"house_numbers,omitempty"`
	Active         bool     `json:"active"`
	CreatedAt      string   `json:"created_at,omitempty"`
}

// CreateResidentRequest creates or replaces a resident. Active defaults to true.
type CreateResidentRequest struct {
	ID             string   `json:"id"`
	Code           string   `json:"code"`
	FirstName      string   `json:"first_name"`
	LastName       string   `json:"last_name"`
	AlternateNames []string `json:"alternate_names"`
	Phone          string   `json:"phone"`
	Email          string   `json:"email"`
	HouseNumbers   []string `json:"house_numbers"`
	Active         *bool    `json:"active"`
}

type AliasDTO struct {
	ID             string `json:"id"`
	ResidentID     string `json:"resident_id"`
	Text           string `json:"text"`
	NormalizedText string `json:"normalized_text"`
	Active         bool   `json:"active"`
	CreatedBy      string `json:"created_by"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type CreateAliasRequest struct {
	Text      string `json:"text"`
	CreatedBy string `json:"created_by"`
}

// =============================================================================
// WALLET
// =============================================================================

type LedgerEntryDTO struct {
	ID             string `json:"id"`
	TransactionID  string `json:"transaction_id"`
	ResidentID     string `json:"resident_id"`
	Kind           string `json:"kind"`
	Amount         string `json:"amount"`
	Reference      string `json:"reference,omitempty"`
	EffectiveAt    string `json:"effective_at"`
	IdempotencyKey string `json:"idempotency_key"`
	CreatedAt      string `json:"created_at"`
}

// WalletDTO is a resident's balance with the entries it was replayed from.
type WalletDTO struct {
	ResidentID string           `json:"resident_id"`
	Balance    string           `json:"balance"`
	Entries    []LedgerEntryDTO `json:"entries"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID              string  `json:"id"`
	SessionID       string  `json:"session_id"`
	MessageID       string  `json:"message_id,omitempty"`
	TransactionDate string  `json:"transaction_date"`
	Amount          string  `json:"amount"`
	Direction       string  `json:"direction"`
	Description     string  `json:"description"`
	SenderHint      string  `json:"sender_hint,omitempty"`
	Reference       string  `json:"reference,omitempty"`
	AccountLast4    string  `json:"account_last4,omitempty"`
	Confidence      string  `json:"confidence"`
	MatchMethod     string  `json:"match_method,omitempty"`
	MatchScore      float64 `json:"match_score"`
	MatchedAliasID  string  `json:"matched_alias_id,omitempty"`
	ResidentID      string  `json:"matched_resident_id,omitempty"`
	Status          string  `json:"status"`
	ReviewNotes     string  `json:"review_notes,omitempty"`
	ReviewedBy      string  `json:"reviewed_by,omitempty"`
	ReviewedAt      string  `json:"reviewed_at,omitempty"`
	LedgerEntryID   string  `json:"ledger_entry_id,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	QueuedAt        string  `json:"queued_at,omitempty"`
	Version         int     `json:"version"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// ReviewQueueResponse is one page of the review queue.
type ReviewQueueResponse struct {
	Items  []TransactionDTO `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

type ProcessRequestDTO struct {
	ResidentID  string `json:"resident_id"`
	Notes       string `json:"notes"`
	SaveAsAlias bool   `json:"save_as_alias"`
	AliasName   string `json:"alias_name"`
	ReviewerID  string `json:"reviewer_id"`
}

type ProcessResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	LedgerEntry LedgerEntryDTO `json:"ledger_entry"`
	Alias       *AliasDTO      `json:"alias,omitempty"`
}

type SkipRequestDTO struct {
	Reason     string `json:"reason"`
	ReviewerID string `json:"reviewer_id"`
}

// =============================================================================
// IMPORTS
// =============================================================================

// EmailDTO is one raw email pushed to POST /api/imports.
type EmailDTO struct {
	MessageID  string `json:"message_id"`
	From       string `json:"from"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	ReceivedAt string `json:"received_at"`
}

type ImportRequest struct {
	Mailbox string     `json:"mailbox"`
	Emails  []EmailDTO `json:"emails"`
}

type SessionCountersDTO struct {
	Extracted     int    `json:"extracted"`
	Matched       int    `json:"matched"`
	AutoProcessed int    `json:"auto_processed"`
	Queued        int    `json:"queued"`
	Processed     int    `json:"processed"`
	Skipped       int    `json:"skipped"`
	Errored       int    `json:"errored"`
	Unmatched     int    `json:"unmatched"`
	CreditedTotal string `json:"credited_total"`
}

type SessionDTO struct {
	ID            string             `json:"id"`
	Mailbox       string             `json:"mailbox"`
	Status        string             `json:"status"`
	StartedAt     string             `json:"started_at"`
	CompletedAt   string             `json:"completed_at,omitempty"`
	EmailsFetched int                `json:"emails_fetched"`
	EmailsSkipped int                `json:"emails_skipped"`
	EmailsErrored int                `json:"emails_errored"`
	Counters      SessionCountersDTO `json:"counters"`
	ErrorMessage  string             `json:"error_message,omitempty"`
}

// =============================================================================
// AUDIT AND SCENARIOS
// =============================================================================

type AuditEntryDTO struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// LoadScenarioResponse reports what a scenario load created.
type LoadScenarioResponse struct {
	Scenario  ScenarioDTO `json:"scenario"`
	Residents int         `json:"residents"`
	Session   *SessionDTO `json:"session,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toResidentDTO(r reconcile.Resident) ResidentDTO {
	return ResidentDTO{
		ID:             string(r.ID),
		Code:           r.Code,
		FirstName:      r.FirstName,
		LastName:       r.LastName,
		FullName:       r.FullName(),
		AlternateNames: r.AlternateNames,
		Phone:          r.Phone,
		Email:          r.Email,
		HouseNumbers:   r.HouseNumbers,
		Active:         r.Active,
		CreatedAt:      formatTime(r.CreatedAt),
	}
}

func toAliasDTO(a reconcile.Alias) AliasDTO {
	return AliasDTO{
		ID:             string(a.ID),
		ResidentID:     string(a.ResidentID),
		Text:           a.Text,
		NormalizedText: a.NormalizedText,
		Active:         a.Active,
		CreatedBy:      a.CreatedBy,
		CreatedAt:      formatTime(a.CreatedAt),
		UpdatedAt:      formatTime(a.UpdatedAt),
	}
}

func toLedgerEntryDTO(e reconcile.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:             string(e.ID),
		TransactionID:  string(e.TransactionID),
		ResidentID:     string(e.ResidentID),
		Kind:           string(e.Kind),
		Amount:         e.Amount.StringFixed(2),
		Reference:      e.Reference,
		EffectiveAt:    formatTime(e.EffectiveAt),
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      formatTime(e.CreatedAt),
	}
}

func toTransactionDTO(tx reconcile.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:              string(tx.ID),
		SessionID:       string(tx.SessionID),
		MessageID:       tx.MessageID,
		TransactionDate: formatTime(tx.TransactionDate),
		Amount:          tx.Amount.StringFixed(2),
		Direction:       string(tx.Direction),
		Description:     tx.Description,
		SenderHint:      tx.SenderHint,
		Reference:       tx.Reference,
		AccountLast4:    tx.AccountLast4,
		Confidence:      string(tx.Confidence),
		MatchMethod:     string(tx.MatchMethod),
		MatchScore:      tx.MatchScore,
		MatchedAliasID:  string(tx.MatchedAliasID),
		ResidentID:      string(tx.MatchedResidentID),
		Status:          string(tx.Status),
		ReviewNotes:     tx.ReviewNotes,
		ReviewedBy:      tx.ReviewedBy,
		ReviewedAt:      formatTimePtr(tx.ReviewedAt),
		LedgerEntryID:   string(tx.LedgerEntryID),
		ErrorMessage:    tx.ErrorMessage,
		QueuedAt:        formatTimePtr(tx.QueuedAt),
		Version:         tx.Version,
		CreatedAt:       formatTime(tx.CreatedAt),
		UpdatedAt:       formatTime(tx.UpdatedAt),
	}
}

func toTransactionDTOs(txs []reconcile.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		dtos = append(dtos, toTransactionDTO(tx))
	}
	return dtos
}

func toSessionDTO(s reconcile.ImportSession) SessionDTO {
	c := s.Counters
	return SessionDTO{
		ID:            string(s.ID),
		Mailbox:       s.Mailbox,
		Status:        string(s.Status),
		StartedAt:     formatTime(s.StartedAt),
		CompletedAt:   formatTimePtr(s.CompletedAt),
		EmailsFetched: s.EmailsFetched,
		EmailsSkipped: s.EmailsSkipped,
		EmailsErrored: s.EmailsErrored,
		Counters: SessionCountersDTO{
			Extracted:     c.Extracted,
			Matched:       c.Matched,
			AutoProcessed: c.AutoProcessed,
			Queued:        c.Queued,
			Processed:     c.Processed,
			Skipped:       c.Skipped,
			Errored:       c.Errored,
			Unmatched:     c.Unmatched,
			CreditedTotal: c.CreditedTotal.StringFixed(2),
		},
		ErrorMessage: s.ErrorMessage,
	}
}

func toAuditEntryDTO(e reconcile.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:         e.ID,
		Timestamp:  formatTime(e.Timestamp),
		ActorID:    e.ActorID,
		Action:     string(e.Action),
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Payload:    e.Payload,
	}
}
