// Package store provides in-memory reconcile.Store implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/warp/estate-reconciler/reconcile"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// tables holds the rows. Its methods assume the caller holds the lock.
type tables struct {
	transactions map[reconcile.TransactionID]reconcile.Transaction
	messages     map[string]int
	aliases      map[reconcile.AliasID]reconcile.Alias
	residents    map[reconcile.ResidentID]reconcile.Resident
	entries      []reconcile.LedgerEntry
	idempotency  map[string]bool
	sessions     map[reconcile.SessionID]reconcile.ImportSession
	audit        []reconcile.AuditEntry

	// aliasRevision is the last Revision handed out.
	aliasRevision int64
}

func newTables() *tables {
	return &tables{
		transactions: make(map[reconcile.TransactionID]reconcile.Transaction),
		messages:     make(map[string]int),
		aliases:      make(map[reconcile.AliasID]reconcile.Alias),
		residents:    make(map[reconcile.ResidentID]reconcile.Resident),
		idempotency:  make(map[string]bool),
		sessions:     make(map[reconcile.SessionID]reconcile.ImportSession),
	}
}

func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.transactions {
		c.transactions[k] = v
	}
	for k, v := range t.messages {
		c.messages[k] = v
	}
	for k, v := range t.aliases {
		c.aliases[k] = v
	}
	for k, v := range t.residents {
		c.residents[k] = v
	}
	for k, v := range t.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range t.sessions {
		c.sessions[k] = v
	}
	c.entries = append([]reconcile.LedgerEntry(nil), t.entries...)
	c.audit = append([]reconcile.AuditEntry(nil), t.audit...)
	c.aliasRevision = t.aliasRevision
	return c
}

// ----- transactions -----

func (t *tables) CreateTransaction(_ context.Context, tx reconcile.Transaction) error {
	if tx.Version == 0 {
		tx.Version = 1
	}
	t.transactions[tx.ID] = tx
	if tx.MessageID != "" {
		t.messages[tx.MessageID]++
	}
	return nil
}

func (t *tables) GetTransaction(_ context.Context, id reconcile.TransactionID) (*reconcile.Transaction, error) {
	tx, ok := t.transactions[id]
	if !ok {
		return nil, reconcile.ErrTransactionNotFound
	}
	return &tx, nil
}

func (t *tables) UpdateTransaction(_ context.Context, tx reconcile.Transaction) error {
	stored, ok := t.transactions[tx.ID]
	if !ok {
		return reconcile.ErrTransactionNotFound
	}
	if stored.Version != tx.Version {
		return reconcile.ErrConcurrentModification
	}
	tx.Version++
	t.transactions[tx.ID] = tx
	return nil
}

func (t *tables) ListTransactions(_ context.Context, f reconcile.TransactionFilter) ([]reconcile.Transaction, int, error) {
	search := strings.ToLower(f.Search)
	var matched []reconcile.Transaction
	for _, tx := range t.transactions {
		if f.SessionID != "" && tx.SessionID != f.SessionID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, tx.Status) {
			continue
		}
		if search != "" && !t.searchMatches(search, tx) {
			continue
		}
		matched = append(matched, tx)
	}
	sortTransactions(matched)

	total := len(matched)
	if f.Offset >= total {
		return []reconcile.Transaction{}, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (t *tables) SessionTransactions(_ context.Context, id reconcile.SessionID) ([]reconcile.Transaction, error) {
	var out []reconcile.Transaction
	for _, tx := range t.transactions {
		if tx.SessionID == id {
			out = append(out, tx)
		}
	}
	sortTransactions(out)
	return out, nil
}

func (t *tables) HasMessage(_ context.Context, messageID string) (bool, error) {
	return t.messages[messageID] > 0, nil
}

// ----- aliases -----

func (t *tables) UpsertAlias(_ context.Context, a reconcile.Alias) (reconcile.Alias, error) {
	t.aliasRevision++
	updatedAt := a.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = a.CreatedAt
	}
	for id, existing := range t.aliases {
		if existing.ResidentID == a.ResidentID && existing.NormalizedText == a.NormalizedText {
			existing.Text = a.Text
			existing.Active = true
			existing.UpdatedAt = updatedAt
			existing.Revision = t.aliasRevision
			t.aliases[id] = existing
			return existing, nil
		}
	}
	a.Active = true
	a.UpdatedAt = updatedAt
	a.Revision = t.aliasRevision
	t.aliases[a.ID] = a
	return a, nil
}

func (t *tables) ListAliases(_ context.Context, f reconcile.AliasFilter) ([]reconcile.Alias, error) {
	var out []reconcile.Alias
	for _, a := range t.aliases {
		if f.ResidentID != "" && a.ResidentID != f.ResidentID {
			continue
		}
		if f.ActiveOnly && !a.Active {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tables) DeactivateAlias(_ context.Context, id reconcile.AliasID) error {
	a, ok := t.aliases[id]
	if !ok {
		return reconcile.ErrAliasNotFound
	}
	a.Active = false
	t.aliases[id] = a
	return nil
}

// ----- residents -----

func (t *tables) SaveResident(_ context.Context, r reconcile.Resident) error {
	t.residents[r.ID] = r
	return nil
}

func (t *tables) GetResident(_ context.Context, id reconcile.ResidentID) (*reconcile.Resident, error) {
	r, ok := t.residents[id]
	if !ok {
		return nil, reconcile.ErrResidentNotFound
	}
	return &r, nil
}

func (t *tables) ListResidents(_ context.Context, activeOnly bool) ([]reconcile.Resident, error) {
	var out []reconcile.Resident
	for _, r := range t.residents {
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ----- ledger -----

func (t *tables) AppendLedgerEntry(_ context.Context, e reconcile.LedgerEntry) error {
	if t.idempotency[e.IdempotencyKey] {
		return reconcile.ErrDuplicateIdempotencyKey
	}
	for _, prior := range t.entries {
		if prior.TransactionID == e.TransactionID {
			return reconcile.ErrDuplicateIdempotencyKey
		}
	}
	t.entries = append(t.entries, e)
	if e.IdempotencyKey != "" {
		t.idempotency[e.IdempotencyKey] = true
	}
	return nil
}

func (t *tables) LedgerEntryByTransaction(_ context.Context, id reconcile.TransactionID) (*reconcile.LedgerEntry, error) {
	for _, e := range t.entries {
		if e.TransactionID == id {
			return &e, nil
		}
	}
	return nil, nil
}

func (t *tables) FindLedgerEntries(_ context.Context, q reconcile.LedgerQuery) ([]reconcile.LedgerEntry, error) {
	var out []reconcile.LedgerEntry
	for _, e := range t.entries {
		if q.ResidentID != "" && e.ResidentID != q.ResidentID {
			continue
		}
		if q.Reference != "" && e.Reference != q.Reference {
			continue
		}
		if q.Amount != nil && !e.Amount.Equal(*q.Amount) {
			continue
		}
		if q.From != nil && e.EffectiveAt.Before(*q.From) {
			continue
		}
		if q.To != nil && !e.EffectiveAt.Before(*q.To) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ----- sessions -----

func (t *tables) CreateSession(_ context.Context, s reconcile.ImportSession) error {
	t.sessions[s.ID] = s
	return nil
}

func (t *tables) GetSession(_ context.Context, id reconcile.SessionID) (*reconcile.ImportSession, error) {
	s, ok := t.sessions[id]
	if !ok {
		return nil, reconcile.ErrSessionNotFound
	}
	return &s, nil
}

func (t *tables) UpdateSession(_ context.Context, s reconcile.ImportSession) error {
	stored, ok := t.sessions[s.ID]
	if !ok {
		return reconcile.ErrSessionNotFound
	}
	if stored.Completed() {
		return reconcile.ErrSessionCompleted
	}
	t.sessions[s.ID] = s
	return nil
}

func (t *tables) ListSessions(_ context.Context, limit int) ([]reconcile.ImportSession, error) {
	out := make([]reconcile.ImportSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ----- audit -----

func (t *tables) AppendAudit(_ context.Context, e reconcile.AuditEntry) error {
	t.audit = append(t.audit, e)
	return nil
}

// QueryAudit returns matching entries, newest first.
func (t *tables) QueryAudit(_ context.Context, f reconcile.AuditFilter) ([]reconcile.AuditEntry, error) {
	var out []reconcile.AuditEntry
	for i := len(t.audit) - 1; i >= 0; i-- {
		e := t.audit[i]
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if len(f.Actions) > 0 && !hasAction(f.Actions, e.Action) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// Memory is a mutex-guarded reconcile.TxStore.
type Memory struct {
	mu sync.RWMutex
	t  *tables
}

func NewMemory() *Memory {
	return &Memory{t: newTables()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(reconcile.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.t.clone()
	if err := fn(m.t); err != nil {
		m.t = snapshot
		return err
	}
	return nil
}

func (m *Memory) CreateTransaction(ctx context.Context, tx reconcile.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.CreateTransaction(ctx, tx)
}

func (m *Memory) GetTransaction(ctx context.Context, id reconcile.TransactionID) (*reconcile.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.GetTransaction(ctx, id)
}

func (m *Memory) UpdateTransaction(ctx context.Context, tx reconcile.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.UpdateTransaction(ctx, tx)
}

func (m *Memory) ListTransactions(ctx context.Context, f reconcile.TransactionFilter) ([]reconcile.Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.ListTransactions(ctx, f)
}

func (m *Memory) SessionTransactions(ctx context.Context, id reconcile.SessionID) ([]reconcile.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.SessionTransactions(ctx, id)
}

func (m *Memory) HasMessage(ctx context.Context, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.HasMessage(ctx, messageID)
}

func (m *Memory) UpsertAlias(ctx context.Context, a reconcile.Alias) (reconcile.Alias, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.UpsertAlias(ctx, a)
}

func (m *Memory) ListAliases(ctx context.Context, f reconcile.AliasFilter) ([]reconcile.Alias, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.ListAliases(ctx, f)
}

func (m *Memory) DeactivateAlias(ctx context.Context, id reconcile.AliasID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.DeactivateAlias(ctx, id)
}

func (m *Memory) SaveResident(ctx context.Context, r reconcile.Resident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.SaveResident(ctx, r)
}

func (m *Memory) GetResident(ctx context.Context, id reconcile.ResidentID) (*reconcile.Resident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.GetResident(ctx, id)
}

func (m *Memory) ListResidents(ctx context.Context, activeOnly bool) ([]reconcile.Resident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.ListResidents(ctx, activeOnly)
}

func (m *Memory) AppendLedgerEntry(ctx context.Context, e reconcile.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.AppendLedgerEntry(ctx, e)
}

func (m *Memory) LedgerEntryByTransaction(ctx context.Context, id reconcile.TransactionID) (*reconcile.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.LedgerEntryByTransaction(ctx, id)
}

func (m *Memory) FindLedgerEntries(ctx context.Context, q reconcile.LedgerQuery) ([]reconcile.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.FindLedgerEntries(ctx, q)
}

func (m *Memory) CreateSession(ctx context.Context, s reconcile.ImportSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.CreateSession(ctx, s)
}

func (m *Memory) GetSession(ctx context.Context, id reconcile.SessionID) (*reconcile.ImportSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.GetSession(ctx, id)
}

func (m *Memory) UpdateSession(ctx context.Context, s reconcile.ImportSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.UpdateSession(ctx, s)
}

func (m *Memory) ListSessions(ctx context.Context, limit int) ([]reconcile.ImportSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.ListSessions(ctx, limit)
}

func (m *Memory) AppendAudit(ctx context.Context, e reconcile.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.AppendAudit(ctx, e)
}

func (m *Memory) QueryAudit(ctx context.Context, f reconcile.AuditFilter) ([]reconcile.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.QueryAudit(ctx, f)
}

// =============================================================================
// HELPERS
// =============================================================================

func sortTransactions(txs []reconcile.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].TransactionDate.Equal(txs[j].TransactionDate) {
			return txs[i].TransactionDate.After(txs[j].TransactionDate)
		}
		return txs[i].ID < txs[j].ID
	})
}

func hasStatus(set []reconcile.Status, s reconcile.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func hasAction(set []reconcile.AuditAction, a reconcile.AuditAction) bool {
	for _, v := range set {
		if v == a {
			return true
		}
	}
	return false
}

// searchMatches mirrors the sqlite search: description, sender, reference,
// the two-place amount (commas ignored) and the matched resident's name.
func (t *tables) searchMatches(search string, tx reconcile.Transaction) bool {
	if containsFold(search, tx.Description, tx.SenderHint, tx.Reference) {
		return true
	}
	if amount := strings.ReplaceAll(search, ",", ""); amount != "" &&
		strings.Contains(tx.Amount.StringFixed(2), amount) {
		return true
	}
	if r, ok := t.residents[tx.MatchedResidentID]; ok {
		return containsFold(search, r.FirstName+" "+r.LastName)
	}
	return false
}

func containsFold(needle string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}

var (
	_ reconcile.TxStore = (*Memory)(nil)
	_ reconcile.Store   = (*tables)(nil)
)
