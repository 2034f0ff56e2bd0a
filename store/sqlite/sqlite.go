/*
Package sqlite provides a SQLite-backed implementation of reconcile.TxStore.

PURPOSE:
  Persists email transactions, aliases, residents, ledger entries, import
  sessions and the audit log. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  email_transactions:      One row per extracted bank event (versioned)
  resident_payment_aliases: Learned sender text, UNIQUE(resident_id, normalized_text)
  residents:               Directory read model
  ledger_entries:          Append-only wallet movements, UNIQUE(transaction_id)
  import_sessions:         One row per fetch run
  audit_log:               Who did what when

MONEY:
  Amounts are stored as integer minor units (kobo) and converted back to
  decimal.Decimal with two places. Ledger amounts are signed.

TIME:
  Timestamps are UTC text with fixed-width nanoseconds, so they round-trip
  exactly and sort lexically.

ALIASES:
  Every upsert stamps updated_at and the next store-wide revision, so the
  most recent save of a text wins even when it reuses an older row.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so WithTx
  serializes reviewer actions the way row locks would in PostgreSQL.
  Optimistic versioning on email_transactions turns a lost race into
  reconcile.ErrConcurrentModification.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency.

USAGE:
  store, err := sqlite.New("./data/reconciler.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - reconcile/store.go: Interface definitions
  - reconcile/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/estate-reconciler/reconcile"
)

// Store implements reconcile.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  *queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: &queries{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS residents (
		id TEXT PRIMARY KEY,
		code TEXT,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		alternate_names_json TEXT,
		phone TEXT,
		email TEXT,
		house_numbers_json TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS resident_payment_aliases (
		id TEXT PRIMARY KEY,
		resident_id TEXT NOT NULL,
		alias_text TEXT NOT NULL,
		normalized_text TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		revision INTEGER NOT NULL,
		UNIQUE(resident_id, normalized_text)
	);

	CREATE INDEX IF NOT EXISTS idx_aliases_normalized
		ON resident_payment_aliases(normalized_text) WHERE active;
	CREATE INDEX IF NOT EXISTS idx_aliases_revision
		ON resident_payment_aliases(revision);

	CREATE TABLE IF NOT EXISTS import_sessions (
		id TEXT PRIMARY KEY,
		mailbox TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		emails_fetched INTEGER NOT NULL DEFAULT 0,
		emails_skipped INTEGER NOT NULL DEFAULT 0,
		emails_errored INTEGER NOT NULL DEFAULT 0,
		counters_json TEXT,
		error_message TEXT,
		summary_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started
		ON import_sessions(started_at DESC);

	CREATE TABLE IF NOT EXISTS email_transactions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		message_id TEXT,
		transaction_date TEXT NOT NULL,
		amount_minor INTEGER NOT NULL,
		direction TEXT NOT NULL,
		description TEXT,
		sender_hint TEXT,
		reference TEXT,
		account_last4 TEXT,
		confidence TEXT NOT NULL,
		match_method TEXT,
		match_score REAL NOT NULL DEFAULT 0,
		matched_alias_id TEXT,
		matched_resident_id TEXT,
		status TEXT NOT NULL,
		review_notes TEXT,
		reviewed_by TEXT,
		reviewed_at TEXT,
		ledger_entry_id TEXT,
		error_message TEXT,
		queued_at TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Review queue listing (hot path)
	CREATE INDEX IF NOT EXISTS idx_email_tx_status_date
		ON email_transactions(status, transaction_date DESC);
	CREATE INDEX IF NOT EXISTS idx_email_tx_session
		ON email_transactions(session_id);
	CREATE INDEX IF NOT EXISTS idx_email_tx_message
		ON email_transactions(message_id) WHERE message_id IS NOT NULL;

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL UNIQUE,
		resident_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount_minor INTEGER NOT NULL,
		reference TEXT,
		effective_at TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_resident_date
		ON ledger_entries(resident_id, effective_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_reference
		ON ledger_entries(reference) WHERE reference IS NOT NULL;

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERIES - shared by the locked Store and the unlocked txStore
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements reconcile.Store over a querier. It does no locking.
type queries struct {
	db querier
}

var _ reconcile.Store = (*queries)(nil)

type scanner interface {
	Scan(dest ...any) error
}

// ----- email transactions -----

const txColumns = `id, session_id, message_id, transaction_date, amount_minor, direction,
	description, sender_hint, reference, account_last4, confidence, match_method,
	match_score, matched_alias_id, matched_resident_id, status, review_notes,
	reviewed_by, reviewed_at, ledger_entry_id, error_message, queued_at, version, created_at, updated_at`

func (q *queries) CreateTransaction(ctx context.Context, tx reconcile.Transaction) error {
	if tx.Version == 0 {
		tx.Version = 1
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO email_transactions (`+txColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.SessionID, nullString(tx.MessageID), formatTime(tx.TransactionDate),
		toMinor(tx.Amount), tx.Direction, tx.Description, tx.SenderHint,
		nullString(tx.Reference), tx.AccountLast4, tx.Confidence, nullString(string(tx.MatchMethod)),
		tx.MatchScore, nullString(string(tx.MatchedAliasID)), nullString(string(tx.MatchedResidentID)),
		tx.Status, tx.ReviewNotes, tx.ReviewedBy, formatTimePtr(tx.ReviewedAt),
		nullString(string(tx.LedgerEntryID)), tx.ErrorMessage, formatTimePtr(tx.QueuedAt), tx.Version,
		formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (q *queries) GetTransaction(ctx context.Context, id reconcile.TransactionID) (*reconcile.Transaction, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM email_transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reconcile.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (q *queries) UpdateTransaction(ctx context.Context, tx reconcile.Transaction) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE email_transactions SET
			confidence = ?, match_method = ?, match_score = ?, matched_alias_id = ?,
			matched_resident_id = ?, status = ?, review_notes = ?, reviewed_by = ?,
			reviewed_at = ?, ledger_entry_id = ?, error_message = ?, queued_at = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		tx.Confidence, nullString(string(tx.MatchMethod)), tx.MatchScore,
		nullString(string(tx.MatchedAliasID)), nullString(string(tx.MatchedResidentID)),
		tx.Status, tx.ReviewNotes, tx.ReviewedBy, formatTimePtr(tx.ReviewedAt),
		nullString(string(tx.LedgerEntryID)), tx.ErrorMessage, formatTimePtr(tx.QueuedAt), formatTime(tx.UpdatedAt),
		tx.ID, tx.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_transactions WHERE id = ?`, tx.ID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return reconcile.ErrTransactionNotFound
	}
	return reconcile.ErrConcurrentModification
}

func (q *queries) ListTransactions(ctx context.Context, f reconcile.TransactionFilter) ([]reconcile.Transaction, int, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Search != "" {
		like := "%" + strings.ToLower(f.Search) + "%"
		amountLike := "%" + strings.ReplaceAll(f.Search, ",", "") + "%"
		where = append(where, `(LOWER(description) LIKE ? OR LOWER(sender_hint) LIKE ? OR LOWER(reference) LIKE ?
			OR printf('%.2f', amount_minor / 100.0) LIKE ?
			OR matched_resident_id IN (
				SELECT id FROM residents WHERE LOWER(first_name || ' ' || last_name) LIKE ?))`)
		args = append(args, like, like, like, amountLike, like)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM email_transactions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	page, err := q.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM email_transactions`+clause+
			` ORDER BY transaction_date DESC, id ASC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	if page == nil {
		page = []reconcile.Transaction{}
	}
	return page, total, nil
}

func (q *queries) SessionTransactions(ctx context.Context, id reconcile.SessionID) ([]reconcile.Transaction, error) {
	return q.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM email_transactions WHERE session_id = ?
		 ORDER BY transaction_date DESC, id ASC`, id)
}

func (q *queries) HasMessage(ctx context.Context, messageID string) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM email_transactions WHERE message_id = ?", messageID,
	).Scan(&count)
	return count > 0, err
}

func (q *queries) queryTransactions(ctx context.Context, query string, args ...any) ([]reconcile.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(row scanner) (reconcile.Transaction, error) {
	var (
		tx                                            reconcile.Transaction
		messageID, method, aliasID, residentID, ledID sql.NullString
		reference, reviewedAt, queuedAt               sql.NullString
		description, sender, last4, notes, reviewer   sql.NullString
		errMsg                                        sql.NullString
		txDate, createdAt, updatedAt                  string
		amountMinor                                   int64
	)
	err := row.Scan(
		&tx.ID, &tx.SessionID, &messageID, &txDate, &amountMinor, &tx.Direction,
		&description, &sender, &reference, &last4, &tx.Confidence, &method,
		&tx.MatchScore, &aliasID, &residentID, &tx.Status, &notes,
		&reviewer, &reviewedAt, &ledID, &errMsg, &queuedAt, &tx.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tx, err
		}
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.MessageID = messageID.String
	tx.TransactionDate = parseTime(txDate)
	tx.Amount = fromMinor(amountMinor)
	tx.Description = description.String
	tx.SenderHint = sender.String
	tx.Reference = reference.String
	tx.AccountLast4 = last4.String
	tx.MatchMethod = reconcile.MatchMethod(method.String)
	tx.MatchedAliasID = reconcile.AliasID(aliasID.String)
	tx.MatchedResidentID = reconcile.ResidentID(residentID.String)
	tx.ReviewNotes = notes.String
	tx.ReviewedBy = reviewer.String
	tx.ReviewedAt = parseTimePtr(reviewedAt)
	tx.QueuedAt = parseTimePtr(queuedAt)
	tx.LedgerEntryID = reconcile.LedgerEntryID(ledID.String)
	tx.ErrorMessage = errMsg.String
	tx.CreatedAt = parseTime(createdAt)
	tx.UpdatedAt = parseTime(updatedAt)
	return tx, nil
}

// ----- aliases -----

const aliasColumns = `id, resident_id, alias_text, normalized_text, active, created_by, created_at,
	updated_at, revision`

// UpsertAlias inserts or re-activates the (resident, normalized text) row.
// Every call takes the next store-wide revision, so a re-save outranks any
// other resident's alias for the same text.
func (q *queries) UpsertAlias(ctx context.Context, a reconcile.Alias) (reconcile.Alias, error) {
	updatedAt := a.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = a.CreatedAt
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO resident_payment_aliases (`+aliasColumns+`)
		VALUES (?, ?, ?, ?, TRUE, ?, ?, ?,
			(SELECT COALESCE(MAX(revision), 0) + 1 FROM resident_payment_aliases))
		ON CONFLICT(resident_id, normalized_text) DO UPDATE SET
			alias_text = excluded.alias_text,
			active = TRUE,
			updated_at = excluded.updated_at,
			revision = excluded.revision`,
		a.ID, a.ResidentID, a.Text, a.NormalizedText, a.CreatedBy, formatTime(a.CreatedAt), formatTime(updatedAt),
	)
	if err != nil {
		return reconcile.Alias{}, fmt.Errorf("failed to upsert alias: %w", err)
	}

	row := q.db.QueryRowContext(ctx,
		`SELECT `+aliasColumns+` FROM resident_payment_aliases WHERE resident_id = ? AND normalized_text = ?`,
		a.ResidentID, a.NormalizedText)
	return scanAlias(row)
}

func (q *queries) ListAliases(ctx context.Context, f reconcile.AliasFilter) ([]reconcile.Alias, error) {
	query := `SELECT ` + aliasColumns + ` FROM resident_payment_aliases WHERE 1 = 1`
	var args []any
	if f.ResidentID != "" {
		query += " AND resident_id = ?"
		args = append(args, f.ResidentID)
	}
	if f.ActiveOnly {
		query += " AND active"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query aliases: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Alias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q *queries) DeactivateAlias(ctx context.Context, id reconcile.AliasID) error {
	res, err := q.db.ExecContext(ctx, `UPDATE resident_payment_aliases SET active = FALSE WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate alias: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return reconcile.ErrAliasNotFound
	}
	return nil
}

func scanAlias(row scanner) (reconcile.Alias, error) {
	var (
		a                    reconcile.Alias
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.ResidentID, &a.Text, &a.NormalizedText, &a.Active, &a.CreatedBy, &createdAt,
		&updatedAt, &a.Revision); err != nil {
		return a, fmt.Errorf("failed to scan alias: %w", err)
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// ----- residents -----

const residentColumns = `id, code, first_name, last_name, alternate_names_json, phone, email,
	house_numbers_json, active, created_at`

func (q *queries) SaveResident(ctx context.Context, r reconcile.Resident) error {
	altJSON, err := json.Marshal(r.AlternateNames)
	if err != nil {
		return fmt.Errorf("failed to marshal alternate names: %w", err)
	}
	housesJSON, err := json.Marshal(r.HouseNumbers)
	if err != nil {
		return fmt.Errorf("failed to marshal house numbers: %w", err)
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO residents (`+residentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			alternate_names_json = excluded.alternate_names_json,
			phone = excluded.phone,
			email = excluded.email,
			house_numbers_json = excluded.house_numbers_json,
			active = excluded.active`,
		r.ID, r.Code, r.FirstName, r.LastName, string(altJSON), r.Phone, r.Email,
		string(housesJSON), r.Active, formatTime(created),
	)
	if err != nil {
		return fmt.Errorf("failed to save resident: %w", err)
	}
	return nil
}

func (q *queries) GetResident(ctx context.Context, id reconcile.ResidentID) (*reconcile.Resident, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+residentColumns+` FROM residents WHERE id = ?`, id)
	r, err := scanResident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reconcile.ErrResidentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (q *queries) ListResidents(ctx context.Context, activeOnly bool) ([]reconcile.Resident, error) {
	query := `SELECT ` + residentColumns + ` FROM residents`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY id`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query residents: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Resident
	for rows.Next() {
		r, err := scanResident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanResident(row scanner) (reconcile.Resident, error) {
	var (
		r                   reconcile.Resident
		code, phone, email  sql.NullString
		altJSON, housesJSON sql.NullString
		createdAt           string
	)
	err := row.Scan(&r.ID, &code, &r.FirstName, &r.LastName, &altJSON, &phone, &email,
		&housesJSON, &r.Active, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan resident: %w", err)
	}
	r.Code = code.String
	r.Phone = phone.String
	r.Email = email.String
	r.CreatedAt = parseTime(createdAt)
	if altJSON.Valid && altJSON.String != "" {
		if err := json.Unmarshal([]byte(altJSON.String), &r.AlternateNames); err != nil {
			return r, fmt.Errorf("failed to decode alternate names for %s: %w", r.ID, err)
		}
	}
	if housesJSON.Valid && housesJSON.String != "" {
		if err := json.Unmarshal([]byte(housesJSON.String), &r.HouseNumbers); err != nil {
			return r, fmt.Errorf("failed to decode house numbers for %s: %w", r.ID, err)
		}
	}
	return r, nil
}

// ----- ledger -----

const entryColumns = `id, transaction_id, resident_id, kind, amount_minor, reference,
	effective_at, idempotency_key, metadata_json, created_at`

func (q *queries) AppendLedgerEntry(ctx context.Context, e reconcile.LedgerEntry) error {
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger metadata: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TransactionID, e.ResidentID, e.Kind, toMinor(e.Amount), nullString(e.Reference),
		formatTime(e.EffectiveAt), nullString(e.IdempotencyKey), string(metadataJSON), formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return reconcile.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (q *queries) LedgerEntryByTransaction(ctx context.Context, id reconcile.TransactionID) (*reconcile.LedgerEntry, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE transaction_id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (q *queries) FindLedgerEntries(ctx context.Context, lq reconcile.LedgerQuery) ([]reconcile.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE 1 = 1`
	var args []any
	if lq.ResidentID != "" {
		query += " AND resident_id = ?"
		args = append(args, lq.ResidentID)
	}
	if lq.Reference != "" {
		query += " AND reference = ?"
		args = append(args, lq.Reference)
	}
	if lq.Amount != nil {
		query += " AND amount_minor = ?"
		args = append(args, toMinor(*lq.Amount))
	}
	if lq.From != nil {
		query += " AND effective_at >= ?"
		args = append(args, formatTime(*lq.From))
	}
	if lq.To != nil {
		query += " AND effective_at < ?"
		args = append(args, formatTime(*lq.To))
	}
	query += " ORDER BY effective_at ASC, created_at ASC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var out []reconcile.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row scanner) (reconcile.LedgerEntry, error) {
	var (
		e                            reconcile.LedgerEntry
		reference, key, metadataJSON sql.NullString
		amountMinor                  int64
		effectiveAt, createdAt       string
	)
	err := row.Scan(&e.ID, &e.TransactionID, &e.ResidentID, &e.Kind, &amountMinor, &reference,
		&effectiveAt, &key, &metadataJSON, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.Amount = fromMinor(amountMinor)
	e.Reference = reference.String
	e.IdempotencyKey = key.String
	e.EffectiveAt = parseTime(effectiveAt)
	e.CreatedAt = parseTime(createdAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("failed to decode ledger metadata for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

// ----- sessions -----

const sessionColumns = `id, mailbox, status, started_at, completed_at, emails_fetched,
	emails_skipped, emails_errored, counters_json, error_message, summary_json`

func (q *queries) CreateSession(ctx context.Context, s reconcile.ImportSession) error {
	countersJSON, summaryJSON, err := sessionJSON(s)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO import_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Mailbox, s.Status, formatTime(s.StartedAt), formatTimePtr(s.CompletedAt),
		s.EmailsFetched, s.EmailsSkipped, s.EmailsErrored, countersJSON, s.ErrorMessage, summaryJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert import session: %w", err)
	}
	return nil
}

func (q *queries) GetSession(ctx context.Context, id reconcile.SessionID) (*reconcile.ImportSession, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM import_sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reconcile.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (q *queries) UpdateSession(ctx context.Context, s reconcile.ImportSession) error {
	countersJSON, summaryJSON, err := sessionJSON(s)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE import_sessions SET
			status = ?, completed_at = ?, emails_fetched = ?, emails_skipped = ?,
			emails_errored = ?, counters_json = ?, error_message = ?, summary_json = ?
		WHERE id = ? AND completed_at IS NULL`,
		s.Status, formatTimePtr(s.CompletedAt), s.EmailsFetched, s.EmailsSkipped,
		s.EmailsErrored, countersJSON, s.ErrorMessage, summaryJSON, s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update import session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := q.GetSession(ctx, s.ID); err != nil {
		return err
	}
	return reconcile.ErrSessionCompleted
}

func (q *queries) ListSessions(ctx context.Context, limit int) ([]reconcile.ImportSession, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM import_sessions ORDER BY started_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query import sessions: %w", err)
	}
	defer rows.Close()

	var out []reconcile.ImportSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func sessionJSON(s reconcile.ImportSession) (string, string, error) {
	counters, err := json.Marshal(s.Counters)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal session counters: %w", err)
	}
	summary, err := json.Marshal(s.Summary)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal session summary: %w", err)
	}
	return string(counters), string(summary), nil
}

func scanSession(row scanner) (reconcile.ImportSession, error) {
	var (
		s                         reconcile.ImportSession
		startedAt                 string
		completedAt, errMsg       sql.NullString
		countersJSON, summaryJSON sql.NullString
	)
	err := row.Scan(&s.ID, &s.Mailbox, &s.Status, &startedAt, &completedAt, &s.EmailsFetched,
		&s.EmailsSkipped, &s.EmailsErrored, &countersJSON, &errMsg, &summaryJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, err
		}
		return s, fmt.Errorf("failed to scan import session: %w", err)
	}
	s.StartedAt = parseTime(startedAt)
	s.CompletedAt = parseTimePtr(completedAt)
	s.ErrorMessage = errMsg.String
	s.Counters.CreditedTotal = decimal.Zero
	if countersJSON.Valid && countersJSON.String != "" {
		if err := json.Unmarshal([]byte(countersJSON.String), &s.Counters); err != nil {
			return s, fmt.Errorf("failed to decode counters for session %s: %w", s.ID, err)
		}
	}
	if summaryJSON.Valid && summaryJSON.String != "" && summaryJSON.String != "null" {
		if err := json.Unmarshal([]byte(summaryJSON.String), &s.Summary); err != nil {
			return s, fmt.Errorf("failed to decode summary for session %s: %w", s.ID, err)
		}
	}
	return s, nil
}

// ----- audit -----

func (q *queries) AppendAudit(ctx context.Context, e reconcile.AuditEntry) error {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, entity_type, entity_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.Timestamp), e.ActorID, e.Action, e.EntityType, e.EntityID, string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// QueryAudit returns matching entries, newest first.
func (q *queries) QueryAudit(ctx context.Context, f reconcile.AuditFilter) ([]reconcile.AuditEntry, error) {
	query := `SELECT id, timestamp, actor_id, action, entity_type, entity_id, payload_json
		FROM audit_log WHERE 1 = 1`
	var args []any
	if f.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, f.EntityID)
	}
	if f.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, f.ActorID)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, a)
		}
		query += " AND action IN (" + strings.Join(marks, ", ") + ")"
	}
	// rowid keeps insertion order for entries sharing a timestamp
	query += " ORDER BY timestamp DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []reconcile.AuditEntry
	for rows.Next() {
		var (
			e           reconcile.AuditEntry
			ts          string
			actor       sql.NullString
			payloadJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &actor, &e.Action, &e.EntityType, &e.EntityID, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.ActorID = actor.String
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload for %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (reconcile.TxStore interface)
// =============================================================================

var _ reconcile.TxStore = (*Store)(nil)

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store reconcile.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

func (s *Store) CreateTransaction(ctx context.Context, tx reconcile.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.CreateTransaction(ctx, tx)
}

func (s *Store) GetTransaction(ctx context.Context, id reconcile.TransactionID) (*reconcile.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetTransaction(ctx, id)
}

func (s *Store) UpdateTransaction(ctx context.Context, tx reconcile.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UpdateTransaction(ctx, tx)
}

func (s *Store) ListTransactions(ctx context.Context, f reconcile.TransactionFilter) ([]reconcile.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListTransactions(ctx, f)
}

func (s *Store) SessionTransactions(ctx context.Context, id reconcile.SessionID) ([]reconcile.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.SessionTransactions(ctx, id)
}

func (s *Store) HasMessage(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.HasMessage(ctx, messageID)
}

func (s *Store) UpsertAlias(ctx context.Context, a reconcile.Alias) (reconcile.Alias, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UpsertAlias(ctx, a)
}

func (s *Store) ListAliases(ctx context.Context, f reconcile.AliasFilter) ([]reconcile.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListAliases(ctx, f)
}

func (s *Store) DeactivateAlias(ctx context.Context, id reconcile.AliasID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.DeactivateAlias(ctx, id)
}

func (s *Store) SaveResident(ctx context.Context, r reconcile.Resident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.SaveResident(ctx, r)
}

func (s *Store) GetResident(ctx context.Context, id reconcile.ResidentID) (*reconcile.Resident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetResident(ctx, id)
}

func (s *Store) ListResidents(ctx context.Context, activeOnly bool) ([]reconcile.Resident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListResidents(ctx, activeOnly)
}

func (s *Store) AppendLedgerEntry(ctx context.Context, e reconcile.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.AppendLedgerEntry(ctx, e)
}

func (s *Store) LedgerEntryByTransaction(ctx context.Context, id reconcile.TransactionID) (*reconcile.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.LedgerEntryByTransaction(ctx, id)
}

func (s *Store) FindLedgerEntries(ctx context.Context, lq reconcile.LedgerQuery) ([]reconcile.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.FindLedgerEntries(ctx, lq)
}

func (s *Store) CreateSession(ctx context.Context, session reconcile.ImportSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.CreateSession(ctx, session)
}

func (s *Store) GetSession(ctx context.Context, id reconcile.SessionID) (*reconcile.ImportSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetSession(ctx, id)
}

func (s *Store) UpdateSession(ctx context.Context, session reconcile.ImportSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UpdateSession(ctx, session)
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]reconcile.ImportSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListSessions(ctx, limit)
}

func (s *Store) AppendAudit(ctx context.Context, e reconcile.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.AppendAudit(ctx, e)
}

func (s *Store) QueryAudit(ctx context.Context, f reconcile.AuditFilter) ([]reconcile.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.QueryAudit(ctx, f)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeLayout keeps nanoseconds at a fixed width so stored timestamps sort
// lexically in ORDER BY.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t.UTC()
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// toMinor converts a two-place decimal amount to kobo.
func toMinor(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
