/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces.

PURPOSE:
  Implements ledger.AdminStore (and therefore ledger.Store) on SQLite.
  In production the same patterns apply to PostgreSQL - see store/postgres
  for the FOR UPDATE variant.

LOCKING:
  SQLite has no SELECT ... FOR UPDATE. The store satisfies the Tx locking
  contract differently: a sync.Mutex serializes WithTx sections, and SQLite
  itself allows a single writer at a time. Inside a WithTx section a plain
  SELECT is therefore already an exclusive read.

KEY TABLES:
  marketing_cards:            Per-card balances and dotation ceiling
  marketing_ad_accounts:      Spend destinations
  marketing_ad_account_cards: Many-to-many card links
  marketing_transactions:     The journal

FOREIGN KEYS:
  marketing_transactions.card_id        ON DELETE CASCADE
  marketing_transactions.source_card_id ON DELETE SET NULL
  marketing_transactions.ad_account_id  ON DELETE SET NULL

  Deleting an ad account or a transfer's source card never deletes or
  alters a logged transaction beyond nulling the reference; reversal of a
  transfer with a nulled source reports a conflict instead.

MONEY COLUMNS:
  Stored as exact decimal text, never as REAL.

WAL MODE:
  Opened with WAL for better read concurrency and crash recovery.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions and the locking contract
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: Row-locking PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/marketing-ledger/ledger"
	"github.com/warp/marketing-ledger/money"
)

// Store implements ledger.AdminStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
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

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS marketing_cards (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL COLLATE NOCASE UNIQUE,
		last4 TEXT NOT NULL,
		dotation_limit TEXT NOT NULL,
		dotation_used TEXT NOT NULL,
		cold_balance TEXT NOT NULL,
		real_balance TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS marketing_ad_accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL COLLATE NOCASE UNIQUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS marketing_ad_account_cards (
		ad_account_id INTEGER NOT NULL
			REFERENCES marketing_ad_accounts(id) ON DELETE CASCADE,
		card_id INTEGER NOT NULL
			REFERENCES marketing_cards(id) ON DELETE CASCADE,
		PRIMARY KEY (ad_account_id, card_id)
	);

	CREATE TABLE IF NOT EXISTS marketing_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tx_type TEXT NOT NULL,
		kind TEXT NOT NULL,
		card_id INTEGER NOT NULL
			REFERENCES marketing_cards(id) ON DELETE CASCADE,
		source_card_id INTEGER
			REFERENCES marketing_cards(id) ON DELETE SET NULL,
		ad_account_id INTEGER
			REFERENCES marketing_ad_accounts(id) ON DELETE SET NULL,
		amount TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		effective_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_card
		ON marketing_transactions(card_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_source_card
		ON marketing_transactions(source_card_id)
		WHERE source_card_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_kind
		ON marketing_transactions(kind);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS (ledger.Store.WithTx)
// =============================================================================

// WithTx executes fn inside one database transaction. The store mutex keeps
// WithTx sections from overlapping, which is what stands in for row locks
// on this backend.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&storeTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type storeTx struct {
	tx *sql.Tx
}

const cardColumns = `id, name, last4, dotation_limit, dotation_used, cold_balance, real_balance, created_at, updated_at`

func (t *storeTx) LockCard(ctx context.Context, id int64) (*ledger.Card, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM marketing_cards WHERE id = ?`, id)
	return scanCard(row)
}

func (t *storeTx) UpdateCardBalances(ctx context.Context, card *ledger.Card) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE marketing_cards
		SET cold_balance = ?, real_balance = ?, dotation_used = ?, updated_at = ?
		WHERE id = ?`,
		card.ColdBalance.String(),
		card.RealBalance.String(),
		card.DotationUsed.String(),
		now(),
		card.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update card %d: %w", card.ID, err)
	}
	return requireRow(res, ledger.ErrCardNotFound)
}

func (t *storeTx) GetAdAccount(ctx context.Context, id int64) (*ledger.AdAccount, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM marketing_ad_accounts WHERE id = ?`, id)
	return scanAdAccount(row)
}

const transactionColumns = `id, tx_type, kind, card_id, source_card_id, ad_account_id, amount, note, created_by, effective_at, created_at`

func (t *storeTx) LockTransaction(ctx context.Context, id int64) (*ledger.Transaction, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM marketing_transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

func (t *storeTx) InsertTransaction(ctx context.Context, record *ledger.Transaction) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO marketing_transactions
		(tx_type, kind, card_id, source_card_id, ad_account_id, amount, note, created_by, effective_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(record.Type),
		string(record.Kind),
		record.CardID,
		record.SourceCardID,
		record.AdAccountID,
		record.Amount.String(),
		record.Note,
		record.CreatedBy,
		formatTime(record.EffectiveAt),
		formatTime(record.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	record.ID = id
	return id, nil
}

func (t *storeTx) DeleteTransaction(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM marketing_transactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction %d: %w", id, err)
	}
	return requireRow(res, ledger.ErrTransactionNotFound)
}

func (t *storeTx) UpdateTransactionMeta(ctx context.Context, id int64, note *string, effectiveAt *time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE marketing_transactions
		SET note = COALESCE(?, note),
		    effective_at = COALESCE(?, effective_at)
		WHERE id = ?`,
		note, nullableTime(effectiveAt), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction %d: %w", id, err)
	}
	return requireRow(res, ledger.ErrTransactionNotFound)
}

// =============================================================================
// READ SURFACE
// =============================================================================

func (s *Store) GetCard(ctx context.Context, id int64) (*ledger.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM marketing_cards WHERE id = ?`, id)
	return scanCard(row)
}

func (s *Store) ListCards(ctx context.Context) ([]ledger.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM marketing_cards ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	defer rows.Close()

	var cards []ledger.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *card)
	}
	return cards, rows.Err()
}

func (s *Store) GetAdAccount(ctx context.Context, id int64) (*ledger.AdAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM marketing_ad_accounts WHERE id = ?`, id)
	account, err := scanAdAccount(row)
	if err != nil {
		return nil, err
	}
	account.CardIDs, err = s.linkedCardIDs(ctx, id)
	return account, err
}

func (s *Store) ListAdAccounts(ctx context.Context) ([]ledger.AdAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM marketing_ad_accounts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ad accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ledger.AdAccount
	for rows.Next() {
		account, err := scanAdAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range accounts {
		accounts[i].CardIDs, err = s.linkedCardIDs(ctx, accounts[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

func (s *Store) linkedCardIDs(ctx context.Context, accountID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT card_id FROM marketing_ad_account_cards
		WHERE ad_account_id = ? ORDER BY card_id ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load card links: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM marketing_transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

func (s *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + transactionColumns + ` FROM marketing_transactions`
	var args []any
	if filter.CardID != nil {
		query += ` WHERE card_id = ? OR source_card_id = ?`
		args = append(args, *filter.CardID, *filter.CardID)
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var records []ledger.Transaction
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// =============================================================================
// ADMIN
// =============================================================================

func (s *Store) CreateCard(ctx context.Context, card *ledger.Card) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO marketing_cards
		(name, last4, dotation_limit, dotation_used, cold_balance, real_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		card.Name, card.LastFour,
		card.DotationLimit.String(), card.DotationUsed.String(),
		card.ColdBalance.String(), card.RealBalance.String(),
		ts, ts,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, ledger.ErrDuplicateName
		}
		return 0, fmt.Errorf("failed to create card: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	card.ID = id
	return id, nil
}

func (s *Store) UpdateCard(ctx context.Context, card *ledger.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var used string
	err := s.db.QueryRowContext(ctx,
		`SELECT dotation_used FROM marketing_cards WHERE id = ?`, card.ID).Scan(&used)
	if err == sql.ErrNoRows {
		return ledger.ErrCardNotFound
	}
	if err != nil {
		return err
	}
	currentUsed, err := money.Parse(used)
	if err != nil {
		return err
	}
	if card.DotationLimit.LessThan(currentUsed) {
		return ledger.ErrDotationBelowUsed
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE marketing_cards
		SET name = ?, last4 = ?, dotation_limit = ?, updated_at = ?
		WHERE id = ?`,
		card.Name, card.LastFour, card.DotationLimit.String(), now(), card.ID,
	)
	if err != nil && isUniqueConstraintError(err) {
		return ledger.ErrDuplicateName
	}
	return err
}

func (s *Store) DeleteCard(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// FKs do the rest: the card's transactions cascade, transfers that used
	// it as source keep their row with source_card_id nulled.
	res, err := s.db.ExecContext(ctx, `DELETE FROM marketing_cards WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete card %d: %w", id, err)
	}
	return requireRow(res, ledger.ErrCardNotFound)
}

func (s *Store) CreateAdAccount(ctx context.Context, account *ledger.AdAccount) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO marketing_ad_accounts (name, created_at, updated_at)
		VALUES (?, ?, ?)`,
		account.Name, ts, ts,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, ledger.ErrDuplicateName
		}
		return 0, fmt.Errorf("failed to create ad account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	account.ID = id
	return id, nil
}

func (s *Store) UpdateAdAccount(ctx context.Context, account *ledger.AdAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE marketing_ad_accounts SET name = ?, updated_at = ? WHERE id = ?`,
		account.Name, now(), account.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateName
		}
		return fmt.Errorf("failed to update ad account %d: %w", account.ID, err)
	}
	return requireRow(res, ledger.ErrAdAccountNotFound)
}

func (s *Store) DeleteAdAccount(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Logged spend transactions keep their row; ad_account_id goes NULL.
	res, err := s.db.ExecContext(ctx, `DELETE FROM marketing_ad_accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete ad account %d: %w", id, err)
	}
	return requireRow(res, ledger.ErrAdAccountNotFound)
}

func (s *Store) SetAdAccountCards(ctx context.Context, accountID int64, cardIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var exists int
	err = sqlTx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM marketing_ad_accounts WHERE id = ?`, accountID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ledger.ErrAdAccountNotFound
	}

	if _, err := sqlTx.ExecContext(ctx,
		`DELETE FROM marketing_ad_account_cards WHERE ad_account_id = ?`, accountID); err != nil {
		return err
	}
	for _, cardID := range cardIDs {
		if _, err := sqlTx.ExecContext(ctx, `
			INSERT INTO marketing_ad_account_cards (ad_account_id, card_id)
			VALUES (?, ?)`, accountID, cardID); err != nil {
			if isForeignKeyError(err) {
				return ledger.ErrCardNotFound
			}
			return err
		}
	}
	return sqlTx.Commit()
}

// =============================================================================
// SCANNING AND HELPERS
// =============================================================================

type scannable interface {
	Scan(dest ...any) error
}

func scanCard(row scannable) (*ledger.Card, error) {
	var (
		card                 ledger.Card
		limit, used          string
		cold, real           string
		createdAt, updatedAt string
	)
	err := row.Scan(&card.ID, &card.Name, &card.LastFour,
		&limit, &used, &cold, &real, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrCardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan card: %w", err)
	}

	if card.DotationLimit, err = money.Parse(limit); err != nil {
		return nil, err
	}
	if card.DotationUsed, err = money.Parse(used); err != nil {
		return nil, err
	}
	if card.ColdBalance, err = money.Parse(cold); err != nil {
		return nil, err
	}
	if card.RealBalance, err = money.Parse(real); err != nil {
		return nil, err
	}
	card.CreatedAt = parseTime(createdAt)
	card.UpdatedAt = parseTime(updatedAt)
	return &card, nil
}

func scanAdAccount(row scannable) (*ledger.AdAccount, error) {
	var (
		account              ledger.AdAccount
		createdAt, updatedAt string
	)
	err := row.Scan(&account.ID, &account.Name, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrAdAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ad account: %w", err)
	}
	account.CreatedAt = parseTime(createdAt)
	account.UpdatedAt = parseTime(updatedAt)
	return &account, nil
}

func scanTransaction(row scannable) (*ledger.Transaction, error) {
	var (
		record                    ledger.Transaction
		txType, kind, amount      string
		sourceCardID, adAccountID sql.NullInt64
		effectiveAt, createdAt    string
	)
	err := row.Scan(&record.ID, &txType, &kind, &record.CardID,
		&sourceCardID, &adAccountID, &amount,
		&record.Note, &record.CreatedBy, &effectiveAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	record.Type = ledger.Type(txType)
	record.Kind = ledger.Kind(kind)
	if record.Amount, err = money.Parse(amount); err != nil {
		return nil, err
	}
	if sourceCardID.Valid {
		record.SourceCardID = &sourceCardID.Int64
	}
	if adAccountID.Valid {
		record.AdAccountID = &adAccountID.Int64
	}
	record.EffectiveAt = parseTime(effectiveAt)
	record.CreatedAt = parseTime(createdAt)
	return &record, nil
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// Compile-time check: Store implements the full admin store surface.
var _ ledger.AdminStore = (*Store)(nil)
