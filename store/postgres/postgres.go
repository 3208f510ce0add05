/*
Package postgres provides a PostgreSQL-backed implementation of the ledger
storage interfaces.

PURPOSE:
  The production variant of store/sqlite. PostgreSQL gives the ledger what
  the Tx contract actually asks for: SELECT ... FOR UPDATE row locks, so
  concurrent operations against the same card serialize in the database
  instead of behind a process mutex. Multiple application instances can
  share one database safely.

LOCK ORDERING:
  The engine locks cards in ascending id order; this store just executes
  each LockCard as issued. Keeping that ordering is what prevents
  deadlocks between concurrent opposite-direction transfers.

SCHEMA:
  Same tables as the sqlite store, with NUMERIC(12,2) money columns,
  TIMESTAMPTZ timestamps, and a unique index on LOWER(name) for the
  case-insensitive card name constraint.

SEE ALSO:
  - ledger/store.go: Interface definitions and the locking contract
  - store/sqlite/sqlite.go: Single-writer development variant
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/warp/marketing-ledger/ledger"
	"github.com/warp/marketing-ledger/money"
)

// Store implements ledger.AdminStore using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a store on an open connection pool and migrates the schema.
func New(db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Open connects with a DSN and returns a migrated store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	store, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS marketing_cards (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		last4 TEXT NOT NULL,
		dotation_limit NUMERIC(12,2) NOT NULL,
		dotation_used NUMERIC(12,2) NOT NULL,
		cold_balance NUMERIC(12,2) NOT NULL,
		real_balance NUMERIC(12,2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_cards_name_lower
		ON marketing_cards (LOWER(name));

	CREATE TABLE IF NOT EXISTS marketing_ad_accounts (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_ad_accounts_name_lower
		ON marketing_ad_accounts (LOWER(name));

	CREATE TABLE IF NOT EXISTS marketing_ad_account_cards (
		ad_account_id BIGINT NOT NULL
			REFERENCES marketing_ad_accounts(id) ON DELETE CASCADE,
		card_id BIGINT NOT NULL
			REFERENCES marketing_cards(id) ON DELETE CASCADE,
		PRIMARY KEY (ad_account_id, card_id)
	);

	CREATE TABLE IF NOT EXISTS marketing_transactions (
		id BIGSERIAL PRIMARY KEY,
		tx_type TEXT NOT NULL,
		kind TEXT NOT NULL,
		card_id BIGINT NOT NULL
			REFERENCES marketing_cards(id) ON DELETE CASCADE,
		source_card_id BIGINT
			REFERENCES marketing_cards(id) ON DELETE SET NULL,
		ad_account_id BIGINT
			REFERENCES marketing_ad_accounts(id) ON DELETE SET NULL,
		amount NUMERIC(12,2) NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		effective_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_card
		ON marketing_transactions(card_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_source_card
		ON marketing_transactions(source_card_id)
		WHERE source_card_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS (ledger.Store.WithTx)
// =============================================================================

// WithTx executes fn inside one database transaction. Row locks acquired by
// LockCard/LockTransaction are held until commit or rollback.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
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
		`SELECT `+cardColumns+` FROM marketing_cards WHERE id = $1 FOR UPDATE`, id)
	return scanCard(row)
}

func (t *storeTx) UpdateCardBalances(ctx context.Context, card *ledger.Card) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE marketing_cards
		SET cold_balance = $1, real_balance = $2, dotation_used = $3, updated_at = NOW()
		WHERE id = $4`,
		card.ColdBalance.String(),
		card.RealBalance.String(),
		card.DotationUsed.String(),
		card.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update card %d: %w", card.ID, err)
	}
	return requireRow(res, ledger.ErrCardNotFound)
}

func (t *storeTx) GetAdAccount(ctx context.Context, id int64) (*ledger.AdAccount, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM marketing_ad_accounts WHERE id = $1`, id)
	return scanAdAccount(row)
}

const transactionColumns = `id, tx_type, kind, card_id, source_card_id, ad_account_id, amount, note, created_by, effective_at, created_at`

func (t *storeTx) LockTransaction(ctx context.Context, id int64) (*ledger.Transaction, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM marketing_transactions WHERE id = $1 FOR UPDATE`, id)
	return scanTransaction(row)
}

func (t *storeTx) InsertTransaction(ctx context.Context, record *ledger.Transaction) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO marketing_transactions
		(tx_type, kind, card_id, source_card_id, ad_account_id, amount, note, created_by, effective_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		string(record.Type),
		string(record.Kind),
		record.CardID,
		record.SourceCardID,
		record.AdAccountID,
		record.Amount.String(),
		record.Note,
		record.CreatedBy,
		record.EffectiveAt.UTC(),
		record.CreatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transaction: %w", err)
	}
	record.ID = id
	return id, nil
}

func (t *storeTx) DeleteTransaction(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM marketing_transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction %d: %w", id, err)
	}
	return requireRow(res, ledger.ErrTransactionNotFound)
}

func (t *storeTx) UpdateTransactionMeta(ctx context.Context, id int64, note *string, effectiveAt *time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE marketing_transactions
		SET note = COALESCE($1, note),
		    effective_at = COALESCE($2, effective_at)
		WHERE id = $3`,
		note, effectiveAt, id,
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
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM marketing_cards WHERE id = $1`, id)
	return scanCard(row)
}

func (s *Store) ListCards(ctx context.Context) ([]ledger.Card, error) {
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
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM marketing_ad_accounts WHERE id = $1`, id)
	account, err := scanAdAccount(row)
	if err != nil {
		return nil, err
	}
	account.CardIDs, err = s.linkedCardIDs(ctx, id)
	return account, err
}

func (s *Store) ListAdAccounts(ctx context.Context) ([]ledger.AdAccount, error) {
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

	var lerr error
	for i := range accounts {
		accounts[i].CardIDs, lerr = s.linkedCardIDs(ctx, accounts[i].ID)
		if lerr != nil {
			return nil, lerr
		}
	}
	return accounts, nil
}

func (s *Store) linkedCardIDs(ctx context.Context, accountID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT card_id FROM marketing_ad_account_cards
		WHERE ad_account_id = $1 ORDER BY card_id ASC`, accountID)
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
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM marketing_transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (s *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM marketing_transactions`
	var args []any
	if filter.CardID != nil {
		query += ` WHERE card_id = $1 OR source_card_id = $1`
		args = append(args, *filter.CardID)
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
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
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO marketing_cards
		(name, last4, dotation_limit, dotation_used, cold_balance, real_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id`,
		card.Name, card.LastFour,
		card.DotationLimit.String(), card.DotationUsed.String(),
		card.ColdBalance.String(), card.RealBalance.String(),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ledger.ErrDuplicateName
		}
		return 0, fmt.Errorf("failed to create card: %w", err)
	}
	card.ID = id
	return id, nil
}

func (s *Store) UpdateCard(ctx context.Context, card *ledger.Card) error {
	// Guard and update in one transaction so the limit check cannot race a
	// concurrent balance mutation.
	return s.WithTx(ctx, func(tx ledger.Tx) error {
		current, err := tx.LockCard(ctx, card.ID)
		if err != nil {
			return err
		}
		if card.DotationLimit.LessThan(current.DotationUsed) {
			return ledger.ErrDotationBelowUsed
		}

		ptx := tx.(*storeTx)
		_, err = ptx.tx.ExecContext(ctx, `
			UPDATE marketing_cards
			SET name = $1, last4 = $2, dotation_limit = $3, updated_at = NOW()
			WHERE id = $4`,
			card.Name, card.LastFour, card.DotationLimit.String(), card.ID,
		)
		if err != nil && isUniqueViolation(err) {
			return ledger.ErrDuplicateName
		}
		return err
	})
}

func (s *Store) DeleteCard(ctx context.Context, id int64) error {
	// FKs do the rest: the card's transactions cascade, transfers that used
	// it as source keep their row with source_card_id nulled.
	res, err := s.db.ExecContext(ctx, `DELETE FROM marketing_cards WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete card %d: %w", id, err)
	}
	return requireRow(res, ledger.ErrCardNotFound)
}

func (s *Store) CreateAdAccount(ctx context.Context, account *ledger.AdAccount) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO marketing_ad_accounts (name, created_at, updated_at)
		VALUES ($1, NOW(), NOW())
		RETURNING id`,
		account.Name,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ledger.ErrDuplicateName
		}
		return 0, fmt.Errorf("failed to create ad account: %w", err)
	}
	account.ID = id
	return id, nil
}

func (s *Store) UpdateAdAccount(ctx context.Context, account *ledger.AdAccount) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE marketing_ad_accounts SET name = $1, updated_at = NOW() WHERE id = $2`,
		account.Name, account.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateName
		}
		return fmt.Errorf("failed to update ad account %d: %w", account.ID, err)
	}
	return requireRow(res, ledger.ErrAdAccountNotFound)
}

func (s *Store) DeleteAdAccount(ctx context.Context, id int64) error {
	// Logged spend transactions keep their row; ad_account_id goes NULL.
	res, err := s.db.ExecContext(ctx, `DELETE FROM marketing_ad_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete ad account %d: %w", id, err)
	}
	return requireRow(res, ledger.ErrAdAccountNotFound)
}

func (s *Store) SetAdAccountCards(ctx context.Context, accountID int64, cardIDs []int64) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var exists int
	err = sqlTx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM marketing_ad_accounts WHERE id = $1`, accountID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ledger.ErrAdAccountNotFound
	}

	if _, err := sqlTx.ExecContext(ctx,
		`DELETE FROM marketing_ad_account_cards WHERE ad_account_id = $1`, accountID); err != nil {
		return err
	}
	for _, cardID := range cardIDs {
		if _, err := sqlTx.ExecContext(ctx, `
			INSERT INTO marketing_ad_account_cards (ad_account_id, card_id)
			VALUES ($1, $2)`, accountID, cardID); err != nil {
			if isForeignKeyViolation(err) {
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
		card        ledger.Card
		limit, used string
		cold, real  string
	)
	err := row.Scan(&card.ID, &card.Name, &card.LastFour,
		&limit, &used, &cold, &real, &card.CreatedAt, &card.UpdatedAt)
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
	return &card, nil
}

func scanAdAccount(row scannable) (*ledger.AdAccount, error) {
	var account ledger.AdAccount
	err := row.Scan(&account.ID, &account.Name, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrAdAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ad account: %w", err)
	}
	return &account, nil
}

func scanTransaction(row scannable) (*ledger.Transaction, error) {
	var (
		record                    ledger.Transaction
		txType, kind, amount      string
		sourceCardID, adAccountID sql.NullInt64
	)
	err := row.Scan(&record.ID, &txType, &kind, &record.CardID,
		&sourceCardID, &adAccountID, &amount,
		&record.Note, &record.CreatedBy, &record.EffectiveAt, &record.CreatedAt)
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

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// Compile-time check: Store implements the full admin store surface.
var _ ledger.AdminStore = (*Store)(nil)
