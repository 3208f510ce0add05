/*
store.go - Persistence interfaces for cards, ad accounts, and the journal

PURPOSE:
  Defines the boundary between the engine and the database. Correctness
  depends entirely on the storage layer's transactions and row locks; the
  engine keeps no in-process shared state.

KEY INTERFACES:
  Store: Read surface plus WithTx, the single entry point for writes
  Tx:    Operations available inside one atomic, row-locking transaction

LOCKING CONTRACT:
  Tx.LockCard must acquire an exclusive row lock (SELECT ... FOR UPDATE
  semantics) held until commit/rollback. Two concurrent operations against
  the same card serialize on that lock; a reader outside WithTx never sees
  a partially applied mutation.

  Backends without row locks (sqlite, memory) satisfy the contract by
  serializing WithTx sections instead.

JOURNAL CONTRACT:
  InsertTransaction and DeleteTransaction are only ever called inside the
  same Tx that applies (respectively, inverts) the balance effect. The
  journal and the balances move together or not at all.

IMPLEMENTATIONS:
  - ledger/store/memory.go: snapshot/rollback, for tests and dev
  - store/sqlite/sqlite.go: single-writer transactions
  - store/postgres/postgres.go: real FOR UPDATE row locks

SEE ALSO:
  - engine.go: The only caller of WithTx
*/
package ledger

import (
	"context"
	"time"
)

// Store is the persistence surface consumed by the engine and the HTTP layer.
type Store interface {
	// WithTx executes fn within one atomic transaction. If fn returns an
	// error the transaction is rolled back and nothing reaches storage;
	// otherwise it is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Read-only surface. These never lock rows.
	GetCard(ctx context.Context, id int64) (*Card, error)
	ListCards(ctx context.Context) ([]Card, error)
	GetAdAccount(ctx context.Context, id int64) (*AdAccount, error)
	ListAdAccounts(ctx context.Context) ([]AdAccount, error)
	GetTransaction(ctx context.Context, id int64) (*Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
}

// TransactionFilter narrows ListTransactions. Zero value means "all",
// ordered newest first.
type TransactionFilter struct {
	CardID *int64 // matches target or source card
	Limit  int    // 0 = no limit
}

// Tx is the set of operations available inside one WithTx critical section.
type Tx interface {
	// LockCard reads a card under an exclusive row lock held until the
	// transaction ends. Returns ErrCardNotFound if it does not exist.
	LockCard(ctx context.Context, id int64) (*Card, error)

	// UpdateCardBalances persists the three mutable balance columns of a
	// previously locked card.
	UpdateCardBalances(ctx context.Context, card *Card) error

	// GetAdAccount validates an ad account reference inside the transaction.
	GetAdAccount(ctx context.Context, id int64) (*AdAccount, error)

	// LockTransaction reads a journal row under an exclusive lock.
	// Returns ErrTransactionNotFound if it does not exist.
	LockTransaction(ctx context.Context, id int64) (*Transaction, error)

	// InsertTransaction appends a journal row and returns its id.
	InsertTransaction(ctx context.Context, tx *Transaction) (int64, error)

	// DeleteTransaction removes a journal row. Only the reversal path calls
	// this, after applying the inverse effect in the same transaction.
	DeleteTransaction(ctx context.Context, id int64) error

	// UpdateTransactionMeta edits note/effective date without touching
	// balances. Nil fields are left unchanged.
	UpdateTransactionMeta(ctx context.Context, id int64, note *string, effectiveAt *time.Time) error
}

// AdminStore extends Store with card/ad-account administration. Separate so
// the engine only depends on what it needs.
type AdminStore interface {
	Store

	CreateCard(ctx context.Context, card *Card) (int64, error)
	UpdateCard(ctx context.Context, card *Card) error
	DeleteCard(ctx context.Context, id int64) error

	CreateAdAccount(ctx context.Context, account *AdAccount) (int64, error)
	UpdateAdAccount(ctx context.Context, account *AdAccount) error
	DeleteAdAccount(ctx context.Context, id int64) error
	SetAdAccountCards(ctx context.Context, accountID int64, cardIDs []int64) error
}
