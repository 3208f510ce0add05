// Package store provides an in-memory ledger.Store implementation.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/marketing-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.AdminStore. WithTx serializes all writers under
// one mutex and simulates rollback with a snapshot, which satisfies the
// row-locking contract trivially: critical sections never overlap.
type Memory struct {
	mu           sync.Mutex
	cards        map[int64]ledger.Card
	adAccounts   map[int64]ledger.AdAccount
	transactions map[int64]ledger.Transaction
	nextCard     int64
	nextAccount  int64
	nextTx       int64
}

func NewMemory() *Memory {
	return &Memory{
		cards:        make(map[int64]ledger.Card),
		adAccounts:   make(map[int64]ledger.AdAccount),
		transactions: make(map[int64]ledger.Transaction),
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn under the store lock. On error the pre-transaction
// snapshot is restored, so fn's writes never partially land.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&memTx{store: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memSnapshot struct {
	cards        map[int64]ledger.Card
	adAccounts   map[int64]ledger.AdAccount
	transactions map[int64]ledger.Transaction
	nextCard     int64
	nextAccount  int64
	nextTx       int64
}

func (m *Memory) snapshot() memSnapshot {
	s := memSnapshot{
		cards:        make(map[int64]ledger.Card, len(m.cards)),
		adAccounts:   make(map[int64]ledger.AdAccount, len(m.adAccounts)),
		transactions: make(map[int64]ledger.Transaction, len(m.transactions)),
		nextCard:     m.nextCard,
		nextAccount:  m.nextAccount,
		nextTx:       m.nextTx,
	}
	for id, c := range m.cards {
		s.cards[id] = c
	}
	for id, a := range m.adAccounts {
		a.CardIDs = append([]int64(nil), a.CardIDs...)
		s.adAccounts[id] = a
	}
	for id, t := range m.transactions {
		s.transactions[id] = cloneTransaction(t)
	}
	return s
}

func (m *Memory) restore(s memSnapshot) {
	m.cards = s.cards
	m.adAccounts = s.adAccounts
	m.transactions = s.transactions
	m.nextCard = s.nextCard
	m.nextAccount = s.nextAccount
	m.nextTx = s.nextTx
}

// memTx operates directly on the parent maps; the parent holds the lock for
// the whole WithTx section.
type memTx struct {
	store *Memory
}

func (t *memTx) LockCard(_ context.Context, id int64) (*ledger.Card, error) {
	card, ok := t.store.cards[id]
	if !ok {
		return nil, ledger.ErrCardNotFound
	}
	return &card, nil
}

func (t *memTx) UpdateCardBalances(_ context.Context, card *ledger.Card) error {
	stored, ok := t.store.cards[card.ID]
	if !ok {
		return ledger.ErrCardNotFound
	}
	stored.ColdBalance = card.ColdBalance
	stored.RealBalance = card.RealBalance
	stored.DotationUsed = card.DotationUsed
	stored.UpdatedAt = time.Now().UTC()
	t.store.cards[card.ID] = stored
	return nil
}

func (t *memTx) GetAdAccount(_ context.Context, id int64) (*ledger.AdAccount, error) {
	account, ok := t.store.adAccounts[id]
	if !ok {
		return nil, ledger.ErrAdAccountNotFound
	}
	return &account, nil
}

func (t *memTx) LockTransaction(_ context.Context, id int64) (*ledger.Transaction, error) {
	record, ok := t.store.transactions[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	record = cloneTransaction(record)
	return &record, nil
}

func (t *memTx) InsertTransaction(_ context.Context, record *ledger.Transaction) (int64, error) {
	t.store.nextTx++
	record.ID = t.store.nextTx
	t.store.transactions[record.ID] = cloneTransaction(*record)
	return record.ID, nil
}

func (t *memTx) DeleteTransaction(_ context.Context, id int64) error {
	if _, ok := t.store.transactions[id]; !ok {
		return ledger.ErrTransactionNotFound
	}
	delete(t.store.transactions, id)
	return nil
}

func (t *memTx) UpdateTransactionMeta(_ context.Context, id int64, note *string, effectiveAt *time.Time) error {
	record, ok := t.store.transactions[id]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	if note != nil {
		record.Note = *note
	}
	if effectiveAt != nil {
		record.EffectiveAt = effectiveAt.UTC()
	}
	t.store.transactions[id] = record
	return nil
}

// =============================================================================
// READ SURFACE
// =============================================================================

func (m *Memory) GetCard(_ context.Context, id int64) (*ledger.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	card, ok := m.cards[id]
	if !ok {
		return nil, ledger.ErrCardNotFound
	}
	return &card, nil
}

func (m *Memory) ListCards(_ context.Context) ([]ledger.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cards := make([]ledger.Card, 0, len(m.cards))
	for _, c := range m.cards {
		cards = append(cards, c)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })
	return cards, nil
}

func (m *Memory) GetAdAccount(_ context.Context, id int64) (*ledger.AdAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.adAccounts[id]
	if !ok {
		return nil, ledger.ErrAdAccountNotFound
	}
	account.CardIDs = append([]int64(nil), account.CardIDs...)
	return &account, nil
}

func (m *Memory) ListAdAccounts(_ context.Context) ([]ledger.AdAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := make([]ledger.AdAccount, 0, len(m.adAccounts))
	for _, a := range m.adAccounts {
		a.CardIDs = append([]int64(nil), a.CardIDs...)
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (m *Memory) GetTransaction(_ context.Context, id int64) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.transactions[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	record = cloneTransaction(record)
	return &record, nil
}

func (m *Memory) ListTransactions(_ context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []ledger.Transaction
	for _, record := range m.transactions {
		if filter.CardID != nil {
			id := *filter.CardID
			if record.CardID != id && (record.SourceCardID == nil || *record.SourceCardID != id) {
				continue
			}
		}
		records = append(records, cloneTransaction(record))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID > records[j].ID })
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

// =============================================================================
// ADMIN
// =============================================================================

func (m *Memory) CreateCard(_ context.Context, card *ledger.Card) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.cards {
		if strings.EqualFold(existing.Name, card.Name) {
			return 0, ledger.ErrDuplicateName
		}
	}

	m.nextCard++
	card.ID = m.nextCard
	now := time.Now().UTC()
	card.CreatedAt = now
	card.UpdatedAt = now
	m.cards[card.ID] = *card
	return card.ID, nil
}

func (m *Memory) UpdateCard(_ context.Context, card *ledger.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.cards[card.ID]
	if !ok {
		return ledger.ErrCardNotFound
	}
	for id, existing := range m.cards {
		if id != card.ID && strings.EqualFold(existing.Name, card.Name) {
			return ledger.ErrDuplicateName
		}
	}
	if card.DotationLimit.LessThan(stored.DotationUsed) {
		return ledger.ErrDotationBelowUsed
	}

	stored.Name = card.Name
	stored.LastFour = card.LastFour
	stored.DotationLimit = card.DotationLimit
	stored.UpdatedAt = time.Now().UTC()
	m.cards[card.ID] = stored
	return nil
}

// DeleteCard removes a card, cascades its own transactions, and nulls the
// source reference on transfers that pulled from it.
func (m *Memory) DeleteCard(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cards[id]; !ok {
		return ledger.ErrCardNotFound
	}
	delete(m.cards, id)

	for txID, record := range m.transactions {
		if record.CardID == id {
			delete(m.transactions, txID)
			continue
		}
		if record.SourceCardID != nil && *record.SourceCardID == id {
			record.SourceCardID = nil
			m.transactions[txID] = record
		}
	}
	for accountID, account := range m.adAccounts {
		account.CardIDs = removeID(account.CardIDs, id)
		m.adAccounts[accountID] = account
	}
	return nil
}

func (m *Memory) CreateAdAccount(_ context.Context, account *ledger.AdAccount) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.adAccounts {
		if strings.EqualFold(existing.Name, account.Name) {
			return 0, ledger.ErrDuplicateName
		}
	}

	m.nextAccount++
	account.ID = m.nextAccount
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	m.adAccounts[account.ID] = *account
	return account.ID, nil
}

func (m *Memory) UpdateAdAccount(_ context.Context, account *ledger.AdAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.adAccounts[account.ID]
	if !ok {
		return ledger.ErrAdAccountNotFound
	}
	for id, existing := range m.adAccounts {
		if id != account.ID && strings.EqualFold(existing.Name, account.Name) {
			return ledger.ErrDuplicateName
		}
	}

	stored.Name = account.Name
	stored.UpdatedAt = time.Now().UTC()
	m.adAccounts[account.ID] = stored
	return nil
}

// DeleteAdAccount removes an ad account and nulls the reference on logged
// spend transactions. It never deletes or alters the transactions themselves.
func (m *Memory) DeleteAdAccount(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.adAccounts[id]; !ok {
		return ledger.ErrAdAccountNotFound
	}
	delete(m.adAccounts, id)

	for txID, record := range m.transactions {
		if record.AdAccountID != nil && *record.AdAccountID == id {
			record.AdAccountID = nil
			m.transactions[txID] = record
		}
	}
	return nil
}

func (m *Memory) SetAdAccountCards(_ context.Context, accountID int64, cardIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.adAccounts[accountID]
	if !ok {
		return ledger.ErrAdAccountNotFound
	}
	for _, id := range cardIDs {
		if _, ok := m.cards[id]; !ok {
			return ledger.ErrCardNotFound
		}
	}

	account.CardIDs = append([]int64(nil), cardIDs...)
	account.UpdatedAt = time.Now().UTC()
	m.adAccounts[accountID] = account
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneTransaction(record ledger.Transaction) ledger.Transaction {
	if record.SourceCardID != nil {
		id := *record.SourceCardID
		record.SourceCardID = &id
	}
	if record.AdAccountID != nil {
		id := *record.AdAccountID
		record.AdAccountID = &id
	}
	return record
}

func removeID(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Compile-time check: Memory implements the full admin store surface.
var _ ledger.AdminStore = (*Memory)(nil)
