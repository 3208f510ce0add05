/*
engine.go - Balance mutation and reversal engine

PURPOSE:
  The only code path that mutates card balances. Each operation runs inside
  one Store.WithTx critical section: lock every card it touches, validate
  preconditions, mutate, write the journal, commit. The first failing check
  aborts the whole transaction; the engine never partially applies.

THE FOUR MUTATIONS:
  cold_to_real     cold -= a; real += a; used += a
  from_card_cold   source.cold -= a; target.real += a; target.used += a
  spend_ad_account real -= a; used += a   (dotation tracks cumulative usage)
  real_to_cold     real -= a; cold += a; used -= a

REVERSAL:
  Reverse locks the journal row, applies the exact inverse of its kind
  (gated by symmetric invariant checks), and deletes the row, atomically.
  If an inverse guard fails, nothing changes and the row is kept: the
  journal always agrees with which effects have been applied.

LOCK ORDERING INVARIANT:
  Whenever two cards are locked in one operation, they are locked in
  ascending id order. This must hold for every multi-card code path added
  to the engine; it is what makes concurrent opposite-direction transfers
  deadlock-free.

SEE ALSO:
  - store.go: The locking contract the engine relies on
  - errors.go: Failure taxonomy
*/
package ledger

import (
	"context"
	"time"

	"github.com/warp/marketing-ledger/money"
)

// Engine applies and reverses balance mutations.
type Engine struct {
	store Store
	now   func() time.Time
}

// NewEngine creates an engine on top of a store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// =============================================================================
// INPUTS
// =============================================================================

type ColdToRealInput struct {
	CardID  int64
	Amount  money.Amount
	Note    string
	ActorID string
}

type TransferInput struct {
	SourceCardID int64
	TargetCardID int64
	Amount       money.Amount
	Note         string
	ActorID      string
}

type SpendInput struct {
	CardID      int64
	AdAccountID int64
	Amount      money.Amount
	Note        string
	ActorID     string
}

type RealToColdInput struct {
	CardID  int64
	Amount  money.Amount
	Note    string
	ActorID string
}

// =============================================================================
// FORWARD OPERATIONS
// =============================================================================

// ColdToReal moves funds from a card's cold balance into its real balance,
// consuming dotation headroom.
func (e *Engine) ColdToReal(ctx context.Context, in ColdToRealInput) (int64, error) {
	if err := requirePositive(in.Amount); err != nil {
		return 0, err
	}

	var txID int64
	err := e.store.WithTx(ctx, func(tx Tx) error {
		card, err := tx.LockCard(ctx, in.CardID)
		if err != nil {
			return err
		}

		if card.ColdBalance.LessThan(in.Amount) {
			return &InsufficientFundsError{
				CardID:    card.ID,
				Available: card.ColdBalance,
				Requested: in.Amount,
				Reason:    ErrInsufficientColdBalance,
			}
		}
		if err := checkDotationHeadroom(card, in.Amount); err != nil {
			return err
		}

		card.ColdBalance = card.ColdBalance.Sub(in.Amount)
		card.RealBalance = card.RealBalance.Add(in.Amount)
		card.DotationUsed = card.DotationUsed.Add(in.Amount)
		if err := tx.UpdateCardBalances(ctx, card); err != nil {
			return err
		}

		txID, err = tx.InsertTransaction(ctx, e.newTransaction(KindColdToReal, card.ID, in.Amount, in.Note, in.ActorID))
		return err
	})
	return txID, err
}

// TransferFromCardCold moves funds from another card's cold balance into the
// target card's real balance. The target's dotation headroom is consumed;
// the source's dotation is untouched.
func (e *Engine) TransferFromCardCold(ctx context.Context, in TransferInput) (int64, error) {
	if err := requirePositive(in.Amount); err != nil {
		return 0, err
	}
	if in.SourceCardID == in.TargetCardID {
		return 0, ErrInvalidOperation
	}

	var txID int64
	err := e.store.WithTx(ctx, func(tx Tx) error {
		target, source, err := lockCardPair(ctx, tx, in.TargetCardID, in.SourceCardID)
		if err != nil {
			return err
		}

		if err := checkDotationHeadroom(target, in.Amount); err != nil {
			return err
		}
		if source.ColdBalance.LessThan(in.Amount) {
			return &InsufficientFundsError{
				CardID:    source.ID,
				Available: source.ColdBalance,
				Requested: in.Amount,
				Reason:    ErrInsufficientColdBalance,
			}
		}

		source.ColdBalance = source.ColdBalance.Sub(in.Amount)
		target.RealBalance = target.RealBalance.Add(in.Amount)
		target.DotationUsed = target.DotationUsed.Add(in.Amount)
		if err := tx.UpdateCardBalances(ctx, source); err != nil {
			return err
		}
		if err := tx.UpdateCardBalances(ctx, target); err != nil {
			return err
		}

		record := e.newTransaction(KindFromCardCold, target.ID, in.Amount, in.Note, in.ActorID)
		record.SourceCardID = &source.ID
		txID, err = tx.InsertTransaction(ctx, record)
		return err
	})
	return txID, err
}

// SpendAdAccount spends from a card's real balance toward an ad account.
// Dotation headroom is consumed even though funds leave the real balance:
// dotation tracks cumulative usage.
func (e *Engine) SpendAdAccount(ctx context.Context, in SpendInput) (int64, error) {
	if err := requirePositive(in.Amount); err != nil {
		return 0, err
	}

	var txID int64
	err := e.store.WithTx(ctx, func(tx Tx) error {
		card, err := tx.LockCard(ctx, in.CardID)
		if err != nil {
			return err
		}
		account, err := tx.GetAdAccount(ctx, in.AdAccountID)
		if err != nil {
			return err
		}

		if card.RealBalance.LessThan(in.Amount) {
			return &InsufficientFundsError{
				CardID:    card.ID,
				Available: card.RealBalance,
				Requested: in.Amount,
				Reason:    ErrInsufficientRealBalance,
			}
		}
		if err := checkDotationHeadroom(card, in.Amount); err != nil {
			return err
		}

		card.RealBalance = card.RealBalance.Sub(in.Amount)
		card.DotationUsed = card.DotationUsed.Add(in.Amount)
		if err := tx.UpdateCardBalances(ctx, card); err != nil {
			return err
		}

		record := e.newTransaction(KindSpendAdAccount, card.ID, in.Amount, in.Note, in.ActorID)
		record.AdAccountID = &account.ID
		txID, err = tx.InsertTransaction(ctx, record)
		return err
	})
	return txID, err
}

// RealToCold moves unspent funds back from real to cold, releasing dotation
// headroom. Fails if that would un-use dotation that was never used.
func (e *Engine) RealToCold(ctx context.Context, in RealToColdInput) (int64, error) {
	if err := requirePositive(in.Amount); err != nil {
		return 0, err
	}

	var txID int64
	err := e.store.WithTx(ctx, func(tx Tx) error {
		card, err := tx.LockCard(ctx, in.CardID)
		if err != nil {
			return err
		}

		if card.RealBalance.LessThan(in.Amount) {
			return &InsufficientFundsError{
				CardID:    card.ID,
				Available: card.RealBalance,
				Requested: in.Amount,
				Reason:    ErrInsufficientRealBalance,
			}
		}
		if card.DotationUsed.LessThan(in.Amount) {
			return &InsufficientFundsError{
				CardID:    card.ID,
				Available: card.DotationUsed,
				Requested: in.Amount,
				Reason:    ErrDotationUnderflow,
			}
		}

		card.RealBalance = card.RealBalance.Sub(in.Amount)
		card.ColdBalance = card.ColdBalance.Add(in.Amount)
		card.DotationUsed = card.DotationUsed.Sub(in.Amount)
		if err := tx.UpdateCardBalances(ctx, card); err != nil {
			return err
		}

		txID, err = tx.InsertTransaction(ctx, e.newTransaction(KindRealToCold, card.ID, in.Amount, in.Note, in.ActorID))
		return err
	})
	return txID, err
}

// =============================================================================
// REVERSAL
// =============================================================================

// Reverse undoes a logged transaction: it applies the exact inverse of the
// original effect and deletes the journal row, atomically. If the inverse
// would violate a card invariant, it fails with ErrReversalConflict and the
// row is kept.
func (e *Engine) Reverse(ctx context.Context, transactionID int64) error {
	return e.store.WithTx(ctx, func(tx Tx) error {
		record, err := tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}

		switch record.Kind {
		case KindColdToReal:
			return e.reverseColdToReal(ctx, tx, record)
		case KindFromCardCold:
			return e.reverseFromCardCold(ctx, tx, record)
		case KindSpendAdAccount:
			return e.reverseSpendAdAccount(ctx, tx, record)
		case KindRealToCold:
			return e.reverseRealToCold(ctx, tx, record)
		default:
			return ErrUnsupportedKind
		}
	})
}

func (e *Engine) reverseColdToReal(ctx context.Context, tx Tx, record *Transaction) error {
	card, err := tx.LockCard(ctx, record.CardID)
	if err != nil {
		return err
	}

	if card.RealBalance.LessThan(record.Amount) {
		return reversalConflict(record, "real balance no longer covers the amount")
	}
	if card.DotationUsed.LessThan(record.Amount) {
		return reversalConflict(record, "dotation usage no longer covers the amount")
	}

	card.ColdBalance = card.ColdBalance.Add(record.Amount)
	card.RealBalance = card.RealBalance.Sub(record.Amount)
	card.DotationUsed = card.DotationUsed.Sub(record.Amount)
	if err := tx.UpdateCardBalances(ctx, card); err != nil {
		return err
	}
	return tx.DeleteTransaction(ctx, record.ID)
}

func (e *Engine) reverseFromCardCold(ctx context.Context, tx Tx, record *Transaction) error {
	if record.SourceCardID == nil {
		return reversalConflict(record, "source card no longer exists")
	}

	target, source, err := lockCardPair(ctx, tx, record.CardID, *record.SourceCardID)
	if err != nil {
		if IsNotFound(err) {
			return reversalConflict(record, "source card no longer exists")
		}
		return err
	}

	if target.RealBalance.LessThan(record.Amount) {
		return reversalConflict(record, "target real balance no longer covers the amount")
	}
	if target.DotationUsed.LessThan(record.Amount) {
		return reversalConflict(record, "target dotation usage no longer covers the amount")
	}

	source.ColdBalance = source.ColdBalance.Add(record.Amount)
	target.RealBalance = target.RealBalance.Sub(record.Amount)
	target.DotationUsed = target.DotationUsed.Sub(record.Amount)
	if err := tx.UpdateCardBalances(ctx, source); err != nil {
		return err
	}
	if err := tx.UpdateCardBalances(ctx, target); err != nil {
		return err
	}
	return tx.DeleteTransaction(ctx, record.ID)
}

func (e *Engine) reverseSpendAdAccount(ctx context.Context, tx Tx, record *Transaction) error {
	card, err := tx.LockCard(ctx, record.CardID)
	if err != nil {
		return err
	}

	if card.DotationUsed.LessThan(record.Amount) {
		return reversalConflict(record, "dotation usage no longer covers the amount")
	}

	card.RealBalance = card.RealBalance.Add(record.Amount)
	card.DotationUsed = card.DotationUsed.Sub(record.Amount)
	if err := tx.UpdateCardBalances(ctx, card); err != nil {
		return err
	}
	return tx.DeleteTransaction(ctx, record.ID)
}

func (e *Engine) reverseRealToCold(ctx context.Context, tx Tx, record *Transaction) error {
	card, err := tx.LockCard(ctx, record.CardID)
	if err != nil {
		return err
	}

	if card.ColdBalance.LessThan(record.Amount) {
		return reversalConflict(record, "cold balance no longer covers the amount")
	}
	if card.DotationUsed.Add(record.Amount).GreaterThan(card.DotationLimit) {
		return reversalConflict(record, "dotation limit no longer leaves room to restore usage")
	}

	card.RealBalance = card.RealBalance.Add(record.Amount)
	card.ColdBalance = card.ColdBalance.Sub(record.Amount)
	card.DotationUsed = card.DotationUsed.Add(record.Amount)
	if err := tx.UpdateCardBalances(ctx, card); err != nil {
		return err
	}
	return tx.DeleteTransaction(ctx, record.ID)
}

// =============================================================================
// METADATA AND OVERVIEW
// =============================================================================

// UpdateTransactionMeta edits a transaction's note and/or effective date.
// Balances are never touched on this path.
func (e *Engine) UpdateTransactionMeta(ctx context.Context, transactionID int64, note *string, effectiveAt *time.Time) error {
	return e.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockTransaction(ctx, transactionID); err != nil {
			return err
		}
		return tx.UpdateTransactionMeta(ctx, transactionID, note, effectiveAt)
	})
}

// Overview aggregates balances across all cards and ad accounts. Read-only;
// no locks taken.
func (e *Engine) Overview(ctx context.Context) (*Overview, error) {
	cards, err := e.store.ListCards(ctx)
	if err != nil {
		return nil, err
	}
	accounts, err := e.store.ListAdAccounts(ctx)
	if err != nil {
		return nil, err
	}

	ov := &Overview{Cards: cards, AdAccounts: accounts}
	for _, c := range cards {
		ov.TotalCold = ov.TotalCold.Add(c.ColdBalance)
		ov.TotalReal = ov.TotalReal.Add(c.RealBalance)
		ov.TotalDotation = ov.TotalDotation.Add(c.DotationLimit)
		ov.TotalUsed = ov.TotalUsed.Add(c.DotationUsed)
	}
	return ov, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) newTransaction(kind Kind, cardID int64, amount money.Amount, note, actorID string) *Transaction {
	now := e.now().UTC()
	return &Transaction{
		Type:        TypeOf(kind),
		Kind:        kind,
		CardID:      cardID,
		Amount:      amount,
		Note:        note,
		CreatedBy:   actorID,
		EffectiveAt: now,
		CreatedAt:   now,
	}
}

func requirePositive(a money.Amount) error {
	if !a.IsPositive() {
		return money.ErrInvalidAmount
	}
	return nil
}

func checkDotationHeadroom(card *Card, amount money.Amount) error {
	if card.DotationUsed.Add(amount).GreaterThan(card.DotationLimit) {
		return &InsufficientFundsError{
			CardID:    card.ID,
			Available: card.DotationHeadroom(),
			Requested: amount,
			Reason:    ErrInsufficientDotation,
		}
	}
	return nil
}

// lockCardPair locks two distinct cards in ascending id order (the engine's
// lock-ordering invariant) and returns them as (first, second) matching the
// argument order.
func lockCardPair(ctx context.Context, tx Tx, firstID, secondID int64) (*Card, *Card, error) {
	lo, hi := firstID, secondID
	if lo > hi {
		lo, hi = hi, lo
	}

	loCard, err := tx.LockCard(ctx, lo)
	if err != nil {
		return nil, nil, err
	}
	hiCard, err := tx.LockCard(ctx, hi)
	if err != nil {
		return nil, nil, err
	}

	if loCard.ID == firstID {
		return loCard, hiCard, nil
	}
	return hiCard, loCard, nil
}

func reversalConflict(record *Transaction, reason string) error {
	return &ReversalConflictError{
		TransactionID: record.ID,
		Kind:          record.Kind,
		Reason:        reason,
	}
}
