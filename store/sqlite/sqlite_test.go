package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/marketing-ledger/ledger"
	"github.com/warp/marketing-ledger/money"
	"github.com/warp/marketing-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedCard(t *testing.T, store *sqlite.Store, name, cold string) int64 {
	t.Helper()
	id, err := store.CreateCard(context.Background(), &ledger.Card{
		Name:          name,
		LastFour:      "1234",
		ColdBalance:   money.MustParse(cold),
		RealBalance:   money.Zero,
		DotationUsed:  money.Zero,
		DotationLimit: money.MustParse("1000"),
	})
	require.NoError(t, err)
	return id
}

// =============================================================================
// ENGINE ROUNDTRIP - The full apply/reverse path against real SQL
// =============================================================================

func TestEngine_ApplyAndReverse_OnSQLite(t *testing.T) {
	store := newTestStore(t)
	engine := ledger.NewEngine(store)
	ctx := context.Background()

	cardID := seedCard(t, store, "Main", "50")

	txID, err := engine.ColdToReal(ctx, ledger.ColdToRealInput{
		CardID: cardID, Amount: money.MustParse("30"), Note: "initial load", ActorID: "u-1",
	})
	require.NoError(t, err)

	card, err := store.GetCard(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, "20.00", card.ColdBalance.String())
	assert.Equal(t, "30.00", card.RealBalance.String())
	assert.Equal(t, "30.00", card.DotationUsed.String())

	record, err := store.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindColdToReal, record.Kind)
	assert.Equal(t, "30.00", record.Amount.String())
	assert.Equal(t, "initial load", record.Note)
	assert.Equal(t, "u-1", record.CreatedBy)

	require.NoError(t, engine.Reverse(ctx, txID))

	card, err = store.GetCard(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", card.ColdBalance.String())
	assert.Equal(t, "0.00", card.RealBalance.String())
	assert.Equal(t, "0.00", card.DotationUsed.String())

	_, err = store.GetTransaction(ctx, txID)
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestEngine_FailedPrecondition_RollsBackEverything(t *testing.T) {
	// The spend locks the card and validates the ad account in one SQL
	// transaction; a missing account must leave no trace.

	store := newTestStore(t)
	engine := ledger.NewEngine(store)
	ctx := context.Background()

	cardID := seedCard(t, store, "Main", "50")
	_, err := engine.ColdToReal(ctx, ledger.ColdToRealInput{CardID: cardID, Amount: money.MustParse("30")})
	require.NoError(t, err)

	_, err = engine.SpendAdAccount(ctx, ledger.SpendInput{CardID: cardID, AdAccountID: 999, Amount: money.MustParse("10")})
	assert.ErrorIs(t, err, ledger.ErrAdAccountNotFound)

	card, err := store.GetCard(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, "30.00", card.RealBalance.String())

	txs, err := store.ListTransactions(ctx, ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

// =============================================================================
// FOREIGN KEY BEHAVIOR
// =============================================================================

func TestDeleteAdAccount_NullsReferenceOnLoggedTransactions(t *testing.T) {
	store := newTestStore(t)
	engine := ledger.NewEngine(store)
	ctx := context.Background()

	cardID := seedCard(t, store, "Main", "50")
	accountID, err := store.CreateAdAccount(ctx, &ledger.AdAccount{Name: "Meta Ads"})
	require.NoError(t, err)

	_, err = engine.ColdToReal(ctx, ledger.ColdToRealInput{CardID: cardID, Amount: money.MustParse("30")})
	require.NoError(t, err)
	spendID, err := engine.SpendAdAccount(ctx, ledger.SpendInput{CardID: cardID, AdAccountID: accountID, Amount: money.MustParse("10")})
	require.NoError(t, err)

	require.NoError(t, store.DeleteAdAccount(ctx, accountID))

	record, err := store.GetTransaction(ctx, spendID)
	require.NoError(t, err)
	assert.Nil(t, record.AdAccountID, "reference nulled, row kept")
	assert.Equal(t, "10.00", record.Amount.String())
}

func TestDeleteCard_CascadesOwnTransactions_NullsSourceRefs(t *testing.T) {
	store := newTestStore(t)
	engine := ledger.NewEngine(store)
	ctx := context.Background()

	src := seedCard(t, store, "Source", "100")
	dst := seedCard(t, store, "Target", "0")

	ownID, err := engine.ColdToReal(ctx, ledger.ColdToRealInput{CardID: src, Amount: money.MustParse("10")})
	require.NoError(t, err)
	transferID, err := engine.TransferFromCardCold(ctx, ledger.TransferInput{
		SourceCardID: src, TargetCardID: dst, Amount: money.MustParse("25"),
	})
	require.NoError(t, err)

	require.NoError(t, store.DeleteCard(ctx, src))

	_, err = store.GetTransaction(ctx, ownID)
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound, "card's own transactions cascade")

	record, err := store.GetTransaction(ctx, transferID)
	require.NoError(t, err)
	assert.Nil(t, record.SourceCardID, "transfer survives with source nulled")

	// And reversing it now reports a conflict rather than corrupting state.
	err = engine.Reverse(ctx, transferID)
	assert.ErrorIs(t, err, ledger.ErrReversalConflict)
}

// =============================================================================
// ADMIN CONSTRAINTS
// =============================================================================

func TestCreateCard_NameUniqueCaseInsensitive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedCard(t, store, "Main Card", "0")
	_, err := store.CreateCard(ctx, &ledger.Card{
		Name: "MAIN CARD", LastFour: "0000",
		ColdBalance: money.Zero, RealBalance: money.Zero,
		DotationUsed: money.Zero, DotationLimit: money.Zero,
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateName)
}

func TestUpdateCard_RejectsLimitBelowUsed(t *testing.T) {
	store := newTestStore(t)
	engine := ledger.NewEngine(store)
	ctx := context.Background()

	cardID := seedCard(t, store, "Main", "50")
	_, err := engine.ColdToReal(ctx, ledger.ColdToRealInput{CardID: cardID, Amount: money.MustParse("30")})
	require.NoError(t, err)

	card, err := store.GetCard(ctx, cardID)
	require.NoError(t, err)
	card.DotationLimit = money.MustParse("20") // used is 30
	assert.ErrorIs(t, store.UpdateCard(ctx, card), ledger.ErrDotationBelowUsed)
}

func TestSetAdAccountCards_ReplacesLinkSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := seedCard(t, store, "A", "0")
	b := seedCard(t, store, "B", "0")
	accountID, err := store.CreateAdAccount(ctx, &ledger.AdAccount{Name: "Meta Ads"})
	require.NoError(t, err)

	require.NoError(t, store.SetAdAccountCards(ctx, accountID, []int64{a, b}))
	account, err := store.GetAdAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a, b}, account.CardIDs)

	require.NoError(t, store.SetAdAccountCards(ctx, accountID, []int64{b}))
	account, err = store.GetAdAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, []int64{b}, account.CardIDs)

	assert.ErrorIs(t, store.SetAdAccountCards(ctx, accountID, []int64{999}), ledger.ErrCardNotFound)
}

// =============================================================================
// METADATA PATH
// =============================================================================

func TestUpdateTransactionMeta_PartialUpdate(t *testing.T) {
	store := newTestStore(t)
	engine := ledger.NewEngine(store)
	ctx := context.Background()

	cardID := seedCard(t, store, "Main", "50")
	txID, err := engine.ColdToReal(ctx, ledger.ColdToRealInput{CardID: cardID, Amount: money.MustParse("30"), Note: "original"})
	require.NoError(t, err)

	when := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, engine.UpdateTransactionMeta(ctx, txID, nil, &when))

	record, err := store.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, "original", record.Note, "nil note leaves note unchanged")
	assert.True(t, record.EffectiveAt.Equal(when))
}
