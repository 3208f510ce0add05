/*
handlers_test.go - HTTP tests over the chi router

Tests for:
- Status mapping: 400 / 404 / 409 / 422 on the transaction endpoints
- Card and ad account CRUD via the API
- Apply/reverse roundtrip through HTTP
- Event emission on mutations
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/marketing-ledger/events"
	"github.com/warp/marketing-ledger/ledger"
	"github.com/warp/marketing-ledger/ledger/store"
	"github.com/warp/marketing-ledger/money"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	topics []string
	events []events.TransactionEvent
}

func (p *capturePublisher) Publish(topic string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	if e, ok := event.(events.TransactionEvent); ok {
		p.events = append(p.events, e)
	}
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory, *capturePublisher) {
	t.Helper()
	mem := store.NewMemory()
	publisher := &capturePublisher{}
	server := httptest.NewServer(NewRouter(NewHandler(mem, publisher)))
	t.Cleanup(server.Close)
	return server, mem, publisher
}

func seedCard(t *testing.T, mem *store.Memory, name string, cold, limit string) int64 {
	t.Helper()
	card := ledger.Card{
		Name:          name,
		LastFour:      "4242",
		ColdBalance:   money.MustParse(cold),
		DotationLimit: money.MustParse(limit),
	}
	id, err := mem.CreateCard(context.Background(), &card)
	require.NoError(t, err)
	return id
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", "tester")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// =============================================================================
// CARD CRUD
// =============================================================================

func TestCreateCard_ReturnsCreatedCard(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/marketing/cards", CardRequest{
		Name:          "Facebook Main",
		LastFour:      "1234",
		DotationLimit: "500.00",
		ColdBalance:   "1000.00",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	card := decodeBody[CardDTO](t, resp)
	assert.Equal(t, "Facebook Main", card.Name)
	assert.Equal(t, "1000.00", card.ColdBalance)
	assert.Equal(t, "0.00", card.RealBalance)
	assert.Equal(t, "500.00", card.DotationLimit)
	assert.Equal(t, "0.00", card.DotationUsed)
}

func TestCreateCard_RejectsBadLastFour(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/marketing/cards", CardRequest{
		Name:          "Bad",
		LastFour:      "12ab",
		DotationLimit: "100.00",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateCard_DuplicateNameIsRejected(t *testing.T) {
	server, mem, _ := newTestServer(t)
	seedCard(t, mem, "Google Ads", "0.00", "100.00")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/marketing/cards", CardRequest{
		Name:          "google ads", // case-insensitive collision
		LastFour:      "9999",
		DotationLimit: "100.00",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateCard_LimitBelowUsedIs422(t *testing.T) {
	server, mem, _ := newTestServer(t)
	cardID := seedCard(t, mem, "Main", "1000.00", "500.00")

	// Consume some dotation first.
	engine := ledger.NewEngine(mem)
	_, err := engine.ColdToReal(context.Background(), ledger.ColdToRealInput{
		CardID: cardID, Amount: money.MustParse("200.00"),
	})
	require.NoError(t, err)

	resp := doJSON(t, http.MethodPut,
		fmt.Sprintf("%s/api/marketing/cards/%d", server.URL, cardID),
		CardRequest{Name: "Main", LastFour: "4242", DotationLimit: "150.00"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGetCard_UnknownIs404(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, server.URL+"/api/marketing/cards/999", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// AD ACCOUNTS
// =============================================================================

func TestAdAccountLifecycle(t *testing.T) {
	server, mem, _ := newTestServer(t)
	cardID := seedCard(t, mem, "Main", "0.00", "100.00")

	// Create
	resp := doJSON(t, http.MethodPost, server.URL+"/api/marketing/ad-accounts",
		AdAccountRequest{Name: "FB Campaign"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	account := decodeBody[AdAccountDTO](t, resp)
	assert.Equal(t, "FB Campaign", account.Name)
	assert.Empty(t, account.CardIDs)

	// Link the card
	resp = doJSON(t, http.MethodPut,
		fmt.Sprintf("%s/api/marketing/ad-accounts/%d/cards", server.URL, account.ID),
		SetCardsRequest{CardIDs: []int64{cardID}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	account = decodeBody[AdAccountDTO](t, resp)
	assert.Equal(t, []int64{cardID}, account.CardIDs)

	// Rename
	resp = doJSON(t, http.MethodPut,
		fmt.Sprintf("%s/api/marketing/ad-accounts/%d", server.URL, account.ID),
		AdAccountRequest{Name: "FB Campaign Q4"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	account = decodeBody[AdAccountDTO](t, resp)
	assert.Equal(t, "FB Campaign Q4", account.Name)

	// Delete
	resp = doJSON(t, http.MethodDelete,
		fmt.Sprintf("%s/api/marketing/ad-accounts/%d", server.URL, account.ID), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSetAdAccountCards_UnknownCardIs404(t *testing.T) {
	server, mem, _ := newTestServer(t)
	account := ledger.AdAccount{Name: "Orphans"}
	_, err := mem.CreateAdAccount(context.Background(), &account)
	require.NoError(t, err)

	resp := doJSON(t, http.MethodPut,
		fmt.Sprintf("%s/api/marketing/ad-accounts/%d/cards", server.URL, account.ID),
		SetCardsRequest{CardIDs: []int64{12345}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestRevenueColdToReal_AppliesAndPublishes(t *testing.T) {
	server, mem, publisher := newTestServer(t)
	cardID := seedCard(t, mem, "Main", "1000.00", "500.00")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/marketing/transactions/revenue",
		RevenueRequest{Kind: "cold_to_real", CardID: cardID, Amount: "150.00", Note: "activation"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	record := decodeBody[TransactionDTO](t, resp)
	assert.Equal(t, "revenue", record.Type)
	assert.Equal(t, "cold_to_real", record.Kind)
	assert.Equal(t, "150.00", record.Amount)
	assert.Equal(t, "tester", record.CreatedBy)

	card, err := mem.GetCard(context.Background(), cardID)
	require.NoError(t, err)
	assert.Equal(t, "850.00", card.ColdBalance.String())
	assert.Equal(t, "150.00", card.RealBalance.String())
	assert.Equal(t, "150.00", card.DotationUsed.String())

	require.Len(t, publisher.topics, 1)
	assert.Equal(t, events.TopicTransactionApplied, publisher.topics[0])
	assert.Equal(t, record.ID, publisher.events[0].TransactionID)
}

func TestRevenueTransfer_MovesColdBetweenCards(t *testing.T) {
	server, mem, _ := newTestServer(t)
	sourceID := seedCard(t, mem, "Source", "500.00", "100.00")
	targetID := seedCard(t, mem, "Target", "0.00", "100.00")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/marketing/transactions/revenue",
		RevenueRequest{Kind: "from_card_cold", CardID: targetID, SourceCardID: sourceID, Amount: "200.00"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	record := decodeBody[TransactionDTO](t, resp)
	require.NotNil(t, record.SourceCardID)
	assert.Equal(t, sourceID, *record.SourceCardID)

	ctx := context.Background()
	source, err := mem.GetCard(ctx, sourceID)
	require.NoError(t, err)
	target, err := mem.GetCard(ctx, targetID)
	require.NoError(t, err)
	assert.Equal(t, "300.00", source.ColdBalance.String())
	assert.Equal(t, "200.00", target.ColdBalance.String())
}

func TestRevenue_InsufficientColdIs422(t *testing.T) {
	server, mem, publisher := newTestServer(t)
	cardID := seedCard(t, mem, "Main", "50.00", "500.00")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/marketing/transactions/revenue",
		RevenueRequest{Kind: "cold_to_real", CardID: cardID, Amount: "150.00"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Nothing moved, nothing published.
	card, err := mem.GetCard(context.Background(), cardID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", card.ColdBalance.String())
	assert.Empty(t, publisher.topics)
}

func TestRevenue_UnknownKindIs400(t *testing.T) {
	server, mem, _ := newTestServer(t)
	cardID := seedCard(t, mem, "Main", "100.00", "100.00")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/marketing/transactions/revenue",
		RevenueRequest{Kind: "spend_ad_account", CardID: cardID, Amount: "10.00"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRevenue_GarbageAmountIs400(t *testing.T) {
	server, mem, _ := newTestServer(t)
	cardID := seedCard(t, mem, "Main", "100.00", "100.00")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/marketing/transactions/revenue",
		RevenueRequest{Kind: "cold_to_real", CardID: cardID, Amount: "abc"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExpenseSpend_RequiresExistingAdAccount(t *testing.T) {
	server, mem, _ := newTestServer(t)
	cardID := seedCard(t, mem, "Main", "0.00", "100.00")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/marketing/transactions/expense",
		ExpenseRequest{Kind: "spend_ad_account", CardID: cardID, AdAccountID: 777, Amount: "10.00"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExpenseAndReversal_Roundtrip(t *testing.T) {
	server, mem, publisher := newTestServer(t)
	cardID := seedCard(t, mem, "Main", "1000.00", "500.00")

	ctx := context.Background()
	account := ledger.AdAccount{Name: "FB"}
	_, err := mem.CreateAdAccount(ctx, &account)
	require.NoError(t, err)

	// Fund real balance first.
	resp := doJSON(t, http.MethodPost, server.URL+"/api/marketing/transactions/revenue",
		RevenueRequest{Kind: "cold_to_real", CardID: cardID, Amount: "300.00"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Spend on the ad account.
	resp = doJSON(t, http.MethodPost, server.URL+"/api/marketing/transactions/expense",
		ExpenseRequest{Kind: "spend_ad_account", CardID: cardID, AdAccountID: account.ID, Amount: "120.00"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	spend := decodeBody[TransactionDTO](t, resp)

	card, err := mem.GetCard(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, "180.00", card.RealBalance.String())
	assert.Equal(t, "420.00", card.DotationUsed.String())

	// Reverse the spend.
	resp = doJSON(t, http.MethodDelete,
		fmt.Sprintf("%s/api/marketing/transactions/%d", server.URL, spend.ID), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	card, err = mem.GetCard(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, "300.00", card.RealBalance.String())
	assert.Equal(t, "300.00", card.DotationUsed.String())

	require.Len(t, publisher.topics, 3)
	assert.Equal(t, events.TopicTransactionReversed, publisher.topics[2])
}

func TestReversal_ConflictIs409(t *testing.T) {
	server, mem, _ := newTestServer(t)
	cardID := seedCard(t, mem, "Main", "1000.00", "500.00")

	// Activate, then park everything back into cold so the activation can
	// no longer be undone (undo would drive real negative).
	resp := doJSON(t, http.MethodPost, server.URL+"/api/marketing/transactions/revenue",
		RevenueRequest{Kind: "cold_to_real", CardID: cardID, Amount: "200.00"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	activation := decodeBody[TransactionDTO](t, resp)

	resp = doJSON(t, http.MethodPost, server.URL+"/api/marketing/transactions/expense",
		ExpenseRequest{Kind: "real_to_cold", CardID: cardID, Amount: "150.00"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete,
		fmt.Sprintf("%s/api/marketing/transactions/%d", server.URL, activation.ID), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Row survives a failed reversal.
	_, err := mem.GetTransaction(context.Background(), activation.ID)
	require.NoError(t, err)
}

func TestReversal_UnknownTransactionIs404(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodDelete, server.URL+"/api/marketing/transactions/424242", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateTransaction_MetadataOnly(t *testing.T) {
	server, mem, _ := newTestServer(t)
	cardID := seedCard(t, mem, "Main", "1000.00", "500.00")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/marketing/transactions/revenue",
		RevenueRequest{Kind: "cold_to_real", CardID: cardID, Amount: "100.00", Note: "before"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	record := decodeBody[TransactionDTO](t, resp)

	note := "after"
	when := "2026-05-01T00:00:00Z"
	resp = doJSON(t, http.MethodPatch,
		fmt.Sprintf("%s/api/marketing/transactions/%d", server.URL, record.ID),
		UpdateTransactionRequest{Note: &note, EffectiveAt: &when})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	updated := decodeBody[TransactionDTO](t, resp)
	assert.Equal(t, "after", updated.Note)
	assert.Equal(t, when, updated.EffectiveAt)
	assert.Equal(t, record.Amount, updated.Amount)

	// Balances untouched.
	card, err := mem.GetCard(context.Background(), cardID)
	require.NoError(t, err)
	assert.Equal(t, "900.00", card.ColdBalance.String())
	assert.Equal(t, "100.00", card.RealBalance.String())
}

func TestListTransactions_FilterByCard(t *testing.T) {
	server, mem, _ := newTestServer(t)
	firstID := seedCard(t, mem, "First", "1000.00", "500.00")
	secondID := seedCard(t, mem, "Second", "1000.00", "500.00")

	for _, id := range []int64{firstID, firstID, secondID} {
		resp := doJSON(t, http.MethodPost, server.URL+"/api/marketing/transactions/revenue",
			RevenueRequest{Kind: "cold_to_real", CardID: id, Amount: "10.00"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp := doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/marketing/transactions?card_id=%d", server.URL, firstID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	records := decodeBody[[]TransactionDTO](t, resp)
	require.Len(t, records, 2)
	// Newest first.
	assert.Greater(t, records[0].ID, records[1].ID)
}

// =============================================================================
// OVERVIEW
// =============================================================================

func TestOverview_AggregatesAcrossCards(t *testing.T) {
	server, mem, _ := newTestServer(t)
	seedCard(t, mem, "First", "1000.00", "500.00")
	seedCard(t, mem, "Second", "250.00", "100.00")

	resp := doJSON(t, http.MethodGet, server.URL+"/api/marketing/overview", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	overview := decodeBody[OverviewDTO](t, resp)
	assert.Equal(t, "1250.00", overview.TotalCold)
	assert.Equal(t, "0.00", overview.TotalReal)
	assert.Equal(t, "600.00", overview.TotalDotation)
	require.Len(t, overview.Cards, 2)
}
