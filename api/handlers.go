/*
handlers.go - HTTP API handlers for the marketing ledger

PURPOSE:
  Exposes the balance engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Overview:
    GET    /api/marketing/overview              Aggregate balance totals

  Cards:
    GET    /api/marketing/cards                 List cards
    POST   /api/marketing/cards                 Create card
    GET    /api/marketing/cards/{id}            Get card
    PUT    /api/marketing/cards/{id}            Update name/last4/limit
    DELETE /api/marketing/cards/{id}            Delete card

  Ad accounts:
    GET    /api/marketing/ad-accounts           List ad accounts
    POST   /api/marketing/ad-accounts           Create ad account
    PUT    /api/marketing/ad-accounts/{id}      Rename
    DELETE /api/marketing/ad-accounts/{id}      Delete
    PUT    /api/marketing/ad-accounts/{id}/cards Replace linked card set

  Transactions:
    GET    /api/marketing/transactions          Journal (filter: ?card_id=)
    POST   /api/marketing/transactions/revenue  cold_to_real | from_card_cold
    POST   /api/marketing/transactions/expense  spend_ad_account | real_to_cold
    PATCH  /api/marketing/transactions/{id}     Metadata-only edit
    DELETE /api/marketing/transactions/{id}     Reverse (exact inverse)

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (engine or store)
  4. Publish event (mutations only, best effort)
  5. Serialize response

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, duplicate names
  - 404: Resource not found
  - 409: Reversal conflict (state moved on since the transaction)
  - 422: Invariant violation (valid request, balances do not allow it)
  - 500: Internal errors
  Parse failures get an explicit 400; domain errors go through statusFor.

SECURITY NOTE:
  The actor id is taken from the X-Actor-ID header as-is. There is no
  authentication; put this behind a gateway that sets the header.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - ledger/engine.go: The domain logic these handlers delegate to
*/
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/marketing-ledger/events"
	"github.com/warp/marketing-ledger/ledger"
	"github.com/warp/marketing-ledger/money"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     ledger.AdminStore
	Engine    *ledger.Engine
	Publisher events.Publisher
}

// NewHandler creates a handler over the given store. A nil publisher
// disables event emission.
func NewHandler(store ledger.AdminStore, publisher events.Publisher) *Handler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Handler{
		Store:     store,
		Engine:    ledger.NewEngine(store),
		Publisher: publisher,
	}
}

// =============================================================================
// OVERVIEW
// =============================================================================

// GetOverview returns aggregate balances across all cards.
func (h *Handler) GetOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.Engine.Overview(r.Context())
	if err != nil {
		writeError(w, statusFor(err), "Failed to build overview", err)
		return
	}

	dto := OverviewDTO{
		TotalCold:     overview.TotalCold.String(),
		TotalReal:     overview.TotalReal.String(),
		TotalDotation: overview.TotalDotation.String(),
		TotalUsed:     overview.TotalUsed.String(),
		Cards:         make([]CardDTO, len(overview.Cards)),
		AdAccounts:    make([]AdAccountDTO, len(overview.AdAccounts)),
	}
	for i := range overview.Cards {
		dto.Cards[i] = toCardDTO(&overview.Cards[i])
	}
	for i := range overview.AdAccounts {
		dto.AdAccounts[i] = toAdAccountDTO(&overview.AdAccounts[i])
	}

	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// CARD HANDLERS
// =============================================================================

// ListCards returns all cards with live balances.
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := h.Store.ListCards(r.Context())
	if err != nil {
		writeError(w, statusFor(err), "Failed to list cards", err)
		return
	}

	dtos := make([]CardDTO, len(cards))
	for i := range cards {
		dtos[i] = toCardDTO(&cards[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCard returns a single card.
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	card, err := h.Store.GetCard(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "Failed to get card", err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(card))
}

// CreateCard creates a card. The initial funding goes into cold_balance;
// real_balance and dotation_used always start at zero.
func (h *Handler) CreateCard(w http.ResponseWriter, r *http.Request) {
	var req CardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" || !validLastFour(req.LastFour) {
		writeError(w, http.StatusBadRequest, "Name is required and last4 must be 4 digits", nil)
		return
	}

	limit, err := money.Parse(req.DotationLimit)
	if err != nil || limit.IsNegative() {
		writeError(w, http.StatusBadRequest, "Invalid dotation_limit", err)
		return
	}
	cold := money.Amount{}
	if req.ColdBalance != "" {
		if cold, err = money.Parse(req.ColdBalance); err != nil || cold.IsNegative() {
			writeError(w, http.StatusBadRequest, "Invalid cold_balance", err)
			return
		}
	}

	card := ledger.Card{
		Name:          req.Name,
		LastFour:      req.LastFour,
		ColdBalance:   cold,
		DotationLimit: limit,
	}
	if _, err := h.Store.CreateCard(r.Context(), &card); err != nil {
		writeError(w, statusFor(err), "Failed to create card", err)
		return
	}

	created, err := h.Store.GetCard(r.Context(), card.ID)
	if err != nil {
		writeError(w, statusFor(err), "Failed to load created card", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCardDTO(created))
}

// UpdateCard changes a card's name, last4, or dotation limit. Balances are
// only ever changed through transactions.
func (h *Handler) UpdateCard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req CardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" || !validLastFour(req.LastFour) {
		writeError(w, http.StatusBadRequest, "Name is required and last4 must be 4 digits", nil)
		return
	}

	limit, err := money.Parse(req.DotationLimit)
	if err != nil || limit.IsNegative() {
		writeError(w, http.StatusBadRequest, "Invalid dotation_limit", err)
		return
	}

	card := ledger.Card{
		ID:            id,
		Name:          req.Name,
		LastFour:      req.LastFour,
		DotationLimit: limit,
	}
	if err := h.Store.UpdateCard(r.Context(), &card); err != nil {
		writeError(w, statusFor(err), "Failed to update card", err)
		return
	}

	updated, err := h.Store.GetCard(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "Failed to load updated card", err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(updated))
}

// DeleteCard removes a card. Its own transactions go with it; transfers
// that used it as a source keep their journal row.
func (h *Handler) DeleteCard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.Store.DeleteCard(r.Context(), id); err != nil {
		writeError(w, statusFor(err), "Failed to delete card", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// AD ACCOUNT HANDLERS
// =============================================================================

// ListAdAccounts returns all ad accounts with their linked cards.
func (h *Handler) ListAdAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Store.ListAdAccounts(r.Context())
	if err != nil {
		writeError(w, statusFor(err), "Failed to list ad accounts", err)
		return
	}

	dtos := make([]AdAccountDTO, len(accounts))
	for i := range accounts {
		dtos[i] = toAdAccountDTO(&accounts[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAdAccount creates an ad account.
func (h *Handler) CreateAdAccount(w http.ResponseWriter, r *http.Request) {
	var req AdAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required", nil)
		return
	}

	account := ledger.AdAccount{Name: req.Name}
	if _, err := h.Store.CreateAdAccount(r.Context(), &account); err != nil {
		writeError(w, statusFor(err), "Failed to create ad account", err)
		return
	}

	created, err := h.Store.GetAdAccount(r.Context(), account.ID)
	if err != nil {
		writeError(w, statusFor(err), "Failed to load created ad account", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAdAccountDTO(created))
}

// UpdateAdAccount renames an ad account.
func (h *Handler) UpdateAdAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req AdAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required", nil)
		return
	}

	account := ledger.AdAccount{ID: id, Name: req.Name}
	if err := h.Store.UpdateAdAccount(r.Context(), &account); err != nil {
		writeError(w, statusFor(err), "Failed to update ad account", err)
		return
	}

	updated, err := h.Store.GetAdAccount(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "Failed to load updated ad account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAdAccountDTO(updated))
}

// DeleteAdAccount removes an ad account. Logged spends keep their journal
// row with the account reference cleared.
func (h *Handler) DeleteAdAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.Store.DeleteAdAccount(r.Context(), id); err != nil {
		writeError(w, statusFor(err), "Failed to delete ad account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetAdAccountCards replaces the set of cards linked to an ad account.
func (h *Handler) SetAdAccountCards(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req SetCardsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Store.SetAdAccountCards(r.Context(), id, req.CardIDs); err != nil {
		writeError(w, statusFor(err), "Failed to set linked cards", err)
		return
	}

	updated, err := h.Store.GetAdAccount(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "Failed to load updated ad account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAdAccountDTO(updated))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ListTransactions returns the journal, newest first. Pass ?card_id= to
// restrict to one card (as target or transfer source), &limit= to cap.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	var filter ledger.TransactionFilter
	if raw := r.URL.Query().Get("card_id"); raw != "" {
		cardID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid card_id", err)
			return
		}
		filter.CardID = &cardID
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	records, err := h.Store.ListTransactions(r.Context(), filter)
	if err != nil {
		writeError(w, statusFor(err), "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(records))
	for i := range records {
		dtos[i] = toTransactionDTO(&records[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRevenue applies a revenue operation: cold_to_real or from_card_cold.
func (h *Handler) CreateRevenue(w http.ResponseWriter, r *http.Request) {
	var req RevenueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	actor := actorID(r)

	var txID int64
	switch ledger.Kind(req.Kind) {
	case ledger.KindColdToReal:
		txID, err = h.Engine.ColdToReal(r.Context(), ledger.ColdToRealInput{
			CardID:  req.CardID,
			Amount:  amount,
			Note:    req.Note,
			ActorID: actor,
		})
	case ledger.KindFromCardCold:
		txID, err = h.Engine.TransferFromCardCold(r.Context(), ledger.TransferInput{
			SourceCardID: req.SourceCardID,
			TargetCardID: req.CardID,
			Amount:       amount,
			Note:         req.Note,
			ActorID:      actor,
		})
	default:
		writeError(w, http.StatusBadRequest, "Unknown revenue kind", nil)
		return
	}
	if err != nil {
		writeError(w, statusFor(err), "Failed to apply transaction", err)
		return
	}

	h.respondWithTransaction(w, r, txID)
}

// CreateExpense applies an expense operation: spend_ad_account or
// real_to_cold.
func (h *Handler) CreateExpense(w http.ResponseWriter, r *http.Request) {
	var req ExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	actor := actorID(r)

	var txID int64
	switch ledger.Kind(req.Kind) {
	case ledger.KindSpendAdAccount:
		txID, err = h.Engine.SpendAdAccount(r.Context(), ledger.SpendInput{
			CardID:      req.CardID,
			AdAccountID: req.AdAccountID,
			Amount:      amount,
			Note:        req.Note,
			ActorID:     actor,
		})
	case ledger.KindRealToCold:
		txID, err = h.Engine.RealToCold(r.Context(), ledger.RealToColdInput{
			CardID:  req.CardID,
			Amount:  amount,
			Note:    req.Note,
			ActorID: actor,
		})
	default:
		writeError(w, http.StatusBadRequest, "Unknown expense kind", nil)
		return
	}
	if err != nil {
		writeError(w, statusFor(err), "Failed to apply transaction", err)
		return
	}

	h.respondWithTransaction(w, r, txID)
}

// UpdateTransaction edits a transaction's note or effective date. This path
// never touches balances.
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req UpdateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var effectiveAt *time.Time
	if req.EffectiveAt != nil {
		parsed, err := time.Parse(time.RFC3339, *req.EffectiveAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid effective_at (use RFC 3339)", err)
			return
		}
		effectiveAt = &parsed
	}

	if err := h.Engine.UpdateTransactionMeta(r.Context(), id, req.Note, effectiveAt); err != nil {
		writeError(w, statusFor(err), "Failed to update transaction", err)
		return
	}

	record, err := h.Store.GetTransaction(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "Failed to load updated transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(record))
}

// ReverseTransaction undoes a logged transaction and deletes its row. The
// balance effect is the exact inverse of the original application.
func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	// Snapshot the record first so the event can describe what was undone.
	record, err := h.Store.GetTransaction(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "Failed to load transaction", err)
		return
	}

	if err := h.Engine.Reverse(r.Context(), id); err != nil {
		writeError(w, statusFor(err), "Failed to reverse transaction", err)
		return
	}

	h.publish(events.TopicTransactionReversed, record)
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

// respondWithTransaction loads a freshly written journal row, publishes it,
// and returns it as 201.
func (h *Handler) respondWithTransaction(w http.ResponseWriter, r *http.Request, txID int64) {
	record, err := h.Store.GetTransaction(r.Context(), txID)
	if err != nil {
		writeError(w, statusFor(err), "Failed to load created transaction", err)
		return
	}

	h.publish(events.TopicTransactionApplied, record)
	writeJSON(w, http.StatusCreated, toTransactionDTO(record))
}

// publish emits an event, best effort. The ledger write has already
// committed; a broker failure must not turn a success into an error.
func (h *Handler) publish(topic string, record *ledger.Transaction) {
	event := events.NewTransactionEvent(record)
	if err := h.Publisher.Publish(topic, event); err != nil {
		log.Printf("event publish failed (topic %s, transaction %d): %v",
			topic, record.ID, err)
	}
}

// actorID extracts the acting user from the request. Empty when the header
// is absent.
func actorID(r *http.Request) string {
	return r.Header.Get("X-Actor-ID")
}

// pathID parses the {id} route parameter, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

func validLastFour(s string) bool {
	if len(s) != 4 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsConflict(err):
		return http.StatusConflict
	case ledger.IsInvariantViolation(err):
		return http.StatusUnprocessableEntity
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
