/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  All money fields cross the wire as strings ("150.00"). Parsing them
  through money.Parse in the handlers is what enforces the two-decimal
  contract at the API boundary.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/marketing-ledger/ledger"
)

// =============================================================================
// CARD TYPES
// =============================================================================

// CardDTO represents a card with its live balances.
type CardDTO struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	LastFour      string `json:"last4"`
	ColdBalance   string `json:"cold_balance"`
	RealBalance   string `json:"real_balance"`
	DotationLimit string `json:"dotation_limit"`
	DotationUsed  string `json:"dotation_used"`
	CreatedAt     string `json:"created_at,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

// CardRequest is the body for creating or updating a card.
type CardRequest struct {
	Name          string `json:"name"`
	LastFour      string `json:"last4"`
	DotationLimit string `json:"dotation_limit"`
	ColdBalance   string `json:"cold_balance,omitempty"` // create only
}

// =============================================================================
// AD ACCOUNT TYPES
// =============================================================================

// AdAccountDTO represents an ad account and its linked cards.
type AdAccountDTO struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	CardIDs   []int64 `json:"card_ids"`
	CreatedAt string  `json:"created_at,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

// AdAccountRequest is the body for creating or updating an ad account.
type AdAccountRequest struct {
	Name string `json:"name"`
}

// SetCardsRequest replaces an ad account's linked card set.
type SetCardsRequest struct {
	CardIDs []int64 `json:"card_ids"`
}

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

// TransactionDTO represents one journal entry.
type TransactionDTO struct {
	ID           int64  `json:"id"`
	Type         string `json:"type"`
	Kind         string `json:"kind"`
	CardID       int64  `json:"card_id"`
	SourceCardID *int64 `json:"source_card_id,omitempty"`
	AdAccountID  *int64 `json:"ad_account_id,omitempty"`
	Amount       string `json:"amount"`
	Note         string `json:"note,omitempty"`
	CreatedBy    string `json:"created_by,omitempty"`
	EffectiveAt  string `json:"effective_at"`
	CreatedAt    string `json:"created_at"`
}

// RevenueRequest is the body for POST /transactions/revenue.
// Kind selects the operation: cold_to_real needs card_id only,
// from_card_cold additionally needs source_card_id.
type RevenueRequest struct {
	Kind         string `json:"kind"`
	CardID       int64  `json:"card_id"`
	SourceCardID int64  `json:"source_card_id,omitempty"`
	Amount       string `json:"amount"`
	Note         string `json:"note,omitempty"`
}

// ExpenseRequest is the body for POST /transactions/expense.
// Kind selects the operation: spend_ad_account needs ad_account_id,
// real_to_cold needs card_id only.
type ExpenseRequest struct {
	Kind        string `json:"kind"`
	CardID      int64  `json:"card_id"`
	AdAccountID int64  `json:"ad_account_id,omitempty"`
	Amount      string `json:"amount"`
	Note        string `json:"note,omitempty"`
}

// UpdateTransactionRequest carries a metadata-only edit. Nil fields are
// left unchanged. Balances are never touched by this path.
type UpdateTransactionRequest struct {
	Note        *string `json:"note"`
	EffectiveAt *string `json:"effective_at"` // RFC 3339
}

// =============================================================================
// OVERVIEW AND ERRORS
// =============================================================================

// OverviewDTO aggregates balances across all cards.
type OverviewDTO struct {
	TotalCold     string         `json:"total_cold"`
	TotalReal     string         `json:"total_real"`
	TotalDotation string         `json:"total_dotation"`
	TotalUsed     string         `json:"total_used"`
	Cards         []CardDTO      `json:"cards"`
	AdAccounts    []AdAccountDTO `json:"ad_accounts"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toCardDTO(card *ledger.Card) CardDTO {
	return CardDTO{
		ID:            card.ID,
		Name:          card.Name,
		LastFour:      card.LastFour,
		ColdBalance:   card.ColdBalance.String(),
		RealBalance:   card.RealBalance.String(),
		DotationLimit: card.DotationLimit.String(),
		DotationUsed:  card.DotationUsed.String(),
		CreatedAt:     card.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     card.UpdatedAt.Format(time.RFC3339),
	}
}

func toAdAccountDTO(account *ledger.AdAccount) AdAccountDTO {
	cardIDs := account.CardIDs
	if cardIDs == nil {
		cardIDs = []int64{}
	}
	return AdAccountDTO{
		ID:        account.ID,
		Name:      account.Name,
		CardIDs:   cardIDs,
		CreatedAt: account.CreatedAt.Format(time.RFC3339),
		UpdatedAt: account.UpdatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTO(record *ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:           record.ID,
		Type:         string(record.Type),
		Kind:         string(record.Kind),
		CardID:       record.CardID,
		SourceCardID: record.SourceCardID,
		AdAccountID:  record.AdAccountID,
		Amount:       record.Amount.String(),
		Note:         record.Note,
		CreatedBy:    record.CreatedBy,
		EffectiveAt:  record.EffectiveAt.Format(time.RFC3339),
		CreatedAt:    record.CreatedAt.Format(time.RFC3339),
	}
}
