/*
Package ledger implements the marketing ledger's transactional balance engine.

PURPOSE:
  Cards carry three balances (cold, real, dotation used against a dotation
  limit). Every mutation goes through one of four transaction kinds, each
  recorded in an append-or-remove journal, and every logged transaction can
  be reversed by applying its exact inverse and deleting the row.

KEY CONCEPTS IN THIS FILE (types.go):
  - Card: funding instrument with cold/real balances and a dotation ceiling
  - AdAccount: spend destination, many-to-many linked to cards
  - Transaction: journal entry for one applied mutation
  - Kind: closed set of the four mutation kinds

CORE CONTRACT:
  The presence of a transaction row implies its effect has been applied to
  the referenced card balances. Deleting a row happens only together with
  applying the exact inverse effect, atomically.

CARD STATE INVARIANT (after every committed operation):
  cold_balance >= 0, real_balance >= 0, 0 <= dotation_used <= dotation_limit

SEE ALSO:
  - engine.go: The four mutations and the reversal algorithm
  - errors.go: Failure taxonomy
  - store.go: Persistence interfaces with row-locking transactions
*/
package ledger

import (
	"time"

	"github.com/warp/marketing-ledger/money"
)

// =============================================================================
// TRANSACTION KINDS - Closed set
// =============================================================================

// Kind identifies which of the four balance mutations a transaction applied.
// The set is closed: the engine dispatches exhaustively over these four
// values and rejects anything else with ErrUnsupportedKind.
type Kind string

const (
	// KindColdToReal moves funds from a card's cold balance into its real
	// balance, consuming dotation headroom.
	KindColdToReal Kind = "cold_to_real"

	// KindFromCardCold moves funds from another card's cold balance into the
	// target card's real balance, consuming the target's dotation headroom.
	KindFromCardCold Kind = "from_card_cold"

	// KindSpendAdAccount spends from a card's real balance toward an ad
	// account. Spending still consumes dotation headroom: dotation tracks
	// cumulative usage, not current exposure.
	KindSpendAdAccount Kind = "spend_ad_account"

	// KindRealToCold moves unspent funds back from real to cold, releasing
	// dotation headroom.
	KindRealToCold Kind = "real_to_cold"
)

// Valid reports whether k is one of the four known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindColdToReal, KindFromCardCold, KindSpendAdAccount, KindRealToCold:
		return true
	}
	return false
}

// Type is the coarse transaction direction recorded alongside the kind.
type Type string

const (
	TypeRevenue Type = "revenue"
	TypeExpense Type = "expense"
)

// TypeOf returns the direction for a kind.
func TypeOf(k Kind) Type {
	switch k {
	case KindColdToReal, KindFromCardCold:
		return TypeRevenue
	default:
		return TypeExpense
	}
}

// =============================================================================
// CARD - Funding instrument
// =============================================================================

type Card struct {
	ID            int64
	Name          string // unique, case-insensitive
	LastFour      string // exactly 4 ASCII digits
	ColdBalance   money.Amount
	RealBalance   money.Amount
	DotationLimit money.Amount
	DotationUsed  money.Amount
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DotationHeadroom returns how much dotation usage remains before the limit.
func (c *Card) DotationHeadroom() money.Amount {
	return c.DotationLimit.Sub(c.DotationUsed)
}

// =============================================================================
// AD ACCOUNT - Spend destination
// =============================================================================

type AdAccount struct {
	ID        int64
	Name      string // unique
	CardIDs   []int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// TRANSACTION - Journal entry
// =============================================================================

// Transaction records one applied balance mutation. Amount, kind, and the
// card references are immutable; only Note and EffectiveAt may be edited
// through the metadata path, which never touches balances.
type Transaction struct {
	ID           int64
	Type         Type
	Kind         Kind
	CardID       int64  // target card
	SourceCardID *int64 // set only for from_card_cold
	AdAccountID  *int64 // set only for spend_ad_account
	Amount       money.Amount
	Note         string
	CreatedBy    string
	EffectiveAt  time.Time
	CreatedAt    time.Time
}

// =============================================================================
// OVERVIEW - Read-only aggregation
// =============================================================================

type Overview struct {
	TotalCold     money.Amount
	TotalReal     money.Amount
	TotalDotation money.Amount
	TotalUsed     money.Amount
	Cards         []Card
	AdAccounts    []AdAccount
}
