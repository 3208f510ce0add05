/*
errors.go - Centralized error types for the balance engine

PURPOSE:
  All failure kinds in one place for consistency and discoverability.
  Every precondition check maps to exactly one sentinel so callers can
  branch with errors.Is and the HTTP layer can map each kind to a status.

ERROR CATEGORIES:
  1. Not-found errors   - Referenced card/ad account/transaction missing
  2. Input errors       - Bad amounts, same source/target card
  3. Invariant errors   - Insufficient balance, dotation ceiling/underflow
  4. Reversal errors    - Undo would break an invariant; unknown kind

USAGE:
  if errors.Is(err, ledger.ErrInsufficientColdBalance) { ... }

  var conflict *ledger.ReversalConflictError
  if errors.As(err, &conflict) { ... conflict.TransactionID ... }

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps them to HTTP statuses
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/warp/marketing-ledger/money"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCardNotFound is returned when a referenced card does not exist.
	ErrCardNotFound = errors.New("card not found")

	// ErrAdAccountNotFound is returned when a referenced ad account does not exist.
	ErrAdAccountNotFound = errors.New("ad account not found")

	// ErrTransactionNotFound is returned when a referenced transaction does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvalidOperation is returned when source and target card are the same.
	ErrInvalidOperation = errors.New("source and target card must differ")

	// ErrInsufficientColdBalance is returned when a mutation would drive a
	// card's cold balance negative.
	ErrInsufficientColdBalance = errors.New("insufficient cold balance")

	// ErrInsufficientRealBalance is returned when a mutation would drive a
	// card's real balance negative.
	ErrInsufficientRealBalance = errors.New("insufficient real balance")

	// ErrInsufficientDotation is returned when a mutation would push
	// dotation_used past dotation_limit.
	ErrInsufficientDotation = errors.New("dotation limit exceeded")

	// ErrDotationUnderflow is returned when a mutation would drive
	// dotation_used negative.
	ErrDotationUnderflow = errors.New("dotation underflow")

	// ErrReversalConflict is returned when undoing a transaction would
	// violate a card invariant. The transaction row is kept.
	ErrReversalConflict = errors.New("transaction can no longer be safely reversed")

	// ErrUnsupportedKind is returned for a transaction kind outside the
	// closed set. Defensive; unreachable for rows written by this engine.
	ErrUnsupportedKind = errors.New("unsupported transaction kind")

	// ErrDuplicateName is returned when a card or ad account name collides.
	ErrDuplicateName = errors.New("name already in use")

	// ErrDotationBelowUsed is returned when lowering a card's dotation limit
	// below its current dotation_used.
	ErrDotationBelowUsed = errors.New("dotation limit below current usage")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports a balance or dotation shortfall on a card.
type InsufficientFundsError struct {
	CardID    int64
	Available money.Amount
	Requested money.Amount
	Reason    error // one of the insufficiency sentinels above
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("card %d: %v (available %s, requested %s)",
		e.CardID, e.Reason, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return e.Reason }

// ReversalConflictError reports why a logged transaction cannot be undone.
type ReversalConflictError struct {
	TransactionID int64
	Kind          Kind
	Reason        string
}

func (e *ReversalConflictError) Error() string {
	return fmt.Sprintf("transaction %d (%s): %s", e.TransactionID, e.Kind, e.Reason)
}

func (e *ReversalConflictError) Unwrap() error { return ErrReversalConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCardNotFound) ||
		errors.Is(err, ErrAdAccountNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

// IsInvariantViolation returns true if the error is a forward-operation
// precondition failure (valid request, state does not allow it).
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInsufficientColdBalance) ||
		errors.Is(err, ErrInsufficientRealBalance) ||
		errors.Is(err, ErrInsufficientDotation) ||
		errors.Is(err, ErrDotationUnderflow) ||
		errors.Is(err, ErrDotationBelowUsed)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, money.ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrDuplicateName)
}

// IsConflict returns true if the error must be surfaced distinctly from
// forward-operation failures (the original request was fine; the state has
// since moved on).
func IsConflict(err error) bool {
	return errors.Is(err, ErrReversalConflict)
}
