/*
Package events defines the outbound event surface of the ledger.

PURPOSE:
  Downstream consumers (reporting, reconciliation jobs) want to know when
  a balance mutation happened without polling the journal. The API layer
  publishes one event per applied or reversed transaction, after the
  database transaction commits. Publishing is best effort: a failed
  publish is logged, never rolled back into the ledger.

SEE ALSO:
  - events/kafka: Kafka-backed publisher
  - api/handlers.go: Where events are emitted
*/
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/warp/marketing-ledger/ledger"
)

const (
	TopicTransactionApplied  = "marketing.transaction.applied"
	TopicTransactionReversed = "marketing.transaction.reversed"
)

// Publisher delivers an event to a topic. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(topic string, event any) error
}

// TransactionEvent is the envelope for both applied and reversed
// transactions. EventID is unique per emission so consumers can dedupe.
type TransactionEvent struct {
	EventID       string     `json:"event_id"`
	TransactionID int64      `json:"transaction_id"`
	Type          string     `json:"type"`
	Kind          string     `json:"kind"`
	CardID        int64      `json:"card_id"`
	SourceCardID  *int64     `json:"source_card_id,omitempty"`
	AdAccountID   *int64     `json:"ad_account_id,omitempty"`
	Amount        string     `json:"amount"`
	ActorID       string     `json:"actor_id,omitempty"`
	EffectiveAt   time.Time  `json:"effective_at"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// NewTransactionEvent builds an envelope from a journal record.
func NewTransactionEvent(record *ledger.Transaction) TransactionEvent {
	return TransactionEvent{
		EventID:       uuid.NewString(),
		TransactionID: record.ID,
		Type:          string(record.Type),
		Kind:          string(record.Kind),
		CardID:        record.CardID,
		SourceCardID:  record.SourceCardID,
		AdAccountID:   record.AdAccountID,
		Amount:        record.Amount.String(),
		ActorID:       record.CreatedBy,
		EffectiveAt:   record.EffectiveAt,
		OccurredAt:    time.Now().UTC(),
	}
}

// Nop discards every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(string, any) error { return nil }

var _ Publisher = Nop{}
