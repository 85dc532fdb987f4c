package entity

import (
	"time"

	"github.com/google/uuid"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

const (
	MessageTypeText    = "text"
	MessageTypeButtons = "buttons"
	MessageTypeList    = "list"
)

const (
	MessageStatusReceived  = "received"
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

// Message is immutable once written, except for the delivery status of
// outbound messages which the provider reports back asynchronously.
// ProviderMessageID, when present, is unique per endpoint; that index is the
// idempotency boundary for redelivered webhooks.
type Message struct {
	ID                string     `json:"id" bson:"_id"`
	ConversationID    string     `json:"conversation_id" bson:"conversation_id"`
	AccountID         AccountID  `json:"account_id" bson:"account_id"`
	EndpointID        EndpointID `json:"endpoint_id" bson:"endpoint_id"`
	Direction         string     `json:"direction" bson:"direction"`
	ProviderMessageID string     `json:"provider_message_id,omitempty" bson:"provider_message_id,omitempty"`
	Type              string     `json:"type" bson:"type"`
	Text              string     `json:"text" bson:"text"`
	Status            string     `json:"status" bson:"status"`
	CreatedAt         time.Time  `json:"created_at" bson:"created_at"`
}

func NewMessage(conv *Conversation, direction string) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		AccountID:      conv.AccountID,
		EndpointID:     conv.EndpointID,
		Direction:      direction,
		Type:           MessageTypeText,
		CreatedAt:      time.Now(),
	}
}
