package entity

import (
	"time"

	"github.com/google/uuid"
)

const (
	ConversationOpen   = "open"
	ConversationClosed = "closed"
)

// Conversation is the ordered thread between one account's endpoint and one
// counterparty. The (account_id, endpoint_id, counterparty) triple is unique;
// conversations are never deleted, only closed.
type Conversation struct {
	ID               string           `json:"id" bson:"_id"`
	AccountID        AccountID        `json:"account_id" bson:"account_id"`
	EndpointID       EndpointID       `json:"endpoint_id" bson:"endpoint_id"`
	Counterparty     string           `json:"counterparty" bson:"counterparty"`
	CounterpartyName string           `json:"counterparty_name" bson:"counterparty_name"`
	Status           string           `json:"status" bson:"status"`
	LastMessageText  string           `json:"last_message_text" bson:"last_message_text"`
	LastMessageAt    time.Time        `json:"last_message_at" bson:"last_message_at"`
	UnreadCount      int              `json:"unread_count" bson:"unread_count"`
	Automation       *AutomationState `json:"automation,omitempty" bson:"automation,omitempty"`
	CreatedAt        time.Time        `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" bson:"updated_at"`
}

// AutomationState is present only while an automation workflow is running on
// the conversation. When AwaitingReplySince is set the workflow is waiting for
// the counterparty; when it is nil but ExpiresAt is set, the workflow is
// sitting out a configured step delay. ExpiresAt is persisted so timers can be
// re-armed after a restart.
type AutomationState struct {
	RuleID             string            `json:"rule_id" bson:"rule_id"`
	CurrentStepID      string            `json:"current_step_id" bson:"current_step_id"`
	Variables          map[string]string `json:"variables" bson:"variables"`
	AwaitingReplySince *time.Time        `json:"awaiting_reply_since,omitempty" bson:"awaiting_reply_since,omitempty"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	StartedAt          time.Time         `json:"started_at" bson:"started_at"`
}

// AutomationResult records the terminal outcome of a workflow run, keeping the
// captured variables after the transient state is cleared.
type AutomationResult struct {
	ID             string            `json:"id" bson:"_id"`
	ConversationID string            `json:"conversation_id" bson:"conversation_id"`
	AccountID      AccountID         `json:"account_id" bson:"account_id"`
	RuleID         string            `json:"rule_id" bson:"rule_id"`
	Variables      map[string]string `json:"variables" bson:"variables"`
	Outcome        string            `json:"outcome" bson:"outcome"` // "completed" | "timed_out"
	FinishedAt     time.Time         `json:"finished_at" bson:"finished_at"`
}

const (
	OutcomeCompleted = "completed"
	OutcomeTimedOut  = "timed_out"
)

func NewConversation(accountID AccountID, endpointID EndpointID, counterparty, name string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		EndpointID:       endpointID,
		Counterparty:     counterparty,
		CounterpartyName: name,
		Status:           ConversationOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (c *Conversation) IsOpen() bool {
	return c.Status == ConversationOpen
}

// IsAwaitingReply reports whether the running workflow is blocked on the
// counterparty's next message.
func (c *Conversation) IsAwaitingReply() bool {
	return c.Automation != nil && c.Automation.AwaitingReplySince != nil
}
