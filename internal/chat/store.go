// Package chat owns the conversation and message data path: idempotent upsert
// of inbound messages, outbound appends, thread bookkeeping and read state.
//
// The store itself does not lock. Callers serialize all writes for one
// conversation under keylock using Key(endpointID, counterparty); the
// ingress pipeline, the workflow engine's timers and the reply handlers all
// share one registry.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ChatHive/entity"
	repository "ChatHive/internal/database"
	"ChatHive/internal/lib/sl"
)

const previewLimit = 120

// Key returns the serialization key for a conversation. The endpoint and
// counterparty pair identifies the thread even before its document exists.
func Key(endpointID entity.EndpointID, counterparty string) string {
	return string(endpointID) + "|" + counterparty
}

// Envelope carries the content of a message to be recorded.
type Envelope struct {
	ProviderMessageID string
	Type              string
	Text              string
	Status            string
}

// Repository is the persistence surface the store drives.
type Repository interface {
	FindConversation(ctx context.Context, accountID entity.AccountID, endpointID entity.EndpointID, counterparty string) (*entity.Conversation, error)
	GetConversation(ctx context.Context, id string) (*entity.Conversation, error)
	InsertConversation(ctx context.Context, conv *entity.Conversation) error
	ListConversations(ctx context.Context, accountID entity.AccountID, limit, offset int) ([]entity.Conversation, error)
	ApplyLastMessage(ctx context.Context, conversationID, preview string, at time.Time, incrementUnread bool) error
	MarkConversationRead(ctx context.Context, conversationID string) error
	CloseConversation(ctx context.Context, conversationID string) error

	FindMessageByProviderID(ctx context.Context, endpointID entity.EndpointID, providerMessageID string) (*entity.Message, error)
	InsertMessage(ctx context.Context, msg *entity.Message) error
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]entity.Message, error)
	UpdateMessageStatus(ctx context.Context, endpointID entity.EndpointID, providerMessageID, status string) (*entity.Message, error)

	SetAutomationState(ctx context.Context, conversationID string, state *entity.AutomationState) error
	ClearAutomationState(ctx context.Context, conversationID string) error
	ListAutomationConversations(ctx context.Context) ([]entity.Conversation, error)
	SaveAutomationResult(ctx context.Context, result *entity.AutomationResult) error
}

// Notifier receives fan-out events for stored messages and status changes.
type Notifier interface {
	NotifyNewMessage(conversationID string, msg *entity.Message)
	NotifyStatusChanged(conversationID string, data any)
}

type Store struct {
	repo     Repository
	notifier Notifier
	log      *slog.Logger
}

func NewStore(repo Repository, notifier Notifier, log *slog.Logger) *Store {
	return &Store{
		repo:     repo,
		notifier: notifier,
		log:      log.With(sl.Module("chat.store")),
	}
}

// UpsertInbound finds-or-creates the conversation for the event's triple and
// records the inbound message. A redelivered provider message id is absorbed:
// the existing message is returned with duplicate set, and no bookkeeping runs
// a second time.
func (s *Store) UpsertInbound(ctx context.Context, endpoint *entity.Endpoint, ev *entity.InboundEvent) (*entity.Message, *entity.Conversation, bool, error) {
	conv, err := s.repo.FindConversation(ctx, endpoint.AccountID, endpoint.ID, ev.Counterparty)
	if err != nil {
		return nil, nil, false, fmt.Errorf("find conversation: %w", err)
	}
	if conv == nil {
		conv = entity.NewConversation(endpoint.AccountID, endpoint.ID, ev.Counterparty, ev.CounterpartyName)
		if err := s.repo.InsertConversation(ctx, conv); err != nil {
			return nil, nil, false, fmt.Errorf("create conversation: %w", err)
		}
		s.log.Info("conversation created",
			slog.String("conversation_id", conv.ID),
			slog.String("endpoint_id", string(endpoint.ID)),
		)
	}

	existing, err := s.repo.FindMessageByProviderID(ctx, endpoint.ID, ev.ProviderMessageID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("dedup lookup: %w", err)
	}
	if existing != nil {
		if err := s.finishBookkeeping(ctx, conv, existing); err != nil {
			return nil, nil, false, err
		}
		return existing, conv, true, nil
	}

	msg := entity.NewMessage(conv, entity.DirectionInbound)
	msg.ProviderMessageID = ev.ProviderMessageID
	msg.Type = ev.Type
	msg.Text = ev.Text
	msg.Status = entity.MessageStatusReceived

	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		// A concurrent redelivery can still beat us to the unique index.
		if errors.Is(err, repository.ErrDuplicateMessage) {
			existing, findErr := s.repo.FindMessageByProviderID(ctx, endpoint.ID, ev.ProviderMessageID)
			if findErr == nil && existing != nil {
				if err := s.finishBookkeeping(ctx, conv, existing); err != nil {
					return nil, nil, false, err
				}
				return existing, conv, true, nil
			}
		}
		return nil, nil, false, fmt.Errorf("insert message: %w", err)
	}

	if err := s.repo.ApplyLastMessage(ctx, conv.ID, preview(msg.Text), msg.CreatedAt, true); err != nil {
		return nil, nil, false, fmt.Errorf("conversation bookkeeping: %w", err)
	}
	conv.LastMessageText = preview(msg.Text)
	conv.LastMessageAt = msg.CreatedAt
	conv.UnreadCount++

	if s.notifier != nil {
		s.notifier.NotifyNewMessage(conv.ID, msg)
	}
	return msg, conv, false, nil
}

// finishBookkeeping converges a retried delivery whose previous attempt
// stored the message but died before the thread update: when the stored
// message is newer than the thread's last_message_at, the unread and preview
// bookkeeping still has to land. A fully processed redelivery is a no-op.
func (s *Store) finishBookkeeping(ctx context.Context, conv *entity.Conversation, msg *entity.Message) error {
	if !msg.CreatedAt.After(conv.LastMessageAt) {
		return nil
	}
	inbound := msg.Direction == entity.DirectionInbound
	if err := s.repo.ApplyLastMessage(ctx, conv.ID, preview(msg.Text), msg.CreatedAt, inbound); err != nil {
		return fmt.Errorf("conversation bookkeeping: %w", err)
	}
	conv.LastMessageText = preview(msg.Text)
	conv.LastMessageAt = msg.CreatedAt
	if inbound {
		conv.UnreadCount++
	}
	if s.notifier != nil {
		s.notifier.NotifyNewMessage(conv.ID, msg)
	}
	return nil
}

// AppendOutbound records a sent reply on the thread. The unread counter is
// untouched; unread tracks counterparty messages only.
func (s *Store) AppendOutbound(ctx context.Context, conv *entity.Conversation, env Envelope) (*entity.Message, error) {
	msg := entity.NewMessage(conv, entity.DirectionOutbound)
	msg.ProviderMessageID = env.ProviderMessageID
	msg.Type = env.Type
	msg.Text = env.Text
	msg.Status = env.Status
	if msg.Status == "" {
		msg.Status = entity.MessageStatusSent
	}
	if msg.Type == "" {
		msg.Type = entity.MessageTypeText
	}

	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert outbound message: %w", err)
	}
	if err := s.repo.ApplyLastMessage(ctx, conv.ID, preview(msg.Text), msg.CreatedAt, false); err != nil {
		return nil, fmt.Errorf("conversation bookkeeping: %w", err)
	}
	conv.LastMessageText = preview(msg.Text)
	conv.LastMessageAt = msg.CreatedAt

	if s.notifier != nil {
		s.notifier.NotifyNewMessage(conv.ID, msg)
	}
	return msg, nil
}

// ApplyStatus correlates a provider delivery report with its outbound message.
// Reports for unknown ids are dropped silently; the provider also reports on
// messages sent before this deployment existed.
func (s *Store) ApplyStatus(ctx context.Context, ev *entity.StatusEvent) (*entity.Message, error) {
	msg, err := s.repo.UpdateMessageStatus(ctx, ev.EndpointID, ev.ProviderMessageID, ev.Status)
	if err != nil {
		return nil, fmt.Errorf("update message status: %w", err)
	}
	if msg != nil && s.notifier != nil {
		s.notifier.NotifyStatusChanged(msg.ConversationID, msg)
	}
	return msg, nil
}

// MarkRead resets the thread's unread counter.
func (s *Store) MarkRead(ctx context.Context, conversationID string) error {
	if err := s.repo.MarkConversationRead(ctx, conversationID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if s.notifier != nil {
		s.notifier.NotifyStatusChanged(conversationID, map[string]any{
			"conversation_id": conversationID,
			"unread_count":    0,
		})
	}
	return nil
}

// Close closes the thread. The caller is responsible for cancelling any
// running automation first.
func (s *Store) Close(ctx context.Context, conversationID string) error {
	if err := s.repo.CloseConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}
	if s.notifier != nil {
		s.notifier.NotifyStatusChanged(conversationID, map[string]any{
			"conversation_id": conversationID,
			"status":          entity.ConversationClosed,
		})
	}
	return nil
}

// GetConversation exposes the repository lookup for callers holding the key.
func (s *Store) GetConversation(ctx context.Context, id string) (*entity.Conversation, error) {
	return s.repo.GetConversation(ctx, id)
}

func (s *Store) ListConversations(ctx context.Context, accountID entity.AccountID, limit, offset int) ([]entity.Conversation, error) {
	return s.repo.ListConversations(ctx, accountID, limit, offset)
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]entity.Message, error) {
	return s.repo.ListMessages(ctx, conversationID, limit, offset)
}

// SetAutomationState persists the running workflow state on the thread.
func (s *Store) SetAutomationState(ctx context.Context, conversationID string, state *entity.AutomationState) error {
	return s.repo.SetAutomationState(ctx, conversationID, state)
}

// ClearAutomationState drops the workflow state on completion or timeout.
func (s *Store) ClearAutomationState(ctx context.Context, conversationID string) error {
	return s.repo.ClearAutomationState(ctx, conversationID)
}

// ListAutomationConversations returns open threads with a live workflow state.
func (s *Store) ListAutomationConversations(ctx context.Context) ([]entity.Conversation, error) {
	return s.repo.ListAutomationConversations(ctx)
}

// SaveAutomationResult records a finished workflow run with its captured
// variables.
func (s *Store) SaveAutomationResult(ctx context.Context, result *entity.AutomationResult) error {
	return s.repo.SaveAutomationResult(ctx, result)
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit])
}
