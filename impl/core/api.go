package core

import (
	"context"
	"fmt"
	"log/slog"

	"ChatHive/entity"
	"ChatHive/internal/chat"
)

func (c *Core) AuthenticateByToken(token string) (*entity.UserAuth, error) {
	if c.authService == nil {
		return nil, fmt.Errorf("authService is not set")
	}
	return c.authService.AuthenticateByToken(token)
}

// IssueSession mints a dashboard session token. The caller proves possession
// of the deployment admin key; there is no user password store.
func (c *Core) IssueSession(adminKey string, accountID entity.AccountID, username string) (string, error) {
	if c.authService == nil {
		return "", fmt.Errorf("authService is not set")
	}
	if c.adminKey == "" || adminKey != c.adminKey {
		return "", fmt.Errorf("admin key mismatch")
	}

	token, err := c.authService.IssueToken(accountID, username)
	if err != nil {
		return "", fmt.Errorf("issuing session token: %w", err)
	}

	c.log.With(
		slog.String("account_id", string(accountID)),
		slog.String("username", username),
	).Info("session issued")

	return token, nil
}

func (c *Core) ListConversations(ctx context.Context, user *entity.UserAuth, limit, offset int) ([]entity.Conversation, error) {
	return c.store.ListConversations(ctx, user.AccountID, limit, offset)
}

func (c *Core) ListMessages(ctx context.Context, user *entity.UserAuth, conversationID string, limit, offset int) ([]entity.Message, error) {
	conv, err := c.ownedConversation(ctx, user, conversationID)
	if err != nil {
		return nil, err
	}
	return c.store.ListMessages(ctx, conv.ID, limit, offset)
}

func (c *Core) MarkRead(ctx context.Context, user *entity.UserAuth, conversationID string) error {
	conv, err := c.ownedConversation(ctx, user, conversationID)
	if err != nil {
		return err
	}
	return c.store.MarkRead(ctx, conv.ID)
}

// CloseConversation closes a thread. A running workflow is cancelled first,
// under the conversation key so a concurrent reply or timer cannot interleave.
func (c *Core) CloseConversation(ctx context.Context, user *entity.UserAuth, conversationID string) error {
	conv, err := c.ownedConversation(ctx, user, conversationID)
	if err != nil {
		return err
	}

	key := chat.Key(conv.EndpointID, conv.Counterparty)
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	conv, err = c.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("reloading conversation: %w", err)
	}
	if conv == nil {
		return ErrNotFound
	}

	if conv.Automation != nil {
		if err := c.automation.CancelAutomation(ctx, conv); err != nil {
			return fmt.Errorf("cancelling automation: %w", err)
		}
	}

	return c.store.Close(ctx, conv.ID)
}

// Reply sends a human agent message on the thread and records it. Holding the
// conversation key keeps the send and the append atomic with respect to the
// ingress pipeline and workflow timers.
func (c *Core) Reply(ctx context.Context, user *entity.UserAuth, conversationID, text string) (*entity.Message, error) {
	if text == "" {
		return nil, fmt.Errorf("reply text cannot be empty")
	}

	conv, err := c.ownedConversation(ctx, user, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsOpen() {
		return nil, fmt.Errorf("conversation %s is closed", conversationID)
	}

	key := chat.Key(conv.EndpointID, conv.Counterparty)
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	providerID, err := c.sender.SendText(ctx, conv.EndpointID, conv.Counterparty, text)
	if err != nil {
		return nil, fmt.Errorf("sending reply: %w", err)
	}

	msg, err := c.store.AppendOutbound(ctx, conv, chat.Envelope{
		ProviderMessageID: providerID,
		Text:              text,
	})
	if err != nil {
		return nil, fmt.Errorf("recording reply: %w", err)
	}

	return msg, nil
}

// HandleMarkRead serves mark_read commands arriving over the websocket.
func (c *Core) HandleMarkRead(user *entity.UserAuth, conversationID string) error {
	return c.MarkRead(context.Background(), user, conversationID)
}

func (c *Core) ownedConversation(ctx context.Context, user *entity.UserAuth, conversationID string) (*entity.Conversation, error) {
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("finding conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrNotFound
	}
	if conv.AccountID != user.AccountID {
		return nil, ErrForbidden
	}
	return conv, nil
}
