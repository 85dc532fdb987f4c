package conversation

import (
	"context"

	"ChatHive/entity"
)

type Core interface {
	ListConversations(ctx context.Context, user *entity.UserAuth, limit, offset int) ([]entity.Conversation, error)
	ListMessages(ctx context.Context, user *entity.UserAuth, conversationID string, limit, offset int) ([]entity.Message, error)
	MarkRead(ctx context.Context, user *entity.UserAuth, conversationID string) error
	CloseConversation(ctx context.Context, user *entity.UserAuth, conversationID string) error
	Reply(ctx context.Context, user *entity.UserAuth, conversationID, text string) (*entity.Message, error)
}
