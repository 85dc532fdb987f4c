package core

import (
	"context"
	"errors"
	"log/slog"

	"ChatHive/entity"
	"ChatHive/internal/chat"
	"ChatHive/internal/lib/keylock"
	"ChatHive/internal/lib/sl"
)

var (
	ErrNotFound  = errors.New("core: conversation not found")
	ErrForbidden = errors.New("core: conversation belongs to another account")
)

type ChatStore interface {
	GetConversation(ctx context.Context, id string) (*entity.Conversation, error)
	ListConversations(ctx context.Context, accountID entity.AccountID, limit, offset int) ([]entity.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]entity.Message, error)
	AppendOutbound(ctx context.Context, conv *entity.Conversation, env chat.Envelope) (*entity.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	Close(ctx context.Context, conversationID string) error
}

type Automation interface {
	CancelAutomation(ctx context.Context, conv *entity.Conversation) error
}

type Sender interface {
	SendText(ctx context.Context, endpointID entity.EndpointID, to, text string) (string, error)
}

type AuthService interface {
	IssueToken(accountID entity.AccountID, username string) (string, error)
	AuthenticateByToken(token string) (*entity.UserAuth, error)
}

// Core ties the dashboard surface to the chat store, the workflow engine and
// the provider client. Handlers talk to Core only.
type Core struct {
	store       ChatStore
	automation  Automation
	sender      Sender
	authService AuthService
	locks       *keylock.KeyLock
	adminKey    string
	log         *slog.Logger
}

func New(log *slog.Logger) *Core {
	return &Core{
		log: log.With(sl.Module("core")),
	}
}

func (c *Core) SetStore(store ChatStore) {
	c.store = store
}

func (c *Core) SetAutomation(automation Automation) {
	c.automation = automation
}

func (c *Core) SetSender(sender Sender) {
	c.sender = sender
}

func (c *Core) SetAuthService(auth AuthService) {
	c.authService = auth
}

func (c *Core) SetLocks(locks *keylock.KeyLock) {
	c.locks = locks
}

func (c *Core) SetAdminKey(key string) {
	c.adminKey = key
}
