package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"ChatHive/entity"
	repository "ChatHive/internal/database"
)

// memRepo is an in-memory Repository with the same uniqueness behavior as the
// Mongo indexes. Reads hand out decoded copies the way the driver does, so a
// caller mutating a returned document never touches the stored one.
type memRepo struct {
	conversations map[string]*entity.Conversation
	messages      []*entity.Message
	results       []*entity.AutomationResult

	failApplyLast int
}

func newMemRepo() *memRepo {
	return &memRepo{conversations: make(map[string]*entity.Conversation)}
}

func cloneConversation(c *entity.Conversation) *entity.Conversation {
	clone := *c
	if c.Automation != nil {
		state := *c.Automation
		clone.Automation = &state
	}
	return &clone
}

func (m *memRepo) FindConversation(_ context.Context, accountID entity.AccountID, endpointID entity.EndpointID, counterparty string) (*entity.Conversation, error) {
	for _, c := range m.conversations {
		if c.AccountID == accountID && c.EndpointID == endpointID && c.Counterparty == counterparty {
			return cloneConversation(c), nil
		}
	}
	return nil, nil
}

func (m *memRepo) GetConversation(_ context.Context, id string) (*entity.Conversation, error) {
	c, ok := m.conversations[id]
	if !ok {
		return nil, nil
	}
	return cloneConversation(c), nil
}

func (m *memRepo) InsertConversation(_ context.Context, conv *entity.Conversation) error {
	m.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (m *memRepo) ListConversations(_ context.Context, accountID entity.AccountID, limit, offset int) ([]entity.Conversation, error) {
	var out []entity.Conversation
	for _, c := range m.conversations {
		if c.AccountID == accountID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (m *memRepo) ApplyLastMessage(_ context.Context, conversationID, preview string, at time.Time, incrementUnread bool) error {
	if m.failApplyLast > 0 {
		m.failApplyLast--
		return fmt.Errorf("write concern error")
	}
	c := m.conversations[conversationID]
	c.LastMessageText = preview
	c.LastMessageAt = at
	if incrementUnread {
		c.UnreadCount++
	}
	return nil
}

func (m *memRepo) MarkConversationRead(_ context.Context, conversationID string) error {
	m.conversations[conversationID].UnreadCount = 0
	return nil
}

func (m *memRepo) CloseConversation(_ context.Context, conversationID string) error {
	c := m.conversations[conversationID]
	c.Status = entity.ConversationClosed
	c.Automation = nil
	return nil
}

func (m *memRepo) FindMessageByProviderID(_ context.Context, endpointID entity.EndpointID, providerMessageID string) (*entity.Message, error) {
	if providerMessageID == "" {
		return nil, nil
	}
	for _, msg := range m.messages {
		if msg.EndpointID == endpointID && msg.ProviderMessageID == providerMessageID {
			return msg, nil
		}
	}
	return nil, nil
}

func (m *memRepo) InsertMessage(ctx context.Context, msg *entity.Message) error {
	if msg.ProviderMessageID != "" {
		existing, _ := m.FindMessageByProviderID(ctx, msg.EndpointID, msg.ProviderMessageID)
		if existing != nil {
			return repository.ErrDuplicateMessage
		}
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memRepo) ListMessages(_ context.Context, conversationID string, limit, offset int) ([]entity.Message, error) {
	var out []entity.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memRepo) UpdateMessageStatus(_ context.Context, endpointID entity.EndpointID, providerMessageID, status string) (*entity.Message, error) {
	for _, msg := range m.messages {
		if msg.EndpointID == endpointID && msg.ProviderMessageID == providerMessageID && msg.Direction == entity.DirectionOutbound {
			msg.Status = status
			return msg, nil
		}
	}
	return nil, nil
}

func (m *memRepo) SetAutomationState(_ context.Context, conversationID string, state *entity.AutomationState) error {
	m.conversations[conversationID].Automation = state
	return nil
}

func (m *memRepo) ClearAutomationState(_ context.Context, conversationID string) error {
	m.conversations[conversationID].Automation = nil
	return nil
}

func (m *memRepo) ListAutomationConversations(_ context.Context) ([]entity.Conversation, error) {
	var out []entity.Conversation
	for _, c := range m.conversations {
		if c.Automation != nil && c.IsOpen() {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memRepo) SaveAutomationResult(_ context.Context, result *entity.AutomationResult) error {
	m.results = append(m.results, result)
	return nil
}

type recordingNotifier struct {
	newMessages []string
	statuses    []string
}

func (n *recordingNotifier) NotifyNewMessage(conversationID string, _ *entity.Message) {
	n.newMessages = append(n.newMessages, conversationID)
}

func (n *recordingNotifier) NotifyStatusChanged(conversationID string, _ any) {
	n.statuses = append(n.statuses, conversationID)
}

func testStore() (*Store, *memRepo, *recordingNotifier) {
	repo := newMemRepo()
	notifier := &recordingNotifier{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(repo, notifier, log), repo, notifier
}

func testEndpoint() *entity.Endpoint {
	return &entity.Endpoint{ID: "15550001111", AccountID: "acc-1", IsActive: true}
}

func inboundEvent(providerID, text string) *entity.InboundEvent {
	return &entity.InboundEvent{
		EndpointID:        "15550001111",
		Counterparty:      "+15557770000",
		CounterpartyName:  "Dana",
		ProviderMessageID: providerID,
		Type:              entity.MessageTypeText,
		Text:              text,
		ReceivedAt:        time.Now(),
	}
}

func TestUpsertInboundCreatesThread(t *testing.T) {
	store, repo, notifier := testStore()
	ctx := context.Background()

	msg, conv, duplicate, err := store.UpsertInbound(ctx, testEndpoint(), inboundEvent("wamid.1", "hello"))
	if err != nil {
		t.Fatalf("upsert inbound: %v", err)
	}
	if duplicate {
		t.Fatal("first delivery reported as duplicate")
	}
	if msg.Direction != entity.DirectionInbound || msg.Status != entity.MessageStatusReceived {
		t.Fatalf("wrong message bookkeeping: %+v", msg)
	}

	stored := repo.conversations[conv.ID]
	if stored == nil {
		t.Fatal("conversation not persisted")
	}
	if stored.UnreadCount != 1 {
		t.Fatalf("unread count = %d, want 1", stored.UnreadCount)
	}
	if stored.LastMessageText != "hello" {
		t.Fatalf("preview = %q", stored.LastMessageText)
	}
	if len(notifier.newMessages) != 1 {
		t.Fatalf("notifier fired %d times", len(notifier.newMessages))
	}
}

func TestUpsertInboundIdempotent(t *testing.T) {
	store, repo, notifier := testStore()
	ctx := context.Background()

	first, conv, _, err := store.UpsertInbound(ctx, testEndpoint(), inboundEvent("wamid.dup", "hi"))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second, _, duplicate, err := store.UpsertInbound(ctx, testEndpoint(), inboundEvent("wamid.dup", "hi"))
	if err != nil {
		t.Fatalf("redelivery upsert: %v", err)
	}
	if !duplicate {
		t.Fatal("redelivery not flagged as duplicate")
	}
	if second.ID != first.ID {
		t.Fatalf("redelivery returned a different message: %s vs %s", second.ID, first.ID)
	}
	if len(repo.messages) != 1 {
		t.Fatalf("stored %d messages, want 1", len(repo.messages))
	}
	if repo.conversations[conv.ID].UnreadCount != 1 {
		t.Fatalf("unread double counted: %d", repo.conversations[conv.ID].UnreadCount)
	}
	if len(notifier.newMessages) != 1 {
		t.Fatalf("duplicate delivery re-notified: %d", len(notifier.newMessages))
	}
}

func TestUpsertInboundRetryFinishesBookkeeping(t *testing.T) {
	store, repo, notifier := testStore()
	ctx := context.Background()

	// First attempt stores the message but dies on the thread update.
	repo.failApplyLast = 1
	if _, _, _, err := store.UpsertInbound(ctx, testEndpoint(), inboundEvent("wamid.1", "hello")); err == nil {
		t.Fatal("failed bookkeeping did not surface an error")
	}
	if len(repo.messages) != 1 {
		t.Fatalf("stored %d messages, want 1", len(repo.messages))
	}
	if len(notifier.newMessages) != 0 {
		t.Fatal("partial attempt notified")
	}

	// The retry sees the stored message as a duplicate and must still land
	// the unread and preview update exactly once.
	msg, conv, duplicate, err := store.UpsertInbound(ctx, testEndpoint(), inboundEvent("wamid.1", "hello"))
	if err != nil {
		t.Fatalf("retry upsert: %v", err)
	}
	if !duplicate {
		t.Fatal("retry not flagged as duplicate")
	}
	if msg.ID != repo.messages[0].ID {
		t.Fatal("retry returned a different message")
	}

	stored := repo.conversations[conv.ID]
	if stored.UnreadCount != 1 {
		t.Fatalf("unread count = %d, want 1", stored.UnreadCount)
	}
	if stored.LastMessageText != "hello" {
		t.Fatalf("preview = %q", stored.LastMessageText)
	}
	if len(notifier.newMessages) != 1 {
		t.Fatalf("notifier fired %d times, want 1", len(notifier.newMessages))
	}

	// A redelivery after convergence changes nothing.
	if _, _, _, err := store.UpsertInbound(ctx, testEndpoint(), inboundEvent("wamid.1", "hello")); err != nil {
		t.Fatalf("redelivery upsert: %v", err)
	}
	if stored := repo.conversations[conv.ID]; stored.UnreadCount != 1 {
		t.Fatalf("redelivery double counted: %d", stored.UnreadCount)
	}
	if len(notifier.newMessages) != 1 {
		t.Fatalf("redelivery re-notified: %d", len(notifier.newMessages))
	}
}

func TestUpsertInboundReusesThreadAndKeepsOrder(t *testing.T) {
	store, _, _ := testStore()
	ctx := context.Background()

	_, conv1, _, err := store.UpsertInbound(ctx, testEndpoint(), inboundEvent("wamid.1", "first"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	_, conv2, _, err := store.UpsertInbound(ctx, testEndpoint(), inboundEvent("wamid.2", "second"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if conv2.ID != conv1.ID {
		t.Fatal("same triple produced two conversations")
	}

	messages, err := store.ListMessages(ctx, conv1.ID, 100, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages", len(messages))
	}
	if messages[0].Text != "first" || messages[1].Text != "second" {
		t.Fatalf("arrival order lost: %q then %q", messages[0].Text, messages[1].Text)
	}
}

func TestThreadsIsolatedPerEndpoint(t *testing.T) {
	store, _, _ := testStore()
	ctx := context.Background()

	other := &entity.Endpoint{ID: "15550002222", AccountID: "acc-2", IsActive: true}
	otherEvent := inboundEvent("wamid.other", "hello")
	otherEvent.EndpointID = other.ID

	_, conv1, _, err := store.UpsertInbound(ctx, testEndpoint(), inboundEvent("wamid.mine", "hello"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	_, conv2, _, err := store.UpsertInbound(ctx, other, otherEvent)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if conv1.ID == conv2.ID {
		t.Fatal("same counterparty on different endpoints shared a conversation")
	}

	mine, _ := store.ListConversations(ctx, "acc-1", 100, 0)
	if len(mine) != 1 || mine[0].ID != conv1.ID {
		t.Fatalf("account listing leaked across tenants: %+v", mine)
	}
}

func TestAppendOutboundLeavesUnreadAlone(t *testing.T) {
	store, repo, _ := testStore()
	ctx := context.Background()

	_, conv, _, err := store.UpsertInbound(ctx, testEndpoint(), inboundEvent("wamid.1", "question"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	msg, err := store.AppendOutbound(ctx, conv, Envelope{ProviderMessageID: "wamid.out", Text: "answer"})
	if err != nil {
		t.Fatalf("append outbound: %v", err)
	}
	if msg.Direction != entity.DirectionOutbound || msg.Status != entity.MessageStatusSent {
		t.Fatalf("wrong outbound defaults: %+v", msg)
	}
	if repo.conversations[conv.ID].UnreadCount != 1 {
		t.Fatalf("outbound append changed unread: %d", repo.conversations[conv.ID].UnreadCount)
	}
	if repo.conversations[conv.ID].LastMessageText != "answer" {
		t.Fatalf("preview not advanced: %q", repo.conversations[conv.ID].LastMessageText)
	}
}

func TestApplyStatus(t *testing.T) {
	store, _, notifier := testStore()
	ctx := context.Background()

	_, conv, _, err := store.UpsertInbound(ctx, testEndpoint(), inboundEvent("wamid.1", "hi"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.AppendOutbound(ctx, conv, Envelope{ProviderMessageID: "wamid.out", Text: "reply"}); err != nil {
		t.Fatalf("append outbound: %v", err)
	}

	msg, err := store.ApplyStatus(ctx, &entity.StatusEvent{
		EndpointID:        "15550001111",
		ProviderMessageID: "wamid.out",
		Status:            entity.MessageStatusDelivered,
	})
	if err != nil {
		t.Fatalf("apply status: %v", err)
	}
	if msg == nil || msg.Status != entity.MessageStatusDelivered {
		t.Fatalf("status not applied: %+v", msg)
	}
	if len(notifier.statuses) != 1 {
		t.Fatalf("status notification count = %d", len(notifier.statuses))
	}

	// A report for an id we never sent is dropped without error.
	unknown, err := store.ApplyStatus(ctx, &entity.StatusEvent{
		EndpointID:        "15550001111",
		ProviderMessageID: "wamid.stranger",
		Status:            entity.MessageStatusRead,
	})
	if err != nil {
		t.Fatalf("apply unknown status: %v", err)
	}
	if unknown != nil {
		t.Fatalf("unknown status report matched a message: %+v", unknown)
	}
}

func TestMarkReadAndClose(t *testing.T) {
	store, repo, _ := testStore()
	ctx := context.Background()

	_, conv, _, err := store.UpsertInbound(ctx, testEndpoint(), inboundEvent("wamid.1", "hi"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := store.MarkRead(ctx, conv.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if repo.conversations[conv.ID].UnreadCount != 0 {
		t.Fatalf("unread not reset: %d", repo.conversations[conv.ID].UnreadCount)
	}

	if err := store.Close(ctx, conv.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if repo.conversations[conv.ID].IsOpen() {
		t.Fatal("conversation still open after close")
	}
}

func TestPreviewTruncation(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += "x"
	}

	got := preview(long)
	if len([]rune(got)) != previewLimit {
		t.Fatalf("preview length = %d, want %d", len([]rune(got)), previewLimit)
	}
	if preview("short") != "short" {
		t.Fatal("short text was modified")
	}
}
