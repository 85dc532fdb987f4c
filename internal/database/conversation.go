package repository

import (
	"ChatHive/entity"
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// FindConversation returns the thread for the (account, endpoint, counterparty)
// triple, or (nil, nil) when it does not exist yet.
func (m *MongoDB) FindConversation(ctx context.Context, accountID entity.AccountID, endpointID entity.EndpointID, counterparty string) (*entity.Conversation, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(conversationsCollection)
	filter := bson.D{
		{Key: "account_id", Value: accountID},
		{Key: "endpoint_id", Value: endpointID},
		{Key: "counterparty", Value: counterparty},
	}

	var conv entity.Conversation
	err = collection.FindOne(ctx, filter).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, m.findError(err)
	}
	return &conv, nil
}

// GetConversation returns a conversation by id, or (nil, nil).
func (m *MongoDB) GetConversation(ctx context.Context, id string) (*entity.Conversation, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(conversationsCollection)

	var conv entity.Conversation
	err = collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, m.findError(err)
	}
	return &conv, nil
}

// InsertConversation stores a freshly created thread.
func (m *MongoDB) InsertConversation(ctx context.Context, conv *entity.Conversation) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(conversationsCollection)
	_, err = collection.InsertOne(ctx, conv)
	if err != nil {
		return fmt.Errorf("mongodb insert conversation: %w", err)
	}
	return nil
}

// ListConversations returns an account's threads, most recently active first.
func (m *MongoDB) ListConversations(ctx context.Context, accountID entity.AccountID, limit, offset int) ([]entity.Conversation, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(conversationsCollection)
	opts := options.Find().
		SetSort(bson.D{{Key: "last_message_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))

	cursor, err := collection.Find(ctx, bson.D{{Key: "account_id", Value: accountID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb find conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var conversations []entity.Conversation
	if err = cursor.All(ctx, &conversations); err != nil {
		return nil, fmt.Errorf("mongodb decode conversations: %w", err)
	}
	return conversations, nil
}

// ApplyLastMessage updates the thread bookkeeping after a message write.
func (m *MongoDB) ApplyLastMessage(ctx context.Context, conversationID, preview string, at time.Time, incrementUnread bool) error {
	set := bson.D{
		{Key: "last_message_text", Value: preview},
		{Key: "last_message_at", Value: at},
		{Key: "updated_at", Value: time.Now()},
	}
	update := bson.D{{Key: "$set", Value: set}}
	if incrementUnread {
		update = append(update, bson.E{Key: "$inc", Value: bson.D{{Key: "unread_count", Value: 1}}})
	}
	return m.updateConversation(ctx, conversationID, update)
}

// MarkConversationRead resets the unread counter.
func (m *MongoDB) MarkConversationRead(ctx context.Context, conversationID string) error {
	return m.updateConversation(ctx, conversationID, bson.D{{Key: "$set", Value: bson.D{
		{Key: "unread_count", Value: 0},
		{Key: "updated_at", Value: time.Now()},
	}}})
}

// CloseConversation closes the thread and drops any automation state.
func (m *MongoDB) CloseConversation(ctx context.Context, conversationID string) error {
	return m.updateConversation(ctx, conversationID, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: entity.ConversationClosed},
			{Key: "updated_at", Value: time.Now()},
		}},
		{Key: "$unset", Value: bson.D{{Key: "automation", Value: ""}}},
	})
}

// SetAutomationState persists the transient workflow state on the thread.
func (m *MongoDB) SetAutomationState(ctx context.Context, conversationID string, state *entity.AutomationState) error {
	return m.updateConversation(ctx, conversationID, bson.D{{Key: "$set", Value: bson.D{
		{Key: "automation", Value: state},
		{Key: "updated_at", Value: time.Now()},
	}}})
}

// ClearAutomationState removes the workflow state on completion or timeout.
func (m *MongoDB) ClearAutomationState(ctx context.Context, conversationID string) error {
	return m.updateConversation(ctx, conversationID, bson.D{
		{Key: "$unset", Value: bson.D{{Key: "automation", Value: ""}}},
		{Key: "$set", Value: bson.D{{Key: "updated_at", Value: time.Now()}}},
	})
}

// ListAutomationConversations returns every open thread that still carries a
// workflow state. Used to re-arm expiry timers on startup.
func (m *MongoDB) ListAutomationConversations(ctx context.Context) ([]entity.Conversation, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(conversationsCollection)
	filter := bson.D{
		{Key: "automation", Value: bson.D{{Key: "$exists", Value: true}}},
		{Key: "status", Value: entity.ConversationOpen},
	}

	cursor, err := collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongodb find automation conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var conversations []entity.Conversation
	if err = cursor.All(ctx, &conversations); err != nil {
		return nil, fmt.Errorf("mongodb decode automation conversations: %w", err)
	}
	return conversations, nil
}

// SaveAutomationResult records the terminal outcome of a workflow run.
func (m *MongoDB) SaveAutomationResult(ctx context.Context, result *entity.AutomationResult) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(resultsCollection)
	_, err = collection.InsertOne(ctx, result)
	if err != nil {
		return fmt.Errorf("mongodb insert automation result: %w", err)
	}
	return nil
}

func (m *MongoDB) updateConversation(ctx context.Context, conversationID string, update bson.D) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(conversationsCollection)
	_, err = collection.UpdateOne(ctx, bson.D{{Key: "_id", Value: conversationID}}, update)
	if err != nil {
		return fmt.Errorf("mongodb update conversation: %w", err)
	}
	return nil
}
