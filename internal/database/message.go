package repository

import (
	"ChatHive/entity"
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// FindMessageByProviderID returns the message carrying the given provider id
// on the endpoint, or (nil, nil). This is the dedup lookup for redelivered
// webhook events.
func (m *MongoDB) FindMessageByProviderID(ctx context.Context, endpointID entity.EndpointID, providerMessageID string) (*entity.Message, error) {
	if providerMessageID == "" {
		return nil, nil
	}

	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(messagesCollection)
	filter := bson.D{
		{Key: "endpoint_id", Value: endpointID},
		{Key: "provider_message_id", Value: providerMessageID},
	}

	var msg entity.Message
	err = collection.FindOne(ctx, filter).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, m.findError(err)
	}
	return &msg, nil
}

// InsertMessage stores a message. A write that collides with the unique
// (endpoint_id, provider_message_id) index reports mongo.IsDuplicateKeyError;
// callers treat that as an idempotent no-op.
func (m *MongoDB) InsertMessage(ctx context.Context, msg *entity.Message) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(messagesCollection)
	_, err = collection.InsertOne(ctx, msg)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("mongodb insert message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in ascending stored order.
func (m *MongoDB) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]entity.Message, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(messagesCollection)
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))

	cursor, err := collection.Find(ctx, bson.D{{Key: "conversation_id", Value: conversationID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb find messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []entity.Message
	if err = cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("mongodb decode messages: %w", err)
	}
	return messages, nil
}

// UpdateMessageStatus applies a provider delivery-status report to the
// outbound message it correlates with, returning the updated document or
// (nil, nil) when no message matches.
func (m *MongoDB) UpdateMessageStatus(ctx context.Context, endpointID entity.EndpointID, providerMessageID, status string) (*entity.Message, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(messagesCollection)
	filter := bson.D{
		{Key: "endpoint_id", Value: endpointID},
		{Key: "provider_message_id", Value: providerMessageID},
		{Key: "direction", Value: entity.DirectionOutbound},
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: status}}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var msg entity.Message
	err = collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, m.findError(err)
	}
	return &msg, nil
}
