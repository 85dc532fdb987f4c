package repository

import (
	"ChatHive/entity"
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// FindEndpointByID looks up an endpoint by its provider-assigned id.
// Returns (nil, nil) when no such endpoint is registered.
func (m *MongoDB) FindEndpointByID(ctx context.Context, id entity.EndpointID) (*entity.Endpoint, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(endpointsCollection)
	filter := bson.D{{Key: "_id", Value: id}}

	var endpoint entity.Endpoint
	err = collection.FindOne(ctx, filter).Decode(&endpoint)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, m.findError(err)
	}
	return &endpoint, nil
}

// FindEndpointByBusinessAccount returns the oldest active endpoint registered
// under a provider business account. Used as a routing fallback while a
// freshly onboarded endpoint has not completed verification.
func (m *MongoDB) FindEndpointByBusinessAccount(ctx context.Context, businessAccountID string) (*entity.Endpoint, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(endpointsCollection)
	filter := bson.D{
		{Key: "business_account_id", Value: businessAccountID},
		{Key: "is_active", Value: true},
	}

	cursor, err := collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongodb find endpoints: %w", err)
	}
	defer cursor.Close(ctx)

	var endpoints []entity.Endpoint
	if err = cursor.All(ctx, &endpoints); err != nil {
		return nil, fmt.Errorf("mongodb decode endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil, nil
	}

	oldest := endpoints[0]
	for _, e := range endpoints[1:] {
		if e.CreatedAt.Before(oldest.CreatedAt) {
			oldest = e
		}
	}
	return &oldest, nil
}

// UpsertEndpoint stores an endpoint registration produced by the onboarding API.
func (m *MongoDB) UpsertEndpoint(ctx context.Context, endpoint *entity.Endpoint) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(endpointsCollection)

	endpoint.UpdatedAt = time.Now()
	filter := bson.D{{Key: "_id", Value: endpoint.ID}}
	update := bson.D{{Key: "$set", Value: endpoint}}

	_, err = collection.UpdateOne(ctx, filter, update, mongoUpsert())
	if err != nil {
		return fmt.Errorf("mongodb upsert endpoint: %w", err)
	}
	return nil
}

// MarkEndpointNeedsReauth flags an endpoint whose stored credential can no
// longer be decrypted. Outbound sends are aborted until re-authorization.
func (m *MongoDB) MarkEndpointNeedsReauth(ctx context.Context, id entity.EndpointID) error {
	return m.updateEndpoint(ctx, id, bson.D{{Key: "$set", Value: bson.D{
		{Key: "needs_reauth", Value: true},
		{Key: "updated_at", Value: time.Now()},
	}}})
}

// DeactivateEndpoint takes an endpoint out of routing on disconnect. The
// document is kept because conversations reference it.
func (m *MongoDB) DeactivateEndpoint(ctx context.Context, id entity.EndpointID) error {
	return m.updateEndpoint(ctx, id, bson.D{{Key: "$set", Value: bson.D{
		{Key: "is_active", Value: false},
		{Key: "updated_at", Value: time.Now()},
	}}})
}

func (m *MongoDB) updateEndpoint(ctx context.Context, id entity.EndpointID, update bson.D) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(endpointsCollection)
	_, err = collection.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update)
	if err != nil {
		return fmt.Errorf("mongodb update endpoint: %w", err)
	}
	return nil
}

// FindAccount returns an account document by id, or (nil, nil).
func (m *MongoDB) FindAccount(ctx context.Context, id entity.AccountID) (*entity.Account, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(accountsCollection)

	var account entity.Account
	err = collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&account)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, m.findError(err)
	}
	return &account, nil
}
