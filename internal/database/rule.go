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

// ListActiveRules returns the account's active automation rules in declaration
// order. Rules bound to a specific endpoint are included only for that
// endpoint; rules without one apply to every endpoint of the account.
func (m *MongoDB) ListActiveRules(ctx context.Context, accountID entity.AccountID, endpointID entity.EndpointID) ([]entity.AutomationRule, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(rulesCollection)
	filter := bson.D{
		{Key: "account_id", Value: accountID},
		{Key: "is_active", Value: true},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "endpoint_id", Value: endpointID}},
			bson.D{{Key: "endpoint_id", Value: bson.D{{Key: "$exists", Value: false}}}},
			bson.D{{Key: "endpoint_id", Value: ""}},
		}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb find rules: %w", err)
	}
	defer cursor.Close(ctx)

	var rules []entity.AutomationRule
	if err = cursor.All(ctx, &rules); err != nil {
		return nil, fmt.Errorf("mongodb decode rules: %w", err)
	}
	return rules, nil
}

// FindRule returns a rule by id regardless of its active flag, so workflows
// already mid-execution can finish after the rule is disabled. Returns
// (nil, nil) when the rule no longer exists.
func (m *MongoDB) FindRule(ctx context.Context, id string) (*entity.AutomationRule, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(rulesCollection)

	var rule entity.AutomationRule
	err = collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&rule)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, m.findError(err)
	}
	return &rule, nil
}
