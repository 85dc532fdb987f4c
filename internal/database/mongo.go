package repository

import (
	"ChatHive/internal/config"
	"ChatHive/internal/lib/sl"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrDuplicateMessage reports a message insert rejected by the unique
// (endpoint_id, provider_message_id) index.
var ErrDuplicateMessage = errors.New("duplicate provider message id")

const (
	accountsCollection      = "accounts"
	endpointsCollection     = "endpoints"
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
	rulesCollection         = "automation-rules"
	resultsCollection       = "automation-results"
)

type MongoDB struct {
	ctx           context.Context
	clientOptions *options.ClientOptions
	database      string
	log           *slog.Logger
}

func NewMongoClient(conf *config.Config, logger *slog.Logger) (*MongoDB, error) {
	if !conf.Mongo.Enabled {
		return nil, nil
	}
	connectionUri := fmt.Sprintf("mongodb://%s:%s", conf.Mongo.Host, conf.Mongo.Port)
	clientOptions := options.Client().ApplyURI(connectionUri)
	if conf.Mongo.User != "" {
		clientOptions.SetAuth(options.Credential{
			Username:   conf.Mongo.User,
			Password:   conf.Mongo.Password,
			AuthSource: conf.Mongo.Database,
		})
	}
	client := &MongoDB{
		ctx:           context.Background(),
		clientOptions: clientOptions,
		database:      conf.Mongo.Database,
		log:           logger.With(sl.Module("mongodb")),
	}
	return client, nil
}

func (m *MongoDB) connect() (*mongo.Client, error) {
	connection, err := mongo.Connect(m.ctx, m.clientOptions)
	if err != nil {
		return nil, fmt.Errorf("mongodb connect error: %w", err)
	}
	return connection, nil
}

func (m *MongoDB) disconnect(connection *mongo.Client) {
	_ = connection.Disconnect(m.ctx)
}

func mongoUpsert() *options.UpdateOptions {
	return options.Update().SetUpsert(true)
}

func (m *MongoDB) findError(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	return fmt.Errorf("mongodb find error: %w", err)
}

// EnsureIndexes creates the indexes the routing and idempotency invariants
// depend on. The unique sparse index on (endpoint_id, provider_message_id)
// is the idempotency boundary for redelivered webhooks; the unique triple
// index on conversations guarantees one thread per tenant/endpoint/counterparty.
func (m *MongoDB) EnsureIndexes(ctx context.Context) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	db := connection.Database(m.database)

	messageIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "endpoint_id", Value: 1},
				{Key: "provider_message_id", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys: bson.D{
				{Key: "conversation_id", Value: 1},
				{Key: "created_at", Value: 1},
			},
		},
	}
	if _, err := db.Collection(messagesCollection).Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return fmt.Errorf("mongodb create message indexes: %w", err)
	}

	conversationIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "account_id", Value: 1},
				{Key: "endpoint_id", Value: 1},
				{Key: "counterparty", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "account_id", Value: 1},
				{Key: "last_message_at", Value: -1},
			},
		},
	}
	if _, err := db.Collection(conversationsCollection).Indexes().CreateMany(ctx, conversationIndexes); err != nil {
		return fmt.Errorf("mongodb create conversation indexes: %w", err)
	}

	endpointIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "business_account_id", Value: 1}},
	}
	if _, err := db.Collection(endpointsCollection).Indexes().CreateOne(ctx, endpointIndex); err != nil {
		return fmt.Errorf("mongodb create endpoint index: %w", err)
	}

	ruleIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "account_id", Value: 1},
			{Key: "created_at", Value: 1},
		},
	}
	if _, err := db.Collection(rulesCollection).Indexes().CreateOne(ctx, ruleIndex); err != nil {
		return fmt.Errorf("mongodb create rule index: %w", err)
	}

	return nil
}
