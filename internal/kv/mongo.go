package kv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a Store backed by a single MongoDB collection, one document
// per key. It exists so scheduler state (queues, sessions, statistics) can
// survive a process restart or host migration, independent of whatever
// backend the crawl's own scraped-item output uses.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger
}

type kvDocument struct {
	ID        string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoStore connects to uri and returns a Store backed by
// database.collection.
func NewMongoStore(ctx context.Context, uri, database, collection string, logger *slog.Logger) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger.With("component", "kv_mongo"),
	}, nil
}

func (s *MongoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	getCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var doc kvDocument
	err := s.collection.FindOne(getCtx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mongodb find: %w", err)
	}
	return doc.Value, true, nil
}

func (s *MongoStore) Set(ctx context.Context, key string, value []byte) error {
	setCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.collection.UpdateOne(
		setCtx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"value": value, "updated_at": time.Now()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongodb upsert: %w", err)
	}
	return nil
}

// Close disconnects the underlying MongoDB client.
func (s *MongoStore) Close(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.client.Disconnect(closeCtx)
}
