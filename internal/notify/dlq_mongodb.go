package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDLQStore keeps failed deliveries in a MongoDB collection.
type MongoDLQStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoDLQStore connects to MongoDB and prepares the DLQ collection.
func NewMongoDLQStore(connectionString, database, collection string) (*MongoDLQStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	if collection == "" {
		collection = "notify_dlq"
	}
	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "account_id", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create dlq indexes: %w", err)
	}

	return &MongoDLQStore{client: client, collection: coll}, nil
}

func (s *MongoDLQStore) SaveFailedDelivery(ctx context.Context, delivery FailedDelivery) error {
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": delivery.ID},
		delivery,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save failed delivery: %w", err)
	}
	return nil
}

func (s *MongoDLQStore) GetFailedDelivery(ctx context.Context, id string) (FailedDelivery, error) {
	var d FailedDelivery
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return FailedDelivery{}, ErrDeliveryNotFound
	}
	if err != nil {
		return FailedDelivery{}, fmt.Errorf("get failed delivery: %w", err)
	}
	return d, nil
}

func (s *MongoDLQStore) ListFailedDeliveries(ctx context.Context, limit int) ([]FailedDelivery, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list failed deliveries: %w", err)
	}
	defer cursor.Close(ctx)

	result := []FailedDelivery{}
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("decode failed deliveries: %w", err)
	}
	return result, nil
}

func (s *MongoDLQStore) DeleteFailedDelivery(ctx context.Context, id string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete failed delivery: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

// Close disconnects from MongoDB.
func (s *MongoDLQStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
