package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tokenvault/server/internal/idempotency"
)

// MongoArchive keeps pruned idempotency records and webhook markers for later inspection.
// Writes are upserts keyed by the natural key, so re-archiving a batch is harmless.
type MongoArchive struct {
	client        *mongo.Client
	records       *mongo.Collection
	webhookEvents *mongo.Collection
}

// NewMongoArchive connects to MongoDB and prepares the archive collections.
func NewMongoArchive(connectionString, database string) (*MongoArchive, error) {
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

	db := client.Database(database)
	archive := &MongoArchive{
		client:        client,
		records:       db.Collection("idempotency_records"),
		webhookEvents: db.Collection("webhook_events"),
	}
	if err := archive.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return archive, nil
}

func (a *MongoArchive) createIndexes(ctx context.Context) error {
	_, err := a.records.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "account_id", Value: 1}}},
		{Keys: bson.D{{Key: "transaction_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create archived record indexes: %w", err)
	}
	_, err = a.webhookEvents.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "transaction_id", Value: 1}}},
		{Keys: bson.D{{Key: "received_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create archived webhook indexes: %w", err)
	}
	return nil
}

// ArchiveIdempotencyRecords upserts a batch of pruned registry rows.
func (a *MongoArchive) ArchiveIdempotencyRecords(ctx context.Context, batch []idempotency.Record) error {
	if len(batch) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(batch))
	for _, rec := range batch {
		doc := bson.M{
			"_id":            string(rec.Scope) + "/" + rec.Key,
			"scope":          string(rec.Scope),
			"key":            rec.Key,
			"account_id":     rec.AccountID,
			"transaction_id": rec.TransactionID,
			"created_at":     rec.CreatedAt,
			"archived_at":    now,
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc["_id"]}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	if _, err := a.records.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("archive idempotency records: %w", err)
	}
	return nil
}

// ArchiveWebhookEvents upserts a batch of pruned webhook markers.
func (a *MongoArchive) ArchiveWebhookEvents(ctx context.Context, batch []WebhookMarker) error {
	if len(batch) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(batch))
	for _, mk := range batch {
		doc := bson.M{
			"_id":               mk.EventID,
			"event_type":        mk.EventType,
			"payment_reference": mk.PaymentReference,
			"transaction_id":    mk.TransactionID,
			"received_at":       mk.ReceivedAt,
			"archived_at":       now,
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": mk.EventID}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	if _, err := a.webhookEvents.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("archive webhook events: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB.
func (a *MongoArchive) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.client.Disconnect(ctx)
}
