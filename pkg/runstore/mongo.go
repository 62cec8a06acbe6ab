package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/goldenimage/pkg/config/mongostore"
)

const opTimeout = 10 * time.Second

// MongoStore keeps records in a collection, one document per run.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, dbName, collName string) (*MongoStore, error) {
	client, err := mongostore.Connect(ctx, uri)
	if err != nil {
		return nil, err
	}
	return &MongoStore{client: client, collection: client.Database(dbName).Collection(collName)}, nil
}

// update sets every field but the id and counts the invocation.
func update(rec Record) bson.M {
	return bson.M{
		"$set": bson.M{
			"host":       rec.Host,
			"phase":      rec.Phase,
			"remaining":  rec.Remaining,
			"pending":    rec.Pending,
			"errors":     rec.Errors,
			"summary":    rec.Summary,
			"checkpoint": rec.Checkpoint,
			"codec":      rec.Codec,
			"lastError":  rec.LastError,
			"updatedAt":  rec.UpdatedAt,
		},
		"$inc": bson.M{"invocations": 1},
	}
}

func (s *MongoStore) Save(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.collection.UpdateOne(ctx, bson.M{"_id": rec.RunID}, update(rec), options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("run record %s: %w", rec.RunID, err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, runID string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var rec Record
	err := s.collection.FindOne(ctx, bson.M{"_id": runID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
