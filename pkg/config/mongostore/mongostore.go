package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/goldenimage/pkg/config/configstore"
	"github.com/andrej220/goldenimage/pkg/lg"
)

// Ensure MongoStore implements the ConfigStore interface
var _ configstore.ConfigStore = (*MongoStore)(nil)

const opTimeout = 10 * time.Second

// MongoStore keeps the configuration as one document, keyed by service
// name ("provisioner").
type MongoStore struct {
	Client     *mongo.Client
	Collection *mongo.Collection
	ID         string
	Logger     lg.Logger
}

// Connect dials MongoDB and pings it.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	//  ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

func New(uri, dbName, collName, id string) (*MongoStore, error) {
	client, err := Connect(context.Background(), uri)
	if err != nil {
		return nil, err
	}
	return &MongoStore{
		Client:     client,
		Collection: client.Database(dbName).Collection(collName),
		ID:         id,
		Logger:     lg.Discard,
	}, nil
}

func (m *MongoStore) Load(out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res := m.Collection.FindOne(ctx, bson.M{"_id": m.ID})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("document with ID %q not found", m.ID)
		}
		return fmt.Errorf("MongoDB FindOne failed: %w", err)
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

func (m *MongoStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("Save: input parameter must not be nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := m.Collection.ReplaceOne(
		ctx,
		bson.M{"_id": m.ID},
		in,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("Save: MongoDB ReplaceOne failed: %w", err)
	}
	return nil
}

// Watch follows a change stream on the configuration document. Change
// streams need a replica set; on a standalone server Watch returns the
// server's error.
func (m *MongoStore) Watch(onChange func(), stop <-chan struct{}) error {
	if onChange == nil {
		return fmt.Errorf("onChange callback cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"documentKey._id": m.ID}}}}
	stream, err := m.Collection.Watch(ctx, pipeline)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open change stream: %w", err)
	}

	go func() {
		<-stop
		cancel()
	}()
	go func() {
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			onChange()
		}
		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			m.Logger.Warn("config change stream ended", lg.String("id", m.ID), lg.Err(err))
		}
	}()
	return nil
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return m.Client.Disconnect(ctx)
}
