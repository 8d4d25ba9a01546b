// Package mongo stores entries in a MongoDB collection.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"mace/store"
)

const defaultDatabase = "mace"

func init() {
	open := func(ctx context.Context, uri, collection string) (store.Store, error) {
		return Open(ctx, uri, collection)
	}
	store.Register("mongodb", open)
	store.Register("mongodb+srv", open)
}

type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Open connects to uri. The database is taken from the uri path.
func Open(ctx context.Context, uri, collection string) (*Store, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, fmt.Errorf("parse mongodb uri: %w", err)
	}
	database := cs.Database
	if database == "" {
		database = defaultDatabase
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	s := &Store{client: client, collection: client.Database(database).Collection(collection)}
	_, err = s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "identityKey", Value: 1}, {Key: "editorId", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("create index on %s: %w", collection, err)
	}
	return s, nil
}

func (s *Store) Insert(ctx context.Context, e store.Entry) error {
	if _, err := s.collection.InsertOne(ctx, e); err != nil {
		return fmt.Errorf("insert into %s: %w", s.collection.Name(), err)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context, identityKey, editorID string) (*store.Entry, error) {
	filter := bson.D{{Key: "identityKey", Value: identityKey}, {Key: "editorId", Value: editorID}}
	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})

	var e store.Entry
	if err := s.collection.FindOne(ctx, filter, opts).Decode(&e); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find in %s: %w", s.collection.Name(), err)
	}
	return &e, nil
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}
