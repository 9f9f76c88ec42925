package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo upserts documents into the "documents" collection of the
// crdt_editor database.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// OpenMongo connects to uri and verifies the connection.
func OpenMongo(ctx context.Context, uri string) (*Mongo, error) {
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, wrap("mongo", "connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, wrap("mongo", "ping", err)
	}
	return &Mongo{
		client: client,
		coll:   client.Database("crdt_editor").Collection("documents"),
	}, nil
}

func (m *Mongo) Save(ctx context.Context, doc Document) error {
	filter := bson.M{"_id": doc.ID}
	update := bson.M{"$set": bson.M{
		"content":  doc.Content,
		"saved_by": doc.SavedBy,
		"saved_at": doc.SavedAt,
	}}
	_, err := m.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return wrap("mongo", "save", err)
}

func (m *Mongo) Load(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("mongo", "load", err)
	}
	doc.SavedAt = doc.SavedAt.UTC()
	return &doc, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return wrap("mongo", "ping", m.client.Ping(ctx, nil))
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
