package store

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// Bolt stores documents as JSON values in a single bbolt bucket keyed by id.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	if path == "" {
		path = "collab.db"
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, wrap("bolt", "open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, wrap("bolt", "init", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Save(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return wrap("bolt", "save", err)
	}
	val, err := json.Marshal(doc)
	if err != nil {
		return wrap("bolt", "save", err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(doc.ID), val)
	})
	return wrap("bolt", "save", err)
}

func (b *Bolt) Load(ctx context.Context, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("bolt", "load", err)
	}
	var doc *Document
	err := b.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(documentsBucket).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		doc = &Document{}
		return json.Unmarshal(val, doc)
	})
	if err != nil {
		return nil, wrap("bolt", "load", err)
	}
	return doc, nil
}

func (b *Bolt) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap("bolt", "ping", b.db.View(func(tx *bolt.Tx) error { return nil }))
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
