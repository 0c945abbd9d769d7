// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/pickup/storage"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ storage.DurableStore = (*Store)(nil)

// Defaults.
const (
	DefaultDatabase   = "pickup"
	DefaultCollection = "storequeuedmessages"
)

// Config holds MongoDB settings.
type Config struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// Store is a MongoDB-backed storage.DurableStore.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// New connects, verifies the connection and ensures indexes.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo: empty uri")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}

	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
		opts.SetServerSelectionTimeout(cfg.ConnectTimeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	s := &Store{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
	}
	if err := s.Ping(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "messageId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "connectionId", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "recipientKeys", Value: 1}}},
		{Keys: bson.D{{Key: "state", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: create indexes: %w", err)
	}
	return nil
}

// Insert upserts on messageId so a repeated insert leaves the first copy.
func (s *Store) Insert(ctx context.Context, r storage.Record) error {
	if r.RecipientKeys == nil {
		r.RecipientKeys = []string{}
	}
	r.CreatedAt = r.CreatedAt.UTC()

	_, err := s.coll.UpdateOne(ctx,
		bson.M{"messageId": r.MessageID},
		bson.M{"$setOnInsert": r},
		options.Update().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("mongo: insert %s: %w", r.MessageID, err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "messageId", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	if q.WithoutPayload {
		opts.SetProjection(bson.M{"encryptedMessage": 0})
	}

	cur, err := s.coll.Find(ctx, filter(q.Filter), opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: find: %w", err)
	}
	defer cur.Close(ctx)

	var out []storage.Record
	for cur.Next(ctx) {
		var r storage.Record
		if err := cur.Decode(&r); err != nil {
			return nil, &storage.DecodeError{Key: s.coll.Name(), Err: err}
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo: find: %w", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, f storage.Filter) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, filter(f))
	if err != nil {
		return 0, fmt.Errorf("mongo: count: %w", err)
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, f storage.Filter) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, filter(f))
	if err != nil {
		return 0, fmt.Errorf("mongo: delete: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) UpdateState(ctx context.Context, f storage.Filter, state storage.State) (int64, error) {
	res, err := s.coll.UpdateMany(ctx, filter(f), bson.M{"$set": bson.M{"state": state}})
	if err != nil {
		return 0, fmt.Errorf("mongo: update state: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: mongo: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// filter renders f as a query document.
func filter(f storage.Filter) bson.M {
	doc := bson.M{}

	if f.MatchEither && f.ConnectionID != "" && f.RecipientKey != "" {
		doc["$or"] = bson.A{
			bson.M{"connectionId": f.ConnectionID},
			bson.M{"recipientKeys": f.RecipientKey},
		}
	} else {
		if f.ConnectionID != "" {
			doc["connectionId"] = f.ConnectionID
		}
		if f.RecipientKey != "" {
			doc["recipientKeys"] = f.RecipientKey
		}
	}

	if len(f.MessageIDs) > 0 {
		doc["messageId"] = bson.M{"$in": f.MessageIDs}
	}
	if f.State != "" {
		doc["state"] = f.State
	}
	return doc
}
