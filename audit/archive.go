// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ArchiveSink receives audit entries truncated from the head of the
// in-memory chain. Implementations own durability; the logger only
// guarantees each evicted entry is offered exactly once.
type ArchiveSink interface {
	Archive(entries []*Entry) error
}

// NopSink discards evicted entries.
type NopSink struct{}

// Archive implements ArchiveSink.
func (NopSink) Archive([]*Entry) error { return nil }

// MongoArchiveSink persists evicted entries to a MongoDB collection.
type MongoArchiveSink struct {
	collection *mongo.Collection
	timeout    time.Duration
}

// NewMongoArchiveSink connects to uri and archives into db/collection.
func NewMongoArchiveSink(ctx context.Context, uri, db, collection string) (*MongoArchiveSink, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return &MongoArchiveSink{
		collection: client.Database(db).Collection(collection),
		timeout:    10 * time.Second,
	}, nil
}

// Archive implements ArchiveSink.
func (s *MongoArchiveSink) Archive(entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	docs := make([]interface{}, len(entries))
	for i, e := range entries {
		docs[i] = e
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.collection.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("archive audit entries: %w", err)
	}
	return nil
}

// Close disconnects the underlying client.
func (s *MongoArchiveSink) Close(ctx context.Context) error {
	return s.collection.Database().Client().Disconnect(ctx)
}
