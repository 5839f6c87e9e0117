package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/logger"
)

// MongoStore keeps forever requests in a MongoDB collection, one document per request.
type MongoStore struct {
	client           *mongo.Client
	requests         *mongo.Collection
	operationTimeout time.Duration
}

func wrapMongoError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func requestFilter(client string, global bool, identifier string) bson.D {
	return bson.D{{Key: "client", Value: client}, {Key: "global", Value: global}, {Key: "identifier", Value: identifier}}
}

func (ms *MongoStore) Save(ctx context.Context, doc *RequestDocument) error {
	if doc.Identifier == "" {
		return ErrEmptyIdentifier
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	doc.UpdatedAt = time.Now()
	opts := options.Replace().SetUpsert(true)
	result, err := ms.requests.ReplaceOne(ctx, requestFilter(doc.Client, doc.Global, doc.Identifier), doc, opts)
	if err != nil {
		return wrapMongoError(err)
	}

	logger.DebugF("Request saved: key=%s, matched=%d, modified=%d, upserted=%v",
		doc.Key(),
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ms *MongoStore) Delete(ctx context.Context, client string, global bool, identifier string) error {
	if identifier == "" {
		return ErrEmptyIdentifier
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	result, err := ms.requests.DeleteOne(ctx, requestFilter(client, global, identifier))
	if err != nil {
		return wrapMongoError(err)
	}
	logger.DebugF("Request deleted: key=%s, deleted=%d", documentKey(client, global, identifier), result.DeletedCount)
	return nil
}

func (ms *MongoStore) Load(ctx context.Context) ([]*RequestDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	startTime := time.Now()
	cursor, err := ms.requests.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "start_time", Value: 1}}))
	if err != nil {
		return nil, wrapMongoError(err)
	}
	var docs []*RequestDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapMongoError(err)
	}
	logger.DebugF("request load cost: %v (%d documents)", time.Since(startTime), len(docs))
	return docs, nil
}

func (ms *MongoStore) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}
