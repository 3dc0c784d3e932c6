// Package mongodb provides the storage.Backend implementation backed by MongoDB.
//
// Each record is one document per key within a collection named after the
// group namespace. Saves are whole-document upserts, so rehydration after a
// partial write is idempotent and a load never observes a torn record.
package mongodb

import (
	"context"
	"encoding/json"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/geminixiang/dictrack/internal/pkg/utils/errors"
	"github.com/geminixiang/dictrack/pkg/dictrack/storage"
)

type Backend struct {
	database *mongo.Database
}

// New creates the backend on top of an existing database handle.
// The client stays owned by the caller and is not closed by Backend.Close.
func New(database *mongo.Database) *Backend {
	return &Backend{database: database}
}

func (b *Backend) Load(ctx context.Context, namespace string) ([]storage.Record, error) {
	cursor, err := b.database.Collection(namespace).Find(ctx, bson.M{})
	if err != nil {
		return nil, storage.UnavailableError{Err: err}
	}
	defer cursor.Close(ctx)

	var out []storage.Record
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.PrefixErrorf(err, `cannot decode record in collection "%s"`, namespace)
		}
		record, err := docToRecord(doc)
		if err != nil {
			return nil, errors.PrefixErrorf(err, `cannot decode record in collection "%s"`, namespace)
		}
		out = append(out, record)
	}
	if err := cursor.Err(); err != nil {
		return nil, storage.UnavailableError{Err: err}
	}
	return out, nil
}

func (b *Backend) Get(ctx context.Context, namespace string, key string) (storage.Record, bool, error) {
	var doc bson.M
	err := b.database.Collection(namespace).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return storage.Record{}, false, nil
	case err != nil:
		return storage.Record{}, false, storage.UnavailableError{Err: err}
	}

	record, err := docToRecord(doc)
	if err != nil {
		return storage.Record{}, false, errors.PrefixErrorf(err, `cannot decode record "%s"`, key)
	}
	return record, true, nil
}

func (b *Backend) Save(ctx context.Context, namespace string, record storage.Record) error {
	doc, err := recordToDoc(record)
	if err != nil {
		return err
	}

	_, err = b.database.Collection(namespace).ReplaceOne(
		ctx,
		bson.M{"_id": record.Key},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return storage.UnavailableError{Err: err}
	}
	return nil
}

func (b *Backend) SaveIf(ctx context.Context, namespace string, record storage.Record, expectedRevision int64) error {
	doc, err := recordToDoc(record)
	if err != nil {
		return err
	}

	collection := b.database.Collection(namespace)

	// The record must not exist yet
	if expectedRevision == 0 {
		if _, err := collection.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return b.revisionMismatch(ctx, namespace, record.Key, expectedRevision)
			}
			return storage.UnavailableError{Err: err}
		}
		return nil
	}

	result, err := collection.ReplaceOne(ctx, bson.M{"_id": record.Key, "revision": expectedRevision}, doc)
	if err != nil {
		return storage.UnavailableError{Err: err}
	}
	if result.MatchedCount == 0 {
		return b.revisionMismatch(ctx, namespace, record.Key, expectedRevision)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, namespace string, key string) error {
	if _, err := b.database.Collection(namespace).DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return storage.UnavailableError{Err: err}
	}
	return nil
}

func (b *Backend) Close(_ context.Context) error {
	return nil
}

func (b *Backend) revisionMismatch(ctx context.Context, namespace, key string, expected int64) error {
	var actual int64
	var doc bson.M
	err := b.database.Collection(namespace).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		// Keep zero
	case err != nil:
		return storage.UnavailableError{Err: err}
	default:
		if record, err := docToRecord(doc); err == nil {
			actual = record.Revision
		}
	}
	return storage.RevisionMismatchError{Key: key, Expected: expected, Actual: actual}
}

// recordToDoc converts the record through its JSON form,
// so the document structure mirrors the backend-agnostic schema.
func recordToDoc(record storage.Record) (bson.M, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, errors.PrefixErrorf(err, `cannot encode record "%s"`, record.Key)
	}
	var doc bson.M
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.PrefixErrorf(err, `cannot encode record "%s"`, record.Key)
	}
	doc["_id"] = record.Key
	return doc, nil
}

func docToRecord(doc bson.M) (storage.Record, error) {
	delete(doc, "_id")
	raw, err := json.Marshal(doc)
	if err != nil {
		return storage.Record{}, err
	}
	var record storage.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return storage.Record{}, err
	}
	return record, nil
}
