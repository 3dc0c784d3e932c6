// Package redis provides the storage.Backend implementation backed by Redis.
//
// Each record is one serialized JSON blob per key, so a write is a single
// atomic SET and a load never observes a torn record. Concurrent processes
// must guard writes with the distributed lock provider, Redis itself does
// not detect lost updates here.
package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/geminixiang/dictrack/internal/pkg/utils/errors"
	"github.com/geminixiang/dictrack/pkg/dictrack/storage"
)

const keyPrefix = "dictrack/record/"

type Backend struct {
	client redis.UniversalClient
}

// New creates the backend on top of an existing client.
// The client stays owned by the caller and is not closed by Backend.Close.
func New(client redis.UniversalClient) *Backend {
	return &Backend{client: client}
}

func (b *Backend) Load(ctx context.Context, namespace string) ([]storage.Record, error) {
	var out []storage.Record

	iter := b.client.Scan(ctx, 0, recordKey(namespace, "*"), 100).Iterator()
	for iter.Next(ctx) {
		value, err := b.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			// Deleted between scan and get
			continue
		} else if err != nil {
			return nil, storage.UnavailableError{Err: err}
		}

		var record storage.Record
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return nil, errors.PrefixErrorf(err, `cannot decode record "%s"`, iter.Val())
		}
		out = append(out, record)
	}
	if err := iter.Err(); err != nil {
		return nil, storage.UnavailableError{Err: err}
	}

	return out, nil
}

func (b *Backend) Get(ctx context.Context, namespace string, key string) (storage.Record, bool, error) {
	value, err := b.client.Get(ctx, recordKey(namespace, key)).Result()
	if errors.Is(err, redis.Nil) {
		return storage.Record{}, false, nil
	} else if err != nil {
		return storage.Record{}, false, storage.UnavailableError{Err: err}
	}

	var record storage.Record
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return storage.Record{}, false, errors.PrefixErrorf(err, `cannot decode record "%s"`, key)
	}
	return record, true, nil
}

func (b *Backend) Save(ctx context.Context, namespace string, record storage.Record) error {
	value, err := json.Marshal(record)
	if err != nil {
		return errors.PrefixErrorf(err, `cannot encode record "%s"`, record.Key)
	}
	if err := b.client.Set(ctx, recordKey(namespace, record.Key), value, 0).Err(); err != nil {
		return storage.UnavailableError{Err: err}
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, namespace string, key string) error {
	if err := b.client.Del(ctx, recordKey(namespace, key)).Err(); err != nil {
		return storage.UnavailableError{Err: err}
	}
	return nil
}

func (b *Backend) Close(_ context.Context) error {
	return nil
}

func recordKey(namespace, key string) string {
	return keyPrefix + namespace + "/" + key
}
