package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps blobs in Redis. Suited to small deployments and
// caching tiers; keys carry no TTL because catalog references must not
// expire out from under the pointer.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing Redis client. prefix namespaces the
// blob keys ("blob" if empty).
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "blob"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(ref string) string {
	return r.prefix + ":" + ref
}

func (r *RedisStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := Ref(data)
	if err := r.client.Set(ctx, r.key(ref), data, 0).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ref, nil
}

func (r *RedisStore) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(ref)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return data, nil
}
