package cache

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/wealthlog/ledger/internal/domain/interfaces"
)

// Invalidator deletes read-side aggregate keys from redis. It is the only
// consumer of the cache interface; key layout lives with the recalc
// service.
type Invalidator struct {
	client *redis.Client
}

var _ interfaces.Cache = (*Invalidator)(nil)

func NewInvalidator(client *redis.Client) (*Invalidator, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Invalidator{client: client}, nil
}

func (i *Invalidator) DeleteKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return i.client.Del(ctx, keys...).Err()
}
