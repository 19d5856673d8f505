package cache

import (
	"context"
	"time"
)

// Idempotency caches the serialized result of a mutating operation under
// "idempotency:{op}:{key}". A replay within the TTL returns the cached
// payload verbatim without re-executing the action.
type Idempotency struct {
	kv  KV
	ttl time.Duration
}

func NewIdempotency(kv KV, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Idempotency{kv: kv, ttl: ttl}
}

func idempotencyKey(op, key string) string {
	return "idempotency:" + op + ":" + key
}

// Lookup returns the cached payload for (op, key) if present.
func (i *Idempotency) Lookup(ctx context.Context, op, key string) ([]byte, bool, error) {
	val, ok, err := i.kv.Get(ctx, idempotencyKey(op, key))
	if err != nil || !ok {
		return nil, false, err
	}
	return []byte(val), true, nil
}

// Record stores the payload of a completed operation.
func (i *Idempotency) Record(ctx context.Context, op, key string, payload []byte) error {
	return i.kv.Set(ctx, idempotencyKey(op, key), string(payload), i.ttl)
}
