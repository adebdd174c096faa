package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyRecord maps a submission fingerprint to the task it created.
// BodyHash is kept so a reused explicit idempotency key with a divergent
// body can be rejected instead of silently deduplicated.
type IdempotencyRecord struct {
	TaskID   string `json:"task_id"`
	BodyHash string `json:"body_hash,omitempty"`
}

// PutIdempotency stores fingerprint -> record with SETNX semantics: an
// existing record is never overwritten. Returns true when this call stored
// the record.
func (q *Queue) PutIdempotency(ctx context.Context, fingerprint string, record IdempotencyRecord, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("marshal idempotency record: %w", err)
	}
	stored, err := q.client.SetNX(ctx, keyIdempPrefix+fingerprint, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store idempotency record: %w", err)
	}
	return stored, nil
}

// GetIdempotency returns the record for a fingerprint, or nil when none
// exists (or it has expired).
func (q *Queue) GetIdempotency(ctx context.Context, fingerprint string) (*IdempotencyRecord, error) {
	data, err := q.client.Get(ctx, keyIdempPrefix+fingerprint).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	var record IdempotencyRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return &record, nil
}
