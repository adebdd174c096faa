package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MoveToDLQ records a failed entry in the pool's dead-letter sorted set,
// scored by failure time. The entry is always augmented with the error and
// failure timestamp before it is written.
func (q *Queue) MoveToDLQ(ctx context.Context, entry *Entry, errMsg string) error {
	now := time.Now().UTC()
	entry.Error = errMsg
	entry.FailedAt = &now

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	return q.client.ZAdd(ctx, dlqKey(entry.ScannerPool), redis.Z{
		Score:  float64(now.Unix()),
		Member: data,
	}).Err()
}

// DLQSize returns the number of dead-letter entries for a pool.
func (q *Queue) DLQSize(ctx context.Context, pool string) (int64, error) {
	return q.client.ZCard(ctx, dlqKey(pool)).Result()
}

// ListDLQ returns up to limit dead-letter entries for a pool, oldest first.
func (q *Queue) ListDLQ(ctx context.Context, pool string, limit int64) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	members, err := q.client.ZRange(ctx, dlqKey(pool), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dlq for %s: %w", pool, err)
	}

	entries := make([]*Entry, 0, len(members))
	for _, member := range members {
		var entry Entry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// GetDLQEntry finds a dead-letter entry by task id.
func (q *Queue) GetDLQEntry(ctx context.Context, pool, taskID string) (*Entry, error) {
	member, _, err := q.findDLQMember(ctx, pool, taskID)
	if err != nil {
		return nil, err
	}
	return member, nil
}

// RetryDLQ moves a dead-letter entry back onto its pool queue, clearing the
// failure fields first.
func (q *Queue) RetryDLQ(ctx context.Context, pool, taskID string) error {
	entry, raw, err := q.findDLQMember(ctx, pool, taskID)
	if err != nil {
		return err
	}

	entry.Error = ""
	entry.FailedAt = nil
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, dlqKey(pool), raw)
	pipe.LPush(ctx, queueKey(pool), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry dlq entry %s: %w", taskID, err)
	}
	return nil
}

// PurgeDLQ removes every dead-letter entry for a pool and returns how many
// were dropped.
func (q *Queue) PurgeDLQ(ctx context.Context, pool string) (int64, error) {
	size, err := q.DLQSize(ctx, pool)
	if err != nil {
		return 0, err
	}
	if err := q.client.Del(ctx, dlqKey(pool)).Err(); err != nil {
		return 0, fmt.Errorf("purge dlq for %s: %w", pool, err)
	}
	return size, nil
}

func (q *Queue) findDLQMember(ctx context.Context, pool, taskID string) (*Entry, string, error) {
	members, err := q.client.ZRange(ctx, dlqKey(pool), 0, -1).Result()
	if err != nil {
		return nil, "", fmt.Errorf("scan dlq for %s: %w", pool, err)
	}
	for _, member := range members {
		var entry Entry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			continue
		}
		if entry.TaskID == taskID {
			return &entry, member, nil
		}
	}
	return nil, "", ErrEntryNotFound
}
