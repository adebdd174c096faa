package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is the queue-side copy of a submission: enough context for the
// worker to proceed without re-reading the task file first. The task
// record on disk stays the source of truth.
type Entry struct {
	TaskID          string          `json:"task_id"`
	TraceID         string          `json:"trace_id"`
	ScannerPool     string          `json:"scanner_pool"`
	ScannerInstance string          `json:"scanner_instance,omitempty"`
	ScanType        string          `json:"scan_type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`

	// Set only on dead-letter entries. FailedAt is a pointer so that a
	// retried entry drops the key instead of carrying a zero timestamp.
	Error    string     `json:"error,omitempty"`
	FailedAt *time.Time `json:"failed_at,omitempty"`
}

// Enqueue pushes an entry onto the pool's FIFO and returns the resulting
// queue depth.
func (q *Queue) Enqueue(ctx context.Context, pool string, entry *Entry) (int64, error) {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("marshal queue entry: %w", err)
	}
	depth, err := q.client.LPush(ctx, queueKey(pool), data).Result()
	if err != nil {
		return 0, fmt.Errorf("enqueue to %s: %w", pool, err)
	}
	return depth, nil
}

// Dequeue blocks up to timeout for an entry from a single pool.
// Returns nil, nil when the timeout elapses with nothing queued.
func (q *Queue) Dequeue(ctx context.Context, pool string, timeout time.Duration) (*Entry, error) {
	return q.DequeueAny(ctx, []string{pool}, timeout)
}

// DequeueAny blocks up to timeout across several pool queues with a single
// atomic multi-key BRPOP, preserving fairness under load. Returns nil, nil
// when the timeout elapses with nothing queued.
func (q *Queue) DequeueAny(ctx context.Context, pools []string, timeout time.Duration) (*Entry, error) {
	if len(pools) == 0 {
		return nil, nil
	}
	keys := make([]string, len(pools))
	for i, pool := range pools {
		keys[i] = queueKey(pool)
	}

	result, err := q.client.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(result[1]), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal queue entry from %s: %w", result[0], err)
	}
	if entry.ScannerPool == "" {
		entry.ScannerPool = strings.TrimSuffix(result[0], ":queue")
	}
	return &entry, nil
}

// Requeue puts an entry back at the tail of its pool queue, behind any
// entries enqueued since.
func (q *Queue) Requeue(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	return q.client.LPush(ctx, queueKey(entry.ScannerPool), data).Err()
}

// Depth returns the number of pending entries in a pool queue.
func (q *Queue) Depth(ctx context.Context, pool string) (int64, error) {
	return q.client.LLen(ctx, queueKey(pool)).Result()
}
