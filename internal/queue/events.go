package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Task lifecycle events are published per pool so the API process can keep
// its counters current without sharing memory with the worker.

const (
	EventTaskUpdate  = "task_update"
	EventValidation  = "validation"
	EventTTLDeletion = "ttl_deletion"
)

type TaskEvent struct {
	Type      string    `json:"type"`
	Pool      string    `json:"pool"`
	TaskID    string    `json:"task_id,omitempty"`
	ScanType  string    `json:"scan_type,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Duration  float64   `json:"duration_seconds,omitempty"`
	Result    string    `json:"result,omitempty"` // validation outcome: valid | invalid
	Reason    string    `json:"reason,omitempty"` // validation warning reason
	AuthState string    `json:"auth_state,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (q *Queue) PublishTaskEvent(ctx context.Context, event TaskEvent) error {
	if event.Pool == "" {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return q.client.Publish(ctx, keyEventsPrefix+event.Pool, data).Err()
}

// EventsPattern is the pub/sub pattern covering all pools.
func EventsPattern() string {
	return keyEventsPrefix + "*"
}
