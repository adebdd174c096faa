package queue

import (
	"context"
	"testing"
	"time"
)

func TestPutIdempotencyFirstWriteWins(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	stored, err := q.PutIdempotency(ctx, "fp1", IdempotencyRecord{TaskID: "task-a", BodyHash: "h1"}, time.Hour)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !stored {
		t.Fatalf("first put should store")
	}

	stored, err = q.PutIdempotency(ctx, "fp1", IdempotencyRecord{TaskID: "task-b", BodyHash: "h2"}, time.Hour)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if stored {
		t.Fatalf("second put must not overwrite")
	}

	rec, err := q.GetIdempotency(ctx, "fp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || rec.TaskID != "task-a" || rec.BodyHash != "h1" {
		t.Fatalf("expected the first record to survive, got %+v", rec)
	}
}

func TestGetIdempotencyMissing(t *testing.T) {
	q := newTestQueue(t)

	rec, err := q.GetIdempotency(context.Background(), "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil for an absent fingerprint, got %+v", rec)
	}
}

func TestInstanceStateRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.SetInstanceState(ctx, "nessus/scanner-1", 2, 5); err != nil {
		t.Fatalf("set instance state: %v", err)
	}

	active, capacity, err := q.InstanceStates(ctx)
	if err != nil {
		t.Fatalf("instance states: %v", err)
	}
	if active["nessus/scanner-1"] != 2 || capacity["nessus/scanner-1"] != 5 {
		t.Fatalf("unexpected state: active=%v capacity=%v", active, capacity)
	}
}

func TestCircuitStateRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.SetCircuitState(ctx, "nessus/scanner-1", 1); err != nil {
		t.Fatalf("set circuit state: %v", err)
	}

	states, err := q.CircuitStates(ctx)
	if err != nil {
		t.Fatalf("circuit states: %v", err)
	}
	if states["nessus/scanner-1"] != 1 {
		t.Fatalf("unexpected states: %v", states)
	}
}
