package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Instance runtime state is mirrored into Redis so the API process and the
// admin CLI can observe the worker's registry without sharing memory.

// SetInstanceState records an instance's live active count and capacity.
// The instance key is "{pool}/{instance_id}".
func (q *Queue) SetInstanceState(ctx context.Context, instanceKey string, active, capacity int) error {
	pipe := q.client.Pipeline()
	pipe.HSet(ctx, keyScannersActive, instanceKey, active)
	pipe.HSet(ctx, keyScannersCapacity, instanceKey, capacity)
	_, err := pipe.Exec(ctx)
	return err
}

// InstanceStates returns active and capacity counts keyed by instance key.
func (q *Queue) InstanceStates(ctx context.Context) (active, capacity map[string]int, err error) {
	rawActive, err := q.client.HGetAll(ctx, keyScannersActive).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("get instance active counts: %w", err)
	}
	rawCapacity, err := q.client.HGetAll(ctx, keyScannersCapacity).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("get instance capacities: %w", err)
	}

	active = make(map[string]int, len(rawActive))
	for key, val := range rawActive {
		n, _ := strconv.Atoi(val)
		active[key] = n
	}
	capacity = make(map[string]int, len(rawCapacity))
	for key, val := range rawCapacity {
		n, _ := strconv.Atoi(val)
		capacity[key] = n
	}
	return active, capacity, nil
}

// SetCircuitState records a breaker state (0 closed, 1 open, 2 half-open)
// for an instance.
func (q *Queue) SetCircuitState(ctx context.Context, instanceKey string, state int) error {
	return q.client.Set(ctx, keyCircuitPrefix+instanceKey, state, 0).Err()
}

// CircuitStates returns breaker states keyed by instance key.
func (q *Queue) CircuitStates(ctx context.Context) (map[string]int, error) {
	var (
		cursor uint64
		states = map[string]int{}
	)
	for {
		keys, next, err := q.client.Scan(ctx, cursor, keyCircuitPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan circuit states: %w", err)
		}
		for _, key := range keys {
			val, err := q.client.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			state, _ := strconv.Atoi(val)
			states[strings.TrimPrefix(key, keyCircuitPrefix)] = state
		}
		cursor = next
		if cursor == 0 {
			return states, nil
		}
	}
}
