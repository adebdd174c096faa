package queue

import "errors"

const (
	keyIdempPrefix      = "idemp:"
	keyEventsPrefix     = "events:"
	keyScannersActive   = "scanners:active"
	keyScannersCapacity = "scanners:capacity"
	keyCircuitPrefix    = "circuit:"
)

var (
	ErrEntryNotFound = errors.New("queue entry not found")
	ErrDLQEmpty      = errors.New("dead-letter queue is empty")
)

func queueKey(pool string) string {
	return pool + ":queue"
}

func dlqKey(pool string) string {
	return pool + ":queue:dead"
}
