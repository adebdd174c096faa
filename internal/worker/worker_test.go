package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/scanopshq/scanopsd/internal/config"
	"github.com/scanopshq/scanopsd/internal/queue"
	"github.com/scanopshq/scanopsd/internal/registry"
	"github.com/scanopshq/scanopsd/internal/scanner"
	"github.com/scanopshq/scanopsd/internal/task"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:     t.TempDir(),
		DefaultPool: "nessus",
		Worker: config.WorkerConfig{
			DequeueTimeout:     50 * time.Millisecond,
			CapacityWait:       10 * time.Millisecond,
			StatusPollInterval: 5 * time.Millisecond,
			ScanTimeout:        5 * time.Second,
			ShutdownGrace:      2 * time.Second,
		},
		Validation: config.ValidationConfig{
			AuthSuccessPluginIDs: []int{141118},
			AuthFailurePluginIDs: []int{21745},
		},
		Scanners: map[string][]config.InstanceConfig{
			"nessus": {
				{InstanceID: "scanner-1", ScannerType: "mock", MaxConcurrentScans: 2},
			},
		},
	}
}

func newTestWorker(t *testing.T, cfg *config.Config, mock *scanner.Mock) (*Worker, *queue.Queue) {
	t.Helper()

	mr := miniredis.RunT(t)
	q, err := queue.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	reg := registry.New(cfg.Scanners, registry.WithAdapterFactory(
		func(config.InstanceConfig) scanner.Adapter { return mock },
	))
	store := task.NewStore(cfg.DataDir)
	return New(cfg, store, q, reg), q
}

func queuedTask(t *testing.T, w *Worker, id string) *queue.Entry {
	t.Helper()

	err := w.store.Create(&task.Task{
		TaskID:      id,
		TraceID:     "trace-" + id,
		ScanType:    task.ScanTypeUntrusted,
		ScannerPool: "nessus",
		Status:      task.StatusQueued,
		Payload:     task.Payload{Targets: "10.0.0.1", Name: "test scan"},
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return &queue.Entry{
		TaskID:      id,
		TraceID:     "trace-" + id,
		ScannerPool: "nessus",
		ScanType:    task.ScanTypeUntrusted,
	}
}

func TestProcessScanCompletes(t *testing.T) {
	cfg := testConfig(t)
	mock := scanner.NewMock()
	w, q := newTestWorker(t, cfg, mock)
	entry := queuedTask(t, w, "scan-ok")

	w.processScan(entry)

	got, err := w.store.Get("scan-ok")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed (%s)", got.Status, got.ErrorMessage)
	}
	if got.Progress == nil || *got.Progress != 100 {
		t.Fatalf("progress = %v", got.Progress)
	}
	if got.NessusScanID == nil || *got.NessusScanID != 1 {
		t.Fatalf("nessus_scan_id = %v", got.NessusScanID)
	}
	if got.ScannerInstanceID != "scanner-1" {
		t.Fatalf("scanner instance = %q", got.ScannerInstanceID)
	}
	if got.ValidationStats == nil || got.ValidationStats.TotalVulnerabilities != 1 {
		t.Fatalf("validation stats = %+v", got.ValidationStats)
	}
	if got.AuthenticationStatus != task.AuthStatusNotApplicable {
		t.Fatalf("auth status = %q", got.AuthenticationStatus)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("timestamps not recorded")
	}

	if !mock.Closed {
		t.Fatal("adapter not closed")
	}
	if active := w.registry.PoolActive("nessus"); active != 0 {
		t.Fatalf("instance slot not released, active = %d", active)
	}

	ctx := context.Background()
	if size, _ := q.DLQSize(ctx, "nessus"); size != 0 {
		t.Fatalf("completed scan must not dead-letter, dlq size = %d", size)
	}
}

func TestProcessScanLaunchFailureDeadLetters(t *testing.T) {
	cfg := testConfig(t)
	mock := scanner.NewMock()
	mock.FailLaunch = errors.New("license exhausted")
	w, q := newTestWorker(t, cfg, mock)
	entry := queuedTask(t, w, "scan-boom")

	w.processScan(entry)

	got, err := w.store.Get("scan-boom")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "launch scan") {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}

	ctx := context.Background()
	dead, err := q.GetDLQEntry(ctx, "nessus", "scan-boom")
	if err != nil {
		t.Fatalf("dlq entry: %v", err)
	}
	if !strings.Contains(dead.Error, "launch scan") {
		t.Fatalf("dlq error = %q", dead.Error)
	}
	if active := w.registry.PoolActive("nessus"); active != 0 {
		t.Fatalf("instance slot not released, active = %d", active)
	}
}

func TestProcessScanMissingTaskRecord(t *testing.T) {
	cfg := testConfig(t)
	w, q := newTestWorker(t, cfg, scanner.NewMock())

	w.processScan(&queue.Entry{TaskID: "ghost", ScannerPool: "nessus", ScanType: task.ScanTypeUntrusted})

	dead, err := q.GetDLQEntry(context.Background(), "nessus", "ghost")
	if err != nil {
		t.Fatalf("dlq entry: %v", err)
	}
	if dead.Error != "task record not found" {
		t.Fatalf("dlq error = %q", dead.Error)
	}
}

func TestProcessScanDropsTerminalEntry(t *testing.T) {
	cfg := testConfig(t)
	mock := scanner.NewMock()
	w, q := newTestWorker(t, cfg, mock)
	entry := queuedTask(t, w, "scan-done")
	mustTransition(t, w.store, "scan-done", task.StatusRunning)
	mustTransition(t, w.store, "scan-done", task.StatusCompleted)

	w.processScan(entry)

	if mock.CreateCalls != 0 {
		t.Fatalf("scan was started for a terminal task")
	}
	if size, _ := q.DLQSize(context.Background(), "nessus"); size != 0 {
		t.Fatalf("terminal task dead-lettered")
	}
}

func TestProcessScanTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.ScanTimeout = 30 * time.Millisecond
	mock := scanner.NewMock()
	mock.FinalStatus = scanner.StateRunning // never completes
	w, q := newTestWorker(t, cfg, mock)
	entry := queuedTask(t, w, "scan-slow")

	w.processScan(entry)

	got, err := w.store.Get("scan-slow")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusTimeout {
		t.Fatalf("status = %s, want timeout", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "ceiling") {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
	if mock.StopCalls == 0 {
		t.Fatal("remote scan was not stopped")
	}

	// The hard ceiling is not a retryable failure.
	if _, err := q.GetDLQEntry(context.Background(), "nessus", "scan-slow"); !errors.Is(err, queue.ErrEntryNotFound) {
		t.Fatalf("expected no dlq entry, got err %v", err)
	}
}

func TestProcessScanRequeuesWhenPoolFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scanners["nessus"][0].MaxConcurrentScans = 1
	mock := scanner.NewMock()
	w, q := newTestWorker(t, cfg, mock)
	entry := queuedTask(t, w, "scan-wait")

	// Hold the only slot so acquisition fails.
	held, err := w.registry.Acquire("nessus", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer w.registry.Release(held)

	w.processScan(entry)

	got, err := w.store.Get("scan-wait")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
	if depth, _ := q.Depth(context.Background(), "nessus"); depth != 1 {
		t.Fatalf("depth = %d, want 1 (requeued at tail)", depth)
	}
	if mock.CreateCalls != 0 {
		t.Fatal("scan must not start without a slot")
	}
}

func TestRunConsumesQueue(t *testing.T) {
	cfg := testConfig(t)
	mock := scanner.NewMock()
	w, q := newTestWorker(t, cfg, mock)
	entry := queuedTask(t, w, "scan-run")

	if _, err := q.Enqueue(context.Background(), "nessus", entry); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := w.store.Get("scan-run")
		if err == nil && got.Status.Terminal() {
			if got.Status != task.StatusCompleted {
				t.Fatalf("status = %s, want completed (%s)", got.Status, got.ErrorMessage)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scan did not complete in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestReloadSwapsPoolSubset(t *testing.T) {
	cfg := testConfig(t)
	w, _ := newTestWorker(t, cfg, scanner.NewMock())

	if pools := w.eligiblePools(); len(pools) != 1 || pools[0] != "nessus" {
		t.Fatalf("initial pools = %v", pools)
	}

	next := testConfig(t)
	next.Scanners = map[string][]config.InstanceConfig{
		"dmz": {{InstanceID: "edge-1", ScannerType: "mock", MaxConcurrentScans: 1}},
	}
	next.Worker.Pools = []string{"dmz"}
	w.Reload(next)

	if pools := w.eligiblePools(); len(pools) != 1 || pools[0] != "dmz" {
		t.Fatalf("pools after reload = %v", pools)
	}
}

func mustTransition(t *testing.T, store *task.Store, id string, status task.Status) {
	t.Helper()
	if _, err := store.UpdateStatus(id, task.Update{Status: task.StatusPtr(status)}); err != nil {
		t.Fatalf("transition %s to %s: %v", id, status, err)
	}
}
