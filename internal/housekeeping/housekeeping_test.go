package housekeeping

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/scanopshq/scanopsd/internal/config"
	"github.com/scanopshq/scanopsd/internal/queue"
	"github.com/scanopshq/scanopsd/internal/registry"
	"github.com/scanopshq/scanopsd/internal/scanner"
	"github.com/scanopshq/scanopsd/internal/task"
)

func newTestJanitor(t *testing.T, cfg config.HousekeepingConfig, mock *scanner.Mock) (*Janitor, *task.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	q, err := queue.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	scanners := map[string][]config.InstanceConfig{
		"nessus": {{InstanceID: "scanner-1", ScannerType: "mock", MaxConcurrentScans: 2}},
	}
	reg := registry.New(scanners, registry.WithAdapterFactory(
		func(config.InstanceConfig) scanner.Adapter { return mock },
	))
	store := task.NewStore(t.TempDir())
	return New(cfg, store, q, reg), store
}

func createTask(t *testing.T, store *task.Store, tk *task.Task) {
	t.Helper()
	tk.ScannerPool = "nessus"
	tk.ScanType = task.ScanTypeUntrusted
	tk.Payload = task.Payload{Targets: "10.0.0.1", Name: tk.TaskID}
	if tk.CreatedAt.IsZero() {
		tk.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	}
	if err := store.Create(tk); err != nil {
		t.Fatalf("create %s: %v", tk.TaskID, err)
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestExpireTerminalRespectsPerStatusTTL(t *testing.T) {
	cfg := config.HousekeepingConfig{
		CompletedTTL:      24 * time.Hour,
		FailedTTL:         72 * time.Hour,
		StaleRunningAfter: 4 * time.Hour,
	}
	j, store := newTestJanitor(t, cfg, scanner.NewMock())

	old := time.Now().UTC().Add(-30 * time.Hour)
	createTask(t, store, &task.Task{TaskID: "done-old", Status: task.StatusCompleted, CompletedAt: timePtr(old)})
	createTask(t, store, &task.Task{TaskID: "done-new", Status: task.StatusCompleted, CompletedAt: timePtr(time.Now().UTC().Add(-time.Hour))})
	// 30h is inside the longer failed TTL.
	createTask(t, store, &task.Task{TaskID: "failed-old", Status: task.StatusFailed, CompletedAt: timePtr(old)})

	j.RunOnce(context.Background())

	if _, err := store.Get("done-old"); err == nil {
		t.Fatal("expired completed task survived the sweep")
	}
	if _, err := store.Get("done-new"); err != nil {
		t.Fatalf("fresh completed task was deleted: %v", err)
	}
	if _, err := store.Get("failed-old"); err != nil {
		t.Fatalf("failed task inside its TTL was deleted: %v", err)
	}
}

func TestDemoteStaleRunning(t *testing.T) {
	cfg := config.HousekeepingConfig{
		CompletedTTL:      24 * time.Hour,
		FailedTTL:         24 * time.Hour,
		StaleRunningAfter: 4 * time.Hour,
	}
	mock := scanner.NewMock()
	j, store := newTestJanitor(t, cfg, mock)

	scanID := 7
	createTask(t, store, &task.Task{
		TaskID:            "stuck",
		Status:            task.StatusRunning,
		StartedAt:         timePtr(time.Now().UTC().Add(-6 * time.Hour)),
		ScannerInstanceID: "scanner-1",
		NessusScanID:      &scanID,
	})
	createTask(t, store, &task.Task{
		TaskID:    "healthy",
		Status:    task.StatusRunning,
		StartedAt: timePtr(time.Now().UTC().Add(-time.Hour)),
	})

	j.RunOnce(context.Background())

	got, err := store.Get("stuck")
	if err != nil {
		t.Fatalf("get stuck: %v", err)
	}
	if got.Status != task.StatusTimeout {
		t.Fatalf("status = %s, want timeout", got.Status)
	}
	if got.ErrorMessage != "stale" {
		t.Fatalf("error message = %q, want %q", got.ErrorMessage, "stale")
	}
	if mock.StopCalls == 0 || mock.DeleteCalls == 0 {
		t.Fatalf("remote scan not stopped/deleted (stop=%d delete=%d)", mock.StopCalls, mock.DeleteCalls)
	}

	if got, err := store.Get("healthy"); err != nil || got.Status != task.StatusRunning {
		t.Fatalf("healthy task disturbed: %v %v", got, err)
	}
}

func TestDemoteStaleSparesReportingScans(t *testing.T) {
	cfg := config.HousekeepingConfig{
		CompletedTTL:      24 * time.Hour,
		FailedTTL:         24 * time.Hour,
		StaleRunningAfter: 4 * time.Hour,
	}
	j, store := newTestJanitor(t, cfg, scanner.NewMock())

	// Started long ago but still phoning home: a long scan, not a dead one.
	createTask(t, store, &task.Task{
		TaskID:         "long-scan",
		Status:         task.StatusRunning,
		StartedAt:      timePtr(time.Now().UTC().Add(-9 * time.Hour)),
		LastProgressAt: timePtr(time.Now().UTC().Add(-10 * time.Minute)),
	})
	createTask(t, store, &task.Task{
		TaskID:         "went-quiet",
		Status:         task.StatusRunning,
		StartedAt:      timePtr(time.Now().UTC().Add(-9 * time.Hour)),
		LastProgressAt: timePtr(time.Now().UTC().Add(-5 * time.Hour)),
	})

	j.RunOnce(context.Background())

	if got, err := store.Get("long-scan"); err != nil || got.Status != task.StatusRunning {
		t.Fatalf("reporting scan was demoted: %v %v", got, err)
	}
	got, err := store.Get("went-quiet")
	if err != nil {
		t.Fatalf("get went-quiet: %v", err)
	}
	if got.Status != task.StatusTimeout {
		t.Fatalf("status = %s, want timeout", got.Status)
	}
}

func TestRemoteSweepSparesLiveScans(t *testing.T) {
	cfg := config.HousekeepingConfig{
		CompletedTTL:      24 * time.Hour,
		FailedTTL:         24 * time.Hour,
		StaleRunningAfter: 4 * time.Hour,
		RemoteCleanup:     true,
		RemoteScanMaxAge:  time.Hour,
	}
	mock := scanner.NewMock()
	j, store := newTestJanitor(t, cfg, mock)

	// Seed two remote scans; the mock reports both with a current
	// LastModified, so neither is old enough to reap.
	ctx := context.Background()
	if _, err := mock.CreateScan(ctx, scanner.CreateScanRequest{Name: "a"}); err != nil {
		t.Fatalf("seed scan: %v", err)
	}
	if _, err := mock.CreateScan(ctx, scanner.CreateScanRequest{Name: "b"}); err != nil {
		t.Fatalf("seed scan: %v", err)
	}

	liveID := 1
	createTask(t, store, &task.Task{
		TaskID:            "live",
		Status:            task.StatusRunning,
		StartedAt:         timePtr(time.Now().UTC()),
		ScannerInstanceID: "scanner-1",
		NessusScanID:      &liveID,
	})

	j.RunOnce(ctx)

	if mock.DeleteCalls != 0 {
		t.Fatalf("fresh remote scans were deleted (%d calls)", mock.DeleteCalls)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	j, _ := newTestJanitor(t, config.HousekeepingConfig{Schedule: "not a cron line"}, scanner.NewMock())
	if err := j.Start(); err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}
}
