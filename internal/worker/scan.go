package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/scanopshq/scanopsd/internal/breaker"
	"github.com/scanopshq/scanopsd/internal/queue"
	"github.com/scanopshq/scanopsd/internal/registry"
	"github.com/scanopshq/scanopsd/internal/scanner"
	"github.com/scanopshq/scanopsd/internal/task"
)

// processScan owns one dequeued entry from pickup to a terminal task state
// (or a requeue). It runs on its own context so that worker shutdown does
// not abort a scan mid-flight; the hard ceiling bounds it instead.
func (w *Worker) processScan(entry *queue.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(),
		w.cfg.Worker.ScanTimeout+w.cfg.Worker.StatusPollInterval)
	defer cancel()

	t, err := w.store.Get(entry.TaskID)
	if err != nil {
		log.Printf("worker: task %s: no record on disk: %v", entry.TaskID, err)
		w.deadLetter(ctx, entry, "task record not found")
		return
	}
	if t.Status.Terminal() {
		log.Printf("worker: task %s: already %s, dropping entry", t.TaskID, t.Status)
		return
	}

	inst, err := w.registry.Acquire(entry.ScannerPool, entry.ScannerInstance)
	if err != nil {
		if errors.Is(err, registry.ErrNoCapacity) {
			// Requeue at the tail and yield the slot instead of spinning.
			if err := w.queue.Requeue(ctx, entry); err != nil {
				log.Printf("worker: task %s: requeue: %v", entry.TaskID, err)
			}
			time.Sleep(w.cfg.Worker.CapacityWait)
			return
		}
		w.failTask(ctx, entry, t, fmt.Sprintf("scanner selection: %v", err))
		return
	}
	defer w.registry.Release(inst)

	adapter := w.registry.NewAdapter(inst)
	defer adapter.Close()

	t, err = w.store.UpdateStatus(t.TaskID, task.Update{
		Status:            task.StatusPtr(task.StatusRunning),
		ScannerInstanceID: task.StringPtr(inst.ID),
		ScannerType:       task.StringPtr(inst.ScannerType()),
	})
	if err != nil {
		log.Printf("worker: task %s: enter running: %v", entry.TaskID, err)
		w.deadLetter(ctx, entry, fmt.Sprintf("transition to running: %v", err))
		return
	}
	w.publishStatus(ctx, t, "")
	log.Printf("worker: task %s: running on %s", t.TaskID, inst.Key())

	if err := w.runScan(ctx, t, inst, adapter); err != nil {
		var timeoutErr *scanTimeoutError
		if errors.As(err, &timeoutErr) {
			// Already transitioned to TIMEOUT; nothing to dead-letter.
			return
		}
		w.failTask(ctx, entry, t, err.Error())
	}
}

// scanTimeoutError marks the hard-ceiling path, which transitions the task
// itself and must not be retried through the DLQ.
type scanTimeoutError struct{ taskID string }

func (e *scanTimeoutError) Error() string {
	return fmt.Sprintf("task %s exceeded the scan time ceiling", e.taskID)
}

func (w *Worker) runScan(ctx context.Context, t *task.Task, inst *registry.Instance, adapter scanner.Adapter) error {
	br := inst.Breaker

	if err := br.Do(func() error { return adapter.Authenticate(ctx) }); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	var scanID int
	err := br.Do(func() error {
		var err error
		scanID, err = adapter.CreateScan(ctx, createRequest(t))
		return err
	})
	if err != nil {
		return fmt.Errorf("create scan: %w", err)
	}

	if _, err := w.store.UpdateStatus(t.TaskID, task.Update{NessusScanID: task.IntPtr(scanID)}); err != nil {
		return fmt.Errorf("record scan id: %w", err)
	}

	if err := br.Do(func() error {
		_, err := adapter.LaunchScan(ctx, scanID)
		return err
	}); err != nil {
		return fmt.Errorf("launch scan: %w", err)
	}

	deadline := time.Now().Add(w.cfg.Worker.ScanTimeout)
	for {
		if time.Now().After(deadline) {
			return w.timeOut(ctx, t, adapter, scanID)
		}

		var status scanner.ScanStatus
		err := br.Do(func() error {
			var err error
			status, err = adapter.GetStatus(ctx, scanID)
			return err
		})
		if err != nil {
			return fmt.Errorf("poll status: %w", err)
		}

		switch status.Status {
		case scanner.StateCompleted:
			return w.finish(ctx, t, adapter, scanID, br)
		case scanner.StateFailed:
			return fmt.Errorf("scanner reported failure")
		default:
			if _, err := w.store.UpdateStatus(t.TaskID, task.Update{Progress: task.IntPtr(status.Progress)}); err != nil {
				log.Printf("worker: task %s: record progress: %v", t.TaskID, err)
			}
		}

		select {
		case <-ctx.Done():
			return w.timeOut(ctx, t, adapter, scanID)
		case <-time.After(w.cfg.Worker.StatusPollInterval):
		}
	}
}

// finish exports, validates and lands the task in COMPLETED.
func (w *Worker) finish(ctx context.Context, t *task.Task, adapter scanner.Adapter, scanID int, br *breaker.Breaker) error {
	var raw []byte
	err := br.Do(func() error {
		var err error
		raw, err = adapter.ExportResults(ctx, scanID)
		return err
	})
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	if err := w.store.WriteScanFile(t.TaskID, raw); err != nil {
		return fmt.Errorf("write scan file: %w", err)
	}

	outcome, err := w.validator.File(w.store.ScanFilePath(t.TaskID), t.ScanType)
	if err != nil {
		return fmt.Errorf("validate results: %w", err)
	}

	updated, err := w.store.UpdateStatus(t.TaskID, task.Update{
		Status:               task.StatusPtr(task.StatusCompleted),
		Progress:             task.IntPtr(100),
		ValidationStats:      &outcome.Stats,
		ValidationWarnings:   outcome.Warnings,
		AuthenticationStatus: task.StringPtr(outcome.AuthStatus),
	})
	if err != nil {
		return fmt.Errorf("transition to completed: %w", err)
	}

	w.publishStatus(ctx, updated, "")
	w.publishValidation(ctx, updated, outcome.Passed, outcome.Warnings)
	log.Printf("worker: task %s: completed (%d findings on %d hosts, auth %s)",
		t.TaskID, outcome.Stats.TotalVulnerabilities, outcome.Stats.HostsScanned, outcome.AuthStatus)
	return nil
}

// timeOut stops the remote scan best-effort and lands the task in TIMEOUT.
func (w *Worker) timeOut(ctx context.Context, t *task.Task, adapter scanner.Adapter, scanID int) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := adapter.StopScan(stopCtx, scanID); err != nil {
		log.Printf("worker: task %s: stop remote scan %d: %v", t.TaskID, scanID, err)
	}

	msg := fmt.Sprintf("scan exceeded the %s ceiling and was stopped", w.cfg.Worker.ScanTimeout)
	updated, err := w.store.UpdateStatus(t.TaskID, task.Update{
		Status:       task.StatusPtr(task.StatusTimeout),
		ErrorMessage: task.StringPtr(msg),
	})
	if err != nil {
		log.Printf("worker: task %s: transition to timeout: %v", t.TaskID, err)
	} else {
		w.publishStatus(stopCtx, updated, msg)
	}
	log.Printf("worker: task %s: timed out", t.TaskID)
	return &scanTimeoutError{taskID: t.TaskID}
}

// failTask lands the task in FAILED (when not already terminal) and moves
// the queue entry to the pool's dead-letter queue.
func (w *Worker) failTask(ctx context.Context, entry *queue.Entry, t *task.Task, msg string) {
	log.Printf("worker: task %s: failed: %s", entry.TaskID, msg)

	current, err := w.store.Get(entry.TaskID)
	if err == nil && !current.Status.Terminal() {
		updated, err := w.store.UpdateStatus(entry.TaskID, task.Update{
			Status:       task.StatusPtr(task.StatusFailed),
			ErrorMessage: task.StringPtr(msg),
		})
		if err != nil {
			log.Printf("worker: task %s: transition to failed: %v", entry.TaskID, err)
		} else {
			w.publishStatus(ctx, updated, msg)
		}
	}

	w.deadLetter(ctx, entry, msg)
}

func (w *Worker) deadLetter(ctx context.Context, entry *queue.Entry, msg string) {
	if err := w.queue.MoveToDLQ(ctx, entry, msg); err != nil {
		log.Printf("worker: task %s: move to DLQ: %v", entry.TaskID, err)
	}
}

func (w *Worker) publishStatus(ctx context.Context, t *task.Task, errMsg string) {
	event := queue.TaskEvent{
		Type:     queue.EventTaskUpdate,
		Pool:     t.ScannerPool,
		TaskID:   t.TaskID,
		ScanType: t.ScanType,
		Status:   string(t.Status),
		Error:    errMsg,
	}
	if t.Status.Terminal() && t.StartedAt != nil && t.CompletedAt != nil {
		event.Duration = t.CompletedAt.Sub(*t.StartedAt).Seconds()
	}
	if err := w.queue.PublishTaskEvent(ctx, event); err != nil {
		log.Printf("worker: task %s: publish event: %v", t.TaskID, err)
	}
}

func (w *Worker) publishValidation(ctx context.Context, t *task.Task, passed bool, warnings []string) {
	result := "valid"
	if !passed {
		result = "invalid"
	}
	event := queue.TaskEvent{
		Type:      queue.EventValidation,
		Pool:      t.ScannerPool,
		TaskID:    t.TaskID,
		ScanType:  t.ScanType,
		Result:    result,
		AuthState: t.AuthenticationStatus,
	}
	if len(warnings) > 0 {
		event.Reason = warnings[0]
	}
	if err := w.queue.PublishTaskEvent(ctx, event); err != nil {
		log.Printf("worker: task %s: publish validation event: %v", t.TaskID, err)
	}
}

func createRequest(t *task.Task) scanner.CreateScanRequest {
	req := scanner.CreateScanRequest{
		Name:        t.Payload.Name,
		Description: t.Payload.Description,
		Targets:     t.Payload.Targets,
		ScanType:    t.ScanType,
	}
	if t.ScanType != task.ScanTypeUntrusted {
		req.SSHUsername = t.Payload.SSHUsername
		req.SSHPassword = t.Payload.SSHPassword
		req.ElevatePrivilegesWith = t.Payload.ElevatePrivilegesWith
		req.EscalationAccount = t.Payload.EscalationAccount
		req.EscalationPassword = t.Payload.EscalationPassword
	}
	return req
}
