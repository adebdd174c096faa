// Package housekeeping runs the scheduled janitor: TTL deletion of terminal
// task directories, demotion of stale RUNNING tasks, and optional cleanup of
// orphaned scans left behind on the scanners themselves.
package housekeeping

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scanopshq/scanopsd/internal/config"
	"github.com/scanopshq/scanopsd/internal/queue"
	"github.com/scanopshq/scanopsd/internal/registry"
	"github.com/scanopshq/scanopsd/internal/task"
)

type Janitor struct {
	cfg      config.HousekeepingConfig
	store    *task.Store
	queue    *queue.Queue
	registry *registry.Registry
	cron     *cron.Cron
}

func New(cfg config.HousekeepingConfig, store *task.Store, q *queue.Queue, reg *registry.Registry) *Janitor {
	return &Janitor{
		cfg:      cfg,
		store:    store,
		queue:    q,
		registry: reg,
		cron:     cron.New(),
	}
}

// Start schedules the janitor on its cron expression. Runs overlap-free
// because cron serializes a single job entry.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		j.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule housekeeping %q: %w", j.cfg.Schedule, err)
	}
	j.cron.Start()
	log.Printf("housekeeping: scheduled %q", j.cfg.Schedule)
	return nil
}

func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// RunOnce performs one full sweep. Every step is best-effort: a failure on
// one task never blocks the rest of the sweep.
func (j *Janitor) RunOnce(ctx context.Context) {
	expired, stale := j.sweepTasks(ctx)
	orphans := 0
	if j.cfg.RemoteCleanup {
		orphans = j.sweepRemote(ctx)
	}
	log.Printf("housekeeping: sweep done (expired=%d stale=%d remote_orphans=%d)", expired, stale, orphans)
}

func (j *Janitor) sweepTasks(ctx context.Context) (expired, stale int) {
	tasks, err := j.store.List(task.ListFilter{})
	if err != nil {
		log.Printf("housekeeping: list tasks: %v", err)
		return 0, 0
	}

	now := time.Now().UTC()
	for _, t := range tasks {
		switch {
		case t.Status.Terminal():
			if j.expireTerminal(ctx, t, now) {
				expired++
			}
		case t.Status == task.StatusRunning:
			if j.demoteStale(ctx, t, now) {
				stale++
			}
		}
	}
	return expired, stale
}

func (j *Janitor) expireTerminal(ctx context.Context, t *task.Task, now time.Time) bool {
	if t.CompletedAt == nil {
		return false
	}
	ttl := j.cfg.FailedTTL
	if t.Status == task.StatusCompleted {
		ttl = j.cfg.CompletedTTL
	}
	if now.Sub(*t.CompletedAt) < ttl {
		return false
	}

	if err := j.store.Delete(t.TaskID); err != nil {
		log.Printf("housekeeping: delete task %s: %v", t.TaskID, err)
		return false
	}
	log.Printf("housekeeping: deleted task %s (%s, age %s)", t.TaskID, t.Status, now.Sub(*t.CompletedAt).Round(time.Minute))
	j.publish(ctx, queue.TaskEvent{
		Type:   queue.EventTTLDeletion,
		Pool:   t.ScannerPool,
		TaskID: t.TaskID,
		Status: string(t.Status),
	})
	return true
}

// demoteStale times out RUNNING tasks whose worker evidently died, stopping
// the remote scan when the task still knows which instance ran it. Stale
// means no progress report inside the threshold, so a long scan that keeps
// reporting is left alone.
func (j *Janitor) demoteStale(ctx context.Context, t *task.Task, now time.Time) bool {
	if t.StartedAt == nil {
		return false
	}
	last := *t.StartedAt
	if t.LastProgressAt != nil && t.LastProgressAt.After(last) {
		last = *t.LastProgressAt
	}
	if now.Sub(last) < j.cfg.StaleRunningAfter {
		return false
	}

	if t.ScannerInstanceID != "" && t.NessusScanID != nil {
		j.stopRemote(ctx, t)
	}

	msg := "stale"
	updated, err := j.store.UpdateStatus(t.TaskID, task.Update{
		Status:       task.StatusPtr(task.StatusTimeout),
		ErrorMessage: task.StringPtr(msg),
	})
	if err != nil {
		log.Printf("housekeeping: demote stale task %s: %v", t.TaskID, err)
		return false
	}
	log.Printf("housekeeping: task %s marked stale", t.TaskID)
	j.publish(ctx, queue.TaskEvent{
		Type:     queue.EventTaskUpdate,
		Pool:     updated.ScannerPool,
		TaskID:   updated.TaskID,
		ScanType: updated.ScanType,
		Status:   string(updated.Status),
		Error:    msg,
	})
	return true
}

func (j *Janitor) stopRemote(ctx context.Context, t *task.Task) {
	instances, err := j.registry.Instances(t.ScannerPool)
	if err != nil {
		return
	}
	for _, inst := range instances {
		if inst.ID != t.ScannerInstanceID {
			continue
		}
		adapter := j.registry.NewAdapter(inst)
		defer adapter.Close()
		if err := adapter.Authenticate(ctx); err != nil {
			log.Printf("housekeeping: authenticate %s: %v", inst.Key(), err)
			return
		}
		if _, err := adapter.StopScan(ctx, *t.NessusScanID); err != nil {
			log.Printf("housekeeping: stop remote scan %d on %s: %v", *t.NessusScanID, inst.Key(), err)
		}
		if _, err := adapter.DeleteScan(ctx, *t.NessusScanID); err != nil {
			log.Printf("housekeeping: delete remote scan %d on %s: %v", *t.NessusScanID, inst.Key(), err)
		}
		return
	}
}

// sweepRemote deletes scans on the scanners that no live task references
// and that are older than the configured age. Protects against scanner-side
// scan-list bloat when tasks were deleted out from under their remotes.
func (j *Janitor) sweepRemote(ctx context.Context) int {
	live := j.liveRemoteIDs()
	deleted := 0
	cutoff := time.Now().Add(-j.cfg.RemoteScanMaxAge).Unix()

	for _, pool := range j.registry.Pools() {
		instances, err := j.registry.Instances(pool)
		if err != nil {
			continue
		}
		for _, inst := range instances {
			deleted += j.sweepInstance(ctx, inst, live[inst.Key()], cutoff)
		}
	}
	return deleted
}

func (j *Janitor) sweepInstance(ctx context.Context, inst *registry.Instance, live map[int]bool, cutoff int64) int {
	adapter := j.registry.NewAdapter(inst)
	defer adapter.Close()

	if err := adapter.Authenticate(ctx); err != nil {
		log.Printf("housekeeping: authenticate %s: %v", inst.Key(), err)
		return 0
	}
	scans, err := adapter.ListScans(ctx)
	if err != nil {
		log.Printf("housekeeping: list remote scans on %s: %v", inst.Key(), err)
		return 0
	}

	deleted := 0
	for _, scan := range scans {
		if live[scan.ID] || scan.LastModified > cutoff {
			continue
		}
		ok, err := adapter.DeleteScan(ctx, scan.ID)
		if err != nil {
			log.Printf("housekeeping: delete remote scan %d on %s: %v", scan.ID, inst.Key(), err)
			continue
		}
		if ok {
			log.Printf("housekeeping: deleted orphan remote scan %d (%q) on %s", scan.ID, scan.Name, inst.Key())
			deleted++
		}
	}
	return deleted
}

// liveRemoteIDs maps instance key to the set of remote scan ids still
// referenced by a task on disk.
func (j *Janitor) liveRemoteIDs() map[string]map[int]bool {
	live := map[string]map[int]bool{}
	tasks, err := j.store.List(task.ListFilter{})
	if err != nil {
		log.Printf("housekeeping: list tasks: %v", err)
		return live
	}
	for _, t := range tasks {
		if t.NessusScanID == nil || t.ScannerInstanceID == "" {
			continue
		}
		key := t.ScannerPool + "/" + t.ScannerInstanceID
		if live[key] == nil {
			live[key] = map[int]bool{}
		}
		live[key][*t.NessusScanID] = true
	}
	return live
}

func (j *Janitor) publish(ctx context.Context, event queue.TaskEvent) {
	if err := j.queue.PublishTaskEvent(ctx, event); err != nil {
		log.Printf("housekeeping: publish event: %v", err)
	}
}
