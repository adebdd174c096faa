package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/scanopshq/scanopsd/internal/config"
	"github.com/scanopshq/scanopsd/internal/metrics"
	"github.com/scanopshq/scanopsd/internal/queue"
	"github.com/scanopshq/scanopsd/internal/registry"
	"github.com/scanopshq/scanopsd/internal/task"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *queue.Queue) {
	t.Helper()

	mr := miniredis.RunT(t)
	q, err := queue.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	cfg := &config.Config{
		DataDir:     t.TempDir(),
		DefaultPool: "nessus",
		Idempotency: config.IdempotencyConfig{TTL: time.Hour},
		Validation: config.ValidationConfig{
			AuthSuccessPluginIDs: []int{141118},
			AuthFailurePluginIDs: []int{21745},
		},
		Scanners: map[string][]config.InstanceConfig{
			"nessus": {{InstanceID: "scanner-1", ScannerType: "mock", MaxConcurrentScans: 2}},
			"dmz":    {{InstanceID: "edge-1", ScannerType: "mock", MaxConcurrentScans: 1}},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	reg := registry.New(cfg.Scanners)
	store := task.NewStore(cfg.DataDir)
	m := metrics.New(q, cfg.PoolNames)
	return New(cfg, store, q, reg, m), q
}

func callTool(t *testing.T, s *Server, tool string, body any) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/tools/"+tool, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestSubmitUntrustedScan(t *testing.T) {
	s, q := newTestServer(t, nil)

	rec := callTool(t, s, "submit_untrusted_scan", map[string]any{
		"targets": "10.0.0.1,10.0.1.0/24",
		"name":    "perimeter sweep",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var resp submitResponse
	decode(t, rec, &resp)
	if resp.TaskID == "" || resp.TraceID == "" {
		t.Fatalf("missing ids: %+v", resp)
	}
	if resp.Status != "queued" || resp.ScannerPool != "nessus" {
		t.Fatalf("response: %+v", resp)
	}
	if resp.QueuePosition != 1 {
		t.Fatalf("queue position = %d", resp.QueuePosition)
	}

	got, err := s.store.Get(resp.TaskID)
	if err != nil {
		t.Fatalf("task not persisted: %v", err)
	}
	if got.ScanType != task.ScanTypeUntrusted || got.Status != task.StatusQueued {
		t.Fatalf("task: %+v", got)
	}
	// Credentials must never appear on an untrusted submission.
	if got.Payload.SSHUsername != "" || got.Payload.SSHPassword != "" {
		t.Fatalf("credentials leaked into payload: %+v", got.Payload)
	}

	entry, err := q.Dequeue(context.Background(), "nessus", 100*time.Millisecond)
	if err != nil || entry == nil {
		t.Fatalf("no queue entry: %v %v", entry, err)
	}
	if entry.TaskID != resp.TaskID {
		t.Fatalf("entry task id %q != %q", entry.TaskID, resp.TaskID)
	}
}

func TestSubmitRejections(t *testing.T) {
	s, _ := newTestServer(t, nil)

	tests := []struct {
		name     string
		tool     string
		body     map[string]any
		wantCode int
	}{
		{"empty targets", "submit_untrusted_scan", map[string]any{"targets": "", "name": "x"}, http.StatusBadRequest},
		{"garbage target", "submit_untrusted_scan", map[string]any{"targets": "not a host!", "name": "x"}, http.StatusBadRequest},
		{"missing name", "submit_untrusted_scan", map[string]any{"targets": "10.0.0.1"}, http.StatusBadRequest},
		{"bad profile", "submit_untrusted_scan", map[string]any{"targets": "10.0.0.1", "name": "x", "schema_profile": "verbose"}, http.StatusBadRequest},
		{"unknown pool", "submit_untrusted_scan", map[string]any{"targets": "10.0.0.1", "name": "x", "scanner_pool": "lab"}, http.StatusNotFound},
		{"unknown instance", "submit_untrusted_scan", map[string]any{"targets": "10.0.0.1", "name": "x", "scanner_instance": "ghost"}, http.StatusNotFound},
		{"missing credentials", "submit_authenticated_scan", map[string]any{"targets": "10.0.0.1", "name": "x"}, http.StatusBadRequest},
		{"bad elevation", "submit_authenticated_scan", map[string]any{
			"targets": "10.0.0.1", "name": "x",
			"ssh_username": "u", "ssh_password": "p",
			"elevate_privileges_with": "doas",
		}, http.StatusBadRequest},
		{"bad scan type", "submit_authenticated_scan", map[string]any{
			"targets": "10.0.0.1", "name": "x", "scan_type": "untrusted",
			"ssh_username": "u", "ssh_password": "p",
		}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := callTool(t, s, tt.tool, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			var body struct {
				Error struct {
					Kind    string `json:"kind"`
					Message string `json:"message"`
				} `json:"error"`
			}
			decode(t, rec, &body)
			if body.Error.Kind == "" || body.Error.Message == "" {
				t.Fatalf("malformed error body: %s", rec.Body.String())
			}
		})
	}
}

func TestSubmitDeduplicatesIdenticalBody(t *testing.T) {
	s, q := newTestServer(t, nil)

	body := map[string]any{"targets": "10.0.0.5", "name": "dedup"}
	var first, second submitResponse
	decode(t, callTool(t, s, "submit_untrusted_scan", body), &first)
	decode(t, callTool(t, s, "submit_untrusted_scan", body), &second)

	if second.TaskID != first.TaskID {
		t.Fatalf("duplicate got a new task: %q vs %q", second.TaskID, first.TaskID)
	}
	if !second.Idempotent {
		t.Fatal("duplicate not flagged idempotent")
	}
	if depth, _ := q.Depth(context.Background(), "nessus"); depth != 1 {
		t.Fatalf("depth = %d, want exactly one entry", depth)
	}
}

func TestSubmitExplicitKeyConflict(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := callTool(t, s, "submit_untrusted_scan", map[string]any{
		"targets": "10.0.0.5", "name": "first", "idempotency_key": "deploy-42",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("first submission: %d %s", rec.Code, rec.Body.String())
	}

	rec = callTool(t, s, "submit_untrusted_scan", map[string]any{
		"targets": "10.0.0.9", "name": "different", "idempotency_key": "deploy-42",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409: %s", rec.Code, rec.Body.String())
	}

	// The same key with the same body replays the original admission.
	var replay submitResponse
	decode(t, callTool(t, s, "submit_untrusted_scan", map[string]any{
		"targets": "10.0.0.5", "name": "first", "idempotency_key": "deploy-42",
	}), &replay)
	if !replay.Idempotent {
		t.Fatal("replay not flagged idempotent")
	}
}

func TestGetStatus(t *testing.T) {
	s, _ := newTestServer(t, nil)

	var submitted submitResponse
	decode(t, callTool(t, s, "submit_untrusted_scan", map[string]any{
		"targets": "10.0.0.1", "name": "status check",
	}), &submitted)

	rec := callTool(t, s, "get_status", map[string]any{"task_id": submitted.TaskID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var status statusResponse
	decode(t, rec, &status)
	if status.TaskID != submitted.TaskID || status.Status != "queued" {
		t.Fatalf("status response: %+v", status)
	}
	if status.Targets != "10.0.0.1" || status.Name != "status check" {
		t.Fatalf("echoed submission fields: %+v", status)
	}

	rec = callTool(t, s, "get_status", map[string]any{"task_id": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task: status %d", rec.Code)
	}
}

const apiSampleExport = `<?xml version="1.0"?>
<NessusClientData_v2>
  <Report name="api">
    <ReportHost name="10.0.0.1">
      <ReportItem port="443" svc_name="https" protocol="tcp" severity="4" pluginID="51192" pluginName="SSL Certificate Cannot Be Trusted">
        <synopsis>The SSL certificate for this service cannot be trusted.</synopsis>
      </ReportItem>
      <ReportItem port="22" svc_name="ssh" protocol="tcp" severity="0" pluginID="10267" pluginName="SSH Server Type and Version">
        <synopsis>An SSH server is listening on this port.</synopsis>
      </ReportItem>
    </ReportHost>
  </Report>
</NessusClientData_v2>`

func completedTask(t *testing.T, s *Server, id string) {
	t.Helper()

	err := s.store.Create(&task.Task{
		TaskID:      id,
		ScanType:    task.ScanTypeUntrusted,
		ScannerPool: "nessus",
		Status:      task.StatusQueued,
		Payload:     task.Payload{Targets: "10.0.0.1", Name: "export test"},
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, status := range []task.Status{task.StatusRunning, task.StatusCompleted} {
		if _, err := s.store.UpdateStatus(id, task.Update{Status: task.StatusPtr(status)}); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	if err := s.store.WriteScanFile(id, []byte(apiSampleExport)); err != nil {
		t.Fatalf("write scan file: %v", err)
	}
}

func TestGetResultsStreamsJSONLines(t *testing.T) {
	s, _ := newTestServer(t, nil)
	completedTask(t, s, "task-export")

	rec := callTool(t, s, "get_results", map[string]any{
		"task_id":        "task-export",
		"schema_profile": "minimal",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/jsonlines" {
		t.Fatalf("content type %q", ct)
	}

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want schema+metadata+2 findings+pagination:\n%s", len(lines), rec.Body.String())
	}
	var schema struct {
		Type                 string `json:"type"`
		Profile              string `json:"profile"`
		TotalVulnerabilities int    `json:"total_vulnerabilities"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &schema); err != nil {
		t.Fatalf("schema line: %v", err)
	}
	if schema.Type != "schema" || schema.Profile != "minimal" || schema.TotalVulnerabilities != 2 {
		t.Fatalf("schema: %+v", schema)
	}
	if !strings.Contains(lines[len(lines)-1], `"type":"pagination"`) {
		t.Fatalf("missing trailer: %s", lines[len(lines)-1])
	}
}

func TestGetResultsErrors(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := callTool(t, s, "get_results", map[string]any{"task_id": "absent"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task: status %d", rec.Code)
	}

	// A queued task has no export yet.
	var submitted submitResponse
	decode(t, callTool(t, s, "submit_untrusted_scan", map[string]any{
		"targets": "10.0.0.1", "name": "pending",
	}), &submitted)
	rec = callTool(t, s, "get_results", map[string]any{"task_id": submitted.TaskID})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pending task: status %d, want 404", rec.Code)
	}

	completedTask(t, s, "task-badpage")
	rec = callTool(t, s, "get_results", map[string]any{"task_id": "task-badpage", "page": -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative page: status %d", rec.Code)
	}
}

func TestListPools(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := callTool(t, s, "list_pools", map[string]any{})
	var resp struct {
		Pools       []string `json:"pools"`
		DefaultPool string   `json:"default_pool"`
	}
	decode(t, rec, &resp)
	if len(resp.Pools) != 2 || resp.Pools[0] != "dmz" || resp.Pools[1] != "nessus" {
		t.Fatalf("pools: %v", resp.Pools)
	}
	if resp.DefaultPool != "nessus" {
		t.Fatalf("default pool: %q", resp.DefaultPool)
	}
}

func TestQueueStatus(t *testing.T) {
	s, q := newTestServer(t, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		entry := &queue.Entry{TaskID: fmt.Sprintf("t%d", i), ScannerPool: "nessus", ScanType: task.ScanTypeUntrusted}
		if _, err := q.Enqueue(ctx, "nessus", entry); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := q.MoveToDLQ(ctx, &queue.Entry{TaskID: "dead", ScannerPool: "nessus"}, "boom"); err != nil {
		t.Fatalf("dlq: %v", err)
	}

	rec := callTool(t, s, "get_queue_status", map[string]any{"pool": "nessus"})
	var resp struct {
		Queues []struct {
			Pool       string `json:"pool"`
			QueueDepth int64  `json:"queue_depth"`
			DLQDepth   int64  `json:"dlq_depth"`
		} `json:"queues"`
	}
	decode(t, rec, &resp)
	if len(resp.Queues) != 1 {
		t.Fatalf("queues: %+v", resp.Queues)
	}
	if got := resp.Queues[0]; got.QueueDepth != 3 || got.DLQDepth != 1 {
		t.Fatalf("queue status: %+v", got)
	}

	rec = callTool(t, s, "get_queue_status", map[string]any{"pool": "lab"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown pool: status %d", rec.Code)
	}
}

func TestListScanners(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := callTool(t, s, "list_scanners", map[string]any{"pool": "nessus"})
	var resp struct {
		Scanners []map[string]any `json:"scanners"`
	}
	decode(t, rec, &resp)
	if len(resp.Scanners) != 1 {
		t.Fatalf("scanners: %+v", resp.Scanners)
	}
	inst := resp.Scanners[0]
	if inst["instance_id"] != "scanner-1" || inst["scanner_type"] != "mock" {
		t.Fatalf("instance: %+v", inst)
	}
}

func TestListTasks(t *testing.T) {
	s, _ := newTestServer(t, nil)

	for _, name := range []string{"one", "two"} {
		rec := callTool(t, s, "submit_untrusted_scan", map[string]any{
			"targets": "10.0.0.1", "name": name,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("submit %s: %d", name, rec.Code)
		}
		// Distinct bodies; names differ so no dedup, but keep ordering
		// deterministic for the newest-first assertion.
		time.Sleep(5 * time.Millisecond)
	}

	rec := callTool(t, s, "list_tasks", map[string]any{"status": "queued"})
	var resp struct {
		Tasks []taskSummary `json:"tasks"`
	}
	decode(t, rec, &resp)
	if len(resp.Tasks) != 2 {
		t.Fatalf("tasks: %+v", resp.Tasks)
	}
	if resp.Tasks[0].Name != "two" {
		t.Fatalf("expected newest first, got %+v", resp.Tasks)
	}

	rec = callTool(t, s, "list_tasks", map[string]any{"limit": 1})
	decode(t, rec, &resp)
	if len(resp.Tasks) != 1 {
		t.Fatalf("limit ignored: %+v", resp.Tasks)
	}
}

func TestUnknownTool(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := callTool(t, s, "frobnicate", map[string]any{})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestAuthToken(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.API.Token = "secret"
		cfg.API.TokenHeader = "X-API-Token"
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/list_pools", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/tools/list_pools", strings.NewReader("{}"))
	req.Header.Set("X-API-Token", "secret")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with token: status %d", rec.Code)
	}

	// Health stays open for probes.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp healthResponse
	decode(t, rec, &resp)
	if !resp.RedisHealthy || !resp.FilesystemHealthy {
		t.Fatalf("health: %+v", resp)
	}
}
