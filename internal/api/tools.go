package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scanopshq/scanopsd/internal/registry"
	"github.com/scanopshq/scanopsd/internal/results"
	"github.com/scanopshq/scanopsd/internal/task"
)

// handleTool dispatches POST /v1/tools/{tool}. Every tool takes one JSON
// object and returns one, except get_results which streams JSON Lines.
func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, invalidArgument("read request body: %v", err))
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	switch tool {
	case "submit_untrusted_scan":
		s.handleSubmit(w, r, body, task.ScanTypeUntrusted)
	case "submit_authenticated_scan":
		s.handleSubmitAuthenticated(w, r, body)
	case "get_status":
		s.handleGetStatus(w, r, body)
	case "get_results":
		s.handleGetResults(w, r, body)
	case "list_scanners":
		s.handleListScanners(w, r, body)
	case "list_pools":
		s.handleListPools(w)
	case "get_pool_status":
		s.handlePoolStatus(w, r, body)
	case "get_queue_status":
		s.handleQueueStatus(w, r, body)
	case "list_tasks":
		s.handleListTasks(w, r, body)
	default:
		writeError(w, notFound("unknown tool %q", tool))
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, body []byte, scanType string) {
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, invalidArgument("malformed request: %v", err))
		return
	}
	resp, err := s.submit(r.Context(), req, scanType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitAuthenticated(w http.ResponseWriter, r *http.Request, body []byte) {
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, invalidArgument("malformed request: %v", err))
		return
	}
	scanType := req.ScanType
	if scanType == "" {
		scanType = task.ScanTypeAuthenticated
	}
	if scanType != task.ScanTypeAuthenticated && scanType != task.ScanTypeAuthenticatedPrivileged {
		writeError(w, invalidArgument("scan_type must be authenticated or authenticated_privileged"))
		return
	}
	resp, err := s.submit(r.Context(), req, scanType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type taskIDRequest struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	TaskID               string                `json:"task_id"`
	TraceID              string                `json:"trace_id,omitempty"`
	Status               string                `json:"status"`
	Progress             *int                  `json:"progress"`
	ScanType             string                `json:"scan_type"`
	ScannerPool          string                `json:"scanner_pool"`
	ScannerInstanceID    string                `json:"scanner_instance_id,omitempty"`
	AuthenticationStatus *string               `json:"authentication_status"`
	Targets              string                `json:"targets"`
	Name                 string                `json:"name"`
	CreatedAt            time.Time             `json:"created_at"`
	StartedAt            *time.Time            `json:"started_at"`
	CompletedAt          *time.Time            `json:"completed_at"`
	ErrorMessage         string                `json:"error_message,omitempty"`
	ValidationWarnings   []string              `json:"validation_warnings,omitempty"`
	ResultsSummary       *task.ValidationStats `json:"results_summary,omitempty"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request, body []byte) {
	var req taskIDRequest
	if err := json.Unmarshal(body, &req); err != nil || req.TaskID == "" {
		writeError(w, invalidArgument("task_id is required"))
		return
	}

	t, err := s.store.Get(req.TaskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, notFound("task %q not found", req.TaskID))
			return
		}
		writeError(w, err)
		return
	}

	resp := statusResponse{
		TaskID:             t.TaskID,
		TraceID:            t.TraceID,
		Status:             string(t.Status),
		Progress:           t.Progress,
		ScanType:           t.ScanType,
		ScannerPool:        t.ScannerPool,
		ScannerInstanceID:  t.ScannerInstanceID,
		Targets:            t.Payload.Targets,
		Name:               t.Payload.Name,
		CreatedAt:          t.CreatedAt,
		StartedAt:          t.StartedAt,
		CompletedAt:        t.CompletedAt,
		ErrorMessage:       t.ErrorMessage,
		ValidationWarnings: t.ValidationWarnings,
	}
	if t.AuthenticationStatus != "" {
		resp.AuthenticationStatus = &t.AuthenticationStatus
	}
	if t.Status.Terminal() {
		resp.ResultsSummary = s.resultsSummary(t)
	}
	writeJSON(w, http.StatusOK, resp)
}

// resultsSummary prefers the validator's stored stats and falls back to an
// on-demand pass over the exported file.
func (s *Server) resultsSummary(t *task.Task) *task.ValidationStats {
	if t.ValidationStats != nil {
		return t.ValidationStats
	}
	if !s.store.HasScanFile(t.TaskID) {
		return nil
	}
	outcome, err := s.validator.File(s.store.ScanFilePath(t.TaskID), t.ScanType)
	if err != nil {
		return nil
	}
	return &outcome.Stats
}

type resultsRequest struct {
	TaskID        string            `json:"task_id"`
	Page          *int              `json:"page,omitempty"`
	PageSize      int               `json:"page_size,omitempty"`
	SchemaProfile string            `json:"schema_profile,omitempty"`
	CustomFields  []string          `json:"custom_fields,omitempty"`
	Filters       map[string]string `json:"filters,omitempty"`
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request, body []byte) {
	var req resultsRequest
	if err := json.Unmarshal(body, &req); err != nil || req.TaskID == "" {
		writeError(w, invalidArgument("task_id is required"))
		return
	}

	t, err := s.store.Get(req.TaskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, notFound("task %q not found", req.TaskID))
			return
		}
		writeError(w, err)
		return
	}
	if !s.store.HasScanFile(t.TaskID) {
		writeError(w, notFound("task %q has no exported results (status %s)", t.TaskID, t.Status))
		return
	}

	page := 1
	if req.Page != nil {
		page = *req.Page
	}
	if page < 0 {
		writeError(w, invalidArgument("page must be >= 0"))
		return
	}

	profile := req.SchemaProfile
	if profile == "" {
		profile = t.Payload.SchemaProfile
	}
	customFields := req.CustomFields
	if customFields == nil {
		customFields = t.Payload.CustomFields
	}

	meta := results.ScanMetadata{
		TaskID:      t.TaskID,
		Name:        t.Payload.Name,
		Targets:     t.Payload.Targets,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Summary:     t.ValidationStats,
	}
	open := func() (io.ReadCloser, error) {
		return os.Open(s.store.ScanFilePath(t.TaskID))
	}

	w.Header().Set("Content-Type", "application/jsonlines")
	err = results.Stream(w, open, meta, results.Options{
		Page:         page,
		PageSize:     req.PageSize,
		Profile:      profile,
		CustomFields: customFields,
		Filters:      req.Filters,
	})
	if err != nil {
		// Headers are gone; the truncated stream is the error signal.
		return
	}
}

type poolRequest struct {
	Pool string `json:"pool,omitempty"`
}

func (s *Server) handleListScanners(w http.ResponseWriter, r *http.Request, body []byte) {
	var req poolRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, invalidArgument("malformed request: %v", err))
		return
	}

	pools, err := s.resolvePools(req.Pool)
	if err != nil {
		writeError(w, err)
		return
	}

	scanners := []map[string]any{}
	for _, pool := range pools {
		status, err := s.registry.Status(pool)
		if err != nil {
			continue
		}
		for _, inst := range status.Instances {
			scanners = append(scanners, map[string]any{
				"pool":                 pool,
				"instance_id":          inst.InstanceID,
				"scanner_type":         inst.ScannerType,
				"enabled":              inst.Enabled,
				"active_scans":         inst.ActiveScans,
				"max_concurrent_scans": inst.MaxConcurrent,
				"circuit_state":        inst.CircuitState,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scanners": scanners})
}

func (s *Server) handleListPools(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pools":        s.registry.Pools(),
		"default_pool": s.cfg.DefaultPool,
	})
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request, body []byte) {
	var req poolRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, invalidArgument("malformed request: %v", err))
		return
	}

	pools, err := s.resolvePools(req.Pool)
	if err != nil {
		writeError(w, err)
		return
	}

	statuses := make([]registry.PoolStatus, 0, len(pools))
	for _, pool := range pools {
		status, err := s.registry.Status(pool)
		if err != nil {
			continue
		}
		statuses = append(statuses, status)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": statuses})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request, body []byte) {
	var req poolRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, invalidArgument("malformed request: %v", err))
		return
	}

	pools, err := s.resolvePools(req.Pool)
	if err != nil {
		writeError(w, err)
		return
	}

	queues := []map[string]any{}
	for _, pool := range pools {
		depth, err := s.queue.Depth(r.Context(), pool)
		if err != nil {
			writeError(w, err)
			return
		}
		dlq, err := s.queue.DLQSize(r.Context(), pool)
		if err != nil {
			writeError(w, err)
			return
		}
		queues = append(queues, map[string]any{
			"pool":        pool,
			"queue_depth": depth,
			"dlq_depth":   dlq,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": queues})
}

func (s *Server) resolvePools(pool string) ([]string, error) {
	if pool == "" {
		return s.registry.Pools(), nil
	}
	if !s.registry.HasPool(pool) {
		return nil, notFound("scanner pool %q is not configured", pool)
	}
	return []string{pool}, nil
}

type listTasksRequest struct {
	Limit        int    `json:"limit,omitempty"`
	Status       string `json:"status,omitempty"`
	Pool         string `json:"pool,omitempty"`
	TargetFilter string `json:"target_filter,omitempty"`
}

type taskSummary struct {
	TaskID      string     `json:"task_id"`
	Status      string     `json:"status"`
	ScanType    string     `json:"scan_type"`
	ScannerPool string     `json:"scanner_pool"`
	Targets     string     `json:"targets"`
	Name        string     `json:"name"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, body []byte) {
	var req listTasksRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, invalidArgument("malformed request: %v", err))
		return
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}

	tasks, err := s.store.List(task.ListFilter{
		Status: task.Status(req.Status),
		Pool:   req.Pool,
		Target: req.TargetFilter,
		Limit:  req.Limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	summaries := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		summaries = append(summaries, taskSummary{
			TaskID:      t.TaskID,
			Status:      string(t.Status),
			ScanType:    t.ScanType,
			ScannerPool: t.ScannerPool,
			Targets:     t.Payload.Targets,
			Name:        t.Payload.Name,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": summaries})
}
