package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/netip"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/scanopshq/scanopsd/internal/queue"
	"github.com/scanopshq/scanopsd/internal/task"
)

// submitRequest covers both submission tools; the authenticated-only fields
// stay empty for untrusted scans.
type submitRequest struct {
	Targets         string `json:"targets"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	SchemaProfile   string `json:"schema_profile,omitempty"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
	ScannerPool     string `json:"scanner_pool,omitempty"`
	ScannerInstance string `json:"scanner_instance,omitempty"`
	TraceID         string `json:"trace_id,omitempty"`

	ScanType              string `json:"scan_type,omitempty"`
	SSHUsername           string `json:"ssh_username,omitempty"`
	SSHPassword           string `json:"ssh_password,omitempty"`
	ElevatePrivilegesWith string `json:"elevate_privileges_with,omitempty"`
	EscalationAccount     string `json:"escalation_account,omitempty"`
	EscalationPassword    string `json:"escalation_password,omitempty"`
}

type submitResponse struct {
	TaskID               string `json:"task_id"`
	TraceID              string `json:"trace_id,omitempty"`
	Status               string `json:"status"`
	ScannerPool          string `json:"scanner_pool,omitempty"`
	QueuePosition        int64  `json:"queue_position,omitempty"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes,omitempty"`
	Idempotent           bool   `json:"idempotent,omitempty"`
}

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9.-]*[A-Za-z0-9])?$`)

func (s *Server) submit(ctx context.Context, req submitRequest, scanType string) (*submitResponse, error) {
	targets, err := validateTargets(req.Targets)
	if err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, invalidArgument("name is required")
	}
	if err := validateProfile(req.SchemaProfile); err != nil {
		return nil, err
	}
	if err := validateCredentials(&req, scanType); err != nil {
		return nil, err
	}

	pool := req.ScannerPool
	if pool == "" {
		pool = s.cfg.DefaultPool
	}
	if !s.registry.HasPool(pool) {
		return nil, notFound("scanner pool %q is not configured", pool)
	}
	if req.ScannerInstance != "" && !s.registry.HasInstance(pool, req.ScannerInstance) {
		return nil, notFound("scanner instance %q not in pool %q", req.ScannerInstance, pool)
	}

	fp, bodyHash := fingerprint(req, scanType, targets)

	if prior, err := s.queue.GetIdempotency(ctx, fp); err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	} else if prior != nil {
		if req.IdempotencyKey != "" && prior.BodyHash != bodyHash {
			return nil, conflict("idempotency key %q was used with a different request body", req.IdempotencyKey)
		}
		status := string(task.StatusQueued)
		if existing, err := s.store.Get(prior.TaskID); err == nil {
			status = string(existing.Status)
		}
		log.Printf("api: submission deduplicated to task %s", prior.TaskID)
		return &submitResponse{TaskID: prior.TaskID, Status: status, ScannerPool: pool, Idempotent: true}, nil
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = task.NewTraceID()
	}
	instanceSegment := req.ScannerInstance
	if instanceSegment == "" {
		instanceSegment = s.poolScannerType(pool)
	}

	t := &task.Task{
		TaskID:      task.NewID(pool, instanceSegment),
		TraceID:     traceID,
		ScanType:    scanType,
		ScannerPool: pool,
		Status:      task.StatusQueued,
		CreatedAt:   time.Now().UTC(),
		Payload: task.Payload{
			Targets:               req.Targets,
			Name:                  req.Name,
			Description:           req.Description,
			SSHUsername:           req.SSHUsername,
			SSHPassword:           req.SSHPassword,
			ElevatePrivilegesWith: req.ElevatePrivilegesWith,
			EscalationAccount:     req.EscalationAccount,
			EscalationPassword:    req.EscalationPassword,
			SchemaProfile:         req.SchemaProfile,
			IdempotencyKey:        req.IdempotencyKey,
		},
	}
	if err := s.store.Create(t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	payload, _ := json.Marshal(t.Payload)
	depth, err := s.queue.Enqueue(ctx, pool, &queue.Entry{
		TaskID:          t.TaskID,
		TraceID:         traceID,
		ScannerPool:     pool,
		ScannerInstance: req.ScannerInstance,
		ScanType:        scanType,
		Payload:         payload,
		EnqueuedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	stored, err := s.queue.PutIdempotency(ctx, fp, queue.IdempotencyRecord{
		TaskID:   t.TaskID,
		BodyHash: bodyHash,
	}, s.cfg.Idempotency.TTL)
	if err != nil {
		return nil, fmt.Errorf("store idempotency record: %w", err)
	}
	if !stored {
		// Lost a race with an identical submission; ours is already
		// admitted and will run, so return it anyway.
		log.Printf("api: task %s raced an identical submission", t.TaskID)
	}

	log.Printf("api: admitted task %s (type=%s pool=%s targets=%d trace=%s)",
		t.TaskID, scanType, pool, len(targets), traceID)

	return &submitResponse{
		TaskID:               t.TaskID,
		TraceID:              traceID,
		Status:               string(task.StatusQueued),
		ScannerPool:          pool,
		QueuePosition:        depth,
		EstimatedWaitMinutes: s.estimateWait(pool, depth),
	}, nil
}

// estimateWait is a rough planning figure: queue position divided over the
// pool's parallelism, at a nominal half hour per scan.
func (s *Server) estimateWait(pool string, position int64) int {
	capacity := s.registry.PoolCapacity(pool)
	if capacity < 1 {
		capacity = 1
	}
	const nominalScanMinutes = 30
	return int(position) * nominalScanMinutes / capacity
}

func (s *Server) poolScannerType(pool string) string {
	status, err := s.registry.Status(pool)
	if err != nil || len(status.Instances) == 0 {
		return "nessus"
	}
	return status.Instances[0].ScannerType
}

// validateTargets accepts a comma-separated list of IPs, CIDRs and
// hostnames. Anything else is rejected before a task exists.
func validateTargets(raw string) ([]string, error) {
	var targets []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			targets = append(targets, part)
		}
	}
	if len(targets) == 0 {
		return nil, invalidArgument("targets must not be empty")
	}
	for _, target := range targets {
		if _, err := netip.ParseAddr(target); err == nil {
			continue
		}
		if _, err := netip.ParsePrefix(target); err == nil {
			continue
		}
		if len(target) <= 253 && hostnamePattern.MatchString(target) {
			continue
		}
		return nil, invalidArgument("target %q is not an IP, CIDR or hostname", target)
	}
	return targets, nil
}

func validateProfile(profile string) error {
	switch profile {
	case "", "minimal", "summary", "brief", "full":
		return nil
	}
	return invalidArgument("unknown schema_profile %q", profile)
}

func validateCredentials(req *submitRequest, scanType string) error {
	if scanType == task.ScanTypeUntrusted {
		return nil
	}
	if req.SSHUsername == "" || req.SSHPassword == "" {
		return invalidArgument("ssh_username and ssh_password are required for %s scans", scanType)
	}
	switch req.ElevatePrivilegesWith {
	case "":
		req.ElevatePrivilegesWith = "Nothing"
	case "Nothing", "sudo", "su":
	default:
		return invalidArgument("elevate_privileges_with must be one of Nothing, sudo, su")
	}
	return nil
}

// fingerprint derives the idempotency cache key and the body hash used for
// explicit-key conflict detection. With an explicit key the key alone
// addresses the cache; otherwise the canonical submission tuple does.
// Passwords participate in the hashes but are never logged.
func fingerprint(req submitRequest, scanType string, targets []string) (fp, bodyHash string) {
	normalized := append([]string(nil), targets...)
	sort.Strings(normalized)

	canonical := map[string]any{
		"scan_type":   scanType,
		"targets":     strings.Join(normalized, ","),
		"name":        req.Name,
		"description": req.Description,
		"credentials": map[string]string{
			"ssh_username":            req.SSHUsername,
			"ssh_password":            req.SSHPassword,
			"elevate_privileges_with": req.ElevatePrivilegesWith,
			"escalation_account":      req.EscalationAccount,
			"escalation_password":     req.EscalationPassword,
		},
	}
	if req.IdempotencyKey != "" {
		canonical["idempotency_key"] = req.IdempotencyKey
	}

	// json.Marshal of a map emits keys in sorted order, which is exactly
	// the canonical form the fingerprint needs.
	body, _ := json.Marshal(canonical)
	bodyHash = sha256Hex(body)

	if req.IdempotencyKey != "" {
		return sha256Hex([]byte("key:" + req.IdempotencyKey)), bodyHash
	}
	return bodyHash, bodyHash
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
