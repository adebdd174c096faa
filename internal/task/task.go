package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

const (
	ScanTypeUntrusted               = "untrusted"
	ScanTypeAuthenticated           = "authenticated"
	ScanTypeAuthenticatedPrivileged = "authenticated_privileged"
)

const (
	AuthStatusSuccess       = "success"
	AuthStatusPartial       = "partial"
	AuthStatusFailed        = "failed"
	AuthStatusNotApplicable = "not_applicable"
)

// Task is the authoritative record for one submission, persisted as
// task.json inside its own directory.
type Task struct {
	TaskID            string `json:"task_id"`
	TraceID           string `json:"trace_id"`
	ScanType          string `json:"scan_type"`
	ScannerPool       string `json:"scanner_pool"`
	ScannerInstanceID string `json:"scanner_instance_id,omitempty"`
	ScannerType       string `json:"scanner_type,omitempty"`
	Status            Status `json:"status"`

	Payload Payload `json:"payload"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	NessusScanID   *int       `json:"nessus_scan_id,omitempty"`
	Progress       *int       `json:"progress,omitempty"`
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`

	ValidationStats      *ValidationStats `json:"validation_stats,omitempty"`
	ValidationWarnings   []string         `json:"validation_warnings,omitempty"`
	AuthenticationStatus string           `json:"authentication_status,omitempty"`
}

// Payload carries the submission parameters verbatim.
type Payload struct {
	Targets     string `json:"targets"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	SSHUsername           string `json:"ssh_username,omitempty"`
	SSHPassword           string `json:"ssh_password,omitempty"`
	ElevatePrivilegesWith string `json:"elevate_privileges_with,omitempty"`
	EscalationAccount     string `json:"escalation_account,omitempty"`
	EscalationPassword    string `json:"escalation_password,omitempty"`

	SchemaProfile  string   `json:"schema_profile,omitempty"`
	CustomFields   []string `json:"custom_fields,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// TargetList splits the comma-separated targets string.
func (p Payload) TargetList() []string {
	parts := strings.Split(p.Targets, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type ValidationStats struct {
	HostsScanned         int            `json:"hosts_scanned"`
	TotalVulnerabilities int            `json:"total_vulnerabilities"`
	SeverityCounts       SeverityCounts `json:"severity_counts"`
}

type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// NewID builds a task id of the shape {pool}-{instance}-{yyyymmdd}-{random}.
// The instance segment is the caller-pinned instance when there is one,
// otherwise the pool's scanner type.
func NewID(pool, instance string) string {
	return fmt.Sprintf("%s-%s-%s-%s",
		pool, instance, time.Now().UTC().Format("20060102"), uuid.NewString()[:8])
}

// NewTraceID generates a correlation id for callers that did not supply one.
func NewTraceID() string {
	return uuid.NewString()
}
