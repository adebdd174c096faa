package scanner

import (
	"context"
	"fmt"
)

// Scan states as exposed by an adapter, after vendor-state mapping.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Adapter hides one scanner endpoint behind a uniform surface. Every call
// is cancellable; none retries internally beyond one re-authentication on
// a 401.
type Adapter interface {
	// Authenticate obtains and caches the session credential. Subsequent
	// calls are idempotent.
	Authenticate(ctx context.Context) error

	// CreateScan creates a scan from the advanced template and returns the
	// remote scan id.
	CreateScan(ctx context.Context, req CreateScanRequest) (int, error)

	// LaunchScan starts execution and returns the run uuid.
	LaunchScan(ctx context.Context, scanID int) (string, error)

	// GetStatus maps the vendor state to queued/running/completed/failed
	// with a 0-100 progress.
	GetStatus(ctx context.Context, scanID int) (ScanStatus, error)

	// ExportResults requests an export, polls readiness and downloads the
	// bytes. Bounded; a stuck export surfaces as an error.
	ExportResults(ctx context.Context, scanID int) ([]byte, error)

	// StopScan and DeleteScan are best-effort cleanup.
	StopScan(ctx context.Context, scanID int) (bool, error)
	DeleteScan(ctx context.Context, scanID int) (bool, error)

	// ListScans enumerates remote scans for orphan cleanup.
	ListScans(ctx context.Context) ([]RemoteScan, error)

	// Close releases underlying HTTP resources.
	Close() error
}

type CreateScanRequest struct {
	Name        string
	Description string
	Targets     string
	ScanType    string

	// SSH credential block, authenticated variants only.
	SSHUsername           string
	SSHPassword           string
	ElevatePrivilegesWith string // "Nothing", "sudo", "su"
	EscalationAccount     string
	EscalationPassword    string
}

type ScanStatus struct {
	Status   string
	Progress int
	UUID     string
}

type RemoteScan struct {
	ID           int
	Name         string
	Status       string
	LastModified int64 // unix seconds
}

// Error is a typed scanner failure. StatusCode is the HTTP status when the
// failure came off the wire, zero otherwise.
type Error struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("scanner %s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("scanner %s: %s", e.Op, e.Message)
}
