package scanner

import (
	"context"
	"sync"
	"time"
)

// Mock is an in-memory Adapter for tests and for instances configured with
// scanner_type "mock". By default a scan completes after two status polls
// with a small canned export.
type Mock struct {
	mu sync.Mutex

	nextScanID int
	polls      map[int]int

	// PollsToComplete is how many GetStatus calls a scan stays running.
	PollsToComplete int
	// Export is returned by ExportResults. Defaults to a minimal valid
	// export document.
	Export []byte
	// FailWith, when set, is returned by every call.
	FailWith error
	// FailLaunch fails only LaunchScan.
	FailLaunch error
	// FinalStatus overrides the post-poll state (default completed).
	FinalStatus string

	AuthCalls   int
	CreateCalls int
	StopCalls   int
	DeleteCalls int
	Closed      bool

	LastRequest CreateScanRequest
}

var mockExport = []byte(`<?xml version="1.0"?>
<NessusClientData_v2>
  <Report name="mock">
    <ReportHost name="192.0.2.1">
      <ReportItem port="22" svc_name="ssh" protocol="tcp" severity="0" pluginID="10267" pluginName="SSH Server Type and Version">
        <synopsis>An SSH server is listening on this port.</synopsis>
      </ReportItem>
    </ReportHost>
  </Report>
</NessusClientData_v2>
`)

func NewMock() *Mock {
	return &Mock{PollsToComplete: 2, polls: map[int]int{}}
}

func (m *Mock) Authenticate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AuthCalls++
	return m.FailWith
}

func (m *Mock) CreateScan(ctx context.Context, req CreateScanRequest) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return 0, m.FailWith
	}
	m.CreateCalls++
	m.LastRequest = req
	m.nextScanID++
	return m.nextScanID, nil
}

func (m *Mock) LaunchScan(ctx context.Context, scanID int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return "", m.FailWith
	}
	if m.FailLaunch != nil {
		return "", m.FailLaunch
	}
	return "mock-uuid", nil
}

func (m *Mock) GetStatus(ctx context.Context, scanID int) (ScanStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return ScanStatus{}, m.FailWith
	}

	m.polls[scanID]++
	limit := m.PollsToComplete
	if limit <= 0 {
		limit = 1
	}
	if m.polls[scanID] < limit {
		progress := m.polls[scanID] * 100 / limit
		return ScanStatus{Status: StateRunning, Progress: progress, UUID: "mock-uuid"}, nil
	}

	final := m.FinalStatus
	if final == "" {
		final = StateCompleted
	}
	return ScanStatus{Status: final, Progress: 100, UUID: "mock-uuid"}, nil
}

func (m *Mock) ExportResults(ctx context.Context, scanID int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	if m.Export != nil {
		return m.Export, nil
	}
	return mockExport, nil
}

func (m *Mock) StopScan(ctx context.Context, scanID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls++
	return m.FailWith == nil, m.FailWith
}

func (m *Mock) DeleteScan(ctx context.Context, scanID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	return m.FailWith == nil, m.FailWith
}

func (m *Mock) ListScans(ctx context.Context) ([]RemoteScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	scans := make([]RemoteScan, 0, m.nextScanID)
	for id := 1; id <= m.nextScanID; id++ {
		scans = append(scans, RemoteScan{
			ID:           id,
			Status:       "completed",
			LastModified: time.Now().Unix(),
		})
	}
	return scans, nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}
