package task

// Update describes a partial mutation of a task record. Nil fields are left
// unchanged; Status drives the state machine when set.
type Update struct {
	Status               *Status
	ScannerInstanceID    *string
	ScannerType          *string
	NessusScanID         *int
	Progress             *int
	ErrorMessage         *string
	ValidationStats      *ValidationStats
	ValidationWarnings   []string
	AuthenticationStatus *string
}

func StatusPtr(s Status) *Status { return &s }
func StringPtr(s string) *string { return &s }
func IntPtr(n int) *int          { return &n }

func (u Update) apply(t *Task) {
	if u.ScannerInstanceID != nil {
		t.ScannerInstanceID = *u.ScannerInstanceID
	}
	if u.ScannerType != nil {
		t.ScannerType = *u.ScannerType
	}
	if u.NessusScanID != nil {
		t.NessusScanID = u.NessusScanID
	}
	if u.Progress != nil {
		t.Progress = u.Progress
	}
	if u.ErrorMessage != nil {
		t.ErrorMessage = *u.ErrorMessage
	}
	if u.ValidationStats != nil {
		t.ValidationStats = u.ValidationStats
	}
	if u.ValidationWarnings != nil {
		t.ValidationWarnings = u.ValidationWarnings
	}
	if u.AuthenticationStatus != nil {
		t.AuthenticationStatus = *u.AuthenticationStatus
	}
}
