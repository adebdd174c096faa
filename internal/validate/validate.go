// Package validate inspects exported scan files after a scan completes,
// computing the summary statistics stored on the task and deciding whether
// credentialed scans actually authenticated.
package validate

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/scanopshq/scanopsd/internal/config"
	"github.com/scanopshq/scanopsd/internal/results"
	"github.com/scanopshq/scanopsd/internal/task"
)

// Warning reasons recorded on the task and counted in metrics.
const (
	WarnAuthFailed   = "auth_failed"
	WarnXMLInvalid   = "xml_invalid"
	WarnEmptyScan    = "empty_scan"
	WarnFileNotFound = "file_not_found"
	WarnOther        = "other"
)

// Outcome is the verdict for one exported scan file.
type Outcome struct {
	Stats      task.ValidationStats
	Warnings   []string
	AuthStatus string
	Passed     bool
}

// Validator holds the plugin-ID tables used to judge credentialed access.
type Validator struct {
	success map[int]bool
	failure map[int]bool
}

func New(cfg config.ValidationConfig) *Validator {
	v := &Validator{
		success: make(map[int]bool, len(cfg.AuthSuccessPluginIDs)),
		failure: make(map[int]bool, len(cfg.AuthFailurePluginIDs)),
	}
	for _, id := range cfg.AuthSuccessPluginIDs {
		v.success[id] = true
	}
	for _, id := range cfg.AuthFailurePluginIDs {
		v.failure[id] = true
	}
	return v
}

// File validates the scan export at path. A missing file or unparseable
// XML is a failed validation, not an error: the error return is reserved
// for I/O faults partway through reading.
func (v *Validator) File(path string, scanType string) (Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Outcome{
				Warnings:   []string{WarnFileNotFound},
				AuthStatus: authDefault(scanType),
			}, nil
		}
		return Outcome{}, fmt.Errorf("open scan file: %w", err)
	}
	defer f.Close()
	return v.Reader(f, scanType)
}

// Reader validates an exported scan read from r.
func (v *Validator) Reader(r io.Reader, scanType string) (Outcome, error) {
	var (
		out        Outcome
		sawSuccess bool
		sawFailure bool
		hostsSeen  int
	)
	err := results.Walk(r, results.Walker{
		OnHost: func(host string) {
			hostsSeen++
		},
		OnFinding: func(f *results.Finding) error {
			out.Stats.TotalVulnerabilities++
			switch f.Severity {
			case 4:
				out.Stats.SeverityCounts.Critical++
			case 3:
				out.Stats.SeverityCounts.High++
			case 2:
				out.Stats.SeverityCounts.Medium++
			case 1:
				out.Stats.SeverityCounts.Low++
			default:
				out.Stats.SeverityCounts.Info++
			}
			if v.success[f.PluginID] {
				sawSuccess = true
			}
			if v.failure[f.PluginID] {
				sawFailure = true
			}
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, results.ErrInvalidXML) {
			return Outcome{
				Warnings:   []string{WarnXMLInvalid},
				AuthStatus: authDefault(scanType),
			}, nil
		}
		return Outcome{}, err
	}
	out.Stats.HostsScanned = hostsSeen

	if scanType == task.ScanTypeUntrusted {
		out.AuthStatus = task.AuthStatusNotApplicable
	} else {
		switch {
		case sawSuccess && sawFailure:
			out.AuthStatus = task.AuthStatusPartial
		case sawSuccess:
			out.AuthStatus = task.AuthStatusSuccess
		default:
			// Failure markers, or no credential diagnostics at all.
			out.AuthStatus = task.AuthStatusFailed
			out.Warnings = append(out.Warnings, WarnAuthFailed)
		}
	}

	if hostsSeen == 0 {
		out.Warnings = append(out.Warnings, WarnEmptyScan)
	}

	out.Passed = len(out.Warnings) == 0 || onlyAuthWarnings(out.Warnings)
	return out, nil
}

// An auth_failed warning marks the task but does not fail the scan: the
// results are real, just uncredentialed. Structural warnings do fail it.
func onlyAuthWarnings(warnings []string) bool {
	for _, w := range warnings {
		if w != WarnAuthFailed {
			return false
		}
	}
	return true
}

func authDefault(scanType string) string {
	if scanType == task.ScanTypeUntrusted {
		return task.AuthStatusNotApplicable
	}
	return task.AuthStatusFailed
}
