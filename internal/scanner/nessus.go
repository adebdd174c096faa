package scanner

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	exportPollInterval = 5 * time.Second
	exportPollMax      = 5 * time.Minute
)

// NessusAdapter talks to a single Nessus endpoint over its session-token
// HTTP API. Self-signed certificates are the norm for appliances, so TLS
// verification is configurable.
type NessusAdapter struct {
	baseURL  string
	username string
	password string
	client   *http.Client

	mu    sync.Mutex
	token string

	templateUUID string
}

func NewNessus(baseURL, username, password string, insecureSkipVerify bool) *NessusAdapter {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureSkipVerify},
	}
	return &NessusAdapter{
		baseURL:  baseURL,
		username: username,
		password: password,
		client: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
	}
}

func (n *NessusAdapter) Authenticate(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.token != "" {
		return nil
	}
	return n.loginLocked(ctx)
}

func (n *NessusAdapter) loginLocked(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"username": n.username,
		"password": n.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/session", bytes.NewReader(body))
	if err != nil {
		return &Error{Op: "authenticate", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return &Error{Op: "authenticate", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{Op: "authenticate", StatusCode: resp.StatusCode, Message: readErrorBody(resp.Body)}
	}

	var session struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return &Error{Op: "authenticate", Message: fmt.Sprintf("decode session: %v", err)}
	}
	n.token = session.Token
	return nil
}

// do issues an authenticated request, re-authenticating once on a 401.
func (n *NessusAdapter) do(ctx context.Context, op, method, path string, payload, out any) error {
	for attempt := 0; ; attempt++ {
		if err := n.Authenticate(ctx); err != nil {
			return err
		}

		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return &Error{Op: op, Message: err.Error()}
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, n.baseURL+path, body)
		if err != nil {
			return &Error{Op: op, Message: err.Error()}
		}
		req.Header.Set("Content-Type", "application/json")
		n.mu.Lock()
		req.Header.Set("X-Cookie", "token="+n.token)
		n.mu.Unlock()

		resp, err := n.client.Do(req)
		if err != nil {
			return &Error{Op: op, Message: err.Error()}
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			n.mu.Lock()
			n.token = ""
			n.mu.Unlock()
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &Error{Op: op, StatusCode: resp.StatusCode, Message: readErrorBody(resp.Body)}
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Op: op, Message: fmt.Sprintf("decode response: %v", err)}
		}
		return nil
	}
}

func (n *NessusAdapter) advancedTemplateUUID(ctx context.Context) (string, error) {
	if n.templateUUID != "" {
		return n.templateUUID, nil
	}
	var templates struct {
		Templates []struct {
			Name string `json:"name"`
			UUID string `json:"uuid"`
		} `json:"templates"`
	}
	if err := n.do(ctx, "list_templates", http.MethodGet, "/editor/scan/templates", nil, &templates); err != nil {
		return "", err
	}
	for _, tmpl := range templates.Templates {
		if tmpl.Name == "advanced" {
			n.templateUUID = tmpl.UUID
			return tmpl.UUID, nil
		}
	}
	return "", &Error{Op: "list_templates", Message: "advanced scan template not found"}
}

func (n *NessusAdapter) CreateScan(ctx context.Context, req CreateScanRequest) (int, error) {
	templateUUID, err := n.advancedTemplateUUID(ctx)
	if err != nil {
		return 0, err
	}

	settings := map[string]any{
		"name":         req.Name,
		"description":  req.Description,
		"text_targets": req.Targets,
		"launch":       "ON_DEMAND",
	}
	payload := map[string]any{
		"uuid":     templateUUID,
		"settings": settings,
	}
	if req.SSHUsername != "" {
		elevate := req.ElevatePrivilegesWith
		if elevate == "" {
			elevate = "Nothing"
		}
		sshCred := map[string]any{
			"auth_method":             "password",
			"username":                req.SSHUsername,
			"password":                req.SSHPassword,
			"elevate_privileges_with": elevate,
		}
		if elevate != "Nothing" {
			sshCred["escalation_account"] = req.EscalationAccount
			sshCred["escalation_password"] = req.EscalationPassword
		}
		payload["credentials"] = map[string]any{
			"add": map[string]any{
				"Host": map[string]any{
					"SSH": []any{sshCred},
				},
			},
		}
	}

	var created struct {
		Scan struct {
			ID int `json:"id"`
		} `json:"scan"`
	}
	if err := n.do(ctx, "create_scan", http.MethodPost, "/scans", payload, &created); err != nil {
		return 0, err
	}
	if created.Scan.ID == 0 {
		return 0, &Error{Op: "create_scan", Message: "scanner returned no scan id"}
	}
	return created.Scan.ID, nil
}

func (n *NessusAdapter) LaunchScan(ctx context.Context, scanID int) (string, error) {
	var launched struct {
		ScanUUID string `json:"scan_uuid"`
	}
	path := fmt.Sprintf("/scans/%d/launch", scanID)
	if err := n.do(ctx, "launch_scan", http.MethodPost, path, nil, &launched); err != nil {
		return "", err
	}
	return launched.ScanUUID, nil
}

func (n *NessusAdapter) GetStatus(ctx context.Context, scanID int) (ScanStatus, error) {
	var details struct {
		Info struct {
			Status string `json:"status"`
			UUID   string `json:"uuid"`
		} `json:"info"`
		Hosts []struct {
			ScanProgressCurrent int `json:"scanprogresscurrent"`
			ScanProgressTotal   int `json:"scanprogresstotal"`
		} `json:"hosts"`
	}
	path := fmt.Sprintf("/scans/%d", scanID)
	if err := n.do(ctx, "get_status", http.MethodGet, path, nil, &details); err != nil {
		return ScanStatus{}, err
	}

	status := ScanStatus{
		Status: mapVendorStatus(details.Info.Status),
		UUID:   details.Info.UUID,
	}
	var current, total int
	for _, host := range details.Hosts {
		current += host.ScanProgressCurrent
		total += host.ScanProgressTotal
	}
	switch {
	case status.Status == StateCompleted:
		status.Progress = 100
	case total > 0:
		status.Progress = current * 100 / total
	}
	return status, nil
}

// mapVendorStatus folds Nessus scan states into the adapter's four.
// paused still occupies the scanner, so it counts as running; every way a
// scan can die without finishing counts as failed.
func mapVendorStatus(vendor string) string {
	switch vendor {
	case "pending", "empty":
		return StateQueued
	case "running", "paused", "pausing", "resuming", "stopping":
		return StateRunning
	case "completed":
		return StateCompleted
	default: // canceled, stopped, aborted, ...
		return StateFailed
	}
}

func (n *NessusAdapter) ExportResults(ctx context.Context, scanID int) ([]byte, error) {
	var export struct {
		File int `json:"file"`
	}
	path := fmt.Sprintf("/scans/%d/export", scanID)
	if err := n.do(ctx, "export_results", http.MethodPost, path, map[string]string{"format": "nessus"}, &export); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(exportPollMax)
	statusPath := fmt.Sprintf("/scans/%d/export/%d/status", scanID, export.File)
	for {
		var ready struct {
			Status string `json:"status"`
		}
		if err := n.do(ctx, "export_results", http.MethodGet, statusPath, nil, &ready); err != nil {
			return nil, err
		}
		if ready.Status == "ready" {
			break
		}
		if time.Now().After(deadline) {
			return nil, &Error{Op: "export_results", Message: fmt.Sprintf("export not ready after %s", exportPollMax)}
		}
		select {
		case <-ctx.Done():
			return nil, &Error{Op: "export_results", Message: ctx.Err().Error()}
		case <-time.After(exportPollInterval):
		}
	}

	return n.download(ctx, fmt.Sprintf("/scans/%d/export/%d/download", scanID, export.File))
}

func (n *NessusAdapter) download(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+path, nil)
	if err != nil {
		return nil, &Error{Op: "export_results", Message: err.Error()}
	}
	n.mu.Lock()
	req.Header.Set("X-Cookie", "token="+n.token)
	n.mu.Unlock()

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, &Error{Op: "export_results", Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "export_results", StatusCode: resp.StatusCode, Message: readErrorBody(resp.Body)}
	}
	return io.ReadAll(resp.Body)
}

func (n *NessusAdapter) StopScan(ctx context.Context, scanID int) (bool, error) {
	path := fmt.Sprintf("/scans/%d/stop", scanID)
	if err := n.do(ctx, "stop_scan", http.MethodPost, path, nil, nil); err != nil {
		var scanErr *Error
		if errors.As(err, &scanErr) && scanErr.StatusCode == http.StatusConflict {
			// Already stopped or never started.
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (n *NessusAdapter) DeleteScan(ctx context.Context, scanID int) (bool, error) {
	path := fmt.Sprintf("/scans/%d", scanID)
	if err := n.do(ctx, "delete_scan", http.MethodDelete, path, nil, nil); err != nil {
		var scanErr *Error
		if errors.As(err, &scanErr) && scanErr.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (n *NessusAdapter) ListScans(ctx context.Context) ([]RemoteScan, error) {
	var list struct {
		Scans []struct {
			ID           int    `json:"id"`
			Name         string `json:"name"`
			Status       string `json:"status"`
			LastModified int64  `json:"last_modification_date"`
		} `json:"scans"`
	}
	if err := n.do(ctx, "list_scans", http.MethodGet, "/scans", nil, &list); err != nil {
		return nil, err
	}
	scans := make([]RemoteScan, 0, len(list.Scans))
	for _, s := range list.Scans {
		scans = append(scans, RemoteScan{
			ID:           s.ID,
			Name:         s.Name,
			Status:       s.Status,
			LastModified: s.LastModified,
		})
	}
	return scans, nil
}

func (n *NessusAdapter) Close() error {
	n.client.CloseIdleConnections()
	return nil
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no response body"
	}
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		return apiErr.Error
	}
	return string(data)
}
