package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/scanopshq/scanopsd/internal/task"
)

const (
	DefaultPageSize = 40
	minPageSize     = 10
	maxPageSize     = 100
)

// Options controls projection, filtering and pagination of the stream.
// Page 0 means "all results, no pagination".
type Options struct {
	Page         int
	PageSize     int
	Profile      string
	CustomFields []string
	Filters      map[string]string
}

// ScanMetadata is emitted as the second line of every stream.
type ScanMetadata struct {
	TaskID      string
	Name        string
	Targets     string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Summary     *task.ValidationStats
}

type schemaLine struct {
	Type                 string            `json:"type"`
	Profile              string            `json:"profile"`
	Fields               []string          `json:"fields"`
	FiltersApplied       map[string]string `json:"filters_applied"`
	TotalVulnerabilities int               `json:"total_vulnerabilities"`
}

type metadataLine struct {
	Type        string                `json:"type"`
	TaskID      string                `json:"task_id"`
	Name        string                `json:"name"`
	Targets     string                `json:"targets"`
	StartedAt   *time.Time            `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at"`
	Summary     *task.ValidationStats `json:"summary,omitempty"`
}

type paginationLine struct {
	Type       string `json:"type"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	TotalPages int    `json:"total_pages"`
	NextPage   *int   `json:"next_page"`
}

// Stream parses the exported scan once (twice for the unpaginated case),
// projecting and filtering findings into JSON Lines. Resident memory is
// bounded by the page size, never by the number of findings: the paginated
// path buffers only the selected page while counting, and the page=0 path
// counts first, then re-streams and emits as it goes.
func Stream(w io.Writer, open func() (io.ReadCloser, error), meta ScanMetadata, opts Options) error {
	fields, err := ProfileFields(opts.Profile, opts.CustomFields)
	if err != nil {
		return err
	}
	filters := compileFilters(opts.Filters)
	enc := json.NewEncoder(w)

	if opts.Page == 0 {
		return streamAll(w, enc, open, meta, opts, fields, filters)
	}
	return streamPage(w, enc, open, meta, opts, fields, filters)
}

func streamPage(w io.Writer, enc *json.Encoder, open func() (io.ReadCloser, error), meta ScanMetadata, opts Options, fields []string, filters *filterSet) error {
	pageSize := clampPageSize(opts.PageSize)
	first := (opts.Page - 1) * pageSize

	var (
		total int
		page  [][]byte
	)
	r, err := open()
	if err != nil {
		return err
	}
	defer r.Close()

	err = Walk(r, Walker{OnFinding: func(f *Finding) error {
		if !filters.matches(f) {
			return nil
		}
		if total >= first && total < first+pageSize {
			line, err := marshalFinding(fields, f)
			if err != nil {
				return err
			}
			page = append(page, line)
		}
		total++
		return nil
	}})
	if err != nil {
		return err
	}

	if err := emitHeader(enc, meta, opts, fields, total); err != nil {
		return err
	}
	for _, line := range page {
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return err
		}
	}

	totalPages := (total + pageSize - 1) / pageSize
	trailer := paginationLine{
		Type:       "pagination",
		Page:       opts.Page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
	if opts.Page < totalPages {
		next := opts.Page + 1
		trailer.NextPage = &next
	}
	return enc.Encode(trailer)
}

func streamAll(w io.Writer, enc *json.Encoder, open func() (io.ReadCloser, error), meta ScanMetadata, opts Options, fields []string, filters *filterSet) error {
	// Counting pass for the schema line.
	r, err := open()
	if err != nil {
		return err
	}
	var total int
	err = Walk(r, Walker{OnFinding: func(f *Finding) error {
		if filters.matches(f) {
			total++
		}
		return nil
	}})
	r.Close()
	if err != nil {
		return err
	}

	if err := emitHeader(enc, meta, opts, fields, total); err != nil {
		return err
	}

	r, err = open()
	if err != nil {
		return err
	}
	defer r.Close()
	return Walk(r, Walker{OnFinding: func(f *Finding) error {
		if !filters.matches(f) {
			return nil
		}
		line, err := marshalFinding(fields, f)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		_, err = w.Write([]byte{'\n'})
		return err
	}})
}

func emitHeader(enc *json.Encoder, meta ScanMetadata, opts Options, fields []string, total int) error {
	profile := opts.Profile
	if profile == "" {
		profile = ProfileBrief
	}
	filtersApplied := opts.Filters
	if filtersApplied == nil {
		filtersApplied = map[string]string{}
	}
	if err := enc.Encode(schemaLine{
		Type:                 "schema",
		Profile:              profile,
		Fields:               fields,
		FiltersApplied:       filtersApplied,
		TotalVulnerabilities: total,
	}); err != nil {
		return err
	}
	return enc.Encode(metadataLine{
		Type:        "scan_metadata",
		TaskID:      meta.TaskID,
		Name:        meta.Name,
		Targets:     meta.Targets,
		StartedAt:   meta.StartedAt,
		CompletedAt: meta.CompletedAt,
		Summary:     meta.Summary,
	})
}

// marshalFinding writes the projected fields in selection order, with the
// type discriminator first.
func marshalFinding(fields []string, f *Finding) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":"vulnerability"`)
	for _, field := range fields {
		value, ok := fieldValue(f, field)
		if !ok {
			continue
		}
		key, err := json.Marshal(field)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal field %s: %w", field, err)
		}
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func clampPageSize(size int) int {
	switch {
	case size == 0:
		return DefaultPageSize
	case size < minPageSize:
		return minPageSize
	case size > maxPageSize:
		return maxPageSize
	}
	return size
}
