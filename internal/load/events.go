// Package load turns external inputs (event tables and domain fact sets)
// into typed records. It never touches the graph.
package load

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"eventkg/config"
	"eventkg/internal/logger"
	"eventkg/pkg/models"
)

var (
	// ErrMissingField is returned for rows without a required column value.
	ErrMissingField = errors.New("missing required field")
	// ErrBadTimestamp is returned for unparsable timestamps.
	ErrBadTimestamp = errors.New("unparsable timestamp")
	// ErrBadValue is returned for attribute values that do not match their declared kind.
	ErrBadValue = errors.New("unparsable value")
	// ErrDuplicateID is returned when two rows share an event id.
	ErrDuplicateID = errors.New("duplicate event id")
	// ErrMalformedRow is returned for rows that cannot be decoded at all.
	ErrMalformedRow = errors.New("malformed row")
)

// RowError describes one rejected input row.
type RowError struct {
	Row    int
	Column string
	Err    error
}

func (e *RowError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("row %d column %s: %v", e.Row, e.Column, e.Err)
	}
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Report counts loaded and rejected rows.
type Report struct {
	Loaded   int         `json:"loaded"`
	Rejected []*RowError `json:"-"`
}

// RejectedCount returns the number of rejected rows.
func (r *Report) RejectedCount() int {
	if r == nil {
		return 0
	}
	return len(r.Rejected)
}

// Reasons counts rejected rows by cause.
func (r *Report) Reasons() map[string]int {
	if r == nil || len(r.Rejected) == 0 {
		return nil
	}
	out := make(map[string]int)
	for _, rerr := range r.Rejected {
		out[rejectReason(rerr.Err)]++
	}
	return out
}

func rejectReason(err error) string {
	for _, sentinel := range []error{ErrMissingField, ErrBadTimestamp, ErrBadValue, ErrDuplicateID, ErrMalformedRow} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "other"
}

func (r *Report) reject(err *RowError) {
	logger.Warnf("Rejected event row: %v", err)
	r.Rejected = append(r.Rejected, err)
}

// EntityColumn maps an identifier column to an entity type.
type EntityColumn struct {
	Type   string
	Column string
}

// Options describes the shape of the event table.
type Options struct {
	IDColumn        string
	ActivityColumn  string
	TimestampColumn string
	Entities        []EntityColumn
	Attributes      map[string]string // column -> int|float|bool|string|time
	ListDelimiter   string
	AbsentMarker    string
}

// OptionsFromConfig builds loader options from the input settings.
func OptionsFromConfig(in config.InputConfig) Options {
	opts := Options{
		IDColumn:        in.Columns.ID,
		ActivityColumn:  in.Columns.Activity,
		TimestampColumn: in.Columns.Timestamp,
		Attributes:      in.Attributes,
		ListDelimiter:   in.ListDelimiter,
		AbsentMarker:    in.AbsentMarker,
	}
	for _, e := range in.Entities {
		opts.Entities = append(opts.Entities, EntityColumn{Type: e.Type, Column: e.Column})
	}
	return opts
}

// EntityTypes returns the configured entity types in declaration order.
func (o Options) EntityTypes() []string {
	out := make([]string, 0, len(o.Entities))
	for _, e := range o.Entities {
		out = append(out, e.Type)
	}
	return out
}

// IsAbsent reports whether v is the absent marker.
func (o Options) IsAbsent(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), o.marker())
}

func (o Options) marker() string {
	if o.AbsentMarker == "" {
		return "null"
	}
	return o.AbsentMarker
}

func (o Options) delimiter() string {
	if o.ListDelimiter == "" {
		return ","
	}
	return o.ListDelimiter
}

func (o Options) reserved(column string) bool {
	if column == o.IDColumn || column == o.ActivityColumn || column == o.TimestampColumn {
		return true
	}
	for _, e := range o.Entities {
		if e.Column == column {
			return true
		}
	}
	return false
}

// Parser converts raw records into events, rejecting duplicate ids.
type Parser struct {
	opts Options
	seen map[string]struct{}
}

// NewParser creates a parser.
func NewParser(opts Options) *Parser {
	return &Parser{opts: opts, seen: make(map[string]struct{})}
}

// Parse converts the record at input position row into an event.
func (p *Parser) Parse(row int, record map[string]string) (*models.Event, error) {
	o := p.opts

	id := strings.TrimSpace(record[o.IDColumn])
	if id == "" || o.IsAbsent(id) {
		return nil, &RowError{Row: row, Column: o.IDColumn, Err: ErrMissingField}
	}
	if _, dup := p.seen[id]; dup {
		return nil, &RowError{Row: row, Column: o.IDColumn, Err: fmt.Errorf("%w: %s", ErrDuplicateID, id)}
	}
	activity := strings.TrimSpace(record[o.ActivityColumn])
	if activity == "" || o.IsAbsent(activity) {
		return nil, &RowError{Row: row, Column: o.ActivityColumn, Err: ErrMissingField}
	}
	rawTS := strings.TrimSpace(record[o.TimestampColumn])
	if rawTS == "" {
		return nil, &RowError{Row: row, Column: o.TimestampColumn, Err: ErrMissingField}
	}
	ts, ok := ParseTimestamp(rawTS)
	if !ok {
		return nil, &RowError{Row: row, Column: o.TimestampColumn, Err: fmt.Errorf("%w: %q", ErrBadTimestamp, rawTS)}
	}

	event := &models.Event{
		ID:        id,
		Row:       row,
		Activity:  activity,
		Timestamp: ts,
		Entities:  make(map[string][]string, len(o.Entities)),
		Attrs:     make(map[string]any),
	}

	for _, ec := range o.Entities {
		ids := SplitIdentifiers(record[ec.Column], o.delimiter(), o.marker())
		if len(ids) > 0 {
			event.Entities[ec.Type] = ids
		}
	}

	for column, raw := range record {
		if o.reserved(column) {
			continue
		}
		raw = strings.TrimSpace(raw)
		if raw == "" || o.IsAbsent(raw) {
			continue
		}
		v, err := parseValue(raw, o.Attributes[column])
		if err != nil {
			return nil, &RowError{Row: row, Column: column, Err: err}
		}
		event.Attrs[column] = v
	}

	p.seen[id] = struct{}{}
	return event, nil
}

// SplitIdentifiers splits a multi-valued identifier cell. Surrounding
// brackets and per-token quotes are stripped; empty tokens and the absent
// marker are dropped; duplicates keep their first position.
func SplitIdentifiers(raw, delimiter, marker string) []string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		raw = strings.TrimSpace(raw[1 : len(raw)-1])
	}
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, delimiter)
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		v := strings.Trim(strings.TrimSpace(part), `"'`)
		v = strings.TrimSpace(v)
		if v == "" || strings.EqualFold(v, marker) {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ParseTimestamp accepts ISO-8601 timestamps with or without zone; values
// without zone are taken as UTC.
func ParseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}

	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
	} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), true
		}
	}

	return time.Time{}, false
}

func parseValue(raw, kind string) (any, error) {
	switch strings.ToLower(kind) {
	case "int", "integer":
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrBadValue, raw)
		}
		return v, nil
	case "float", "number":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrBadValue, raw)
		}
		return v, nil
	case "bool", "boolean":
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a boolean", ErrBadValue, raw)
		}
		return v, nil
	case "time", "timestamp":
		t, ok := ParseTimestamp(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrBadTimestamp, raw)
		}
		return t, nil
	case "string":
		return raw, nil
	case "":
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v, nil
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v, nil
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: unknown attribute kind %q", ErrBadValue, kind)
	}
}

// ReadCSVFile loads events from a CSV file with a header row.
func ReadCSVFile(path string, opts Options) ([]*models.Event, *Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open event table: %w", err)
	}
	defer f.Close()
	return ReadCSV(f, opts)
}

// ReadCSV loads events from CSV. Bad rows are rejected and reported; only a
// missing or incomplete header or an I/O failure is returned as an error.
func ReadCSV(r io.Reader, opts Options) ([]*models.Event, *Report, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	if err := checkHeader(header, opts); err != nil {
		return nil, nil, err
	}

	parser := NewParser(opts)
	report := &Report{}
	events := make([]*models.Event, 0, 1024)
	for row := 0; ; row++ {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				report.reject(&RowError{Row: row, Err: fmt.Errorf("%w: %v", ErrMalformedRow, err)})
				continue
			}
			return nil, nil, fmt.Errorf("read row %d: %w", row, err)
		}
		if len(fields) != len(header) {
			report.reject(&RowError{Row: row, Err: fmt.Errorf("%w: %d fields, header has %d", ErrMalformedRow, len(fields), len(header))})
			continue
		}
		record := make(map[string]string, len(header))
		for i, name := range header {
			record[name] = fields[i]
		}
		event, err := parser.Parse(row, record)
		if err != nil {
			report.reject(asRowError(row, err))
			continue
		}
		events = append(events, event)
	}
	report.Loaded = len(events)
	return events, report, nil
}

// ReadJSONRows loads events from JSON objects, one per payload, in order.
// Array values are joined with the list delimiter.
func ReadJSONRows(payloads [][]byte, opts Options) ([]*models.Event, *Report) {
	parser := NewParser(opts)
	report := &Report{}
	events := make([]*models.Event, 0, len(payloads))
	for row, payload := range payloads {
		record, err := decodeJSONRecord(payload, opts.delimiter())
		if err != nil {
			report.reject(&RowError{Row: row, Err: fmt.Errorf("%w: %v", ErrMalformedRow, err)})
			continue
		}
		event, err := parser.Parse(row, record)
		if err != nil {
			report.reject(asRowError(row, err))
			continue
		}
		events = append(events, event)
	}
	report.Loaded = len(events)
	return events, report
}

func decodeJSONRecord(payload []byte, delimiter string) (map[string]string, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	record := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, models.FormatValue(item))
			}
			record[k] = strings.Join(parts, delimiter)
		case nil:
			record[k] = ""
		default:
			record[k] = models.FormatValue(val)
		}
	}
	return record, nil
}

func checkHeader(header []string, opts Options) error {
	have := make(map[string]struct{}, len(header))
	for _, h := range header {
		have[h] = struct{}{}
	}
	required := []string{opts.IDColumn, opts.ActivityColumn, opts.TimestampColumn}
	for _, e := range opts.Entities {
		required = append(required, e.Column)
	}
	for _, col := range required {
		if _, ok := have[col]; !ok {
			return fmt.Errorf("event table header is missing column %q", col)
		}
	}
	return nil
}

func asRowError(row int, err error) *RowError {
	var rerr *RowError
	if errors.As(err, &rerr) {
		return rerr
	}
	return &RowError{Row: row, Err: err}
}
