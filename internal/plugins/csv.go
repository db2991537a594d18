package plugins

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/plugin"
)

// Compile-time interface assertions.
var (
	_ plugin.Source = (*CSVSource)(nil)
	_ plugin.Sink   = (*CSVSink)(nil)
)

// CSVSource loads rows from a local CSV file. Field values stay strings;
// downstream transforms own any type conversion.
//
// Config options:
//
//	path:      path to the CSV file (required)
//	delimiter: field delimiter, one character (default ",")
//	skip_rows: records to discard before the header, for files with a
//	           non-CSV preamble (default 0)
//	columns:   explicit column names for headerless files; when set, no
//	           header record is read
//
// Malformed records are emitted as invalid rows carrying the parse error
// and their position, so the runtime can quarantine them without
// aborting the run. Only file-level failures abort the source phase.
type CSVSource struct {
	nodeID    string
	path      string
	delimiter rune
	skipRows  int
	columns   []string

	iter *csvRowIter
}

// NewCSVSource builds a csv source from its node config.
func NewCSVSource(nodeID string, config map[string]any) (*CSVSource, error) {
	path, err := requiredStringOption(config, "path")
	if err != nil {
		return nil, fmt.Errorf("csv source %s: %w", nodeID, err)
	}

	delimiter, err := delimiterOption(config)
	if err != nil {
		return nil, fmt.Errorf("csv source %s: %w", nodeID, err)
	}

	skipRows, err := intOption(config, "skip_rows", 0)
	if err != nil {
		return nil, fmt.Errorf("csv source %s: %w", nodeID, err)
	}

	if skipRows < 0 {
		return nil, fmt.Errorf("csv source %s: option %q must not be negative", nodeID, "skip_rows")
	}

	columns, err := stringListOption(config, "columns")
	if err != nil {
		return nil, fmt.Errorf("csv source %s: %w", nodeID, err)
	}

	return &CSVSource{
		nodeID:    nodeID,
		path:      path,
		delimiter: delimiter,
		skipRows:  skipRows,
		columns:   columns,
	}, nil
}

// Info implements plugin.Source.
func (s *CSVSource) Info() plugin.SourceInfo {
	return plugin.SourceInfo{Name: "csv", NodeID: s.nodeID, Version: builtinVersion}
}

// OnStart implements plugin.Source.
func (s *CSVSource) OnStart(_ context.Context, _ *plugin.Context) error { return nil }

// Load opens the file and returns an iterator over its records. The
// iterator owns the file handle.
func (s *CSVSource) Load(_ context.Context, _ *plugin.Context) (plugin.RowIter, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("csv source %s: %w", s.nodeID, err)
	}

	reader := csv.NewReader(f)
	reader.Comma = s.delimiter
	// Field counts are checked per record so short and long rows become
	// quarantined rows instead of aborting the read.
	reader.FieldsPerRecord = -1

	s.iter = &csvRowIter{
		nodeID:    s.nodeID,
		file:      f,
		reader:    reader,
		delimiter: s.delimiter,
		skipRows:  s.skipRows,
		columns:   s.columns,
	}

	return s.iter, nil
}

// OnComplete implements plugin.Source.
func (s *CSVSource) OnComplete(_ context.Context, _ *plugin.Context) error { return nil }

// Close releases the file handle if the iterator was not closed.
func (s *CSVSource) Close() error {
	if s.iter == nil {
		return nil
	}

	return s.iter.Close()
}

type csvRowIter struct {
	nodeID    string
	file      *os.File
	reader    *csv.Reader
	delimiter rune
	skipRows  int
	columns   []string

	headers []string
	started bool
	done    bool
	closed  bool
	rowNum  int
}

// prepare skips the configured preamble and establishes the header row.
// It may return one pending invalid row when the header itself fails to
// parse; that row ends the stream.
func (it *csvRowIter) prepare() (*plugin.SourceRow, error) {
	// The preamble may not be valid CSV at all; discarding it is the
	// point, so parse errors here are ignored.
	for range it.skipRows {
		if _, err := it.reader.Read(); errors.Is(err, io.EOF) {
			it.done = true
			return nil, nil
		}
	}

	if it.columns != nil {
		it.headers = it.columns
		return nil, nil
	}

	record, err := it.reader.Read()
	if errors.Is(err, io.EOF) {
		it.done = true
		return nil, nil
	}

	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		it.done = true
		row := plugin.InvalidRow(map[string]any{
			"error":       fmt.Sprintf("csv parse error at line %d: %v", parseErr.Line, parseErr.Err),
			"line_number": parseErr.Line,
			"raw_line":    "(unparseable csv header)",
		})

		return &row, nil
	}

	if err != nil {
		return nil, fmt.Errorf("csv source %s: failed to read header: %w", it.nodeID, err)
	}

	it.headers = record

	return nil, nil
}

func (it *csvRowIter) Next(ctx context.Context) (plugin.SourceRow, bool, error) {
	if err := ctx.Err(); err != nil {
		return plugin.SourceRow{}, false, err
	}

	if !it.started {
		it.started = true

		pending, err := it.prepare()
		if err != nil {
			return plugin.SourceRow{}, false, err
		}

		if pending != nil {
			return *pending, true, nil
		}
	}

	if it.done {
		return plugin.SourceRow{}, false, nil
	}

	record, err := it.reader.Read()
	if errors.Is(err, io.EOF) {
		it.done = true
		return plugin.SourceRow{}, false, nil
	}

	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		it.rowNum++

		return plugin.InvalidRow(map[string]any{
			"error":       fmt.Sprintf("csv parse error at line %d: %v", parseErr.Line, parseErr.Err),
			"line_number": parseErr.Line,
			"row_number":  it.rowNum,
		}), true, nil
	}

	if err != nil {
		return plugin.SourceRow{}, false, fmt.Errorf("csv source %s: failed to read row: %w", it.nodeID, err)
	}

	it.rowNum++
	line, _ := it.reader.FieldPos(0)

	if len(record) != len(it.headers) {
		return plugin.InvalidRow(map[string]any{
			"error":       fmt.Sprintf("expected %d fields, got %d at line %d", len(it.headers), len(record), line),
			"line_number": line,
			"row_number":  it.rowNum,
			"raw_line":    strings.Join(record, string(it.delimiter)),
		}), true, nil
	}

	row := make(map[string]any, len(record))
	for i, header := range it.headers {
		row[header] = record[i]
	}

	return plugin.ValidRow(row), true, nil
}

func (it *csvRowIter) Close() error {
	if it.closed {
		return nil
	}

	it.closed = true

	if err := it.file.Close(); err != nil {
		return fmt.Errorf("failed to close csv source file: %w", err)
	}

	return nil
}

// CSVSink writes rows to a local CSV file, lazily opened on first write.
//
// Config options:
//
//	path:      path to the output file (required)
//	delimiter: field delimiter, one character (default ",")
//	mode:      "write" truncates, "append" adds to an existing file
//	           (default "write")
//	columns:   explicit header order; defaults to the sorted keys of the
//	           first row
//
// The header is fixed at open time. A row carrying a field outside the
// header is an upstream bug and fails the write. In append mode the
// header of the existing file wins; resume reuses it unchanged.
type CSVSink struct {
	nodeID    string
	path      string
	delimiter rune
	mode      string
	columns   []string

	file   *os.File
	writer *csv.Writer
	fields []string
}

// NewCSVSink builds a csv sink from its node config.
func NewCSVSink(nodeID string, config map[string]any) (*CSVSink, error) {
	path, err := requiredStringOption(config, "path")
	if err != nil {
		return nil, fmt.Errorf("csv sink %s: %w", nodeID, err)
	}

	delimiter, err := delimiterOption(config)
	if err != nil {
		return nil, fmt.Errorf("csv sink %s: %w", nodeID, err)
	}

	mode, err := sinkModeOption(config)
	if err != nil {
		return nil, fmt.Errorf("csv sink %s: %w", nodeID, err)
	}

	columns, err := stringListOption(config, "columns")
	if err != nil {
		return nil, fmt.Errorf("csv sink %s: %w", nodeID, err)
	}

	return &CSVSink{
		nodeID:    nodeID,
		path:      path,
		delimiter: delimiter,
		mode:      mode,
		columns:   columns,
	}, nil
}

// Info implements plugin.Sink. Write mode truncates on open, so a
// replayed run reproduces the same file; append mode duplicates rows.
func (s *CSVSink) Info() plugin.SinkInfo {
	return plugin.SinkInfo{
		Name:       "csv",
		NodeID:     s.nodeID,
		Version:    builtinVersion,
		Idempotent: s.mode == modeWrite,
	}
}

// OnStart implements plugin.Sink.
func (s *CSVSink) OnStart(_ context.Context, _ *plugin.Context) error { return nil }

// Write appends the rows and re-hashes the file so the descriptor always
// reflects the artifact on disk.
func (s *CSVSink) Write(_ context.Context, rows []map[string]any, _ *plugin.Context) (*plugin.ArtifactDescriptor, error) {
	if s.file == nil && len(rows) == 0 {
		return &plugin.ArtifactDescriptor{
			PathOrURI:   s.path,
			SizeBytes:   0,
			ContentHash: audit.HashBytes(nil),
			Type:        "file",
		}, nil
	}

	if s.file == nil {
		if err := s.open(rows[0]); err != nil {
			return nil, err
		}
	}

	for _, row := range rows {
		record, err := s.record(row)
		if err != nil {
			return nil, err
		}

		if err := s.writer.Write(record); err != nil {
			return nil, fmt.Errorf("csv sink %s: failed to write row: %w", s.nodeID, err)
		}
	}

	s.writer.Flush()

	if err := s.writer.Error(); err != nil {
		return nil, fmt.Errorf("csv sink %s: failed to flush rows: %w", s.nodeID, err)
	}

	hash, size, err := fileDigest(s.path)
	if err != nil {
		return nil, fmt.Errorf("csv sink %s: %w", s.nodeID, err)
	}

	return &plugin.ArtifactDescriptor{
		PathOrURI:   s.path,
		SizeBytes:   size,
		ContentHash: hash,
		Type:        "file",
	}, nil
}

// open creates or reopens the output file and fixes the header.
func (s *CSVSink) open(first map[string]any) error {
	if s.mode == modeAppend {
		existing, found, err := s.existingHeader()
		if err != nil {
			return err
		}

		if found {
			if len(s.columns) > 0 && !slices.Equal(existing, s.columns) {
				return fmt.Errorf("csv sink %s: existing header %v does not match configured columns %v",
					s.nodeID, existing, s.columns)
			}

			f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, sinkFilePerm)
			if err != nil {
				return fmt.Errorf("csv sink %s: failed to open file for append: %w", s.nodeID, err)
			}

			s.file = f
			s.writer = csv.NewWriter(f)
			s.writer.Comma = s.delimiter
			s.fields = existing

			return nil
		}
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, sinkFilePerm)
	if err != nil {
		return fmt.Errorf("csv sink %s: failed to create file: %w", s.nodeID, err)
	}

	s.file = f
	s.writer = csv.NewWriter(f)
	s.writer.Comma = s.delimiter
	s.fields = s.headerFields(first)

	if err := s.writer.Write(s.fields); err != nil {
		return fmt.Errorf("csv sink %s: failed to write header: %w", s.nodeID, err)
	}

	return nil
}

// existingHeader reads the header of the file being appended to. A
// missing or empty file reports found=false and is created fresh.
func (s *CSVSink) existingHeader() ([]string, bool, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("csv sink %s: failed to open existing file: %w", s.nodeID, err)
	}

	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.Comma = s.delimiter

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("csv sink %s: failed to read existing header: %w", s.nodeID, err)
	}

	return header, true, nil
}

func (s *CSVSink) headerFields(first map[string]any) []string {
	if len(s.columns) > 0 {
		return s.columns
	}

	fields := make([]string, 0, len(first))
	for key := range first {
		fields = append(fields, key)
	}

	sort.Strings(fields)

	return fields
}

// record renders a row in header order. Fields absent from the row render
// empty; fields absent from the header fail the write.
func (s *CSVSink) record(row map[string]any) ([]string, error) {
	record := make([]string, len(s.fields))
	seen := 0

	for i, field := range s.fields {
		value, ok := row[field]
		if !ok {
			continue
		}

		seen++

		str, err := fieldString(value)
		if err != nil {
			return nil, fmt.Errorf("csv sink %s: field %q: %w", s.nodeID, field, err)
		}

		record[i] = str
	}

	if seen != len(row) {
		extras := make([]string, 0, len(row))

		for key := range row {
			if !slices.Contains(s.fields, key) {
				extras = append(extras, key)
			}
		}

		sort.Strings(extras)

		return nil, fmt.Errorf("csv sink %s: row fields %v are not in the header", s.nodeID, extras)
	}

	return record, nil
}

// Flush syncs the file. Outcomes and checkpoints are recorded after
// Flush returns, so the rows must be durable by then.
func (s *CSVSink) Flush(_ context.Context) error {
	if s.file == nil {
		return nil
	}

	s.writer.Flush()

	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("csv sink %s: failed to flush rows: %w", s.nodeID, err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("csv sink %s: failed to sync file: %w", s.nodeID, err)
	}

	return nil
}

// OnComplete implements plugin.Sink.
func (s *CSVSink) OnComplete(_ context.Context, _ *plugin.Context) error { return nil }

// Close flushes buffered rows and releases the file handle.
func (s *CSVSink) Close() error {
	if s.file == nil {
		return nil
	}

	s.writer.Flush()
	flushErr := s.writer.Error()

	err := s.file.Close()
	s.file = nil
	s.writer = nil

	if flushErr != nil {
		return fmt.Errorf("csv sink %s: failed to flush rows: %w", s.nodeID, flushErr)
	}

	if err != nil {
		return fmt.Errorf("csv sink %s: failed to close file: %w", s.nodeID, err)
	}

	return nil
}

// delimiterOption reads the shared delimiter option used by the csv
// source and sink.
func delimiterOption(config map[string]any) (rune, error) {
	delim, err := stringOption(config, "delimiter", ",")
	if err != nil {
		return 0, err
	}

	runes := []rune(delim)
	if len(runes) != 1 {
		return 0, fmt.Errorf("option %q must be a single character, got %q", "delimiter", delim)
	}

	return runes[0], nil
}

// sinkModeOption reads the shared mode option used by the file sinks.
func sinkModeOption(config map[string]any) (string, error) {
	mode, err := stringOption(config, "mode", modeWrite)
	if err != nil {
		return "", err
	}

	if mode != modeWrite && mode != modeAppend {
		return "", fmt.Errorf("option %q must be %q or %q, got %q", "mode", modeWrite, modeAppend, mode)
	}

	return mode, nil
}
