package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/plugin"
)

// Compile-time interface assertions.
var (
	_ plugin.Source = (*JSONLSource)(nil)
	_ plugin.Sink   = (*JSONLSink)(nil)
)

// Lines longer than this abort the read; a single runaway line would
// otherwise be split into garbage rows.
const maxJSONLLineBytes = 1 << 20

// JSONLSource loads rows from a newline-delimited JSON file. Each
// non-blank line must hold one JSON object; lines that fail to parse or
// hold a non-object value are emitted as invalid rows with their line
// number and raw text, so the runtime can quarantine them.
//
// Config options:
//
//	path: path to the JSONL file (required)
type JSONLSource struct {
	nodeID string
	path   string

	iter *jsonlRowIter
}

// NewJSONLSource builds a jsonl source from its node config.
func NewJSONLSource(nodeID string, config map[string]any) (*JSONLSource, error) {
	path, err := requiredStringOption(config, "path")
	if err != nil {
		return nil, fmt.Errorf("jsonl source %s: %w", nodeID, err)
	}

	return &JSONLSource{nodeID: nodeID, path: path}, nil
}

// Info implements plugin.Source.
func (s *JSONLSource) Info() plugin.SourceInfo {
	return plugin.SourceInfo{Name: "jsonl", NodeID: s.nodeID, Version: builtinVersion}
}

// OnStart implements plugin.Source.
func (s *JSONLSource) OnStart(_ context.Context, _ *plugin.Context) error { return nil }

// Load opens the file and returns an iterator over its lines. The
// iterator owns the file handle.
func (s *JSONLSource) Load(_ context.Context, _ *plugin.Context) (plugin.RowIter, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("jsonl source %s: %w", s.nodeID, err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJSONLLineBytes)

	s.iter = &jsonlRowIter{nodeID: s.nodeID, file: f, scanner: scanner}

	return s.iter, nil
}

// OnComplete implements plugin.Source.
func (s *JSONLSource) OnComplete(_ context.Context, _ *plugin.Context) error { return nil }

// Close releases the file handle if the iterator was not closed.
func (s *JSONLSource) Close() error {
	if s.iter == nil {
		return nil
	}

	return s.iter.Close()
}

type jsonlRowIter struct {
	nodeID  string
	file    *os.File
	scanner *bufio.Scanner
	lineNum int
	closed  bool
}

func (it *jsonlRowIter) Next(ctx context.Context) (plugin.SourceRow, bool, error) {
	if err := ctx.Err(); err != nil {
		return plugin.SourceRow{}, false, err
	}

	for it.scanner.Scan() {
		it.lineNum++

		line := strings.TrimSpace(it.scanner.Text())
		if line == "" {
			continue
		}

		var value any
		if err := json.Unmarshal([]byte(line), &value); err != nil {
			return plugin.InvalidRow(map[string]any{
				"error":       fmt.Sprintf("json parse error at line %d: %v", it.lineNum, err),
				"line_number": it.lineNum,
				"raw_line":    line,
			}), true, nil
		}

		row, ok := value.(map[string]any)
		if !ok {
			return plugin.InvalidRow(map[string]any{
				"error":       fmt.Sprintf("line %d is not a json object", it.lineNum),
				"line_number": it.lineNum,
				"raw_line":    line,
			}), true, nil
		}

		return plugin.ValidRow(row), true, nil
	}

	if err := it.scanner.Err(); err != nil {
		return plugin.SourceRow{}, false, fmt.Errorf("jsonl source %s: failed to read line %d: %w", it.nodeID, it.lineNum+1, err)
	}

	return plugin.SourceRow{}, false, nil
}

func (it *jsonlRowIter) Close() error {
	if it.closed {
		return nil
	}

	it.closed = true

	if err := it.file.Close(); err != nil {
		return fmt.Errorf("failed to close jsonl source file: %w", err)
	}

	return nil
}

// JSONLSink writes rows to a newline-delimited JSON file, one canonical
// JSON object per line, lazily opened on first write.
//
// Config options:
//
//	path: path to the output file (required)
//	mode: "write" truncates, "append" adds to an existing file
//	      (default "write")
type JSONLSink struct {
	nodeID string
	path   string
	mode   string

	file *os.File
}

// NewJSONLSink builds a jsonl sink from its node config.
func NewJSONLSink(nodeID string, config map[string]any) (*JSONLSink, error) {
	path, err := requiredStringOption(config, "path")
	if err != nil {
		return nil, fmt.Errorf("jsonl sink %s: %w", nodeID, err)
	}

	mode, err := sinkModeOption(config)
	if err != nil {
		return nil, fmt.Errorf("jsonl sink %s: %w", nodeID, err)
	}

	return &JSONLSink{nodeID: nodeID, path: path, mode: mode}, nil
}

// Info implements plugin.Sink.
func (s *JSONLSink) Info() plugin.SinkInfo {
	return plugin.SinkInfo{
		Name:       "jsonl",
		NodeID:     s.nodeID,
		Version:    builtinVersion,
		Idempotent: s.mode == modeWrite,
	}
}

// OnStart implements plugin.Sink.
func (s *JSONLSink) OnStart(_ context.Context, _ *plugin.Context) error { return nil }

// Write appends one line per row and re-hashes the file so the
// descriptor always reflects the artifact on disk.
func (s *JSONLSink) Write(_ context.Context, rows []map[string]any, _ *plugin.Context) (*plugin.ArtifactDescriptor, error) {
	if s.file == nil && len(rows) == 0 {
		return &plugin.ArtifactDescriptor{
			PathOrURI:   s.path,
			SizeBytes:   0,
			ContentHash: audit.HashBytes(nil),
			Type:        "file",
		}, nil
	}

	if s.file == nil {
		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if s.mode == modeAppend {
			flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		}

		f, err := os.OpenFile(s.path, flags, sinkFilePerm)
		if err != nil {
			return nil, fmt.Errorf("jsonl sink %s: failed to open file: %w", s.nodeID, err)
		}

		s.file = f
	}

	for _, row := range rows {
		data, err := audit.CanonicalJSON(row)
		if err != nil {
			return nil, fmt.Errorf("jsonl sink %s: %w", s.nodeID, err)
		}

		if _, err := s.file.Write(append(data, '\n')); err != nil {
			return nil, fmt.Errorf("jsonl sink %s: failed to write row: %w", s.nodeID, err)
		}
	}

	hash, size, err := fileDigest(s.path)
	if err != nil {
		return nil, fmt.Errorf("jsonl sink %s: %w", s.nodeID, err)
	}

	return &plugin.ArtifactDescriptor{
		PathOrURI:   s.path,
		SizeBytes:   size,
		ContentHash: hash,
		Type:        "file",
	}, nil
}

// Flush syncs the file. Outcomes and checkpoints are recorded after
// Flush returns, so the rows must be durable by then.
func (s *JSONLSink) Flush(_ context.Context) error {
	if s.file == nil {
		return nil
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("jsonl sink %s: failed to sync file: %w", s.nodeID, err)
	}

	return nil
}

// OnComplete implements plugin.Sink.
func (s *JSONLSink) OnComplete(_ context.Context, _ *plugin.Context) error { return nil }

// Close releases the file handle.
func (s *JSONLSink) Close() error {
	if s.file == nil {
		return nil
	}

	err := s.file.Close()
	s.file = nil

	if err != nil {
		return fmt.Errorf("jsonl sink %s: failed to close file: %w", s.nodeID, err)
	}

	return nil
}
