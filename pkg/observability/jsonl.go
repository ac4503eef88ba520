package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanRecord is the line format of the per-job trace file. Multiple agent
// processes append to the same file, so each record is one complete JSON
// object on its own line.
type SpanRecord struct {
	TraceID      string           `json:"trace_id"`
	SpanID       string           `json:"span_id"`
	ParentSpanID string           `json:"parent_span_id,omitempty"`
	Name         string           `json:"name"`
	Kind         string           `json:"kind"`
	StartTimeNs  int64            `json:"start_time_ns"`
	EndTimeNs    int64            `json:"end_time_ns"`
	Status       string           `json:"status"`
	Attributes   map[string]any   `json:"attributes,omitempty"`
	Events       []SpanEventEntry `json:"events,omitempty"`
}

// SpanEventEntry is a point-in-time event within a span.
type SpanEventEntry struct {
	Name       string         `json:"name"`
	TimeNs     int64          `json:"time_ns"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// JSONLExporter writes finished spans to traces/<job_id>/spans.jsonl. The
// file is opened with O_APPEND so line writes from concurrent processes do
// not interleave.
type JSONLExporter struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONLExporter opens (or creates) the span file for a job.
func NewJSONLExporter(traceDir, jobID string) (*JSONLExporter, error) {
	dir := filepath.Join(traceDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating trace dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "spans.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening span file: %w", err)
	}
	return &JSONLExporter{file: f}, nil
}

// ExportSpans serializes each span as one JSON line. A full batch is written
// in a single Write call per span so partial lines never hit the file.
func (e *JSONLExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	for _, span := range spans {
		rec := toRecord(span)
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling span %s: %w", rec.SpanID, err)
		}
		if _, err := e.file.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("writing span: %w", err)
		}
	}
	return nil
}

// Shutdown closes the span file.
func (e *JSONLExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	return err
}

func toRecord(span sdktrace.ReadOnlySpan) SpanRecord {
	sc := span.SpanContext()
	rec := SpanRecord{
		TraceID:     sc.TraceID().String(),
		SpanID:      sc.SpanID().String(),
		Name:        span.Name(),
		Kind:        span.Name(),
		StartTimeNs: span.StartTime().UnixNano(),
		EndTimeNs:   span.EndTime().UnixNano(),
		Status:      "ok",
	}
	if parent := span.Parent(); parent.HasSpanID() {
		rec.ParentSpanID = parent.SpanID().String()
	}
	if span.Status().Code == codes.Error {
		rec.Status = "error"
	}

	if attrs := span.Attributes(); len(attrs) > 0 {
		rec.Attributes = make(map[string]any, len(attrs))
		for _, kv := range attrs {
			key := string(kv.Key)
			rec.Attributes[key] = kv.Value.AsInterface()
			if key == attrSpanKind {
				rec.Kind, _ = rec.Attributes[key].(string)
			}
		}
	}
	for _, ev := range span.Events() {
		entry := SpanEventEntry{Name: ev.Name, TimeNs: ev.Time.UnixNano()}
		if len(ev.Attributes) > 0 {
			entry.Attributes = make(map[string]any, len(ev.Attributes))
			for _, kv := range ev.Attributes {
				entry.Attributes[string(kv.Key)] = kv.Value.AsInterface()
			}
		}
		rec.Events = append(rec.Events, entry)
	}
	return rec
}

var _ sdktrace.SpanExporter = (*JSONLExporter)(nil)
