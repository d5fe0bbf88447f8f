package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const spanSchema = `
CREATE TABLE IF NOT EXISTS otel_spans (
	span_id        TEXT PRIMARY KEY,
	trace_id       TEXT NOT NULL,
	parent_span_id TEXT,
	name           TEXT NOT NULL,
	start_time     INTEGER NOT NULL,
	end_time       INTEGER NOT NULL,
	status_code    INTEGER NOT NULL,
	status_message TEXT,
	attributes     TEXT
);
CREATE INDEX IF NOT EXISTS idx_otel_spans_trace ON otel_spans(trace_id);
CREATE INDEX IF NOT EXISTS idx_otel_spans_start ON otel_spans(start_time);`

// SpanStore is an sdktrace.SpanExporter that writes spans into a SQLite
// database, so a twin without a collector still keeps a local trace of its
// bus and request activity.
type SpanStore struct {
	db        *sql.DB
	retention time.Duration
	mu        sync.Mutex
}

// NewSpanStore creates the span table in db. Spans older than retention are
// pruned on export; zero keeps everything.
func NewSpanStore(ctx context.Context, db *sql.DB, retention time.Duration) (*SpanStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if _, err := db.ExecContext(ctx, spanSchema); err != nil {
		return nil, fmt.Errorf("create span table: %w", err)
	}
	return &SpanStore{db: db, retention: retention}, nil
}

// ExportSpans implements sdktrace.SpanExporter.
func (s *SpanStore) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO otel_spans
			(span_id, trace_id, parent_span_id, name, start_time, end_time, status_code, status_message, attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare span statement: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		var parent *string
		if span.Parent().SpanID().IsValid() {
			id := span.Parent().SpanID().String()
			parent = &id
		}
		attrs, err := json.Marshal(attributeMap(span.Attributes()))
		if err != nil {
			return fmt.Errorf("encode span attributes: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			span.SpanContext().SpanID().String(),
			span.SpanContext().TraceID().String(),
			parent,
			span.Name(),
			span.StartTime().UnixNano(),
			span.EndTime().UnixNano(),
			int(span.Status().Code),
			span.Status().Description,
			string(attrs),
		); err != nil {
			return fmt.Errorf("insert span: %w", err)
		}
	}

	if s.retention > 0 {
		cutoff := time.Now().Add(-s.retention).UnixNano()
		if _, err := tx.ExecContext(ctx, `DELETE FROM otel_spans WHERE start_time < ?`, cutoff); err != nil {
			return fmt.Errorf("prune spans: %w", err)
		}
	}
	return tx.Commit()
}

// Shutdown implements sdktrace.SpanExporter. The database is owned by the caller.
func (s *SpanStore) Shutdown(context.Context) error {
	return nil
}

// StoredSpan is a span read back from a SpanStore.
type StoredSpan struct {
	TraceID    string
	SpanID     string
	ParentID   string
	Name       string
	Start      time.Time
	Duration   time.Duration
	StatusCode int
	Attributes map[string]any
}

// Spans returns stored spans, newest first. A non-empty name filters by span name.
func (s *SpanStore) Spans(ctx context.Context, name string, limit int) ([]StoredSpan, error) {
	query := `SELECT trace_id, span_id, COALESCE(parent_span_id, ''), name, start_time, end_time, status_code, attributes
		FROM otel_spans`
	args := []any{}
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY start_time DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	var out []StoredSpan
	for rows.Next() {
		var (
			sp         StoredSpan
			start, end int64
			attrs      string
		)
		if err := rows.Scan(&sp.TraceID, &sp.SpanID, &sp.ParentID, &sp.Name, &start, &end, &sp.StatusCode, &attrs); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		sp.Start = time.Unix(0, start)
		sp.Duration = time.Duration(end - start)
		if err := json.Unmarshal([]byte(attrs), &sp.Attributes); err != nil {
			return nil, fmt.Errorf("decode span attributes: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

var _ sdktrace.SpanExporter = (*SpanStore)(nil)
