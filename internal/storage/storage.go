// Package storage provides the storage engine collaborators behind the
// database bridge: SQLite (default) and PostgreSQL. Both classify engine
// failures into the busy, constraint and io kinds scripts see.
package storage

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cryguy/scriptd/internal/core"
)

// Open returns the collaborator selected by cfg.Driver.
func Open(ctx context.Context, cfg core.StorageConfig) (core.Storage, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return OpenSQLite(cfg.DSN)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

type tracedStorage struct {
	next   core.Storage
	tracer trace.Tracer
}

// WithTracing wraps s so every call records a db.query or db.execute span.
func WithTracing(s core.Storage, tp trace.TracerProvider) core.Storage {
	return &tracedStorage{next: s, tracer: tp.Tracer("github.com/cryguy/scriptd/internal/storage")}
}

func (t *tracedStorage) Query(ctx context.Context, sql string, params []core.Value) ([]core.Row, error) {
	ctx, span := t.tracer.Start(ctx, "db.query", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.statement", sql),
			attribute.Int("db.params", len(params)),
		))
	defer span.End()

	rows, err := t.next.Query(ctx, sql, params)
	if err != nil {
		endWithError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("db.rows", len(rows)))
	return rows, nil
}

func (t *tracedStorage) Execute(ctx context.Context, sql string, params []core.Value) (int64, error) {
	ctx, span := t.tracer.Start(ctx, "db.execute", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.statement", sql),
			attribute.Int("db.params", len(params)),
		))
	defer span.End()

	n, err := t.next.Execute(ctx, sql, params)
	if err != nil {
		endWithError(span, err)
		return 0, err
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", n))
	return n, nil
}

func (t *tracedStorage) Close() error { return t.next.Close() }

func endWithError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.String("db.error_kind", string(core.StorageKindOf(err))))
	span.SetStatus(codes.Error, err.Error())
}
