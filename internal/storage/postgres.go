package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cryguy/scriptd/internal/core"
)

// Postgres is the PostgreSQL storage engine collaborator.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ core.Storage = (*Postgres)(nil)

// OpenPostgres connects a pool to dsn.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = make(map[string]string)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "scriptd"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Query(ctx context.Context, sql string, params []core.Value) ([]core.Row, error) {
	rows, err := p.pool.Query(ctx, rebind(sql), args(params)...)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	defer rows.Close()

	result := []core.Row{}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, classifyPostgres(err)
		}
		row := make(core.Row, len(vals))
		for i, v := range vals {
			row[i] = pgValue(v)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(err)
	}
	return result, nil
}

func (p *Postgres) Execute(ctx context.Context, sql string, params []core.Value) (int64, error) {
	tag, err := p.pool.Exec(ctx, rebind(sql), args(params)...)
	if err != nil {
		return 0, classifyPostgres(err)
	}
	return tag.RowsAffected(), nil
}

// rebind rewrites ? placeholders to $1, $2, ... so scripts use one
// placeholder syntax for every engine. Quoted strings, quoted identifiers
// and comments are left alone.
func rebind(sql string) string {
	if !strings.Contains(sql, "?") {
		return sql
	}
	var b strings.Builder
	b.Grow(len(sql) + 8)
	n := 0
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'' || c == '"':
			end := strings.IndexByte(sql[i+1:], c)
			if end < 0 {
				b.WriteString(sql[i:])
				return b.String()
			}
			b.WriteString(sql[i : i+end+2])
			i += end + 1
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				b.WriteString(sql[i:])
				return b.String()
			}
			b.WriteString(sql[i : i+end])
			i += end - 1
		case c == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// pgValue converts a decoded column into a scalar. Types without a scalar
// counterpart are rendered as text.
func pgValue(v any) core.Value {
	if cv, err := core.FromAny(v); err == nil {
		return cv
	}
	switch t := v.(type) {
	case [16]byte:
		return core.Text(uuid.UUID(t).String())
	case fmt.Stringer:
		return core.Text(t.String())
	default:
		return core.Text(fmt.Sprint(t))
	}
}

// classifyPostgres maps a pgx error onto a StorageError kind using the
// SQLSTATE class.
func classifyPostgres(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"):
			return &core.StorageError{Kind: core.StorageConstraint, Err: err}
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			return &core.StorageError{Kind: core.StorageBusy, Err: err}
		}
	}
	return &core.StorageError{Kind: core.StorageIO, Err: err}
}
