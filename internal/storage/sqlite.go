package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqlite "github.com/glebarez/go-sqlite"

	"github.com/cryguy/scriptd/internal/core"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// SQLite result codes (primary code is the low byte of the extended code).
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteConstraint = 19
)

// SQLite is the default storage engine collaborator.
type SQLite struct {
	DB *sql.DB
}

var _ core.Storage = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path. ":memory:" opens a
// private in-memory database on a single connection so every caller sees
// the same data.
func OpenSQLite(path string) (*SQLite, error) {
	if path == ":memory:" {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			return nil, fmt.Errorf("opening in-memory database: %w", err)
		}
		db.SetMaxOpenConns(1)
		return &SQLite{DB: db}, nil
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	return &SQLite{DB: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

// introspectionPragmas may run with a table or index argument; none of them
// changes state.
var introspectionPragmas = map[string]bool{
	"TABLE_INFO":       true,
	"TABLE_XINFO":      true,
	"TABLE_LIST":       true,
	"INDEX_LIST":       true,
	"INDEX_INFO":       true,
	"INDEX_XINFO":      true,
	"FOREIGN_KEY_LIST": true,
}

// checkStatement blocks statements that could escape the database sandbox.
// Keywords are matched on tokens outside literals and comments, so neither
// a leading comment nor a second statement hides them.
func checkStatement(sqlStr string) error {
	toks := sqlTokens(sqlStr)
	for i, tok := range toks {
		switch tok {
		case ";":
			for _, rest := range toks[i+1:] {
				if rest != ";" {
					return errors.New("multiple statements are not allowed")
				}
			}
		case "ATTACH", "DETACH":
			return fmt.Errorf("%s statements are not allowed", tok)
		case "PRAGMA":
			if i != 0 {
				return errors.New("this PRAGMA is not allowed")
			}
		}
	}
	if len(toks) > 0 && toks[0] == "PRAGMA" {
		return checkPragma(toks[1:])
	}
	return nil
}

// checkPragma allows the introspection pragmas and reading journal_mode.
// toks follow the PRAGMA keyword.
func checkPragma(toks []string) error {
	if len(toks) >= 2 && toks[1] == "." {
		toks = toks[2:]
	}
	if len(toks) == 0 {
		return errors.New("this PRAGMA is not allowed")
	}
	name, rest := toks[0], toks[1:]
	if len(rest) > 0 && rest[len(rest)-1] == ";" {
		rest = rest[:len(rest)-1]
	}
	switch {
	case introspectionPragmas[name]:
		for _, t := range rest {
			if t == "=" {
				return errors.New("this PRAGMA is not allowed")
			}
		}
		return nil
	case name == "JOURNAL_MODE" && len(rest) == 0:
		return nil
	}
	return errors.New("this PRAGMA is not allowed")
}

// sqlTokens splits sqlStr into upper-cased words and single-character
// punctuation. String literals become a single "'" token; quoted
// identifiers become "\""; comments and whitespace are dropped.
func sqlTokens(sqlStr string) []string {
	var toks []string
	s := sqlStr
	for len(s) > 0 {
		c := s[0]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			s = s[1:]
		case strings.HasPrefix(s, "--"):
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = s[i+1:]
			} else {
				s = ""
			}
		case strings.HasPrefix(s, "/*"):
			if i := strings.Index(s[2:], "*/"); i >= 0 {
				s = s[i+4:]
			} else {
				s = ""
			}
		case c == '\'' || c == '"' || c == '`' || c == '[':
			end := c
			if c == '[' {
				end = ']'
			}
			s = skipQuoted(s[1:], end)
			if c == '\'' {
				toks = append(toks, "'")
			} else {
				toks = append(toks, "\"")
			}
		case isWordByte(c):
			n := 1
			for n < len(s) && isWordByte(s[n]) {
				n++
			}
			toks = append(toks, strings.ToUpper(s[:n]))
			s = s[n:]
		default:
			toks = append(toks, s[:1])
			s = s[1:]
		}
	}
	return toks
}

// skipQuoted returns s past the closing end byte. A doubled end byte is an
// escaped quote, except inside brackets.
func skipQuoted(s string, end byte) string {
	for i := 0; i < len(s); i++ {
		if s[i] != end {
			continue
		}
		if end != ']' && i+1 < len(s) && s[i+1] == end {
			i++
			continue
		}
		return s[i+1:]
	}
	return ""
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func args(params []core.Value) []any {
	out := make([]any, len(params))
	for i, p := range params {
		out[i] = p.Any()
	}
	return out
}

// Query runs a row-returning statement.
func (s *SQLite) Query(ctx context.Context, sqlStr string, params []core.Value) ([]core.Row, error) {
	if err := checkStatement(sqlStr); err != nil {
		return nil, &core.StorageError{Kind: core.StorageIO, Err: err}
	}

	rows, err := s.DB.QueryContext(ctx, sqlStr, args(params)...)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classifySQLite(err)
	}

	var result []core.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classifySQLite(err)
		}
		row := make(core.Row, len(cols))
		for i, v := range vals {
			cv, err := core.FromAny(v)
			if err != nil {
				return nil, &core.StorageError{Kind: core.StorageIO, Err: err}
			}
			row[i] = cv
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite(err)
	}
	if result == nil {
		result = []core.Row{}
	}
	return result, nil
}

// Execute runs a statement and returns the number of affected rows.
func (s *SQLite) Execute(ctx context.Context, sqlStr string, params []core.Value) (int64, error) {
	if err := checkStatement(sqlStr); err != nil {
		return 0, &core.StorageError{Kind: core.StorageIO, Err: err}
	}

	res, err := s.DB.ExecContext(ctx, sqlStr, args(params)...)
	if err != nil {
		return 0, classifySQLite(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classifySQLite(err)
	}
	return n, nil
}

// classifySQLite maps a driver error onto a StorageError kind.
func classifySQLite(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return &core.StorageError{Kind: core.StorageBusy, Err: err}
		case sqliteConstraint:
			return &core.StorageError{Kind: core.StorageConstraint, Err: err}
		}
	}
	return &core.StorageError{Kind: core.StorageIO, Err: err}
}
