// Package postgres is the migration target: pooled connections, liveness
// probing, table creation from plan mappings, and batched row inserts.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"mongopg/internal/plan"
)

// Config locates the target database.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

// DSN renders the config as a postgres URL.
func (c Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	return u.String()
}

// Repo is a handle on one target database.
type Repo struct {
	pool *pgxpool.Pool
}

// New opens a connection pool for dsn. The pool connects lazily; call Ping
// to verify reachability.
func New(ctx context.Context, dsn string) (*Repo, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() { r.pool.Close() }

// Ping verifies the target is reachable and accepting queries.
func (r *Repo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// EnsureTable creates the mapping's target table if it does not exist.
func (r *Repo) EnsureTable(ctx context.Context, m plan.TableMapping) error {
	ddl, err := buildCreateTableSQL(m)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", m.TargetTable, err)
	}
	return nil
}

// InsertRows bulk-inserts rows into table. Every row must match columns in
// length. Returns the number of rows written.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	sql, args, err := buildInsertSQL(table, columns, rows)
	if err != nil {
		return 0, err
	}
	cmd, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// identPattern is deliberately strict: plan identifiers originate from
// source collection and field names, which are untrusted input to DDL.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// columnTypes is the closed set of types the plan generator emits. DDL is
// assembled by interpolation, so anything outside the set is rejected.
var columnTypes = map[string]bool{
	"UUID":             true,
	"VARCHAR(255)":     true,
	"VARCHAR(24)":      true,
	"INTEGER":          true,
	"BIGINT":           true,
	"DOUBLE PRECISION": true,
	"BOOLEAN":          true,
	"TIMESTAMP":        true,
	"JSONB":            true,
	"TEXT":             true,
}

func validIdent(id string) error {
	if !identPattern.MatchString(id) {
		return fmt.Errorf("unsafe identifier %q", id)
	}
	return nil
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// buildCreateTableSQL constructs the CREATE TABLE statement for a mapping.
//
// Pure so identifier validation and column rendering are unit testable
// without a database. Identifiers are validated before quoting and column
// types must come from the generator's closed set.
func buildCreateTableSQL(m plan.TableMapping) (string, error) {
	if err := validIdent(m.TargetTable); err != nil {
		return "", fmt.Errorf("table %s: %w", m.SourceCollection, err)
	}
	if len(m.Columns) == 0 {
		return "", fmt.Errorf("table %s: no columns", m.TargetTable)
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(pgIdent(m.TargetTable))
	b.WriteString(" (")

	for i, col := range m.Columns {
		if err := validIdent(col.TargetColumn); err != nil {
			return "", fmt.Errorf("table %s: %w", m.TargetTable, err)
		}
		if !columnTypes[col.DataType] {
			return "", fmt.Errorf("table %s column %s: unsupported type %q",
				m.TargetTable, col.TargetColumn, col.DataType)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(col.TargetColumn))
		b.WriteString(" ")
		b.WriteString(col.DataType)
		if !col.Nullable {
			b.WriteString(" NOT NULL")
		}
		if col.PrimaryKey {
			b.WriteString(" PRIMARY KEY")
		}
	}

	b.WriteString(")")
	return b.String(), nil
}

// buildInsertSQL constructs one multi-row INSERT and its args.
//
// Pure for the same reason as buildCreateTableSQL: placeholder numbering
// and identifier handling are tested without a database.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any, error) {
	if err := validIdent(table); err != nil {
		return "", nil, err
	}
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("table %s: no columns", table)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if err := validIdent(c); err != nil {
			return "", nil, fmt.Errorf("table %s: %w", table, err)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("table %s row %d: %d values for %d columns",
				table, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			p++
		}
		b.WriteString(")")
		args = append(args, row...)
	}

	return b.String(), args, nil
}
