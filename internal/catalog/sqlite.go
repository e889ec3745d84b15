package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"mongopg/internal/plan"
	"mongopg/internal/relation"
	"mongopg/internal/risk"
	"mongopg/internal/schema"
)

// SQLite implements Store on a local SQLite database.
//
// Timestamps are stored as RFC3339Nano strings: SQLite has no native
// timestamp type and TEXT affinity round-trips reliably through the
// modernc.org/sqlite driver. JSON columns hold the type sets, the affected
// collection lists, and the full plan document.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS migrations (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	has_plan   INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS schemas (
	id           TEXT PRIMARY KEY,
	migration_id TEXT NOT NULL,
	analyzed     INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS schema_fields (
	schema_id  TEXT NOT NULL,
	collection TEXT NOT NULL,
	name       TEXT NOT NULL,
	path       TEXT NOT NULL,
	types      TEXT NOT NULL,
	frequency  REAL NOT NULL,
	required   INTEGER NOT NULL,
	is_array   INTEGER NOT NULL,
	is_nested  INTEGER NOT NULL,
	PRIMARY KEY (schema_id, collection, path)
);
CREATE TABLE IF NOT EXISTS relationships (
	schema_id         TEXT NOT NULL,
	source_collection TEXT NOT NULL,
	source_field      TEXT NOT NULL,
	target_collection TEXT NOT NULL,
	target_field      TEXT NOT NULL,
	kind              TEXT NOT NULL,
	confidence        REAL NOT NULL,
	method            TEXT NOT NULL,
	PRIMARY KEY (schema_id, source_collection, source_field)
);
CREATE TABLE IF NOT EXISTS risks (
	migration_id         TEXT NOT NULL,
	category             TEXT NOT NULL,
	severity             TEXT NOT NULL,
	description          TEXT NOT NULL,
	mitigation           TEXT NOT NULL,
	affected_collections TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS plans (
	id           TEXT PRIMARY KEY,
	migration_id TEXT NOT NULL,
	status       TEXT NOT NULL,
	document     TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	migration_id TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	ended_at     TEXT
);
CREATE TABLE IF NOT EXISTS run_progress (
	run_id         TEXT NOT NULL,
	table_name     TEXT NOT NULL,
	status         TEXT NOT NULL,
	rows_total     INTEGER NOT NULL DEFAULT 0,
	rows_processed INTEGER NOT NULL DEFAULT 0,
	error          TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, table_name)
);
`

// OpenSQLite opens (creating if needed) a catalog at path. ":memory:" is
// accepted for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	// Progress rows are written concurrently by table tasks; a single
	// connection keeps modernc's file locking out of the picture.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateMigration(ctx context.Context, name string) (Migration, error) {
	m := Migration{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO migrations (id, name, has_plan, created_at) VALUES (?, ?, 0, ?)`,
		m.ID, m.Name, m.CreatedAt.Format(time.RFC3339Nano))
	return m, err
}

func (s *SQLite) Migration(ctx context.Context, id string) (Migration, error) {
	var m Migration
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, has_plan, created_at FROM migrations WHERE id = ?`, id).
		Scan(&m.ID, &m.Name, &m.HasPlan, &created)
	if err == sql.ErrNoRows {
		return Migration{}, ErrNotFound
	}
	if err != nil {
		return Migration{}, err
	}
	m.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	return m, err
}

func (s *SQLite) SetMigrationHasPlan(ctx context.Context, id string, has bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE migrations SET has_plan = ? WHERE id = ?`, has, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLite) CreateSchema(ctx context.Context, migrationID string) (Schema, error) {
	sc := Schema{ID: uuid.NewString(), MigrationID: migrationID, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schemas (id, migration_id, analyzed, created_at) VALUES (?, ?, 0, ?)`,
		sc.ID, sc.MigrationID, sc.CreatedAt.Format(time.RFC3339Nano))
	return sc, err
}

// SchemaByMigration returns the most recent schema for a migration.
func (s *SQLite) SchemaByMigration(ctx context.Context, migrationID string) (Schema, error) {
	var sc Schema
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, migration_id, analyzed, created_at FROM schemas
		 WHERE migration_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, migrationID).
		Scan(&sc.ID, &sc.MigrationID, &sc.Analyzed, &created)
	if err == sql.ErrNoRows {
		return Schema{}, ErrNotFound
	}
	if err != nil {
		return Schema{}, err
	}
	sc.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	return sc, err
}

func (s *SQLite) MarkSchemaAnalyzed(ctx context.Context, schemaID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schemas SET analyzed = 1 WHERE id = ?`, schemaID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLite) SaveFields(ctx context.Context, schemaID string, fields []schema.Field) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, f := range fields {
			types, err := json.Marshal(f.Types)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO schema_fields
				 (schema_id, collection, name, path, types, frequency, required, is_array, is_nested)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				schemaID, f.Collection, f.Name, f.Path, string(types),
				f.Frequency, f.Required, f.IsArray, f.IsNested)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) FieldsBySchema(ctx context.Context, schemaID string) (map[string][]schema.Field, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection, name, path, types, frequency, required, is_array, is_nested
		 FROM schema_fields WHERE schema_id = ? ORDER BY collection, path`, schemaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]schema.Field)
	for rows.Next() {
		var f schema.Field
		var types string
		if err := rows.Scan(&f.Collection, &f.Name, &f.Path, &types,
			&f.Frequency, &f.Required, &f.IsArray, &f.IsNested); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(types), &f.Types); err != nil {
			return nil, fmt.Errorf("field %s.%s types: %w", f.Collection, f.Path, err)
		}
		out[f.Collection] = append(out[f.Collection], f)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveRelationships(ctx context.Context, schemaID string, rels []relation.Relationship) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rels {
			_, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO relationships
				 (schema_id, source_collection, source_field, target_collection, target_field, kind, confidence, method)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				schemaID, r.SourceCollection, r.SourceField, r.TargetCollection,
				r.TargetField, string(r.Kind), r.Confidence, string(r.Method))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) RelationshipsBySchema(ctx context.Context, schemaID string) ([]relation.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_collection, source_field, target_collection, target_field, kind, confidence, method
		 FROM relationships WHERE schema_id = ? ORDER BY source_collection, source_field`, schemaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relation.Relationship
	for rows.Next() {
		var r relation.Relationship
		if err := rows.Scan(&r.SourceCollection, &r.SourceField, &r.TargetCollection,
			&r.TargetField, &r.Kind, &r.Confidence, &r.Method); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveRisks(ctx context.Context, migrationID string, risks []risk.Risk) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM risks WHERE migration_id = ?`, migrationID); err != nil {
			return err
		}
		for _, r := range risks {
			affected, err := json.Marshal(r.AffectedCollections)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO risks (migration_id, category, severity, description, mitigation, affected_collections)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				migrationID, string(r.Category), string(r.Severity), r.Description, r.Mitigation, string(affected))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) RisksByMigration(ctx context.Context, migrationID string) ([]risk.Risk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, severity, description, mitigation, affected_collections
		 FROM risks WHERE migration_id = ? ORDER BY rowid`, migrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []risk.Risk
	for rows.Next() {
		var r risk.Risk
		var affected string
		if err := rows.Scan(&r.Category, &r.Severity, &r.Description, &r.Mitigation, &affected); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(affected), &r.AffectedCollections); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) SavePlan(ctx context.Context, migrationID string, doc plan.Document) (PlanSnapshot, error) {
	p := PlanSnapshot{
		ID:          uuid.NewString(),
		MigrationID: migrationID,
		Status:      PlanStatusDraft,
		Document:    doc,
		CreatedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return PlanSnapshot{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans (id, migration_id, status, document, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.MigrationID, p.Status, string(raw), p.CreatedAt.Format(time.RFC3339Nano))
	return p, err
}

// LatestPlan returns the most recent snapshot; rowid breaks created_at ties
// so snapshots saved within the same timestamp still order by insertion.
func (s *SQLite) LatestPlan(ctx context.Context, migrationID string) (PlanSnapshot, error) {
	var p PlanSnapshot
	var raw, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, migration_id, status, document, created_at FROM plans
		 WHERE migration_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, migrationID).
		Scan(&p.ID, &p.MigrationID, &p.Status, &raw, &created)
	if err == sql.ErrNoRows {
		return PlanSnapshot{}, ErrNotFound
	}
	if err != nil {
		return PlanSnapshot{}, err
	}
	if err := json.Unmarshal([]byte(raw), &p.Document); err != nil {
		return PlanSnapshot{}, fmt.Errorf("plan %s document: %w", p.ID, err)
	}
	p.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	return p, err
}

func (s *SQLite) CreateRun(ctx context.Context, migrationID string) (Run, error) {
	r := Run{ID: uuid.NewString(), MigrationID: migrationID, Status: RunRunning, StartedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, migration_id, status, started_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.MigrationID, string(r.Status), r.StartedAt.Format(time.RFC3339Nano))
	return r, err
}

func (s *SQLite) Run(ctx context.Context, id string) (Run, error) {
	var r Run
	var started string
	var ended sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, migration_id, status, started_at, ended_at FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &r.MigrationID, &r.Status, &started, &ended)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return Run{}, err
	}
	if ended.Valid {
		t, err := time.Parse(time.RFC3339Nano, ended.String)
		if err != nil {
			return Run{}, err
		}
		r.EndedAt = &t
	}
	return r, nil
}

func (s *SQLite) FinishRun(ctx context.Context, id string, status RunStatus, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ? WHERE id = ?`,
		string(status), endedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLite) CreateProgress(ctx context.Context, runID, table string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_progress (run_id, table_name, status) VALUES (?, ?, ?)`,
		runID, table, string(ProgressPending))
	return err
}

func (s *SQLite) SetProgressTotal(ctx context.Context, runID, table string, total int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_progress SET rows_total = ? WHERE run_id = ? AND table_name = ?`,
		total, runID, table)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLite) UpdateProgress(ctx context.Context, runID, table string, status ProgressStatus, processed int64, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_progress SET status = ?, rows_processed = ?, error = ?
		 WHERE run_id = ? AND table_name = ?`,
		string(status), processed, errMsg, runID, table)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLite) ProgressByRun(ctx context.Context, runID string) ([]TableProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, table_name, status, rows_total, rows_processed, error
		 FROM run_progress WHERE run_id = ? ORDER BY table_name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TableProgress
	for rows.Next() {
		var p TableProgress
		if err := rows.Scan(&p.RunID, &p.Table, &p.Status, &p.RowsTotal, &p.RowsProcessed, &p.Error); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
