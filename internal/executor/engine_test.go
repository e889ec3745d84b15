package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"mongopg/internal/catalog"
	"mongopg/internal/datasource/mongodb"
	"mongopg/internal/plan"
	"mongopg/internal/relation"
	"mongopg/internal/risk"
	"mongopg/internal/schema"
	"mongopg/internal/target/postgres"
)

// fakeCatalog implements catalog.Store in memory for engine tests.
type fakeCatalog struct {
	mu         sync.Mutex
	plans      map[string]catalog.PlanSnapshot
	runs       map[string]catalog.Run
	progress   map[string]*catalog.TableProgress
	finishErrs int
	runSeq     int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		plans:    map[string]catalog.PlanSnapshot{},
		runs:     map[string]catalog.Run{},
		progress: map[string]*catalog.TableProgress{},
	}
}

func (f *fakeCatalog) progressKey(runID, table string) string { return runID + "/" + table }

func (f *fakeCatalog) CreateMigration(ctx context.Context, name string) (catalog.Migration, error) {
	return catalog.Migration{}, errors.New("not used")
}
func (f *fakeCatalog) Migration(ctx context.Context, id string) (catalog.Migration, error) {
	return catalog.Migration{}, errors.New("not used")
}
func (f *fakeCatalog) SetMigrationHasPlan(ctx context.Context, id string, has bool) error {
	return nil
}
func (f *fakeCatalog) CreateSchema(ctx context.Context, migrationID string) (catalog.Schema, error) {
	return catalog.Schema{}, errors.New("not used")
}
func (f *fakeCatalog) SchemaByMigration(ctx context.Context, migrationID string) (catalog.Schema, error) {
	return catalog.Schema{}, errors.New("not used")
}
func (f *fakeCatalog) MarkSchemaAnalyzed(ctx context.Context, schemaID string) error { return nil }
func (f *fakeCatalog) SaveFields(ctx context.Context, schemaID string, fields []schema.Field) error {
	return nil
}
func (f *fakeCatalog) FieldsBySchema(ctx context.Context, schemaID string) (map[string][]schema.Field, error) {
	return nil, nil
}
func (f *fakeCatalog) SaveRelationships(ctx context.Context, schemaID string, rels []relation.Relationship) error {
	return nil
}
func (f *fakeCatalog) RelationshipsBySchema(ctx context.Context, schemaID string) ([]relation.Relationship, error) {
	return nil, nil
}
func (f *fakeCatalog) SaveRisks(ctx context.Context, migrationID string, risks []risk.Risk) error {
	return nil
}
func (f *fakeCatalog) RisksByMigration(ctx context.Context, migrationID string) ([]risk.Risk, error) {
	return nil, nil
}
func (f *fakeCatalog) SavePlan(ctx context.Context, migrationID string, doc plan.Document) (catalog.PlanSnapshot, error) {
	return catalog.PlanSnapshot{}, errors.New("not used")
}

func (f *fakeCatalog) LatestPlan(ctx context.Context, migrationID string) (catalog.PlanSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[migrationID]
	if !ok {
		return catalog.PlanSnapshot{}, catalog.ErrNotFound
	}
	return p, nil
}

func (f *fakeCatalog) CreateRun(ctx context.Context, migrationID string) (catalog.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runSeq++
	r := catalog.Run{
		ID:          fmt.Sprintf("run-%d", f.runSeq),
		MigrationID: migrationID,
		Status:      catalog.RunRunning,
		StartedAt:   time.Now(),
	}
	f.runs[r.ID] = r
	return r, nil
}

func (f *fakeCatalog) Run(ctx context.Context, id string) (catalog.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return catalog.Run{}, catalog.ErrNotFound
	}
	return r, nil
}

func (f *fakeCatalog) FinishRun(ctx context.Context, id string, status catalog.RunStatus, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return catalog.ErrNotFound
	}
	if r.EndedAt != nil {
		f.finishErrs++
		return errors.New("run already finished")
	}
	r.Status = status
	r.EndedAt = &endedAt
	f.runs[id] = r
	return nil
}

func (f *fakeCatalog) CreateProgress(ctx context.Context, runID, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[f.progressKey(runID, table)] = &catalog.TableProgress{
		RunID: runID, Table: table, Status: catalog.ProgressPending,
	}
	return nil
}

func (f *fakeCatalog) SetProgressTotal(ctx context.Context, runID, table string, total int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.progress[f.progressKey(runID, table)]
	if !ok {
		return catalog.ErrNotFound
	}
	p.RowsTotal = total
	return nil
}

func (f *fakeCatalog) UpdateProgress(ctx context.Context, runID, table string, status catalog.ProgressStatus, processed int64, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.progress[f.progressKey(runID, table)]
	if !ok {
		return catalog.ErrNotFound
	}
	p.Status = status
	p.RowsProcessed = processed
	p.Error = errMsg
	return nil
}

func (f *fakeCatalog) ProgressByRun(ctx context.Context, runID string) ([]catalog.TableProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []catalog.TableProgress
	for _, p := range f.progress {
		if p.RunID == runID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeCatalog) Close() error { return nil }

func (f *fakeCatalog) tableProgress(runID, table string) catalog.TableProgress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.progress[f.progressKey(runID, table)]
}

// fakeSource serves fixed documents per collection.
type fakeSource struct {
	mu     sync.Mutex
	docs   map[string][]bson.D
	failIn map[string]bool
	closed int
}

func (s *fakeSource) Count(ctx context.Context, collection string) (int64, error) {
	return int64(len(s.docs[collection])), nil
}

func (s *fakeSource) EachDocument(ctx context.Context, collection string, fn func(bson.D) error) error {
	if s.failIn[collection] {
		return errors.New("cursor torn down")
	}
	for _, doc := range s.docs[collection] {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSource) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// fakeTarget records DDL and inserts.
type fakeTarget struct {
	mu       sync.Mutex
	pingErr  error
	ddlErr   map[string]error
	ddl      []string
	inserted map[string][][]any
	closed   int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{ddlErr: map[string]error{}, inserted: map[string][][]any{}}
}

func (t *fakeTarget) Ping(ctx context.Context) error { return t.pingErr }

func (t *fakeTarget) EnsureTable(ctx context.Context, m plan.TableMapping) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ddlErr[m.TargetTable]; err != nil {
		return err
	}
	t.ddl = append(t.ddl, m.TargetTable)
	return nil
}

func (t *fakeTarget) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		t.inserted[table] = append(t.inserted[table], append([]any(nil), r...))
	}
	return int64(len(rows)), nil
}

func (t *fakeTarget) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
}

func testMapping(table string, extra ...plan.Column) plan.TableMapping {
	cols := append([]plan.Column{
		{SourceField: "_id", TargetColumn: "id", DataType: "UUID", PrimaryKey: true},
	}, extra...)
	return plan.TableMapping{SourceCollection: table, TargetTable: table, Columns: cols}
}

func testEngine(cat *fakeCatalog, src *fakeSource, tgt *fakeTarget) *Engine {
	return &Engine{
		Catalog:   cat,
		Pool:      NewPool(2),
		BatchSize: 2,
		NewSource: func(ctx context.Context, uri, database string) (Source, error) { return src, nil },
		NewTarget: func(ctx context.Context, dsn string) (Target, error) { return tgt, nil },
	}
}

func validTarget() postgres.Config {
	return postgres.Config{Host: "pg", Port: 5432, Database: "shop", Username: "app", Password: "pw"}
}

func savedPlan(cat *fakeCatalog, migrationID string, mappings ...plan.TableMapping) {
	cat.plans[migrationID] = catalog.PlanSnapshot{
		ID:          "plan-1",
		MigrationID: migrationID,
		Document:    plan.Document{TableMappings: mappings},
	}
}

// TestExecuteMissingCredentials verifies each absent credential is a
// ConfigError raised before any connection is attempted.
func TestExecuteMissingCredentials(t *testing.T) {
	t.Parallel()

	base := validTarget()
	tests := []struct {
		name   string
		mutate func(*postgres.Config)
	}{
		{"host", func(c *postgres.Config) { c.Host = "" }},
		{"port", func(c *postgres.Config) { c.Port = 0 }},
		{"database", func(c *postgres.Config) { c.Database = "" }},
		{"username", func(c *postgres.Config) { c.Username = "" }},
		{"password", func(c *postgres.Config) { c.Password = "" }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cat := newFakeCatalog()
			e := testEngine(cat, &fakeSource{}, newFakeTarget())
			e.NewSource = func(ctx context.Context, uri, database string) (Source, error) {
				t.Fatal("source opened despite invalid config")
				return nil, nil
			}

			cfg := base
			tt.mutate(&cfg)
			_, err := e.Execute(context.Background(), "m1", mongodb.Params{}, cfg)

			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want ConfigError", err)
			}
			if len(cat.runs) != 0 {
				t.Fatal("run created despite invalid config")
			}
		})
	}
}

func TestExecuteNoPlan(t *testing.T) {
	t.Parallel()

	e := testEngine(newFakeCatalog(), &fakeSource{}, newFakeTarget())
	_, err := e.Execute(context.Background(), "m1", mongodb.Params{}, validTarget())

	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
	if !strings.Contains(ce.Reason, "no plan") {
		t.Fatalf("reason = %q", ce.Reason)
	}
}

// TestExecuteTargetProbeFailure verifies the run is marked FAILED with an
// end timestamp and the ConnectError never echoes the password.
func TestExecuteTargetProbeFailure(t *testing.T) {
	t.Parallel()

	cat := newFakeCatalog()
	savedPlan(cat, "m1", testMapping("orders"))
	tgt := newFakeTarget()
	tgt.pingErr = errors.New("connection refused")
	src := &fakeSource{docs: map[string][]bson.D{}}
	e := testEngine(cat, src, tgt)

	_, err := e.Execute(context.Background(), "m1", mongodb.Params{}, validTarget())

	var conn *ConnectError
	if !errors.As(err, &conn) {
		t.Fatalf("err = %v, want ConnectError", err)
	}
	if conn.Side != "target" || conn.Host != "pg" || conn.Username != "app" {
		t.Fatalf("connect error coordinates: %+v", conn)
	}
	if strings.Contains(err.Error(), "pw") {
		t.Fatalf("password leaked: %q", err.Error())
	}

	run := cat.runs["run-1"]
	if run.Status != catalog.RunFailed || run.EndedAt == nil {
		t.Fatalf("run after probe failure: %+v", run)
	}
	if src.closed != 1 {
		t.Fatalf("source closed %d times, want 1", src.closed)
	}
}

// TestExecuteDDLFailure verifies a failed CREATE TABLE aborts before any
// task starts and surfaces as a DDLError.
func TestExecuteDDLFailure(t *testing.T) {
	t.Parallel()

	cat := newFakeCatalog()
	savedPlan(cat, "m1", testMapping("orders"), testMapping("users"))
	tgt := newFakeTarget()
	tgt.ddlErr["users"] = errors.New("permission denied")
	src := &fakeSource{docs: map[string][]bson.D{}}
	e := testEngine(cat, src, tgt)

	_, err := e.Execute(context.Background(), "m1", mongodb.Params{}, validTarget())

	var ddl *DDLError
	if !errors.As(err, &ddl) {
		t.Fatalf("err = %v, want DDLError", err)
	}
	if ddl.Table != "users" {
		t.Fatalf("failed table = %q", ddl.Table)
	}
	if cat.runs["run-1"].Status != catalog.RunFailed {
		t.Fatalf("run status = %s, want FAILED", cat.runs["run-1"].Status)
	}
	if len(cat.progress) != 0 {
		t.Fatal("progress rows created despite DDL failure")
	}
	if len(tgt.inserted) != 0 {
		t.Fatal("data written despite DDL failure")
	}
}

// TestExecuteAllTablesSucceed verifies the happy path end to end: DDL for
// every table first, per-table progress reaching DONE with row counts, and
// a COMPLETED terminal run on the handle.
func TestExecuteAllTablesSucceed(t *testing.T) {
	t.Parallel()

	oid1 := primitive.NewObjectID()
	oid2 := primitive.NewObjectID()
	cat := newFakeCatalog()
	savedPlan(cat, "m1",
		testMapping("orders",
			plan.Column{SourceField: "total", TargetColumn: "total", DataType: "DOUBLE PRECISION"},
			plan.Column{SourceField: "tags", TargetColumn: "tags", DataType: "JSONB",
				RequiresTransformation: true, TransformationType: plan.TransformToJSONB},
		),
		testMapping("users"),
	)
	src := &fakeSource{docs: map[string][]bson.D{
		"orders": {
			{{Key: "_id", Value: oid1}, {Key: "total", Value: 9.5}, {Key: "tags", Value: bson.A{"a", "b"}}},
			{{Key: "_id", Value: oid2}, {Key: "total", Value: 1.5}},
			{{Key: "_id", Value: primitive.NewObjectID()}, {Key: "total", Value: 2.0}},
		},
		"users": {
			{{Key: "_id", Value: primitive.NewObjectID()}},
		},
	}}
	tgt := newFakeTarget()
	e := testEngine(cat, src, tgt)

	handle, err := e.Execute(context.Background(), "m1", mongodb.Params{}, validTarget())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if run.Status != catalog.RunCompleted || run.EndedAt == nil {
		t.Fatalf("terminal run: %+v", run)
	}

	if len(tgt.ddl) != 2 {
		t.Fatalf("ddl tables = %v", tgt.ddl)
	}
	orders := cat.tableProgress("run-1", "orders")
	if orders.Status != catalog.ProgressDone || orders.RowsTotal != 3 || orders.RowsProcessed != 3 {
		t.Fatalf("orders progress: %+v", orders)
	}

	rows := tgt.inserted["orders"]
	if len(rows) != 3 {
		t.Fatalf("orders rows = %d", len(rows))
	}
	// Surrogate key is a deterministic UUID string.
	id, ok := rows[0][0].(string)
	if !ok || id != surrogateID(oid1) {
		t.Fatalf("surrogate id: %v", rows[0][0])
	}
	// JSONB-transformed column arrives serialized.
	if got := rows[0][2]; got != `["a","b"]` {
		t.Fatalf("tags value = %v", got)
	}
	// Absent field inserts NULL.
	if rows[1][2] != nil {
		t.Fatalf("missing tags = %v, want nil", rows[1][2])
	}

	if src.closed != 1 || tgt.closed != 1 {
		t.Fatalf("source closed %d, target closed %d, want 1 each", src.closed, tgt.closed)
	}
	if cat.finishErrs != 0 {
		t.Fatalf("run finished more than once (%d rejected updates)", cat.finishErrs)
	}
}

// TestExecutePartialFailure verifies task isolation: a failing table marks
// its own progress ERROR while the others complete, and the run settles as
// COMPLETED_WITH_ERRORS with exactly one end timestamp.
func TestExecutePartialFailure(t *testing.T) {
	t.Parallel()

	cat := newFakeCatalog()
	savedPlan(cat, "m1", testMapping("orders"), testMapping("users"), testMapping("events"))
	src := &fakeSource{
		docs: map[string][]bson.D{
			"orders": {{{Key: "_id", Value: primitive.NewObjectID()}}},
			"users":  {{{Key: "_id", Value: primitive.NewObjectID()}}},
			"events": {{{Key: "_id", Value: primitive.NewObjectID()}}},
		},
		failIn: map[string]bool{"events": true},
	}
	tgt := newFakeTarget()
	e := testEngine(cat, src, tgt)

	handle, err := e.Execute(context.Background(), "m1", mongodb.Params{}, validTarget())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if run.Status != catalog.RunCompletedWithErrors {
		t.Fatalf("run status = %s, want COMPLETED_WITH_ERRORS", run.Status)
	}

	if p := cat.tableProgress("run-1", "events"); p.Status != catalog.ProgressError || p.Error == "" {
		t.Fatalf("events progress: %+v", p)
	}
	for _, table := range []string{"orders", "users"} {
		if p := cat.tableProgress("run-1", table); p.Status != catalog.ProgressDone {
			t.Fatalf("%s progress: %+v", table, p)
		}
	}
	if cat.finishErrs != 0 {
		t.Fatalf("run finished more than once (%d rejected updates)", cat.finishErrs)
	}
}

// TestPoolBoundsConcurrency verifies at most size tasks run at once.
func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	pool := NewPool(3)
	var mu sync.Mutex
	active, peak := 0, 0

	for i := 0; i < 20; i++ {
		pool.Submit(func() {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		})
	}
	pool.Wait()

	if peak > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", peak)
	}
}

func TestSurrogateIDDeterministic(t *testing.T) {
	t.Parallel()

	oid := primitive.NewObjectID()
	a := surrogateID(oid)
	b := surrogateID(oid)
	if a != b {
		t.Fatalf("surrogate not deterministic: %s vs %s", a, b)
	}
	if a == surrogateID(primitive.NewObjectID()) {
		t.Fatal("distinct identities collided")
	}
}

func TestConvertValueScalars(t *testing.T) {
	t.Parallel()

	col := plan.Column{SourceField: "f", TargetColumn: "f", DataType: "VARCHAR(24)"}

	oid := primitive.NewObjectID()
	got, err := convertValue(oid, col)
	if err != nil || got != oid.Hex() {
		t.Fatalf("objectid: %v, %v", got, err)
	}

	dt := primitive.NewDateTimeFromTime(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	got, err = convertValue(dt, col)
	if err != nil {
		t.Fatalf("datetime: %v", err)
	}
	if ts, ok := got.(time.Time); !ok || !ts.Equal(dt.Time()) {
		t.Fatalf("datetime = %v", got)
	}

	got, err = convertValue(primitive.Null{}, col)
	if err != nil || got != nil {
		t.Fatalf("null: %v, %v", got, err)
	}
}

func TestConvertValueJSONBNested(t *testing.T) {
	t.Parallel()

	col := plan.Column{
		SourceField: "meta", TargetColumn: "meta", DataType: "JSONB",
		RequiresTransformation: true, TransformationType: plan.TransformToJSONB,
	}
	oid := primitive.NewObjectID()
	v := bson.D{
		{Key: "ref", Value: oid},
		{Key: "items", Value: bson.A{bson.D{{Key: "sku", Value: "x"}}}},
	}

	got, err := convertValue(v, col)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	s := got.(string)
	if !strings.Contains(s, `"ref":"`+oid.Hex()+`"`) {
		t.Fatalf("objectid not rendered as hex: %s", s)
	}
	if !strings.Contains(s, `"sku":"x"`) {
		t.Fatalf("nested array lost: %s", s)
	}
}
