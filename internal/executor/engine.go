// Package executor runs migration plans: pre-flight validation, target
// DDL, and concurrent per-table data migration over a bounded worker pool.
//
// Failure handling is layered. Precondition and connectivity problems are
// synchronous, typed errors and terminate the run as FAILED. Once tasks
// are running, per-table errors are isolated: they land in the table's
// progress row and downgrade the run outcome, they never abort sibling
// tables.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"mongopg/internal/catalog"
	"mongopg/internal/datasource/mongodb"
	"mongopg/internal/metrics"
	"mongopg/internal/plan"
	"mongopg/internal/target/postgres"
)

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Source is the slice of the source client the engine needs.
type Source interface {
	Count(ctx context.Context, collection string) (int64, error)
	EachDocument(ctx context.Context, collection string, fn func(bson.D) error) error
	Close(ctx context.Context) error
}

// Target is the slice of the target repository the engine needs.
type Target interface {
	Ping(ctx context.Context) error
	EnsureTable(ctx context.Context, m plan.TableMapping) error
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
	Close()
}

// Seams for constructing connections.
//
// When to use:
//   - Production: leave nil; the mongodb and postgres packages are used.
//   - Unit tests: inject fakes so the engine is testable without databases.
type (
	NewSourceFn func(ctx context.Context, uri, database string) (Source, error)
	NewTargetFn func(ctx context.Context, dsn string) (Target, error)
)

const defaultBatchSize = 500

// Engine executes migration runs.
type Engine struct {
	Catalog catalog.Store
	Pool    *Pool
	Logger  Logger
	Metrics metrics.Backend

	// BatchSize is rows per target INSERT. Defaults to 500.
	BatchSize int

	// NewSource and NewTarget are optional construction seams.
	NewSource NewSourceFn
	NewTarget NewTargetFn

	// now is a clock seam for deterministic tests. Defaults to time.Now.
	now func() time.Time
}

// RunHandle is the caller's view of an in-flight run: the persisted run
// record, a completion channel, and a context-aware wait.
type RunHandle struct {
	mu   sync.Mutex
	run  catalog.Run
	done chan struct{}
}

// Run returns the latest run snapshot the engine has recorded.
func (h *RunHandle) Run() catalog.Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run
}

// Done is closed when the run reaches a terminal status.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run is terminal or ctx is cancelled. The run keeps
// executing if ctx is cancelled; only the wait is abandoned.
func (h *RunHandle) Wait(ctx context.Context) (catalog.Run, error) {
	select {
	case <-h.done:
		return h.Run(), nil
	case <-ctx.Done():
		return h.Run(), ctx.Err()
	}
}

func (h *RunHandle) update(run catalog.Run) {
	h.mu.Lock()
	h.run = run
	h.mu.Unlock()
}

// Execute runs the latest plan of a migration.
//
// Pre-flight order: credential validation, plan lookup, run creation,
// source connect, target connect and probe, then all DDL serially. Any
// failure after run creation marks the run FAILED with an end timestamp
// before the typed error is returned. Once per-table tasks are submitted,
// Execute has succeeded: the returned handle resolves to COMPLETED or
// COMPLETED_WITH_ERRORS when every table finishes.
func (e *Engine) Execute(ctx context.Context, migrationID string, source mongodb.Params, target postgres.Config) (*RunHandle, error) {
	logf := e.logger()

	if err := validateTarget(target); err != nil {
		return nil, err
	}

	snapshot, err := e.Catalog.LatestPlan(ctx, migrationID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, &ConfigError{Reason: fmt.Sprintf("migration %s has no plan", migrationID)}
		}
		return nil, err
	}
	mappings := snapshot.Document.TableMappings
	if len(mappings) == 0 {
		return nil, &ConfigError{Reason: fmt.Sprintf("plan %s maps no tables", snapshot.ID)}
	}

	run, err := e.Catalog.CreateRun(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	logf("stage=run_created run=%s migration=%s plan=%s tables=%d",
		run.ID, migrationID, snapshot.ID, len(mappings))

	src, err := e.newSource(ctx, mongodb.BuildURI(source), source.Database)
	if err != nil {
		e.failRun(ctx, run.ID)
		return nil, &ConnectError{
			Side: "source", Host: source.Host, Port: source.Port,
			Database: source.Database, Username: source.Username, Err: err,
		}
	}

	tgt, err := e.newTarget(ctx, target.DSN())
	if err == nil {
		err = tgt.Ping(ctx)
	}
	if err != nil {
		if tgt != nil {
			tgt.Close()
		}
		_ = src.Close(ctx)
		e.failRun(ctx, run.ID)
		return nil, &ConnectError{
			Side: "target", Host: target.Host, Port: target.Port,
			Database: target.Database, Username: target.Username, Err: err,
		}
	}

	// All DDL completes before any data task starts.
	ddlStart := e.clock()()
	for _, m := range mappings {
		if err := tgt.EnsureTable(ctx, m); err != nil {
			tgt.Close()
			_ = src.Close(ctx)
			e.failRun(ctx, run.ID)
			return nil, &DDLError{Table: m.TargetTable, Err: err}
		}
	}
	logf("stage=ddl ok run=%s duration=%s", run.ID, time.Since(ddlStart).Truncate(time.Millisecond))

	for _, m := range mappings {
		if err := e.Catalog.CreateProgress(ctx, run.ID, m.TargetTable); err != nil {
			tgt.Close()
			_ = src.Close(ctx)
			e.failRun(ctx, run.ID)
			return nil, fmt.Errorf("create progress for %s: %w", m.TargetTable, err)
		}
	}

	handle := &RunHandle{run: run, done: make(chan struct{})}
	results := make(chan bool, len(mappings))

	// Submission blocks while the shared pool is saturated; it runs off
	// the caller's goroutine so Execute returns as soon as the run is
	// fully admitted.
	go func() {
		for _, m := range mappings {
			m := m
			e.Pool.Submit(func() {
				results <- e.migrateTable(context.WithoutCancel(ctx), src, tgt, run.ID, m)
			})
		}
	}()

	go e.aggregate(context.WithoutCancel(ctx), handle, src, tgt, results, len(mappings))

	return handle, nil
}

// aggregate waits for every table outcome, settles the run status, and
// releases the shared connections exactly once.
func (e *Engine) aggregate(ctx context.Context, handle *RunHandle, src Source, tgt Target, results <-chan bool, total int) {
	logf := e.logger()

	ok := 0
	for i := 0; i < total; i++ {
		if <-results {
			ok++
		}
	}

	status := catalog.RunCompleted
	if ok < total {
		status = catalog.RunCompletedWithErrors
	}
	endedAt := e.clock()()

	run := handle.Run()
	if err := e.Catalog.FinishRun(ctx, run.ID, status, endedAt); err != nil {
		logf("stage=finish_run error run=%s err=%v", run.ID, err)
	}
	run.Status = status
	run.EndedAt = &endedAt
	handle.update(run)

	_ = src.Close(ctx)
	tgt.Close()

	e.metrics().IncCounter(metrics.RunsTotal, 1, metrics.Labels{"status": string(status)})
	logf("stage=run_done run=%s status=%s tables_ok=%d tables_failed=%d", run.ID, status, ok, total-ok)

	close(handle.done)
}

// failRun marks a run FAILED after a pre-flight error. The end timestamp
// is set here so aborted runs never linger as RUNNING.
func (e *Engine) failRun(ctx context.Context, runID string) {
	if err := e.Catalog.FinishRun(ctx, runID, catalog.RunFailed, e.clock()()); err != nil {
		e.logger()("stage=fail_run error run=%s err=%v", runID, err)
	}
	e.metrics().IncCounter(metrics.RunsTotal, 1, metrics.Labels{"status": string(catalog.RunFailed)})
}

func validateTarget(target postgres.Config) error {
	switch {
	case target.Host == "":
		return &ConfigError{Reason: "target host is required"}
	case target.Port <= 0:
		return &ConfigError{Reason: "target port is required"}
	case target.Database == "":
		return &ConfigError{Reason: "target database is required"}
	case target.Username == "":
		return &ConfigError{Reason: "target username is required"}
	case target.Password == "":
		return &ConfigError{Reason: "target password is required"}
	}
	return nil
}

func (e *Engine) newSource(ctx context.Context, uri, database string) (Source, error) {
	if e.NewSource != nil {
		return e.NewSource(ctx, uri, database)
	}
	return mongodb.Connect(ctx, uri, database)
}

func (e *Engine) newTarget(ctx context.Context, dsn string) (Target, error) {
	if e.NewTarget != nil {
		return e.NewTarget(ctx, dsn)
	}
	return postgres.New(ctx, dsn)
}

func (e *Engine) batchSize() int {
	if e.BatchSize > 0 {
		return e.BatchSize
	}
	return defaultBatchSize
}

func (e *Engine) clock() func() time.Time {
	if e.now != nil {
		return e.now
	}
	return time.Now
}

func (e *Engine) metrics() metrics.Backend {
	if e.Metrics != nil {
		return e.Metrics
	}
	return metrics.Nop{}
}

func (e *Engine) logger() func(format string, v ...any) {
	if e.Logger == nil {
		l := log.New(discardWriter{}, "", 0)
		return l.Printf
	}
	return e.Logger.Printf
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
