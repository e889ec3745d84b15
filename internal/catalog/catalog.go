// Package catalog persists everything the migration pipeline produces:
// migrations, analyzed schemas, detected relationships, risks, plan
// snapshots, runs, and per-table progress.
//
// The catalog is an append-mostly store. Plans accumulate as immutable
// snapshots and execution always uses the most recent one; progress rows
// are the only records updated in place, and each is written solely by the
// task that owns it.
package catalog

import (
	"context"
	"errors"
	"time"

	"mongopg/internal/plan"
	"mongopg/internal/relation"
	"mongopg/internal/risk"
	"mongopg/internal/schema"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("catalog: not found")

// Migration is one tracked source-to-target migration.
type Migration struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	HasPlan   bool      `json:"hasPlan"`
	CreatedAt time.Time `json:"createdAt"`
}

// Schema is one analysis of a migration's source database.
type Schema struct {
	ID          string    `json:"id"`
	MigrationID string    `json:"migrationId"`
	Analyzed    bool      `json:"analyzed"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PlanSnapshot is one immutable generated plan. A migration accumulates
// snapshots; LatestPlan returns the newest.
type PlanSnapshot struct {
	ID          string        `json:"id"`
	MigrationID string        `json:"migrationId"`
	Status      string        `json:"status"`
	Document    plan.Document `json:"document"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// PlanStatusDraft is the status every new snapshot starts in.
const PlanStatusDraft = "DRAFT"

// RunStatus is the lifecycle state of an execution run.
type RunStatus string

const (
	RunRunning             RunStatus = "RUNNING"
	RunCompleted           RunStatus = "COMPLETED"
	RunCompletedWithErrors RunStatus = "COMPLETED_WITH_ERRORS"
	// RunFailed marks runs aborted by a pre-flight connectivity or DDL
	// failure before any table task started.
	RunFailed RunStatus = "FAILED"
)

// Run is one execution of a migration's latest plan.
type Run struct {
	ID          string     `json:"id"`
	MigrationID string     `json:"migrationId"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

// ProgressStatus is the lifecycle state of one table within a run.
type ProgressStatus string

const (
	ProgressPending ProgressStatus = "PENDING"
	ProgressRunning ProgressStatus = "RUNNING"
	ProgressDone    ProgressStatus = "DONE"
	ProgressError   ProgressStatus = "ERROR"
)

// TableProgress tracks one table's migration within a run. Only the task
// owning the table writes it; pollers read it.
type TableProgress struct {
	RunID         string         `json:"runId"`
	Table         string         `json:"table"`
	Status        ProgressStatus `json:"status"`
	RowsTotal     int64          `json:"rowsTotal"`
	RowsProcessed int64          `json:"rowsProcessed"`
	Error         string         `json:"error,omitempty"`
}

// Store is the persistence boundary for the whole pipeline.
type Store interface {
	CreateMigration(ctx context.Context, name string) (Migration, error)
	Migration(ctx context.Context, id string) (Migration, error)
	SetMigrationHasPlan(ctx context.Context, id string, has bool) error

	CreateSchema(ctx context.Context, migrationID string) (Schema, error)
	SchemaByMigration(ctx context.Context, migrationID string) (Schema, error)
	MarkSchemaAnalyzed(ctx context.Context, schemaID string) error

	SaveFields(ctx context.Context, schemaID string, fields []schema.Field) error
	FieldsBySchema(ctx context.Context, schemaID string) (map[string][]schema.Field, error)

	SaveRelationships(ctx context.Context, schemaID string, rels []relation.Relationship) error
	RelationshipsBySchema(ctx context.Context, schemaID string) ([]relation.Relationship, error)

	SaveRisks(ctx context.Context, migrationID string, risks []risk.Risk) error
	RisksByMigration(ctx context.Context, migrationID string) ([]risk.Risk, error)

	SavePlan(ctx context.Context, migrationID string, doc plan.Document) (PlanSnapshot, error)
	LatestPlan(ctx context.Context, migrationID string) (PlanSnapshot, error)

	CreateRun(ctx context.Context, migrationID string) (Run, error)
	Run(ctx context.Context, id string) (Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, endedAt time.Time) error

	CreateProgress(ctx context.Context, runID, table string) error
	SetProgressTotal(ctx context.Context, runID, table string, total int64) error
	UpdateProgress(ctx context.Context, runID, table string, status ProgressStatus, processed int64, errMsg string) error
	ProgressByRun(ctx context.Context, runID string) ([]TableProgress, error)

	Close() error
}
