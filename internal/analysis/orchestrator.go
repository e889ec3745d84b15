// Package analysis orchestrates the full source-analysis pipeline for a
// migration: sampling, field inference, relationship detection, risk
// classification, and plan generation, persisting each stage's output to
// the catalog.
package analysis

import (
	"context"
	"fmt"
	"log"

	"go.mongodb.org/mongo-driver/bson"

	"mongopg/internal/catalog"
	"mongopg/internal/plan"
	"mongopg/internal/relation"
	"mongopg/internal/risk"
	"mongopg/internal/schema"
)

// Logger is the minimal logging interface used by the orchestrator.
type Logger interface {
	Printf(format string, v ...any)
}

// Sampler is the slice of the source client the pipeline needs.
type Sampler interface {
	ListCollections(ctx context.Context) ([]string, error)
	Sample(ctx context.Context, collection string, size int) ([]bson.D, error)
}

const defaultSampleSize = 100

// Orchestrator runs the analysis pipeline.
type Orchestrator struct {
	Catalog catalog.Store
	Logger  Logger

	// SampleSize is documents sampled per collection. Defaults to 100.
	SampleSize int
}

// Result summarizes one completed analysis.
type Result struct {
	SchemaID      string
	PlanID        string
	Collections   []string
	Fields        int
	Relationships int
	Risks         int
}

// Analyze runs the complete pipeline for a migration and returns a
// summary. Each stage persists before the next starts, so a failure
// leaves earlier stages queryable.
func (o *Orchestrator) Analyze(ctx context.Context, migrationID string, source Sampler) (Result, error) {
	logf := o.logger()

	if _, err := o.Catalog.Migration(ctx, migrationID); err != nil {
		return Result{}, fmt.Errorf("load migration: %w", err)
	}

	sc, err := o.Catalog.CreateSchema(ctx, migrationID)
	if err != nil {
		return Result{}, fmt.Errorf("create schema: %w", err)
	}

	collections, err := source.ListCollections(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list collections: %w", err)
	}
	logf("stage=collections schema=%s count=%d", sc.ID, len(collections))

	size := o.SampleSize
	if size <= 0 {
		size = defaultSampleSize
	}

	fieldsByCollection := make(map[string][]schema.Field, len(collections))
	totalFields := 0
	for _, name := range collections {
		docs, err := source.Sample(ctx, name, size)
		if err != nil {
			return Result{}, fmt.Errorf("sample %s: %w", name, err)
		}
		fields := schema.BuildFields(name, schema.Analyze(docs), len(docs))
		fieldsByCollection[name] = fields
		totalFields += len(fields)

		if err := o.Catalog.SaveFields(ctx, sc.ID, fields); err != nil {
			return Result{}, fmt.Errorf("save fields %s: %w", name, err)
		}
		logf("stage=analyzed schema=%s collection=%s sampled=%d fields=%d",
			sc.ID, name, len(docs), len(fields))
	}

	relationships := relation.Detect(fieldsByCollection, collections)
	if err := o.Catalog.SaveRelationships(ctx, sc.ID, relationships); err != nil {
		return Result{}, fmt.Errorf("save relationships: %w", err)
	}

	risks := risk.Analyze(fieldsByCollection, relationships)
	if err := o.Catalog.SaveRisks(ctx, migrationID, risks); err != nil {
		return Result{}, fmt.Errorf("save risks: %w", err)
	}
	logf("stage=detected schema=%s relationships=%d risks=%d", sc.ID, len(relationships), len(risks))

	doc := plan.Generate(fieldsByCollection, relationships)
	saved, err := o.Catalog.SavePlan(ctx, migrationID, doc)
	if err != nil {
		return Result{}, fmt.Errorf("save plan: %w", err)
	}
	if err := o.Catalog.SetMigrationHasPlan(ctx, migrationID, true); err != nil {
		return Result{}, fmt.Errorf("mark migration planned: %w", err)
	}
	if err := o.Catalog.MarkSchemaAnalyzed(ctx, sc.ID); err != nil {
		return Result{}, fmt.Errorf("mark schema analyzed: %w", err)
	}
	logf("stage=planned schema=%s plan=%s", sc.ID, saved.ID)

	return Result{
		SchemaID:      sc.ID,
		PlanID:        saved.ID,
		Collections:   collections,
		Fields:        totalFields,
		Relationships: len(relationships),
		Risks:         len(risks),
	}, nil
}

func (o *Orchestrator) logger() func(format string, v ...any) {
	if o.Logger == nil {
		l := log.New(discardWriter{}, "", 0)
		return l.Printf
	}
	return o.Logger.Printf
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
