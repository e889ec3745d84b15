// Package plan synthesizes an executable migration plan from analyzed
// fields and detected relationships.
//
// Generation is pure and deterministic: collections and fields are visited
// in sorted order, so the same analysis always yields a byte-identical
// serialized plan. The plan is a snapshot; the engine executes whichever
// snapshot is most recent.
package plan

import (
	"sort"
	"strings"

	"mongopg/internal/relation"
	"mongopg/internal/schema"
)

// Foreign keys and their indexes are only materialized for relationship
// candidates at or above this confidence.
const ForeignKeyConfidenceThreshold = 0.7

// Fields present this often are suggested for indexing.
const indexFrequencyThreshold = 0.9

// TransformToJSONB marks a column whose source values must be serialized
// to JSONB before insert.
const TransformToJSONB = "TO_JSONB"

// Column maps one source field onto one target column.
type Column struct {
	SourceField            string `json:"sourceField"`
	TargetColumn           string `json:"targetColumn"`
	DataType               string `json:"dataType"`
	Nullable               bool   `json:"nullable"`
	PrimaryKey             bool   `json:"primaryKey,omitempty"`
	RequiresTransformation bool   `json:"requiresTransformation,omitempty"`
	TransformationType     string `json:"transformationType,omitempty"`
}

// TableMapping maps one source collection onto one target table. The
// primary-key column is always first.
type TableMapping struct {
	SourceCollection string   `json:"sourceCollection"`
	TargetTable      string   `json:"targetTable"`
	Columns          []Column `json:"columns"`
}

// ForeignKey is one constraint to create after data migration.
type ForeignKey struct {
	ConstraintName string  `json:"constraintName"`
	SourceTable    string  `json:"sourceTable"`
	SourceColumn   string  `json:"sourceColumn"`
	TargetTable    string  `json:"targetTable"`
	TargetColumn   string  `json:"targetColumn"`
	OnDelete       string  `json:"onDelete"`
	OnUpdate       string  `json:"onUpdate"`
	Confidence     float64 `json:"confidence"`
}

// Index is one suggested index.
type Index struct {
	IndexName string   `json:"indexName"`
	TableName string   `json:"tableName"`
	Columns   []string `json:"columns"`
	Type      string   `json:"type"`
	Reason    string   `json:"reason"`
}

// Step is one entry in the ordered migration runbook.
type Step struct {
	Step        int      `json:"step"`
	Description string   `json:"description"`
	Action      string   `json:"action"`
	Tables      []string `json:"tables,omitempty"`
	Note        string   `json:"note,omitempty"`
	Count       int      `json:"count,omitempty"`
}

// Document is one complete migration plan snapshot.
type Document struct {
	TableMappings []TableMapping `json:"tableMappings"`
	ForeignKeys   []ForeignKey   `json:"foreignKeys"`
	Indexes       []Index        `json:"indexes"`
	Steps         []Step         `json:"migrationSteps"`
}

// Generate builds a plan from the analyzed fields of every collection and
// the detected relationships.
func Generate(fieldsByCollection map[string][]schema.Field, relationships []relation.Relationship) Document {
	collections := make([]string, 0, len(fieldsByCollection))
	for name := range fieldsByCollection {
		collections = append(collections, name)
	}
	sort.Strings(collections)

	return Document{
		TableMappings: buildTableMappings(collections, fieldsByCollection),
		ForeignKeys:   buildForeignKeys(relationships),
		Indexes:       buildIndexes(collections, fieldsByCollection, relationships),
		Steps:         buildSteps(collections, relationships),
	}
}

func buildTableMappings(collections []string, fieldsByCollection map[string][]schema.Field) []TableMapping {
	mappings := make([]TableMapping, 0, len(collections))
	for _, collection := range collections {
		columns := []Column{{
			SourceField:  schema.IdentityField,
			TargetColumn: "id",
			DataType:     "UUID",
			Nullable:     false,
			PrimaryKey:   true,
		}}

		for _, field := range fieldsByCollection[collection] {
			// Only top-level fields become columns; nested paths travel
			// inside their parent's JSONB value.
			if strings.Contains(field.Path, ".") || strings.Contains(field.Path, schema.ArrayElementMarker) {
				continue
			}
			if field.Name == schema.IdentityField {
				continue
			}

			col := Column{
				SourceField:  field.Name,
				TargetColumn: field.Name,
				DataType:     schema.SQLType(field),
				Nullable:     !field.Required,
			}
			if field.IsArray || field.HasType(schema.TypeObject) || field.HasType(schema.TypeArray) {
				col.RequiresTransformation = true
				col.TransformationType = TransformToJSONB
			}
			columns = append(columns, col)
		}

		mappings = append(mappings, TableMapping{
			SourceCollection: collection,
			TargetTable:      collection,
			Columns:          columns,
		})
	}
	return mappings
}

func buildForeignKeys(relationships []relation.Relationship) []ForeignKey {
	fks := make([]ForeignKey, 0, len(relationships))
	for _, rel := range relationships {
		if rel.Confidence < ForeignKeyConfidenceThreshold {
			continue
		}
		fks = append(fks, ForeignKey{
			ConstraintName: "fk_" + rel.SourceCollection + "_" + rel.SourceField,
			SourceTable:    rel.SourceCollection,
			SourceColumn:   rel.SourceField,
			TargetTable:    rel.TargetCollection,
			TargetColumn:   "id",
			OnDelete:       "CASCADE",
			OnUpdate:       "CASCADE",
			Confidence:     rel.Confidence,
		})
	}
	return fks
}

func buildIndexes(collections []string, fieldsByCollection map[string][]schema.Field, relationships []relation.Relationship) []Index {
	var indexes []Index
	seen := make(map[string]bool)

	for _, rel := range relationships {
		if rel.Confidence < ForeignKeyConfidenceThreshold {
			continue
		}
		key := rel.SourceCollection + "." + rel.SourceField
		if seen[key] {
			continue
		}
		seen[key] = true
		indexes = append(indexes, Index{
			IndexName: "idx_" + rel.SourceCollection + "_" + rel.SourceField,
			TableName: rel.SourceCollection,
			Columns:   []string{rel.SourceField},
			Type:      "BTREE",
			Reason:    "Foreign key reference",
		})
	}

	for _, collection := range collections {
		for _, field := range fieldsByCollection[collection] {
			if field.Frequency <= indexFrequencyThreshold || field.IsArray || field.Name == schema.IdentityField {
				continue
			}
			if strings.Contains(field.Path, ".") || strings.Contains(field.Path, schema.ArrayElementMarker) {
				continue
			}
			key := collection + "." + field.Name
			if seen[key] {
				continue
			}
			seen[key] = true
			indexes = append(indexes, Index{
				IndexName: "idx_" + collection + "_" + field.Name,
				TableName: collection,
				Columns:   []string{field.Name},
				Type:      "BTREE",
				Reason:    "High frequency field",
			})
		}
	}

	return indexes
}

// buildSteps emits the ordered runbook. Step 3 only exists when there are
// relationships; the remaining numbers are stable identifiers and are not
// renumbered around the gap.
func buildSteps(collections []string, relationships []relation.Relationship) []Step {
	steps := []Step{
		{
			Step:        1,
			Description: "Create target tables in PostgreSQL",
			Action:      "CREATE_TABLES",
			Tables:      append([]string(nil), collections...),
		},
		{
			Step:        2,
			Description: "Migrate data from MongoDB to PostgreSQL",
			Action:      "MIGRATE_DATA",
			Note:        "Transform nested objects and arrays to JSONB",
		},
	}
	if len(relationships) > 0 {
		steps = append(steps, Step{
			Step:        3,
			Description: "Create foreign key constraints",
			Action:      "CREATE_FOREIGN_KEYS",
			Count:       len(relationships),
		})
	}
	steps = append(steps,
		Step{
			Step:        4,
			Description: "Create indexes for performance",
			Action:      "CREATE_INDEXES",
		},
		Step{
			Step:        5,
			Description: "Validate data integrity and row counts",
			Action:      "VALIDATE",
		},
	)
	return steps
}
