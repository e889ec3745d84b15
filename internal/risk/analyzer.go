// Package risk classifies migration hazards found in an analyzed schema.
//
// Each rule is independent; a single field or relationship can contribute
// several risks. Risks are advisory: they never block plan generation or
// execution, they surface what a reviewer should look at before running a
// migration.
package risk

import (
	"fmt"
	"sort"

	"mongopg/internal/relation"
	"mongopg/internal/schema"
)

// Category groups risks by what they threaten.
type Category string

const (
	CategorySchemaInconsistency Category = "SCHEMA_INCONSISTENCY"
	CategoryDataLoss            Category = "DATA_LOSS"
	CategoryComplexity          Category = "COMPLEXITY"
)

// Severity orders risks for review.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Thresholds for the classification rules.
const (
	lowFrequencyThreshold  = 0.5
	lowConfidenceThreshold = 0.7
	highCouplingThreshold  = 5
)

// Risk is one advisory finding.
type Risk struct {
	Category            Category `json:"category"`
	Severity            Severity `json:"severity"`
	Description         string   `json:"description"`
	Mitigation          string   `json:"mitigation"`
	AffectedCollections []string `json:"affectedCollections"`
}

// Analyze runs every classification rule over the analyzed fields and the
// detected relationships. Collections are visited in sorted order so the
// output is deterministic.
func Analyze(fieldsByCollection map[string][]schema.Field, relationships []relation.Relationship) []Risk {
	var risks []Risk
	risks = append(risks, schemaInconsistencies(fieldsByCollection)...)
	risks = append(risks, dataLossRisks(fieldsByCollection)...)
	risks = append(risks, complexityRisks(relationships)...)
	return risks
}

// schemaInconsistencies flags fields with more than one observed type and
// fields present in fewer than half the sampled documents.
func schemaInconsistencies(fieldsByCollection map[string][]schema.Field) []Risk {
	var risks []Risk
	for _, collection := range sortedCollections(fieldsByCollection) {
		for _, field := range fieldsByCollection[collection] {
			if len(field.Types) > 1 {
				risks = append(risks, Risk{
					Category: CategorySchemaInconsistency,
					Severity: SeverityMedium,
					Description: fmt.Sprintf(
						"Field '%s' in collection '%s' has inconsistent data types: %v. "+
							"This may cause data loss or type conversion errors during migration.",
						field.Name, collection, field.Types),
					Mitigation: "Review field values and standardize data types. " +
						"Consider using the most general type (e.g., TEXT) or " +
						"implement data transformation logic.",
					AffectedCollections: []string{collection},
				})
			}

			if field.Frequency > 0 && field.Frequency < lowFrequencyThreshold {
				risks = append(risks, Risk{
					Category: CategorySchemaInconsistency,
					Severity: SeverityLow,
					Description: fmt.Sprintf(
						"Field '%s' in collection '%s' is only present in %.1f%% of documents. "+
							"This indicates inconsistent schema usage.",
						field.Name, collection, field.Frequency*100),
					Mitigation: "Make this field nullable in the target schema, or " +
						"consider splitting into separate tables.",
					AffectedCollections: []string{collection},
				})
			}
		}
	}
	return risks
}

// dataLossRisks flags fields carrying complex nested data. At most one risk
// per field: the first object/array tag in the type set wins.
func dataLossRisks(fieldsByCollection map[string][]schema.Field) []Risk {
	var risks []Risk
	for _, collection := range sortedCollections(fieldsByCollection) {
		for _, field := range fieldsByCollection[collection] {
			for _, tag := range field.Types {
				if tag != schema.TypeObject && tag != schema.TypeArray {
					continue
				}
				risks = append(risks, Risk{
					Category: CategoryDataLoss,
					Severity: SeverityMedium,
					Description: fmt.Sprintf(
						"Field '%s' in collection '%s' contains complex nested data (%s). "+
							"This will be stored as JSONB or require denormalization.",
						field.Name, collection, tag),
					Mitigation: "Consider normalizing nested data into separate tables, " +
						"or use JSONB column type in PostgreSQL to preserve structure.",
					AffectedCollections: []string{collection},
				})
				break
			}
		}
	}
	return risks
}

// complexityRisks flags low-confidence relationships and highly coupled
// source collections.
func complexityRisks(relationships []relation.Relationship) []Risk {
	var risks []Risk

	for _, rel := range relationships {
		if rel.Confidence >= lowConfidenceThreshold {
			continue
		}
		risks = append(risks, Risk{
			Category: CategoryComplexity,
			Severity: SeverityMedium,
			Description: fmt.Sprintf(
				"Detected relationship from '%s.%s' to '%s' has low confidence (%.1f%%). "+
					"Manual review required.",
				rel.SourceCollection, rel.SourceField, rel.TargetCollection, rel.Confidence*100),
			Mitigation: "Manually verify this relationship before migration. " +
				"Check sample data to confirm the foreign key reference.",
			AffectedCollections: []string{rel.SourceCollection, rel.TargetCollection},
		})
	}

	counts := make(map[string]int)
	for _, rel := range relationships {
		counts[rel.SourceCollection]++
	}
	sources := make([]string, 0, len(counts))
	for source := range counts {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	for _, source := range sources {
		if counts[source] <= highCouplingThreshold {
			continue
		}
		risks = append(risks, Risk{
			Category: CategoryComplexity,
			Severity: SeverityLow,
			Description: fmt.Sprintf(
				"Collection '%s' has %d relationships. High coupling may impact migration performance.",
				source, counts[source]),
			Mitigation: "Consider batching the migration and carefully planning " +
				"the order of table creation to satisfy foreign key constraints.",
			AffectedCollections: []string{source},
		})
	}

	return risks
}

func sortedCollections(fieldsByCollection map[string][]schema.Field) []string {
	names := make([]string, 0, len(fieldsByCollection))
	for name := range fieldsByCollection {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
