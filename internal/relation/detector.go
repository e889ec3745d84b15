// Package relation proposes foreign-key relationships between collections
// from field naming conventions and ObjectId type evidence.
//
// Detection is heuristic: every candidate carries a confidence score and a
// detection method tag, and all candidates are reported. Deciding which
// candidates become actual constraints is the plan generator's job, not
// the detector's.
package relation

import (
	"regexp"
	"strings"

	"mongopg/internal/schema"
)

// Method tags how a relationship candidate was detected.
type Method string

const (
	// MethodObjectID marks a field that is ObjectId-typed and whose name
	// resolves to a known collection.
	MethodObjectID Method = "OBJECTID"
	// MethodNaming marks a field whose name resolves to a known collection
	// without ObjectId type evidence.
	MethodNaming Method = "NAMING_CONVENTION"
)

// Confidence scores per detection method.
const (
	ConfidenceObjectID = 0.9
	ConfidenceNaming   = 0.6
)

// Kind is the cardinality of a relationship. Only one-to-many is detected.
type Kind string

const KindOneToMany Kind = "ONE_TO_MANY"

// Relationship is one proposed link from a source field to the identity
// field of a target collection.
type Relationship struct {
	SourceCollection string  `json:"sourceCollection"`
	SourceField      string  `json:"sourceField"`
	TargetCollection string  `json:"targetCollection"`
	TargetField      string  `json:"targetField"`
	Kind             Kind    `json:"kind"`
	Confidence       float64 `json:"confidence"`
	Method           Method  `json:"method"`
}

var (
	underscoreIDPattern = regexp.MustCompile(`^(.+)_id$`)
	camelCaseIDPattern  = regexp.MustCompile(`^(.+)Id$`)
)

// Detect scans the fields of every collection and returns all relationship
// candidates. collections must be the full list of known collection names;
// its order fixes the output order.
func Detect(fieldsByCollection map[string][]schema.Field, collections []string) []Relationship {
	var out []Relationship

	for _, source := range collections {
		for _, field := range fieldsByCollection[source] {
			if field.Name == schema.IdentityField {
				continue
			}

			target := inferTargetCollection(field.Name, collections)
			if target == "" {
				continue
			}

			rel := Relationship{
				SourceCollection: source,
				SourceField:      field.Name,
				TargetCollection: target,
				TargetField:      schema.IdentityField,
				Kind:             KindOneToMany,
			}
			if field.HasType(schema.TypeObjectID) {
				rel.Confidence = ConfidenceObjectID
				rel.Method = MethodObjectID
			} else {
				rel.Confidence = ConfidenceNaming
				rel.Method = MethodNaming
			}
			out = append(out, rel)
		}
	}

	return out
}

// inferTargetCollection derives a collection name from a field name, or ""
// when no convention matches. "user_id" and "userId" both resolve against
// the known collections, in that order.
func inferTargetCollection(fieldName string, collections []string) string {
	if m := underscoreIDPattern.FindStringSubmatch(fieldName); m != nil {
		if c := findMatchingCollection(m[1], collections); c != "" {
			return c
		}
	}
	if m := camelCaseIDPattern.FindStringSubmatch(fieldName); m != nil {
		if c := findMatchingCollection(strings.ToLower(m[1]), collections); c != "" {
			return c
		}
	}
	return ""
}

// findMatchingCollection resolves a base name against the known collection
// names: exact match first, then the plural form, then the singular form
// when the base itself is plural.
func findMatchingCollection(base string, collections []string) string {
	if containsName(collections, base) {
		return base
	}
	if plural := base + "s"; containsName(collections, plural) {
		return plural
	}
	if strings.HasSuffix(base, "s") && len(base) > 1 {
		if singular := base[:len(base)-1]; containsName(collections, singular) {
			return singular
		}
	}
	return ""
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
