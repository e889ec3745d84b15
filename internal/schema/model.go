// Package schema implements type/frequency inference over sampled MongoDB
// documents.
//
// The analyzer walks every sampled document recursively and accumulates
// per-field-path statistics: which BSON types were observed, how often the
// path occurred, and whether the value is an array or a nested object.
// The resulting Field records are the shared substrate consumed by the
// relationship detector, the risk analyzer, and the plan generator.
//
// Design constraints:
//   - Analysis is pure: given the same sample, the output is identical.
//   - Nested-object paths (dotted, no "[]") contribute statistics but are
//     not materialized as independent Field records.
package schema

// TypeTag is the observed BSON type of a field value.
type TypeTag string

const (
	TypeNull     TypeTag = "null"
	TypeString   TypeTag = "string"
	TypeInt32    TypeTag = "int32"
	TypeInt64    TypeTag = "int64"
	TypeDouble   TypeTag = "double"
	TypeBoolean  TypeTag = "boolean"
	TypeDate     TypeTag = "date"
	TypeObjectID TypeTag = "objectId"
	TypeArray    TypeTag = "array"
	TypeObject   TypeTag = "object"
	TypeBinary   TypeTag = "binary"
	TypeUnknown  TypeTag = "unknown"
)

// IdentityField is the source identity field of every collection.
const IdentityField = "_id"

// ArrayElementMarker suffixes a path segment that addresses one element of
// an array of objects (e.g. "items[].sku").
const ArrayElementMarker = "[]"

// RequiredThreshold is the frequency above which a field is considered
// required.
const RequiredThreshold = 0.95

// Field is one materialized schema field: a (collection, path) pair with
// the statistics observed across the sample.
//
// Types preserves observation order; the first entry is the primary type
// used for SQL type mapping. Frequency is in [0,1].
type Field struct {
	Collection string    `json:"collection"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Types      []TypeTag `json:"types"`
	Frequency  float64   `json:"frequency"`
	Required   bool      `json:"required"`
	IsArray    bool      `json:"isArray"`
	IsNested   bool      `json:"isNested"`
}

// HasType reports whether t was observed for this field.
func (f Field) HasType(t TypeTag) bool {
	for _, have := range f.Types {
		if have == t {
			return true
		}
	}
	return false
}

// PrimaryType returns the first observed type, or "" when the type set is
// empty.
func (f Field) PrimaryType() TypeTag {
	if len(f.Types) == 0 {
		return ""
	}
	return f.Types[0]
}

// SQLType maps a field's primary observed type onto a PostgreSQL column
// type. Absent or empty type sets degrade to TEXT.
func SQLType(f Field) string {
	switch f.PrimaryType() {
	case TypeString:
		return "VARCHAR(255)"
	case TypeInt32:
		return "INTEGER"
	case TypeInt64:
		return "BIGINT"
	case TypeDouble:
		return "DOUBLE PRECISION"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeDate:
		return "TIMESTAMP"
	case TypeObjectID:
		// ObjectId is stored as its 24-char hex form.
		return "VARCHAR(24)"
	case TypeArray, TypeObject:
		return "JSONB"
	default:
		return "TEXT"
	}
}
