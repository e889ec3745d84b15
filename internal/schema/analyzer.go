package schema

import (
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// FieldInfo accumulates statistics for one field path while a sample is
// being walked.
type FieldInfo struct {
	Path     string
	Count    int
	Types    []TypeTag
	IsArray  bool
	IsNested bool

	seen map[TypeTag]struct{}
}

func (fi *FieldInfo) addType(t TypeTag) {
	if fi.seen == nil {
		fi.seen = make(map[TypeTag]struct{}, 2)
	}
	if _, ok := fi.seen[t]; ok {
		return
	}
	fi.seen[t] = struct{}{}
	fi.Types = append(fi.Types, t)
}

// Stats maps a field path to its accumulated statistics.
type Stats map[string]*FieldInfo

// Analyze walks every sampled document and returns per-path statistics.
//
// Paths are dot-separated; one element of an array of objects is addressed
// under "<path>[]". Nested objects are walked under their dotted path and
// mark the parent field IsNested. The walk is deterministic for a fixed
// sample: bson.D preserves document key order.
func Analyze(docs []bson.D) Stats {
	stats := make(Stats)
	for _, doc := range docs {
		analyzeDocument(doc, "", stats)
	}
	return stats
}

func analyzeDocument(doc bson.D, prefix string, stats Stats) {
	for _, elem := range doc {
		path := elem.Key
		if prefix != "" {
			path = prefix + "." + elem.Key
		}

		info := stats[path]
		if info == nil {
			info = &FieldInfo{Path: path}
			stats[path] = info
		}
		info.Count++
		info.addType(DetectType(elem.Value))

		switch v := elem.Value.(type) {
		case bson.A:
			info.IsArray = true
			for _, item := range v {
				if sub, ok := asDocument(item); ok {
					analyzeDocument(sub, path+ArrayElementMarker, stats)
				}
			}
		case []any:
			info.IsArray = true
			for _, item := range v {
				if sub, ok := asDocument(item); ok {
					analyzeDocument(sub, path+ArrayElementMarker, stats)
				}
			}
		default:
			if sub, ok := asDocument(elem.Value); ok {
				info.IsNested = true
				analyzeDocument(sub, path, stats)
			}
		}
	}
}

// asDocument converts the document shapes the driver (or a test fixture)
// can produce into a canonical ordered form.
func asDocument(v any) (bson.D, bool) {
	switch t := v.(type) {
	case bson.D:
		return t, true
	case bson.M:
		return sortedDoc(t), true
	case map[string]any:
		return sortedDoc(t), true
	default:
		return nil, false
	}
}

// sortedDoc imposes a stable key order on unordered map documents so the
// analysis stays deterministic regardless of fixture shape.
func sortedDoc(m map[string]any) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := make(bson.D, 0, len(keys))
	for _, k := range keys {
		d = append(d, bson.E{Key: k, Value: m[k]})
	}
	return d
}

// DetectType classifies a decoded BSON value.
func DetectType(v any) TypeTag {
	switch t := v.(type) {
	case nil, primitive.Null:
		return TypeNull
	case string:
		return TypeString
	case int32:
		return TypeInt32
	case int64:
		return TypeInt64
	case int:
		// Go literals in fixtures; the driver itself decodes int32/int64.
		if t >= -1<<31 && t < 1<<31 {
			return TypeInt32
		}
		return TypeInt64
	case float64, float32:
		return TypeDouble
	case bool:
		return TypeBoolean
	case time.Time, primitive.DateTime:
		return TypeDate
	case primitive.ObjectID:
		return TypeObjectID
	case bson.A, []any:
		return TypeArray
	case bson.D, bson.M, map[string]any:
		return TypeObject
	case primitive.Binary, []byte:
		return TypeBinary
	default:
		return TypeUnknown
	}
}

// BuildFields converts raw statistics into the materialized Field records
// for one collection.
//
// Only top-level paths (no dot) and array-element paths (containing "[]")
// survive; purely nested dotted paths are consumed as statistical input
// only. Output is sorted by path so repeated runs over the same sample
// produce identical slices.
func BuildFields(collection string, stats Stats, totalDocs int) []Field {
	fields := make([]Field, 0, len(stats))
	for path, info := range stats {
		if strings.Contains(path, ".") && !strings.Contains(path, ArrayElementMarker) {
			continue
		}

		freq := 0.0
		if totalDocs > 0 {
			freq = float64(info.Count) / float64(totalDocs)
		}
		// Array-element paths can occur several times per document; the
		// frequency is capped so it stays a presence ratio.
		if freq > 1 {
			freq = 1
		}

		fields = append(fields, Field{
			Collection: collection,
			Name:       leafName(path),
			Path:       path,
			Types:      append([]TypeTag(nil), info.Types...),
			Frequency:  freq,
			Required:   freq > RequiredThreshold,
			IsArray:    info.IsArray,
			IsNested:   info.IsNested,
		})
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].Path < fields[j].Path })
	return fields
}

// leafName returns the last dot segment of a path.
func leafName(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}
