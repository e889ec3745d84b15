package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"mongopg/internal/catalog"
	"mongopg/internal/metrics"
	"mongopg/internal/plan"
)

// migrateTable owns one table start-to-finish: progress transitions, the
// full source read, projection, and batched inserts. The boolean outcome
// is the only thing the engine inspects.
func (e *Engine) migrateTable(ctx context.Context, src Source, tgt Target, runID string, m plan.TableMapping) (ok bool) {
	logf := e.logger()
	table := m.TargetTable
	start := e.clock()()

	var processed int64
	fail := func(err error) bool {
		logf("stage=table_error run=%s table=%s rows=%d err=%v", runID, table, processed, err)
		if uerr := e.Catalog.UpdateProgress(ctx, runID, table, catalog.ProgressError, processed, err.Error()); uerr != nil {
			logf("stage=progress_error run=%s table=%s err=%v", runID, table, uerr)
		}
		e.metrics().IncCounter(metrics.TablesTotal, 1, metrics.Labels{"status": "error"})
		return false
	}

	if err := e.Catalog.UpdateProgress(ctx, runID, table, catalog.ProgressRunning, 0, ""); err != nil {
		return fail(err)
	}

	total, err := src.Count(ctx, m.SourceCollection)
	if err != nil {
		return fail(fmt.Errorf("count %s: %w", m.SourceCollection, err))
	}
	if err := e.Catalog.SetProgressTotal(ctx, runID, table, total); err != nil {
		return fail(err)
	}

	columns := make([]string, len(m.Columns))
	for i, col := range m.Columns {
		columns[i] = col.TargetColumn
	}

	batchSize := e.batchSize()
	batch := make([][]any, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := tgt.InsertRows(ctx, table, columns, batch)
		if err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
		processed += n
		batch = batch[:0]
		e.metrics().IncCounter(metrics.RowsTotal, float64(n), metrics.Labels{"table": table})
		return e.Catalog.UpdateProgress(ctx, runID, table, catalog.ProgressRunning, processed, "")
	}

	err = src.EachDocument(ctx, m.SourceCollection, func(doc bson.D) error {
		row, err := projectRow(doc, m.Columns)
		if err != nil {
			return err
		}
		batch = append(batch, row)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	if err := flush(); err != nil {
		return fail(err)
	}

	if err := e.Catalog.UpdateProgress(ctx, runID, table, catalog.ProgressDone, processed, ""); err != nil {
		return fail(err)
	}
	e.metrics().IncCounter(metrics.TablesTotal, 1, metrics.Labels{"status": "done"})
	logf("stage=table_done run=%s table=%s rows=%d duration=%s",
		runID, table, processed, time.Since(start).Truncate(time.Millisecond))
	return true
}

// projectRow maps one source document onto the mapping's column order.
func projectRow(doc bson.D, columns []plan.Column) ([]any, error) {
	values := make(map[string]any, len(doc))
	for _, elem := range doc {
		values[elem.Key] = elem.Value
	}

	row := make([]any, len(columns))
	for i, col := range columns {
		v, err := convertValue(values[col.SourceField], col)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.TargetColumn, err)
		}
		row[i] = v
	}
	return row, nil
}

// convertValue renders one source value for its target column.
func convertValue(v any, col plan.Column) (any, error) {
	if col.PrimaryKey {
		return surrogateID(v), nil
	}

	if col.RequiresTransformation && col.TransformationType == plan.TransformToJSONB {
		if v == nil {
			return nil, nil
		}
		raw, err := json.Marshal(normalize(v))
		if err != nil {
			return nil, fmt.Errorf("to jsonb: %w", err)
		}
		return string(raw), nil
	}

	switch t := v.(type) {
	case nil, primitive.Null:
		return nil, nil
	case primitive.ObjectID:
		return t.Hex(), nil
	case primitive.DateTime:
		return t.Time().UTC(), nil
	default:
		return v, nil
	}
}

// surrogateID derives the target primary key from the source identity
// value. Derivation is deterministic (name-based UUID over the rendered
// identity), so re-running a migration maps each source document to the
// same target key.
func surrogateID(v any) string {
	var name string
	switch t := v.(type) {
	case nil:
		return uuid.NewString()
	case primitive.ObjectID:
		name = t.Hex()
	case string:
		name = t
	default:
		name = fmt.Sprintf("%v", t)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// normalize rewrites decoded BSON shapes into plain Go values that
// json.Marshal renders the way the target expects: documents as objects,
// ObjectIds as hex strings, datetimes as RFC 3339.
func normalize(v any) any {
	switch t := v.(type) {
	case bson.D:
		out := make(map[string]any, len(t))
		for _, elem := range t {
			out[elem.Key] = normalize(elem.Value)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Null:
		return nil
	default:
		return v
	}
}
