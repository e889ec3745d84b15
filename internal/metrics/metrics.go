// Package metrics defines the minimal counter surface the migration engine
// emits through. Core code depends only on Backend; concrete backends live
// in subpackages.
package metrics

// Labels attach low-cardinality dimensions to a metric.
type Labels map[string]string

// Backend receives metric updates. Implementations must be safe for
// concurrent use: table tasks emit from worker goroutines.
type Backend interface {
	// IncCounter adds delta to the named counter. Non-positive deltas are
	// ignored.
	IncCounter(name string, delta float64, labels Labels)

	// Flush submits buffered metrics now.
	Flush() error

	// Close stops background flushing and submits one final time.
	Close() error
}

// Counter names emitted by the engine.
const (
	RunsTotal   = "migration_runs_total"
	TablesTotal = "migration_tables_total"
	RowsTotal   = "migration_rows_total"
)

// Nop is the default backend when metrics are not configured.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels) {}
func (Nop) Flush() error                       { return nil }
func (Nop) Close() error                       { return nil }
