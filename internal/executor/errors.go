package executor

import "fmt"

// ConfigError reports a precondition failure detected before any connection
// is attempted: missing target credentials or a missing plan.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "executor: " + e.Reason
}

// ConnectError reports an unreachable source or target. It echoes the
// coordinates needed to diagnose the failure; the password is deliberately
// never included.
type ConnectError struct {
	Side     string // "source" or "target"
	Host     string
	Port     int
	Database string
	Username string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("executor: connect %s %s:%d/%s as %q: %v",
		e.Side, e.Host, e.Port, e.Database, e.Username, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DDLError reports a failed table creation during pre-flight. The run is
// aborted before any data task starts.
type DDLError struct {
	Table string
	Err   error
}

func (e *DDLError) Error() string {
	return fmt.Sprintf("executor: create table %s: %v", e.Table, e.Err)
}

func (e *DDLError) Unwrap() error { return e.Err }
