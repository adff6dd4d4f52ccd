// Package dialect describes the supported database targets and provides the
// pooled connection layer the workers drive. Each target is a Dialect value
// registered by name, so the load loop never branches on database type.
package dialect

import (
	"errors"
	"time"
)

// TableName is the table every dialect creates and exercises.
const TableName = "load_test"

// ErrUnsupported is returned for database types that are not registered.
var ErrUnsupported = errors.New("unsupported database type")

// IDStrategy says how a dialect reports the id of an inserted row.
type IDStrategy int

const (
	// IDReturning reads the id from a row returned by the insert statement.
	IDReturning IDStrategy = iota
	// IDLastInsert reads the id from sql.Result.LastInsertId.
	IDLastInsert
)

// Statements holds a dialect's SQL text. Parameter order is fixed:
// Insert and BatchInsert take (thread_id, value_col, random_data),
// Update takes (value_col, id), Select and Delete take (id).
type Statements struct {
	Insert      string
	BatchInsert string // same columns as Insert, without id retrieval
	Select      string
	Update      string
	Delete      string
	MaxID       string
	Truncate    string
}

// Params are the connection settings shared by every dialect.
type Params struct {
	Host     string
	Port     int // 0 selects the dialect default
	Database string
	User     string
	Password string

	// ConnectTimeout is passed to drivers that accept a dial timeout.
	ConnectTimeout time.Duration
}

// Dialect describes one database target.
type Dialect struct {
	// Name is the canonical identifier, e.g. "postgresql".
	Name string

	// Aliases are alternative names accepted on the command line.
	Aliases []string

	// Driver is the database/sql driver name used by default.
	Driver string

	// AltDrivers are other registered driver names that accept the same DSN.
	AltDrivers []string

	DefaultPort int

	// MaxPoolSize caps the pool size; 0 means no cap.
	MaxPoolSize int

	// FileBased targets take a file path in Params.Database and need no
	// host or credentials.
	FileBased bool

	// BuildDSN renders connection parameters for the driver.
	BuildDSN func(p Params) string

	Statements Statements
	IDStrategy IDStrategy

	// ExistsQuery, when set, returns a positive count if the table already
	// exists; setup then keeps the existing table instead of recreating it.
	ExistsQuery string

	// Schema statements drop and recreate the table, in order.
	Schema []string

	// DDL is the human-readable schema printed by --print-ddl.
	DDL string
}

// String returns the canonical name of the dialect.
func (d *Dialect) String() string {
	if d == nil {
		return "unknown"
	}
	return d.Name
}

// SupportsDriver reports whether name is the default or an alternative driver.
func (d *Dialect) SupportsDriver(name string) bool {
	if name == d.Driver {
		return true
	}
	for _, alt := range d.AltDrivers {
		if alt == name {
			return true
		}
	}
	return false
}
