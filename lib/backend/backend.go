package backend

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("backend")

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplSQLite   Implementation = "sqlite"
	ImplPostgres Implementation = "postgres"
)

// Feature represents backend capabilities as bit flags
type Feature uint64

const (
	FeatureCopySchema Feature = 1 << iota // Support for creating a table with the layout of another table
	FeatureDump                           // Support for streaming a table out
	FeatureLoad                           // Support for loading a stream into a table
	FeatureTempTables                     // Support for session scoped temporary tables
)

func (f Feature) String() string {
	switch f {
	case FeatureCopySchema:
		return "CopySchema"
	case FeatureDump:
		return "Dump"
	case FeatureLoad:
		return "Load"
	case FeatureTempTables:
		return "TempTables"
	default:
		return "Unknown"
	}
}

// Address identifies one dataset (database) on one host.
type Address struct {
	Host    string `json:"host" yaml:"host"`
	Dataset string `json:"dataset" yaml:"dataset"`
}

func (a Address) String() string {
	return a.Host + "/" + a.Dataset
}

// WithDataset returns a copy of the address pointing at another dataset on the same host
func (a Address) WithDataset(dataset string) Address {
	return Address{Host: a.Host, Dataset: dataset}
}

// Credentials are passed to the dialect when building the DSN. Engines that
// have no notion of users ignore them.
type Credentials struct {
	User     string
	Password string
}

// --------------------------------------------------------------------------
// Dialect Interface
// --------------------------------------------------------------------------

// Dialect hides the differences between the relational engines the cluster
// can run on. All SQL handed to a Conn uses '?' placeholders, the dialect
// rewrites them for its driver.
type Dialect interface {
	// Name returns the implementation identifier of the dialect.
	Name() Implementation

	// DriverName is the database/sql driver the dialect opens connections with.
	DriverName() string

	// DSN builds the data source name for an address.
	DSN(addr Address, creds Credentials) string

	// Configure applies pool settings to a freshly opened handle.
	Configure(db *sql.DB)

	// SupportsFeature checks if the dialect supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// Rebind rewrites '?' placeholders to the driver's native form.
	Rebind(query string) string

	// TableDDL returns a CREATE TABLE IF NOT EXISTS statement that creates
	// newName with the column layout of table. The statement is meant to be
	// executed on any host running the same engine.
	TableDDL(ctx context.Context, q Querier, table, newName string) (ddl string, err error)

	// ListTables returns all user tables of the connected dataset, sorted by name.
	ListTables(ctx context.Context, q Querier) (tables []string, err error)

	// ListIndexes returns the droppable secondary indexes of a table.
	ListIndexes(ctx context.Context, q Querier, table string) (indexes []string, err error)

	// IsUniqueViolation reports whether err was raised by a unique constraint.
	IsUniqueViolation(err error) bool
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

// ConnectionError is returned when a backend could not be reached after all
// retries were used up.
type ConnectionError struct {
	Addr Address
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// Quote quotes an identifier. Both supported engines use ANSI double quotes.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// TableExists checks whether table exists in the dataset q is connected to
func TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	tables, err := q.Dialect().ListTables(ctx, q)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t == table {
			return true, nil
		}
	}
	return false, nil
}

// CopyTableLike creates dst with the column layout of src on the same dataset.
func CopyTableLike(ctx context.Context, q Querier, src, dst string) error {
	ddl, err := q.Dialect().TableDDL(ctx, q, src, dst)
	if err != nil {
		return fmt.Errorf("read layout of %s: %w", src, err)
	}
	if _, err := q.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s like %s: %w", dst, src, err)
	}
	return nil
}

// DropIndexes removes all secondary indexes from table and returns their names.
func DropIndexes(ctx context.Context, q Querier, table string) ([]string, error) {
	indexes, err := q.Dialect().ListIndexes(ctx, q, table)
	if err != nil {
		return nil, fmt.Errorf("list indexes of %s: %w", table, err)
	}
	for _, idx := range indexes {
		if _, err := q.ExecContext(ctx, "DROP INDEX IF EXISTS "+Quote(idx)); err != nil {
			return nil, fmt.Errorf("drop index %s: %w", idx, err)
		}
	}
	return indexes, nil
}

// DropTable drops a table if it exists
func DropTable(ctx context.Context, q Querier, table string) error {
	_, err := q.ExecContext(ctx, "DROP TABLE IF EXISTS "+Quote(table))
	return err
}

// CountRows returns the number of rows of a table. When column is non-empty,
// only rows with lo <= column <= hi are counted.
func CountRows(ctx context.Context, q Querier, table, column string, lo, hi int64) (int64, error) {
	query := "SELECT COUNT(*) FROM " + Quote(table)
	var args []any
	if column != "" {
		query += " WHERE " + Quote(column) + " BETWEEN ? AND ?"
		args = append(args, lo, hi)
	}
	var n int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
