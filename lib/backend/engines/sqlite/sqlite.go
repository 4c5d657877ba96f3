package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ValentinKolb/dShard/lib/backend"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	// FileExtension is appended to the dataset name to get the database file
	FileExtension = ".db"

	busyTimeoutMillis = 5000
)

// NewDialect creates the sqlite dialect. A host is a directory, every dataset
// on that host is the file <host>/<dataset>.db. The directory must exist,
// a missing directory is reported as an unreachable host.
func NewDialect() backend.Dialect {
	return &dialect{}
}

type dialect struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see backend.Dialect)
// --------------------------------------------------------------------------

func (d *dialect) Name() backend.Implementation {
	return backend.ImplSQLite
}

func (d *dialect) DriverName() string {
	return "sqlite"
}

func (d *dialect) DSN(addr backend.Address, _ backend.Credentials) string {
	path := filepath.Join(addr.Host, addr.Dataset+FileExtension)
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyTimeoutMillis)
}

func (d *dialect) Configure(db *sql.DB) {
	// one writer per database file, concurrent callers queue on the pool
	db.SetMaxOpenConns(1)
}

func (d *dialect) SupportsFeature(feature backend.Feature) bool {
	supported := backend.FeatureCopySchema | backend.FeatureDump | backend.FeatureLoad | backend.FeatureTempTables
	return feature&supported == feature
}

func (d *dialect) Rebind(query string) string {
	return query
}

func (d *dialect) TableDDL(ctx context.Context, q backend.Querier, table, newName string) (string, error) {
	var ddl string
	err := q.QueryRowContext(ctx,
		"SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", table,
	).Scan(&ddl)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("table %s does not exist", table)
	} else if err != nil {
		return "", err
	}

	// keep the column list, replace everything in front of it
	open := strings.Index(ddl, "(")
	if open < 0 {
		return "", fmt.Errorf("unexpected ddl for table %s: %s", table, ddl)
	}
	return "CREATE TABLE IF NOT EXISTS " + backend.Quote(newName) + " " + ddl[open:], nil
}

func (d *dialect) ListTables(ctx context.Context, q backend.Querier) ([]string, error) {
	return queryNames(ctx, q,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
}

func (d *dialect) ListIndexes(ctx context.Context, q backend.Querier, table string) ([]string, error) {
	// automatic indexes backing PRIMARY KEY and UNIQUE constraints have no sql and cannot be dropped
	return queryNames(ctx, q,
		"SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND sql IS NOT NULL ORDER BY name", table)
}

func (d *dialect) IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
		code == sqlite3.SQLITE_CONSTRAINT
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func queryNames(ctx context.Context, q backend.Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
