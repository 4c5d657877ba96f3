package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/lib/pq"
)

const (
	defaultPort = "5432"

	// uniqueViolation is the SQLSTATE raised for unique constraint violations
	uniqueViolation = pq.ErrorCode("23505")
)

// NewDialect creates the postgres dialect. A host is host[:port], a dataset is
// a database on that server.
func NewDialect(sslMode string) backend.Dialect {
	if sslMode == "" {
		sslMode = "disable"
	}
	return &dialect{sslMode: sslMode}
}

type dialect struct {
	sslMode string
}

// --------------------------------------------------------------------------
// Interface Methods (docu see backend.Dialect)
// --------------------------------------------------------------------------

func (d *dialect) Name() backend.Implementation {
	return backend.ImplPostgres
}

func (d *dialect) DriverName() string {
	return "postgres"
}

func (d *dialect) DSN(addr backend.Address, creds backend.Credentials) string {
	host, port, err := net.SplitHostPort(addr.Host)
	if err != nil {
		host, port = addr.Host, defaultPort
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + addr.Dataset,
	}
	if creds.User != "" {
		u.User = url.UserPassword(creds.User, creds.Password)
	}
	q := u.Query()
	q.Set("sslmode", d.sslMode)
	u.RawQuery = q.Encode()
	return u.String()
}

func (d *dialect) Configure(db *sql.DB) {
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
}

func (d *dialect) SupportsFeature(feature backend.Feature) bool {
	supported := backend.FeatureCopySchema | backend.FeatureDump | backend.FeatureLoad | backend.FeatureTempTables
	return feature&supported == feature
}

// Rebind rewrites '?' to $1, $2, ... skipping quoted strings and identifiers
func (d *dialect) Rebind(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 8)

	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '?':
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func (d *dialect) TableDDL(ctx context.Context, q backend.Querier, table, newName string) (string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = ?
		ORDER BY ordinal_position`, table)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name, dataType, nullable string
		var def sql.NullString
		if err := rows.Scan(&name, &dataType, &nullable, &def); err != nil {
			return "", err
		}

		column := backend.Quote(name) + " " + dataType
		if nullable == "NO" {
			column += " NOT NULL"
		}
		// sequence defaults reference objects that do not exist on other hosts
		if def.Valid && !strings.HasPrefix(def.String, "nextval(") {
			column += " DEFAULT " + def.String
		}
		columns = append(columns, column)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("table %s does not exist", table)
	}

	return "CREATE TABLE IF NOT EXISTS " + backend.Quote(newName) + " (" + strings.Join(columns, ", ") + ")", nil
}

func (d *dialect) ListTables(ctx context.Context, q backend.Querier) ([]string, error) {
	return queryNames(ctx, q, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
}

func (d *dialect) ListIndexes(ctx context.Context, q backend.Querier, table string) ([]string, error) {
	// indexes owned by constraints are removed together with the constraint only
	return queryNames(ctx, q, `
		SELECT i.indexname FROM pg_indexes i
		WHERE i.schemaname = current_schema() AND i.tablename = ?
		  AND NOT EXISTS (SELECT 1 FROM pg_constraint c WHERE c.conname = i.indexname)
		ORDER BY i.indexname`, table)
}

func (d *dialect) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
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
