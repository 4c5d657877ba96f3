package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transfer")

// Export streams all rows of table into w. The stream starts with a header
// record holding the column names.
func Export(ctx context.Context, q backend.Querier, table string, w io.Writer, codec IRowCodec) (int64, error) {
	rows, err := q.QueryContext(ctx, "SELECT * FROM "+backend.Quote(table))
	if err != nil {
		return 0, fmt.Errorf("export %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return 0, err
	}
	dbTypes := make([]string, len(types))
	for i, ct := range types {
		dbTypes[i] = ct.DatabaseTypeName()
	}

	buf := bufio.NewWriter(w)
	enc := codec.NewEncoder(buf)
	if err := enc.Encode(&Record{Table: table, Columns: columns}); err != nil {
		return 0, err
	}

	raw := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	var n int64
	rec := Record{Values: make([]Value, len(columns))}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return n, err
		}
		for i, v := range raw {
			if rec.Values[i], err = columnValue(v, dbTypes[i]); err != nil {
				return n, fmt.Errorf("export %s column %s: %w", table, columns[i], err)
			}
		}
		if err := enc.Encode(&rec); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, err
	}
	return n, buf.Flush()
}

// columnValue converts a scanned cell using the declared type of its column.
// Drivers such as lib/pq return NUMERIC, MONEY, JSON and similar types as
// []byte, those are carried as text so the destination parses them again.
// Only binary columns and columns without a declared type keep raw bytes.
func columnValue(v any, dbType string) (Value, error) {
	if b, ok := v.([]byte); ok && !isBinaryType(dbType) {
		return NewValue(string(b))
	}
	return NewValue(v)
}

func isBinaryType(dbType string) bool {
	switch strings.ToUpper(dbType) {
	case "", "BYTEA", "BLOB", "BINARY", "VARBINARY":
		return true
	}
	return false
}

// Import loads a stream written by Export into table of conn. The table is
// created from ddl if it does not exist yet, existing rows are removed. The
// whole load runs in one transaction.
func Import(ctx context.Context, conn *backend.Conn, table, ddl string, r io.Reader, codec IRowCodec) (int64, error) {
	dec := codec.NewDecoder(bufio.NewReader(r))

	var header Record
	if err := dec.Decode(&header); err != nil {
		return 0, fmt.Errorf("read dump header for %s: %w", table, err)
	}
	if len(header.Columns) == 0 {
		return 0, fmt.Errorf("dump for %s has no columns", table)
	}

	tx, err := conn.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if ddl != "" {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return 0, fmt.Errorf("create %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+backend.Quote(table)); err != nil {
		return 0, fmt.Errorf("clear %s: %w", table, err)
	}

	quoted := make([]string, len(header.Columns))
	marks := make([]string, len(header.Columns))
	for i, c := range header.Columns {
		quoted[i] = backend.Quote(c)
		marks[i] = "?"
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		backend.Quote(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))

	var n int64
	args := make([]any, len(header.Columns))
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return n, fmt.Errorf("read dump for %s: %w", table, err)
		}
		if len(rec.Values) != len(header.Columns) {
			return n, fmt.Errorf("row %d of %s has %d values, expected %d", n+1, table, len(rec.Values), len(header.Columns))
		}

		for i, v := range rec.Values {
			args[i] = v.Any()
		}
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return n, fmt.Errorf("load row %d into %s: %w", n+1, table, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return n, err
	}
	Logger.Debugf("loaded %d rows into %s on %s", n, table, conn.Addr())
	return n, nil
}
