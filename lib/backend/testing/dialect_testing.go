package testing

import (
	"context"
	"sort"
	"testing"

	"github.com/ValentinKolb/dShard/lib/backend"
)

// ConnFactory opens a connection to a fresh, empty dataset
type ConnFactory func(t *testing.T) *backend.Conn

// RunDialectTests runs the conformance suite every backend.Dialect has to pass
// to be usable by the directory, the migration pipeline and the checker.
func RunDialectTests(t *testing.T, name string, factory ConnFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Placeholders", func(t *testing.T) {
			testPlaceholders(t, factory(t))
		})

		t.Run("ListTables", func(t *testing.T) {
			testListTables(t, factory(t))
		})

		t.Run("TableDDL", func(t *testing.T) {
			testTableDDL(t, factory(t))
		})

		t.Run("Indexes", func(t *testing.T) {
			testIndexes(t, factory(t))
		})

		t.Run("UniqueViolation", func(t *testing.T) {
			testUniqueViolation(t, factory(t))
		})

		t.Run("TempTables", func(t *testing.T) {
			testTempTables(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the dialect supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, conn *backend.Conn, feature backend.Feature) {
	if !conn.Dialect().SupportsFeature(feature) {
		t.Skip()
	}
}

func mustExec(t testing.TB, q backend.Querier, query string, args ...any) {
	t.Helper()
	if _, err := q.ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testPlaceholders(t *testing.T, conn *backend.Conn) {
	ctx := context.Background()
	mustExec(t, conn, `CREATE TABLE p (a BIGINT, b TEXT)`)
	mustExec(t, conn, `INSERT INTO p (a, b) VALUES (?, ?)`, int64(7), "x?y")

	var a int64
	var b string
	err := conn.QueryRowContext(ctx, `SELECT a, b FROM p WHERE a = ? AND b = ?`, int64(7), "x?y").Scan(&a, &b)
	if err != nil {
		t.Fatalf("query with placeholders failed: %v", err)
	}
	if a != 7 || b != "x?y" {
		t.Errorf("Expected (7, x?y), got (%d, %s)", a, b)
	}
}

func testListTables(t *testing.T, conn *backend.Conn) {
	ctx := context.Background()
	mustExec(t, conn, `CREATE TABLE zeta (a BIGINT)`)
	mustExec(t, conn, `CREATE TABLE alpha (a BIGINT)`)

	tables, err := conn.Dialect().ListTables(ctx, conn)
	if err != nil {
		t.Fatalf("ListTables failed: %v", err)
	}
	if !sort.StringsAreSorted(tables) {
		t.Errorf("Expected sorted tables, got %v", tables)
	}
	if len(tables) != 2 || tables[0] != "alpha" || tables[1] != "zeta" {
		t.Errorf("Expected [alpha zeta], got %v", tables)
	}
}

func testTableDDL(t *testing.T, conn *backend.Conn) {
	requireFeature(t, conn, backend.FeatureCopySchema)
	ctx := context.Background()

	mustExec(t, conn, `CREATE TABLE src (id BIGINT NOT NULL, name TEXT, score DOUBLE PRECISION)`)
	mustExec(t, conn, `INSERT INTO src (id, name, score) VALUES (1, 'a', 0.5)`)

	if err := backend.CopyTableLike(ctx, conn, "src", "dst"); err != nil {
		t.Fatalf("CopyTableLike failed: %v", err)
	}

	// the copy has the layout but not the rows
	n, err := backend.CountRows(ctx, conn, "dst", "", 0, 0)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected empty copy, got %d rows", n)
	}

	mustExec(t, conn, `INSERT INTO dst SELECT * FROM src`)

	// NOT NULL is kept
	if _, err := conn.ExecContext(ctx, `INSERT INTO dst (id, name) VALUES (NULL, 'b')`); err == nil {
		t.Errorf("Expected NOT NULL constraint to be copied")
	}

	if _, err := conn.Dialect().TableDDL(ctx, conn, "missing", "x"); err == nil {
		t.Errorf("Expected error for missing table")
	}
}

func testIndexes(t *testing.T, conn *backend.Conn) {
	ctx := context.Background()
	mustExec(t, conn, `CREATE TABLE i (id BIGINT PRIMARY KEY, name TEXT)`)
	mustExec(t, conn, `CREATE INDEX i_name ON i (name)`)

	indexes, err := conn.Dialect().ListIndexes(ctx, conn, "i")
	if err != nil {
		t.Fatalf("ListIndexes failed: %v", err)
	}
	// the primary key index is owned by the constraint and not listed
	if len(indexes) != 1 || indexes[0] != "i_name" {
		t.Errorf("Expected [i_name], got %v", indexes)
	}

	if _, err := backend.DropIndexes(ctx, conn, "i"); err != nil {
		t.Fatalf("DropIndexes failed: %v", err)
	}
	indexes, err = conn.Dialect().ListIndexes(ctx, conn, "i")
	if err != nil {
		t.Fatalf("ListIndexes failed: %v", err)
	}
	if len(indexes) != 0 {
		t.Errorf("Expected no indexes after drop, got %v", indexes)
	}
}

func testUniqueViolation(t *testing.T, conn *backend.Conn) {
	ctx := context.Background()
	mustExec(t, conn, `CREATE TABLE u (k BIGINT NOT NULL)`)
	mustExec(t, conn, `CREATE UNIQUE INDEX u_k ON u (k)`)
	mustExec(t, conn, `INSERT INTO u (k) VALUES (1)`)

	_, err := conn.ExecContext(ctx, `INSERT INTO u (k) VALUES (1)`)
	if err == nil {
		t.Fatalf("Expected duplicate insert to fail")
	}
	if !conn.Dialect().IsUniqueViolation(err) {
		t.Errorf("Expected unique violation, got %v", err)
	}
}

func testTempTables(t *testing.T, conn *backend.Conn) {
	requireFeature(t, conn, backend.FeatureTempTables)
	ctx := context.Background()

	pinned, err := conn.Pin(ctx)
	if err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	defer pinned.Close()

	mustExec(t, pinned, `CREATE TEMP TABLE tmp_keys (k BIGINT)`)
	mustExec(t, pinned, `INSERT INTO tmp_keys (k) VALUES (?), (?)`, int64(1), int64(2))

	var n int64
	if err := pinned.QueryRowContext(ctx, `SELECT COUNT(*) FROM tmp_keys`).Scan(&n); err != nil {
		t.Fatalf("query temp table failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 rows in temp table, got %d", n)
	}
	mustExec(t, pinned, `DROP TABLE tmp_keys`)
}
