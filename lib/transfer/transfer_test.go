package transfer

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/backend/engines/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCodecs is a map of codec name to factory function
var testCodecs = map[string]func() IRowCodec{
	"JSON": NewJSONCodec,
	"GOB":  NewGOBCodec,
}

func openConn(t *testing.T, dataset string) *backend.Conn {
	t.Helper()
	conn, err := backend.Open(context.Background(), sqlite.NewDialect(),
		backend.Address{Host: t.TempDir(), Dataset: dataset}, backend.Credentials{}, backend.DialOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func seedSource(t *testing.T, conn *backend.Conn) {
	t.Helper()
	ctx := context.Background()
	_, err := conn.ExecContext(ctx, `CREATE TABLE asu_list (asu_id INTEGER NOT NULL, chain TEXT, resolution REAL, coords BLOB)`)
	require.NoError(t, err)

	rows := [][]any{
		{1, "A", 1.5, []byte{0x00, 0x01}},
		{2, nil, 2.25, nil},
		{3, "C", nil, []byte{}},
		{9007199254740993, "big", -0.1, []byte("xyz")},
	}
	for _, r := range rows {
		_, err := conn.ExecContext(ctx, `INSERT INTO asu_list (asu_id, chain, resolution, coords) VALUES (?, ?, ?, ?)`, r...)
		require.NoError(t, err)
	}
}

func readAll(t *testing.T, conn *backend.Conn) [][]any {
	t.Helper()
	rows, err := conn.QueryContext(context.Background(), `SELECT asu_id, chain, resolution, coords FROM asu_list ORDER BY asu_id`)
	require.NoError(t, err)
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals := make([]any, 4)
		ptrs := make([]any, 4)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		require.NoError(t, rows.Scan(ptrs...))
		out = append(out, vals)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()

	for name, factory := range testCodecs {
		t.Run(name, func(t *testing.T) {
			codec := factory()
			src := openConn(t, "src")
			dst := openConn(t, "dst")
			seedSource(t, src)

			var buf bytes.Buffer
			n, err := Export(ctx, src, "asu_list", &buf, codec)
			require.NoError(t, err)
			assert.Equal(t, int64(4), n)

			ddl, err := src.Dialect().TableDDL(ctx, src, "asu_list", "asu_list")
			require.NoError(t, err)

			n, err = Import(ctx, dst, "asu_list", ddl, &buf, codec)
			require.NoError(t, err)
			assert.Equal(t, int64(4), n)

			assert.Equal(t, readAll(t, src), readAll(t, dst))
		})
	}
}

func TestImportReplacesRows(t *testing.T) {
	ctx := context.Background()
	codec := NewJSONCodec()
	src := openConn(t, "src")
	dst := openConn(t, "dst")
	seedSource(t, src)

	ddl, err := src.Dialect().TableDDL(ctx, src, "asu_list", "asu_list")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		var buf bytes.Buffer
		_, err := Export(ctx, src, "asu_list", &buf, codec)
		require.NoError(t, err)
		_, err = Import(ctx, dst, "asu_list", ddl, &buf, codec)
		require.NoError(t, err)
	}

	count, err := backend.CountRows(ctx, dst, "asu_list", "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestImportRejectsBrokenStreams(t *testing.T) {
	ctx := context.Background()
	dst := openConn(t, "dst")

	t.Run("Empty", func(t *testing.T) {
		_, err := Import(ctx, dst, "t", "", bytes.NewReader(nil), NewJSONCodec())
		assert.Error(t, err)
	})

	t.Run("WrongWidth", func(t *testing.T) {
		var buf bytes.Buffer
		enc := NewJSONCodec().NewEncoder(&buf)
		require.NoError(t, enc.Encode(&Record{Table: "t", Columns: []string{"a", "b"}}))
		require.NoError(t, enc.Encode(&Record{Values: []Value{{Kind: KindInt, Int: 1}}}))

		_, err := Import(ctx, dst, "t", `CREATE TABLE IF NOT EXISTS t (a INTEGER, b INTEGER)`, &buf, NewJSONCodec())
		assert.Error(t, err)

		// the failed load was rolled back completely
		ok, err := backend.TableExists(ctx, dst, "t")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestDirMedium(t *testing.T) {
	root := t.TempDir()

	t.Run("Cleanup", func(t *testing.T) {
		m, err := NewDirMedium(root, false)
		require.NoError(t, err)

		w, err := m.Create("node0", "pdb_reps", "asu_list")
		require.NoError(t, err)
		_, err = w.Write([]byte("data"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		r, err := m.Open("node0", "pdb_reps", "asu_list")
		require.NoError(t, err)
		require.NoError(t, r.Close())

		require.NoError(t, m.Cleanup())
		_, err = os.Stat(m.Dir())
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("Keep", func(t *testing.T) {
		m, err := NewDirMedium(root, true)
		require.NoError(t, err)
		w, err := m.Create("node1", "pdb_reps", "asu_list")
		require.NoError(t, err)
		require.NoError(t, w.Close())

		require.NoError(t, m.Cleanup())
		_, err = os.Stat(m.Path("node1", "pdb_reps", "asu_list"))
		assert.NoError(t, err)
	})
}

func TestNewCodec(t *testing.T) {
	c, err := NewCodec("gob")
	require.NoError(t, err)
	assert.Equal(t, "gob", c.Name())

	_, err = NewCodec("xml")
	assert.Error(t, err)
}

func TestValue(t *testing.T) {
	_, err := NewValue(struct{}{})
	assert.Error(t, err)

	v, err := NewValue(true)
	require.NoError(t, err)
	assert.Equal(t, true, v.Any())

	v, err = NewValue(nil)
	require.NoError(t, err)
	assert.Nil(t, v.Any())
}

func TestColumnValue(t *testing.T) {
	tests := []struct {
		name   string
		in     any
		dbType string
		want   Value
	}{
		{"NumericAsText", []byte("12.50"), "NUMERIC", Value{Kind: KindText, Text: "12.50"}},
		{"JSONAsText", []byte(`{"a":1}`), "jsonb", Value{Kind: KindText, Text: `{"a":1}`}},
		{"Bytea", []byte{0x01}, "BYTEA", Value{Kind: KindBytes, Bytes: []byte{0x01}}},
		{"Blob", []byte{0x02}, "BLOB", Value{Kind: KindBytes, Bytes: []byte{0x02}}},
		{"Untyped", []byte{0x03}, "", Value{Kind: KindBytes, Bytes: []byte{0x03}}},
		{"Int", int64(7), "NUMERIC", Value{Kind: KindInt, Int: 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := columnValue(tt.in, tt.dbType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExportTextColumnHoldingBytes(t *testing.T) {
	ctx := context.Background()
	src := openConn(t, "src")
	_, err := src.ExecContext(ctx, `CREATE TABLE prices (id INTEGER NOT NULL, amount TEXT)`)
	require.NoError(t, err)
	// the driver hands the value back as []byte
	_, err = src.ExecContext(ctx, `INSERT INTO prices (id, amount) VALUES (1, ?)`, []byte("12.50"))
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = Export(ctx, src, "prices", &buf, NewJSONCodec())
	require.NoError(t, err)

	dst := openConn(t, "dst")
	ddl, err := src.Dialect().TableDDL(ctx, src, "prices", "prices")
	require.NoError(t, err)
	_, err = Import(ctx, dst, "prices", ddl, &buf, NewJSONCodec())
	require.NoError(t, err)

	var amount any
	require.NoError(t, dst.QueryRowContext(ctx, `SELECT amount FROM prices WHERE id = 1`).Scan(&amount))
	assert.Equal(t, "12.50", amount)
}
