package sqlite_test

import (
	"context"
	"testing"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/backend/engines/sqlite"
	backendtesting "github.com/ValentinKolb/dShard/lib/backend/testing"
	"github.com/stretchr/testify/assert"
)

func TestDialect(t *testing.T) {
	backendtesting.RunDialectTests(t, "sqlite", func(t *testing.T) *backend.Conn {
		conn, err := backend.Open(context.Background(), sqlite.NewDialect(),
			backend.Address{Host: t.TempDir(), Dataset: "conformance"}, backend.Credentials{}, backend.DialOptions{})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	})
}

func TestDSN(t *testing.T) {
	dsn := sqlite.NewDialect().DSN(backend.Address{Host: "/data/master", Dataset: "pdb_reps"}, backend.Credentials{})
	assert.Contains(t, dsn, "/data/master/pdb_reps.db?")
	assert.Contains(t, dsn, "busy_timeout")
}
