package common

import (
	"bytes"
	"testing"
	"time"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/cluster"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	nodes, err := cluster.ParseMembers("node0=/data/n0,node1=/data/n1")
	require.NoError(t, err)
	return &Config{
		Engine:           EngineSQLite,
		MasterHost:       "/data/master",
		DirectoryDataset: "key_master",
		Nodes:            nodes,
		DumpDir:          "/tmp",
		Codec:            "gob",
		Parallelism:      4,
		ConnectRetries:   2,
		RetryBackoff:     50 * time.Millisecond,
		LogLevel:         "info",
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig(t).Validate())

	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"Engine", func(c *Config) { c.Engine = "mysql" }},
		{"MasterHost", func(c *Config) { c.MasterHost = "" }},
		{"Nodes", func(c *Config) { c.Nodes = nil }},
		{"Codec", func(c *Config) { c.Codec = "xml" }},
		{"LogLevel", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig(t)
			tt.modify(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestWiring(t *testing.T) {
	c := validConfig(t)

	dialect, err := c.Dialect()
	require.NoError(t, err)
	assert.Equal(t, backend.ImplSQLite, dialect.Name())

	c.Engine = EnginePostgres
	dialect, err = c.Dialect()
	require.NoError(t, err)
	assert.Equal(t, backend.ImplPostgres, dialect.Name())

	assert.Equal(t, backend.DialOptions{Retries: 2, Backoff: 50 * time.Millisecond}, c.DialOptions())

	pool := backend.NewPool(nil)
	pc, err := c.PipelineConfig(pool)
	require.NoError(t, err)
	assert.Equal(t, "gob", pc.Codec.Name())
	assert.Equal(t, 4, pc.Parallelism)
	assert.Same(t, pool, pc.Pool)

	cc := c.CheckerConfig(pool)
	assert.Equal(t, "key_master", cc.DirectoryDataset)

	rc := c.RouterConfig("pdb_reps", nil)
	assert.Equal(t, backend.Address{Host: "/data/master", Dataset: "key_master"}, rc.Master)
	assert.Equal(t, "pdb_reps", rc.Dataset)

	c.Engine = "oracle"
	_, err = c.Dialer()
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	c := validConfig(t)
	c.Password = "secret"
	out := c.String()

	assert.Contains(t, out, "BACKEND")
	assert.Contains(t, out, "NODES")
	assert.Contains(t, out, "  node1                 : /data/n1\n")
	assert.NotContains(t, out, "secret")
	assert.NotContains(t, out, "HTTP API")
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in       string
		expected logger.LogLevel
	}{
		{"debug", logger.DEBUG},
		{"INFO", logger.INFO},
		{"warn", logger.WARNING},
		{"warning", logger.WARNING},
		{"error", logger.ERROR},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lvl, err := parseLogLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, lvl)
		})
	}

	_, err := parseLogLevel("verbose")
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	old := logOutput
	logOutput = &buf
	defer func() { logOutput = old }()

	l := CreateLogger("router")
	l.SetLevel(logger.WARNING)
	l.Infof("hidden %d", 1)
	l.Warningf("swap to %s", "node1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "WARN  | router      | swap to node1")

	assert.NoError(t, InitLoggers("debug"))
	assert.Error(t, InitLoggers("nope"))
}
