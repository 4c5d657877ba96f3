package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMembers(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		r, err := ParseMembers("node0=/data/a, node1=/data/b,node2=db3:5432")
		require.NoError(t, err)
		assert.Equal(t, []string{"node0", "node1", "node2"}, r.IDs())

		n, ok := r.Lookup("node2")
		require.True(t, ok)
		assert.Equal(t, "db3:5432", n.Addr)

		_, ok = r.Lookup("node9")
		assert.False(t, ok)
		assert.Equal(t, "node0=/data/a,node1=/data/b,node2=db3:5432", r.String())
	})

	tests := []struct {
		name    string
		members string
	}{
		{"Empty", ""},
		{"MissingAddress", "node0"},
		{"EmptyAddress", "node0="},
		{"Duplicate", "node0=a,node0=b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMembers(tt.members)
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	content := `nodes:
  - id: node1
    addr: /srv/one
  - id: node0
    addr: /srv/zero
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	r, err := LoadFile(path)
	require.NoError(t, err)
	// file order is kept
	assert.Equal(t, []string{"node1", "node0"}, r.IDs())
	assert.Equal(t, []string{"node0", "node1"}, r.SortedIDs())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSubset(t *testing.T) {
	r, err := ParseMembers("a=1,b=2,c=3")
	require.NoError(t, err)

	sub, err := r.Subset([]string{"c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, sub.IDs())

	_, err = r.Subset([]string{"x"})
	var unknown *UnknownNodeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "x", unknown.Node)
}
