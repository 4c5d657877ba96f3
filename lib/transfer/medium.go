package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Medium is the intermediate storage shard data passes through between the
// source and the destination node.
type Medium interface {
	// Create opens a new dump for writing, replacing an existing one
	Create(node, dataset, table string) (io.WriteCloser, error)
	// Open opens an existing dump for reading
	Open(node, dataset, table string) (io.ReadCloser, error)
	// Cleanup removes all dumps written through the medium
	Cleanup() error
}

// DirMedium stores dumps as files below a run specific directory:
//
//	<root>/dumps_tmp_<unix nanos>/<node>/<dataset>/<table>.dump
type DirMedium struct {
	dir  string
	keep bool
}

// NewDirMedium creates the run directory below root, the system temp directory
// if root is empty. When keep is set, Cleanup leaves the dumps in place for
// inspection.
func NewDirMedium(root string, keep bool) (*DirMedium, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, fmt.Sprintf("dumps_tmp_%d", time.Now().UnixNano()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump directory: %w", err)
	}
	Logger.Debugf("dumping into %s", dir)
	return &DirMedium{dir: dir, keep: keep}, nil
}

// Dir returns the run directory
func (m *DirMedium) Dir() string {
	return m.dir
}

// Path returns the file a dump is stored in
func (m *DirMedium) Path(node, dataset, table string) string {
	return filepath.Join(m.dir, node, dataset, table+".dump")
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transfer.Medium)
// --------------------------------------------------------------------------

func (m *DirMedium) Create(node, dataset, table string) (io.WriteCloser, error) {
	path := m.Path(node, dataset, table)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func (m *DirMedium) Open(node, dataset, table string) (io.ReadCloser, error) {
	return os.Open(m.Path(node, dataset, table))
}

func (m *DirMedium) Cleanup() error {
	if m.keep {
		Logger.Infof("keeping dumps in %s", m.dir)
		return nil
	}
	return os.RemoveAll(m.dir)
}
