package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/partition"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("directory")

const (
	// DefaultDataset is the dataset on the master host that holds the directory
	DefaultDataset = "key_master"

	registryTable = "key_registry"
	nodesTable    = "node_names"
	stateTable    = "directory_state"

	// sentinelNodeID marks rows whose node could not be resolved. It is never
	// assigned to a node and rows carrying it are purged before sealing.
	sentinelNodeID = 0
)

var (
	bulkAssignTotal  = metrics.NewCounter("dshard_directory_bulk_assign_total")
	bulkAssignFailed = metrics.NewCounter("dshard_directory_bulk_assign_failed_total")
)

// State is the lifecycle state of a directory table
type State string

const (
	StateUnknown    State = "unknown"
	StateUnsealed   State = "unsealed"
	StatePopulating State = "populating"
	StatePurging    State = "purging"
	StateSealed     State = "sealed"
)

// Entry is one row of the key registry
type Entry struct {
	Dataset        string `json:"dataset"`
	KeyName        string `json:"key_name"`
	Table          string `json:"table"`
	DirectoryTable string `json:"directory_table"`
}

// Store is the persistent mapping from key values to owning nodes. It lives in
// one dataset on the master host.
//
// Not safe for concurrent bulk assignments to the same directory table.
type Store struct {
	conn *backend.Conn
}

// NewStore creates the registry tables if they do not exist yet
func NewStore(ctx context.Context, conn *backend.Conn) (*Store, error) {
	s := &Store{conn: conn}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init directory schema on %s: %w", conn.Addr(), err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + registryTable + ` (
			dataset TEXT NOT NULL,
			key_name TEXT NOT NULL,
			table_name TEXT NOT NULL,
			directory_table TEXT NOT NULL,
			PRIMARY KEY (dataset, key_name)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + nodesTable + ` (
			node_id SMALLINT PRIMARY KEY,
			node_name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS ` + stateTable + ` (
			directory_table TEXT PRIMARY KEY,
			state TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Conn returns the connection to the directory dataset
func (s *Store) Conn() *backend.Conn {
	return s.conn
}

// TableName returns the directory table name for a dataset and table
func TableName(dataset, table string) string {
	return dataset + "__" + table
}

func uniqueIndexName(directoryTable string) string {
	return directoryTable + "_key_uq"
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// RegisterKeyTable makes sure a directory table exists for the table of a
// dataset and records it under (dataset, keyName). Registering the same
// combination again is harmless. A dataset and key pair has at most one
// directory table, registering a different table replaces the old entry.
func (s *Store) RegisterKeyTable(ctx context.Context, dataset, keyName, table string) (string, error) {
	dirTable := TableName(dataset, table)

	exists, err := backend.TableExists(ctx, s.conn, dirTable)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := s.createDirectoryTable(ctx, dirTable); err != nil {
			return "", fmt.Errorf("create directory table %s: %w", dirTable, err)
		}
		Logger.Infof("created directory table %s", dirTable)
	}

	var current Entry
	err = s.conn.QueryRowContext(ctx,
		`SELECT table_name, directory_table FROM `+registryTable+` WHERE dataset = ? AND key_name = ?`,
		dataset, keyName,
	).Scan(&current.Table, &current.DirectoryTable)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.conn.ExecContext(ctx,
			`INSERT INTO `+registryTable+` (dataset, key_name, table_name, directory_table) VALUES (?, ?, ?, ?)`,
			dataset, keyName, table, dirTable)
		if err != nil && s.conn.Dialect().IsUniqueViolation(err) {
			// registered concurrently
			Logger.Infof("key %s of %s was registered concurrently (harmless)", keyName, dataset)
			return dirTable, nil
		} else if err != nil {
			return "", fmt.Errorf("register key %s of %s: %w", keyName, dataset, err)
		}
	case err != nil:
		return "", fmt.Errorf("lookup key %s of %s: %w", keyName, dataset, err)
	case current.DirectoryTable == dirTable && current.Table == table:
		Logger.Infof("key %s of %s already registered to %s (harmless)", keyName, dataset, dirTable)
	default:
		Logger.Warningf("key %s of %s moves from %s to %s", keyName, dataset, current.DirectoryTable, dirTable)
		_, err = s.conn.ExecContext(ctx,
			`UPDATE `+registryTable+` SET table_name = ?, directory_table = ? WHERE dataset = ? AND key_name = ?`,
			table, dirTable, dataset, keyName)
		if err != nil {
			return "", fmt.Errorf("update key %s of %s: %w", keyName, dataset, err)
		}
	}

	return dirTable, nil
}

func (s *Store) createDirectoryTable(ctx context.Context, dirTable string) error {
	tx, err := s.conn.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + backend.Quote(dirTable) + ` (
			key_value BIGINT NOT NULL,
			owner_node_id SMALLINT NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + backend.Quote(uniqueIndexName(dirTable)) +
			` ON ` + backend.Quote(dirTable) + ` (key_value)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := setState(ctx, tx, dirTable, StateUnsealed); err != nil {
		return err
	}
	return tx.Commit()
}

// LookupDirectoryTable returns the registry entry for a dataset and key name
func (s *Store) LookupDirectoryTable(ctx context.Context, dataset, keyName string) (Entry, error) {
	e := Entry{Dataset: dataset, KeyName: keyName}
	err := s.conn.QueryRowContext(ctx,
		`SELECT table_name, directory_table FROM `+registryTable+` WHERE dataset = ? AND key_name = ?`,
		dataset, keyName,
	).Scan(&e.Table, &e.DirectoryTable)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, &UnknownKeyError{Dataset: dataset, KeyName: keyName}
	} else if err != nil {
		return Entry{}, fmt.Errorf("lookup key %s of %s: %w", keyName, dataset, err)
	}
	return e, nil
}

// Entries lists the registry, restricted to one dataset unless dataset is empty
func (s *Store) Entries(ctx context.Context, dataset string) ([]Entry, error) {
	query := `SELECT dataset, key_name, table_name, directory_table FROM ` + registryTable
	var args []any
	if dataset != "" {
		query += ` WHERE dataset = ?`
		args = append(args, dataset)
	}
	query += ` ORDER BY dataset, key_name`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Dataset, &e.KeyName, &e.Table, &e.DirectoryTable); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EntryForTable returns the registry entry of a table, if the table is sharded
func (s *Store) EntryForTable(ctx context.Context, dataset, table string) (Entry, bool, error) {
	entries, err := s.Entries(ctx, dataset)
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.Table == table {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// --------------------------------------------------------------------------
// Nodes
// --------------------------------------------------------------------------

// EnsureNodes registers node names that are not known yet and returns the
// numeric id of every given name. Known names keep their id, new names get
// ids after the current maximum. Id 0 is never assigned.
func (s *Store) EnsureNodes(ctx context.Context, names []string) (map[string]int, error) {
	tx, err := s.conn.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make(map[string]int, len(names))
	for _, name := range names {
		var id int
		err := tx.QueryRowContext(ctx, `SELECT node_id FROM `+nodesTable+` WHERE node_name = ?`, name).Scan(&id)
		if err == nil {
			ids[name] = id
			continue
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(node_id), 0) + 1 FROM `+nodesTable).Scan(&id); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO `+nodesTable+` (node_id, node_name) VALUES (?, ?)`, id, name); err != nil {
			return nil, fmt.Errorf("register node %s: %w", name, err)
		}
		Logger.Infof("registered node %s with id %d", name, id)
		ids[name] = id
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// State returns the lifecycle state of a directory table
func (s *Store) State(ctx context.Context, dirTable string) (State, error) {
	var state string
	err := s.conn.QueryRowContext(ctx,
		`SELECT state FROM `+stateTable+` WHERE directory_table = ?`, dirTable,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return StateUnknown, nil
	} else if err != nil {
		return "", err
	}
	return State(state), nil
}

func setState(ctx context.Context, q backend.Querier, dirTable string, state State) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO `+stateTable+` (directory_table, state) VALUES (?, ?)
		 ON CONFLICT (directory_table) DO UPDATE SET state = excluded.state`,
		dirTable, string(state))
	if err != nil {
		return fmt.Errorf("set state of %s to %s: %w", dirTable, state, err)
	}
	Logger.Debugf("directory %s is %s", dirTable, state)
	return nil
}

// --------------------------------------------------------------------------
// Owner resolution
// --------------------------------------------------------------------------

// ResolveOwner returns the name of the node that owns keyValue. The table must
// be sealed.
func (s *Store) ResolveOwner(ctx context.Context, dirTable string, keyValue int64) (string, error) {
	state, err := s.State(ctx, dirTable)
	if err != nil {
		return "", err
	}
	if state != StateSealed {
		return "", &UnsealedError{Table: dirTable, State: state}
	}

	var node string
	err = s.conn.QueryRowContext(ctx,
		`SELECT n.node_name FROM `+backend.Quote(dirTable)+` d
		 JOIN `+nodesTable+` n ON n.node_id = d.owner_node_id
		 WHERE d.key_value = ?`, keyValue,
	).Scan(&node)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &OwnerNotFoundError{Table: dirTable, Key: keyValue}
	} else if err != nil {
		return "", fmt.Errorf("resolve owner of %d in %s: %w", keyValue, dirTable, err)
	}
	return node, nil
}

// OwnedKeysQuery returns a query selecting the key_value of every key a node
// owns. The node name is its only parameter.
func OwnedKeysQuery(dirTable string) string {
	return `SELECT d.key_value FROM ` + backend.Quote(dirTable) + ` d
		 JOIN ` + nodesTable + ` n ON n.node_id = d.owner_node_id
		 WHERE n.node_name = ?`
}

// OwnedKeys returns the keys a node owns in ascending order
func (s *Store) OwnedKeys(ctx context.Context, dirTable, node string) ([]int64, error) {
	rows, err := s.conn.QueryContext(ctx, OwnedKeysQuery(dirTable)+` ORDER BY d.key_value`, node)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []int64
	for rows.Next() {
		var k int64
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CountOwned returns the number of keys a node owns
func (s *Store) CountOwned(ctx context.Context, dirTable, node string) (int64, error) {
	var n int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+backend.Quote(dirTable)+` d
		 JOIN `+nodesTable+` n ON n.node_id = d.owner_node_id
		 WHERE n.node_name = ?`, node,
	).Scan(&n)
	return n, err
}

// KeyRange returns the smallest and largest key a node owns. ok is false if
// the node owns no keys.
func (s *Store) KeyRange(ctx context.Context, dirTable, node string) (lo, hi int64, ok bool, err error) {
	var min, max sql.NullInt64
	err = s.conn.QueryRowContext(ctx,
		`SELECT MIN(d.key_value), MAX(d.key_value) FROM `+backend.Quote(dirTable)+` d
		 JOIN `+nodesTable+` n ON n.node_id = d.owner_node_id
		 WHERE n.node_name = ?`, node,
	).Scan(&min, &max)
	if err != nil {
		return 0, 0, false, err
	}
	if !min.Valid {
		return 0, 0, false, nil
	}
	return min.Int64, max.Int64, true, nil
}

// --------------------------------------------------------------------------
// Bulk assignment
// --------------------------------------------------------------------------

// BulkAssign replaces the contents of a directory table with the assignment.
// The table moves through Unsealed, Populating, Purging and finally Sealed.
// The state is persisted before each step, an interrupted assignment leaves
// the table in a non sealed state that ResolveOwner refuses to read.
//
// Keys of nodes that are not registered (see EnsureNodes) are written with
// the sentinel owner and dropped in the purge step. If the unique index cannot
// be restored a *DuplicateKeyError listing the offending keys is returned.
func (s *Store) BulkAssign(ctx context.Context, dirTable string, assignment partition.Assignment) error {
	bulkAssignTotal.Inc()
	err := s.bulkAssign(ctx, dirTable, assignment)
	if err != nil {
		bulkAssignFailed.Inc()
	}
	return err
}

func (s *Store) bulkAssign(ctx context.Context, dirTable string, assignment partition.Assignment) error {
	table := backend.Quote(dirTable)
	index := backend.Quote(uniqueIndexName(dirTable))

	// (a) unseal
	if err := setState(ctx, s.conn, dirTable, StateUnsealed); err != nil {
		return err
	}
	if _, err := s.conn.ExecContext(ctx, `DROP INDEX IF EXISTS `+index); err != nil {
		return fmt.Errorf("drop unique index of %s: %w", dirTable, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// (b) populate
	if err := setState(ctx, s.conn, dirTable, StatePopulating); err != nil {
		return err
	}
	if err := s.populate(ctx, table, assignment); err != nil {
		return fmt.Errorf("populate %s: %w", dirTable, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// (c) purge sentinel rows
	if err := setState(ctx, s.conn, dirTable, StatePurging); err != nil {
		return err
	}
	res, err := s.conn.ExecContext(ctx, `DELETE FROM `+table+` WHERE owner_node_id = ?`, sentinelNodeID)
	if err != nil {
		return fmt.Errorf("purge %s: %w", dirTable, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		Logger.Warningf("purged %d keys of unknown nodes from %s", n, dirTable)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// (d) seal
	_, err = s.conn.ExecContext(ctx, `CREATE UNIQUE INDEX `+index+` ON `+table+` (key_value)`)
	if err != nil && s.conn.Dialect().IsUniqueViolation(err) {
		dups, dupErr := s.duplicateKeys(ctx, table)
		if dupErr != nil {
			Logger.Errorf("could not list duplicate keys of %s: %v", dirTable, dupErr)
		}
		if stateErr := setState(ctx, s.conn, dirTable, StateUnsealed); stateErr != nil {
			Logger.Errorf("could not reset state of %s: %v", dirTable, stateErr)
		}
		return &DuplicateKeyError{Table: dirTable, Keys: dups, Err: err}
	} else if err != nil {
		return fmt.Errorf("restore unique index of %s: %w", dirTable, err)
	}

	if err := setState(ctx, s.conn, dirTable, StateSealed); err != nil {
		return err
	}
	Logger.Infof("sealed %s with %d keys on %d nodes", dirTable, assignment.Len(), len(assignment.Ranges))
	return nil
}

// populate clears the table and inserts one row per key. The owner id is
// resolved from the node name inside the insert.
func (s *Store) populate(ctx context.Context, table string, assignment partition.Assignment) error {
	tx, err := s.conn.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
		return err
	}

	insert := `INSERT INTO ` + table + ` (key_value, owner_node_id)
		SELECT CAST(? AS BIGINT), COALESCE((SELECT node_id FROM ` + nodesTable + ` WHERE node_name = ?), ` +
		fmt.Sprint(sentinelNodeID) + `)`
	for _, r := range assignment.Ranges {
		for _, key := range r.Keys {
			if _, err := tx.ExecContext(ctx, insert, key, r.Node); err != nil {
				return fmt.Errorf("assign key %d to %s: %w", key, r.Node, err)
			}
		}
	}
	return tx.Commit()
}

func (s *Store) duplicateKeys(ctx context.Context, table string) ([]int64, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT key_value FROM `+table+` GROUP BY key_value HAVING COUNT(*) > 1 ORDER BY key_value`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []int64
	for rows.Next() {
		var k int64
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
