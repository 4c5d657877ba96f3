// Package directory implements the key directory, the persistent mapping from
// key values to the nodes that own them. The directory lives in one dataset on
// the master host (key_master by default).
//
// Tables:
//
//   - key_registry: One row per (dataset, key name) naming the directory table
//     that maps this key. A dataset and key have at most one active directory
//     table.
//
//   - node_names: Small integer ids for node names. Id 0 is the sentinel for
//     "unknown node" and never leaves the package.
//
//   - directory_state: The lifecycle state of every directory table.
//
//   - <dataset>__<table>: One directory table per distributed table with the
//     columns key_value and owner_node_id and a unique index on key_value.
//
// Bulk Assignment:
//
// BulkAssign replaces the contents of a directory table with a partition
// assignment. It walks the table through the states
//
//	unsealed -> populating -> purging -> sealed
//
// dropping the unique index while rows are loaded, removing sentinel rows of
// nodes that were never registered and finally re-creating the index. If the
// index cannot be re-created because a key was assigned twice, the table stays
// unsealed and a *DuplicateKeyError lists the offending keys. Every state is
// persisted before its step runs, so a failure always leaves a known state.
//
// Lookups:
//
// ResolveOwner only answers for sealed tables and returns *UnsealedError
// otherwise. Unknown keys yield *UnknownKeyError, unknown key values
// *OwnerNotFoundError.
//
// Usage Example:
//
//	store, err := directory.NewStore(ctx, masterConn)
//	if err != nil {
//	  return err
//	}
//	entry, err := store.LookupDirectoryTable(ctx, "pdb_reps", "asu_id")
//	if err != nil {
//	  return err
//	}
//	node, err := store.ResolveOwner(ctx, entry.DirectoryTable, 42)
package directory
