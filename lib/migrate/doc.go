// Package migrate distributes a table of a dataset over the nodes of the
// cluster and records the resulting ownership in the key directory.
//
// Distribution Steps:
//
//  1. The distinct key values of the source table are split into contiguous
//     ranges, one per node (see package partition).
//  2. For every node with a non-empty range a shard table <table>_split_<node>
//     is created next to the source table without secondary indexes and filled
//     with the rows of the range.
//  3. The shard is exported to the transfer medium and imported into <table>
//     on the node, replacing its previous contents.
//  4. The shard table is dropped, also when an earlier step failed.
//  5. Once every node succeeded the key table is registered and the
//     assignment is written to the directory with BulkAssign.
//
// Steps 2 to 4 run for several nodes at once, bounded by Config.Parallelism.
// If any node fails the directory is not touched and a *PartialMigrationError
// reports which nodes succeeded and which failed. There is no rollback of the
// nodes that succeeded; running the distribution again overwrites them.
//
// DistributeInPlace only runs steps 1, 2 and 5. The shard tables stay on the
// source as queryable tables.
//
// Repair runs step 1 over all nodes, steps 2 to 4 for the named nodes only and
// then step 5, finishing a distribution that failed on some nodes. Rebuild
// skips the data path altogether and seals the keys the nodes actually hold.
// Replicate copies tables without a key to every node in full.
package migrate
