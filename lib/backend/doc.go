// Package backend is the thin layer between the sharding components and the
// relational engines that hold the data. It does not implement a database, it
// opens connections to one and papers over the differences between engines.
//
// Key Components:
//
//   - Address: A (host, dataset) pair. A dataset is a database on a host.
//
//   - Dialect: Everything engine specific (driver, DSN, placeholder style,
//     schema introspection, error classification). Engines advertise optional
//     capabilities with Feature flags that can be queried through
//     SupportsFeature, e.g. FeatureCopySchema|FeatureDump|FeatureLoad is
//     required by the migration pipeline.
//
//   - Conn, Tx, Pinned: database/sql handles that rewrite '?' placeholders for
//     the dialect, so all SQL in this module is written once.
//
//   - Open / Dialer: Connections are verified with a ping. Failed pings are
//     retried with bounded exponential backoff (github.com/sethvargo/go-retry)
//     and surface as *ConnectionError.
//
//   - Pool: One cached connection per address for components that fan out
//     to many nodes at once.
//
// Related Packages:
//
// The engines/sqlite package (github.com/ValentinKolb/dShard/lib/backend/engines/sqlite)
// maps hosts to directories and datasets to database files using the pure Go
// modernc.org/sqlite driver. It is used for local clusters and all tests.
//
// The engines/postgres package (github.com/ValentinKolb/dShard/lib/backend/engines/postgres)
// targets PostgreSQL servers through github.com/lib/pq.
package backend
