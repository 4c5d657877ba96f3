// Package cmd implements the command-line interface of dShard. It provides a
// hierarchical command structure for distributing tables, checking the
// result, routing statements and running the lookup service.
//
// The package is organized into several subpackages:
//
//   - distribute: Split a table over the nodes and fill the key directory
//   - check: Compare row and key counts of the nodes with the source and the directory
//   - route: Resolve key values to nodes and run statements on the owner
//   - registry: Inspect the key registry
//   - serve: Start the HTTP lookup service
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dshard -help for a list of all commands.
package cmd
