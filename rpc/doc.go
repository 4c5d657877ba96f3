// Package rpc holds the parts of dShard that face other processes.
//
// The package is organized into two subpackages:
//
//   - common: The configuration shared by the CLI and the lookup service,
//     and the log formatter installed into every package logger.
//
//   - server: The HTTP lookup service answering owner, registry and
//     consistency check queries.
package rpc
