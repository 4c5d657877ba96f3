// Package common provides the configuration and logging shared by the CLI and
// the lookup service.
//
// Key Components:
//
//   - Config: Settings for the backend engine, the master host, the key
//     directory, the node registry, dump transfer and connection retries.
//     Provides helpers that turn the settings into the configuration of the
//     migration pipeline, the consistency checker and the router, so every
//     command wires components the same way.
//
//   - Logger: Custom logging implementation that integrates with Dragonboat's
//     logging package while providing consistent formatting across the application.
package common
