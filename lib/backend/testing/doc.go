/*
Package testing provides shared test helpers for code built on the backend package.

RunDialectTests is a conformance suite for backend.Dialect implementations:

	func TestDialect(t *testing.T) {
		backendtesting.RunDialectTests(t, "sqlite", func(t *testing.T) *backend.Conn {
			...
		})
	}

Tests that depend on an optional backend feature are skipped when the dialect
does not support it.

NewSQLiteCluster builds a throwaway master plus n nodes on local sqlite files,
with a registry, a dialer and a pool wired up, for end to end tests of the
migration pipeline, the router and the checker.
*/
package testing
