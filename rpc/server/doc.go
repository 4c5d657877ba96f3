// Package server implements the HTTP lookup service of dShard.
//
// Clients that cannot embed the router ask the service which node owns a key,
// list the key registry of a dataset or trigger a consistency check. All
// routes are read only.
//
// Routes:
//
//	GET /v1/owner/{dataset}/{key}/{value}   owner of a key value (404 unknown, 409 unsealed)
//	GET /v1/registry/{dataset}              key registry entries of a dataset
//	GET /v1/check/{dataset}/rows            row count report, ?nodes=a,b to restrict
//	GET /v1/check/{dataset}/keys/{key}      key count report, ?nodes=a,b to restrict
//	GET /metrics                            prometheus metrics
//	GET /health
//
// Usage Example:
//
//	store, _ := directory.NewStore(ctx, conn)
//	s := server.NewServer(store, nodes, checker, false)
//	if err := s.ListenAndServe(ctx, "0.0.0.0:8080"); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Thread Safety:
//
//	The server is safe for concurrent requests. Owner lookups read the key
//	directory through the shared connection of the store.
package server
