// Package router resolves key values to nodes through the key directory and
// hands out a connection to the owning node.
//
// A Router keeps the master connection open for its whole lifetime and at most
// one node connection. Routing to the node that is already active reuses the
// connection, routing to another node closes the old connection before the new
// one is opened. The directory table of a key is only looked up again when the
// key changes.
//
// A Router is owned by one caller and must not be shared between goroutines.
//
// Broadcast runs a statement on every node at once and needs no directory.
package router
