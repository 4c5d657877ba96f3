// Package consistency compares the nodes of the cluster with the source
// dataset and the key directory after a distribution.
//
// The checks return reports, not errors: a node that cannot be reached or a
// count that does not match is recorded in the report and the remaining nodes
// are still checked. Nodes are checked concurrently.
package consistency
