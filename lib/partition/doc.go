// Package partition splits ordered key values into contiguous, balanced ranges.
package partition
