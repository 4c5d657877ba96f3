package partition

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("partition")

// ErrNoNodes is returned when a split is requested for an empty node list
var ErrNoNodes = errors.New("cannot partition over zero nodes")

// Range is the ordered, contiguous slice of key values assigned to one node.
// Keys may be empty when there are more nodes than values.
type Range struct {
	Node string  `json:"node"`
	Keys []int64 `json:"keys"`
}

// Empty reports whether the range holds no keys
func (r Range) Empty() bool {
	return len(r.Keys) == 0
}

// Bounds returns the smallest and the largest key of the range
func (r Range) Bounds() (lo, hi int64, ok bool) {
	if len(r.Keys) == 0 {
		return 0, 0, false
	}
	return r.Keys[0], r.Keys[len(r.Keys)-1], true
}

// Assignment maps every key value to exactly one node. Ranges are kept in
// node order, concatenating them yields the input values.
type Assignment struct {
	Ranges []Range `json:"ranges"`
}

// Split partitions the ordered values into len(nodes) contiguous ranges.
// With base = len(values) / len(nodes), the first len(values) % len(nodes)
// nodes receive base+1 values, the rest receive base values. The result only
// depends on the inputs.
func Split(values []int64, nodes []string) (Assignment, error) {
	if len(nodes) == 0 {
		return Assignment{}, ErrNoNodes
	}

	base := len(values) / len(nodes)
	remainder := len(values) % len(nodes)

	ranges := make([]Range, len(nodes))
	start := 0
	for i, node := range nodes {
		size := base
		if i < remainder {
			size++
		}
		keys := make([]int64, size)
		copy(keys, values[start:start+size])
		ranges[i] = Range{Node: node, Keys: keys}
		start += size
	}

	return Assignment{Ranges: ranges}, nil
}

// ComputeRanges reads the distinct key values of table in ascending order and
// splits them over nodes.
func ComputeRanges(ctx context.Context, source backend.Querier, keyName, table string, nodes []string) (Assignment, error) {
	if len(nodes) == 0 {
		return Assignment{}, ErrNoNodes
	}

	values, err := DistinctKeys(ctx, source, keyName, table)
	if err != nil {
		return Assignment{}, err
	}

	a, err := Split(values, nodes)
	if err != nil {
		return Assignment{}, err
	}

	stats := a.Stats()
	Logger.Infof("split %d keys of %s.%s over %d nodes (min %0.f, max %0.f, quality %.2f)",
		len(values), table, keyName, len(nodes), stats.Min, stats.Max, stats.DistributionQuality)
	return a, nil
}

// DistinctKeys returns the distinct values of column keyName in ascending order
func DistinctKeys(ctx context.Context, q backend.Querier, keyName, table string) ([]int64, error) {
	query := fmt.Sprintf("SELECT DISTINCT %[1]s FROM %[2]s WHERE %[1]s IS NOT NULL ORDER BY %[1]s",
		backend.Quote(keyName), backend.Quote(table))

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read keys %s of %s: %w", keyName, table, err)
	}
	defer rows.Close()

	var values []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("read keys %s of %s: %w", keyName, table, err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// --------------------------------------------------------------------------
// Assignment accessors
// --------------------------------------------------------------------------

// Nodes returns the node names in assignment order
func (a Assignment) Nodes() []string {
	nodes := make([]string, len(a.Ranges))
	for i, r := range a.Ranges {
		nodes[i] = r.Node
	}
	return nodes
}

// ByNode returns the keys per node
func (a Assignment) ByNode() map[string][]int64 {
	m := make(map[string][]int64, len(a.Ranges))
	for _, r := range a.Ranges {
		m[r.Node] = r.Keys
	}
	return m
}

// Range returns the range of a node
func (a Assignment) Range(node string) (Range, bool) {
	for _, r := range a.Ranges {
		if r.Node == node {
			return r, true
		}
	}
	return Range{}, false
}

// Owner returns the node a key value was assigned to
func (a Assignment) Owner(key int64) (string, bool) {
	for _, r := range a.Ranges {
		lo, hi, ok := r.Bounds()
		if ok && key >= lo && key <= hi {
			for _, k := range r.Keys {
				if k == key {
					return r.Node, true
				}
			}
		}
	}
	return "", false
}

// Len returns the total number of assigned keys
func (a Assignment) Len() int {
	n := 0
	for _, r := range a.Ranges {
		n += len(r.Keys)
	}
	return n
}
