package consistency

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/directory"
)

// tempKeysTable holds the node keys while the difference is computed
const tempKeysTable = "dshard_tmp_keys"

// insertBatch is the number of keys inserted per statement
const insertBatch = 256

// SymmetricDifference returns the values present in exactly one of a and b in
// ascending order. Both sides are deduplicated first, then the values of both
// are grouped and every group of size one is kept.
func SymmetricDifference(a, b []int64) []int64 {
	counts := make(map[int64]int, len(a)+len(b))
	for _, side := range [][]int64{a, b} {
		seen := make(map[int64]struct{}, len(side))
		for _, v := range side {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			counts[v]++
		}
	}

	var out []int64
	for v, c := range counts {
		if c == 1 {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out
}

// divergentKeys loads nodeKeys into a temporary table on a pinned connection
// of the directory and returns the keys that are either only on the node or
// only in the directory for that node.
func divergentKeys(ctx context.Context, dir *backend.Conn, dirTable, node string, nodeKeys []int64) (keys []int64, err error) {
	pinned, err := dir.Pin(ctx)
	if err != nil {
		return nil, err
	}
	defer pinned.Close()

	tmp := backend.Quote(tempKeysTable)
	if _, err := pinned.ExecContext(ctx, `CREATE TEMP TABLE `+tmp+` (key_value BIGINT NOT NULL)`); err != nil {
		return nil, fmt.Errorf("create %s: %w", tempKeysTable, err)
	}
	defer func() {
		if _, dropErr := pinned.ExecContext(context.WithoutCancel(ctx), `DROP TABLE `+tmp); dropErr != nil && err == nil {
			err = fmt.Errorf("drop %s: %w", tempKeysTable, dropErr)
		}
	}()

	for chunk := range slices.Chunk(nodeKeys, insertBatch) {
		marks := strings.TrimSuffix(strings.Repeat("(?), ", len(chunk)), ", ")
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		if _, err := pinned.ExecContext(ctx, `INSERT INTO `+tmp+` (key_value) VALUES `+marks, args...); err != nil {
			return nil, fmt.Errorf("load keys of %s: %w", node, err)
		}
	}

	// nodeKeys are distinct and the directory holds each key once, so a key
	// seen once is on exactly one side
	query := `SELECT u.key_value FROM (
		SELECT key_value FROM ` + tmp + `
		UNION ALL
		` + directory.OwnedKeysQuery(dirTable) + `
	) u GROUP BY u.key_value HAVING COUNT(*) = 1 ORDER BY u.key_value`

	rows, err := pinned.QueryContext(ctx, query, node)
	if err != nil {
		return nil, fmt.Errorf("compare keys of %s: %w", node, err)
	}
	defer rows.Close()

	for rows.Next() {
		var k int64
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
