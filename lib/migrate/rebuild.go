package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/partition"
	"golang.org/x/sync/errgroup"
)

// Rebuild reconstructs the key directory of a table from the data the nodes
// actually hold. The distinct keys of the table are read from every node and
// sealed as the new assignment, no rows are moved.
//
// A node without the table contributes no keys. When a key is present on more
// than one node, for example because the table was copied to every node, the
// directory is left unsealed and a *directory.DuplicateKeyError is returned.
// If any node cannot be read the directory is not touched.
func (p *Pipeline) Rebuild(ctx context.Context, dataset, keyName, table string) (Result, error) {
	start := time.Now()
	req := Request{SourceDataset: dataset, DestDataset: dataset, KeyName: keyName, Table: table}
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	nodes := p.cfg.Nodes.Nodes()
	keys := make([][]int64, len(nodes))
	rows := make([]int64, len(nodes))

	eg, egCtx := errgroup.WithContext(ctx)
	if p.cfg.Parallelism > 0 {
		eg.SetLimit(p.cfg.Parallelism)
	}
	for i, node := range nodes {
		eg.Go(func() error {
			conn, err := p.cfg.Pool.Get(egCtx, backend.Address{Host: node.Addr, Dataset: dataset})
			if err != nil {
				return fmt.Errorf("%s: %w", node.ID, err)
			}
			ok, err := backend.TableExists(egCtx, conn, table)
			if err != nil {
				return fmt.Errorf("%s: %w", node.ID, err)
			}
			if !ok {
				Logger.Warningf("%s has no table %s, no keys assigned", node.ID, table)
				return nil
			}
			if keys[i], err = partition.DistinctKeys(egCtx, conn, keyName, table); err != nil {
				return fmt.Errorf("%s: %w", node.ID, err)
			}
			if rows[i], err = backend.CountRows(egCtx, conn, table, "", 0, 0); err != nil {
				return fmt.Errorf("%s: %w", node.ID, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Result{}, fmt.Errorf("read keys of %s.%s: %w", dataset, table, err)
	}

	// ranges keep registry order but need not be contiguous
	assignment := partition.Assignment{Ranges: make([]partition.Range, len(nodes))}
	result := make(map[string]int64, len(nodes))
	for i, node := range nodes {
		assignment.Ranges[i] = partition.Range{Node: node.ID, Keys: keys[i]}
		result[node.ID] = rows[i]
	}
	if assignment.Len() == 0 {
		return Result{}, errors.New("no node holds any keys of " + table)
	}

	dirTable, err := p.commit(ctx, req, p.cfg.Nodes.IDs(), assignment)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		DirectoryTable: dirTable,
		Assignment:     assignment,
		Stats:          assignment.Stats(),
		Rows:           result,
		Duration:       time.Since(start),
	}
	Logger.Infof("rebuilt %s from %d keys on %d nodes in %s", dirTable, assignment.Len(), len(nodes), res.Duration)
	return res, nil
}
