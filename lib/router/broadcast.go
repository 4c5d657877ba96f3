package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/cluster"
	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/sync/errgroup"
)

var broadcastTotal = metrics.NewCounter("dshard_broadcast_total")

// NodeResult is the outcome of a broadcast statement on one node
type NodeResult struct {
	Node         string `json:"node"`
	RowsAffected int64  `json:"rows_affected"`
	Err          error  `json:"-"`
}

// Broadcast runs a statement on the dataset of every node concurrently, for
// example to create a table or an index everywhere. Unlike a Router it does
// not consult the key directory.
//
// The results are returned in registry order. Every node is attempted, the
// returned error joins the errors of all failed nodes.
func Broadcast(ctx context.Context, pool *backend.Pool, nodes *cluster.Registry, dataset, statement string, args ...any) ([]NodeResult, error) {
	broadcastTotal.Inc()
	all := nodes.Nodes()
	results := make([]NodeResult, len(all))

	var eg errgroup.Group
	for i, node := range all {
		eg.Go(func() error {
			n, err := execOn(ctx, pool, node, dataset, statement, args)
			results[i] = NodeResult{Node: node.ID, RowsAffected: n}
			if err != nil {
				results[i].Err = fmt.Errorf("%s: %w", node.ID, err)
				Logger.Warningf("broadcast to %s failed: %v", node.ID, err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return results, errors.Join(errs...)
}

func execOn(ctx context.Context, pool *backend.Pool, node cluster.Node, dataset, statement string, args []any) (int64, error) {
	conn, err := pool.Get(ctx, backend.Address{Host: node.Addr, Dataset: dataset})
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx, statement, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
