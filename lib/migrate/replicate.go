package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/cluster"
	"github.com/ValentinKolb/dShard/lib/transfer"
	"github.com/VictoriaMetrics/metrics"
)

// replicaDump is the node name the dumps of replicated tables are stored under,
// every node reads the same dump
const replicaDump = "_replica"

// ReplicateResult describes a successful replication
type ReplicateResult struct {
	Tables []string `json:"tables"`
	// Rows is the number of rows imported per node, summed over all tables
	Rows     map[string]int64 `json:"rows"`
	Duration time.Duration    `json:"duration"`
}

// Replicate copies whole tables of a dataset from the master to every node.
// Each table is exported once and imported on all nodes concurrently,
// replacing the rows a node already holds.
//
// Tables that are registered in the key directory are sharded and refused.
// When any node fails a *PartialMigrationError is returned, the nodes listed
// as succeeded hold the new copies.
func (p *Pipeline) Replicate(ctx context.Context, dataset string, tables []string) (ReplicateResult, error) {
	start := time.Now()
	if dataset == "" {
		return ReplicateResult{}, errors.New("dataset is required")
	}
	if len(tables) == 0 {
		return ReplicateResult{}, errors.New("at least one table is required")
	}

	src, err := p.cfg.Pool.Get(ctx, backend.Address{Host: p.cfg.MasterHost, Dataset: dataset})
	if err != nil {
		return ReplicateResult{}, err
	}
	if !src.Dialect().SupportsFeature(backend.FeatureDump | backend.FeatureLoad) {
		return ReplicateResult{}, fmt.Errorf("backend %s does not support %s and %s",
			src.Dialect().Name(), backend.FeatureDump, backend.FeatureLoad)
	}

	store, err := p.store(ctx)
	if err != nil {
		return ReplicateResult{}, err
	}
	for _, table := range tables {
		entry, sharded, err := store.EntryForTable(ctx, dataset, table)
		if err != nil {
			return ReplicateResult{}, err
		}
		if sharded {
			return ReplicateResult{}, fmt.Errorf("table %s is sharded by %s, it cannot be replicated", table, entry.KeyName)
		}
	}

	medium, err := p.medium()
	if err != nil {
		return ReplicateResult{}, err
	}
	defer func() {
		if err := medium.Cleanup(); err != nil {
			Logger.Warningf("removing dumps: %v", err)
		}
	}()

	// export every table once
	ddls := make(map[string]string, len(tables))
	exported := make(map[string]int64, len(tables))
	for _, table := range tables {
		if ddls[table], err = src.Dialect().TableDDL(ctx, src, table, table); err != nil {
			return ReplicateResult{}, fmt.Errorf("read layout of %s: %w", table, err)
		}
		w, err := medium.Create(replicaDump, dataset, table)
		if err != nil {
			return ReplicateResult{}, fmt.Errorf("create dump of %s: %w", table, err)
		}
		n, err := transfer.Export(ctx, src, table, w, p.cfg.Codec)
		if closeErr := w.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return ReplicateResult{}, err
		}
		exported[table] = n
	}

	rows, err := p.forEachNode(ctx, p.cfg.Nodes.Nodes(), func(ctx context.Context, node cluster.Node) (int64, error) {
		if node.Addr == p.cfg.MasterHost {
			return 0, fmt.Errorf("node %s would overwrite the source dataset %s", node.ID, dataset)
		}
		dst, err := p.cfg.Pool.Get(ctx, backend.Address{Host: node.Addr, Dataset: dataset})
		if err != nil {
			return 0, err
		}

		var total int64
		for _, table := range tables {
			n, err := p.importReplica(ctx, dst, medium, dataset, table, ddls[table])
			if err != nil {
				return 0, err
			}
			if n != exported[table] {
				return 0, fmt.Errorf("imported %d rows of %s into %s but exported %d", n, table, dst.Addr(), exported[table])
			}
			total += n
		}

		metrics.GetOrCreateCounter(fmt.Sprintf(`dshard_replicate_rows_total{node=%q}`, node.ID)).Add(int(total))
		Logger.Infof("copied %d tables (%d rows) to %s", len(tables), total, node.ID)
		return total, nil
	})
	if err != nil {
		return ReplicateResult{}, err
	}

	res := ReplicateResult{Tables: tables, Rows: rows, Duration: time.Since(start)}
	Logger.Infof("replicated %d tables of %s to %d nodes in %s", len(tables), dataset, p.cfg.Nodes.Len(), res.Duration)
	return res, nil
}

func (p *Pipeline) importReplica(ctx context.Context, dst *backend.Conn, medium transfer.Medium, dataset, table, ddl string) (int64, error) {
	rd, err := medium.Open(replicaDump, dataset, table)
	if err != nil {
		return 0, fmt.Errorf("open dump of %s: %w", table, err)
	}
	defer rd.Close()

	n, err := transfer.Import(ctx, dst, table, ddl, rd, p.cfg.Codec)
	if err != nil {
		return 0, fmt.Errorf("import %s into %s: %w", table, dst.Addr(), err)
	}
	return n, nil
}
