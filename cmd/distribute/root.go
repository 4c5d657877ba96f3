package distribute

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/dShard/cmd/util"
	"github.com/ValentinKolb/dShard/lib/migrate"
	"github.com/spf13/cobra"
)

var (
	// DistributeCmd splits a table of a dataset over the nodes
	DistributeCmd = &cobra.Command{
		Use:   "distribute",
		Short: "Distribute a table over the nodes by key",
		Long: util.WrapString(`Split the distinct values of a key column of a table into contiguous ranges, one per node, move the rows of every range to its node and record the ownership in the key directory. ` +
			`Running the command again with the same arguments replaces the node tables and the directory contents. ` +
			`If a node fails the directory is left untouched and the failed nodes are reported.`),
		Args: cobra.NoArgs,
		RunE: run,
	}
)

func init() {
	key := "source-dataset"
	DistributeCmd.Flags().String(key, "", util.WrapString("Dataset on the master holding the table"))

	key = "dest-dataset"
	DistributeCmd.Flags().String(key, "", util.WrapString("Dataset on the nodes the rows are loaded into (default: source dataset)"))

	key = "key"
	DistributeCmd.Flags().String(key, "", util.WrapString("Integer key column the table is split by"))

	key = "table"
	DistributeCmd.Flags().String(key, "", util.WrapString("Table to distribute"))

	key = "only-nodes"
	DistributeCmd.Flags().String(key, "", util.WrapString("Comma-separated subset of the configured nodes to distribute over"))

	key = "in-place"
	DistributeCmd.Flags().Bool(key, false, util.WrapString("Only create the per node split tables next to the source table and record them in the directory, no data is moved"))

	key = "repair"
	DistributeCmd.Flags().Bool(key, false, util.WrapString("Finish a failed distribution: split over all configured nodes but only migrate the nodes given by --only-nodes, then seal the directory"))

	DistributeCmd.MarkFlagsMutuallyExclusive("in-place", "repair")

	for _, required := range []string{"source-dataset", "key", "table"} {
		_ = DistributeCmd.MarkFlagRequired(required)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	session, err := util.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	pipeline, err := session.Pipeline()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	req := migrate.Request{}
	req.SourceDataset, _ = flags.GetString("source-dataset")
	req.DestDataset, _ = flags.GetString("dest-dataset")
	req.KeyName, _ = flags.GetString("key")
	req.Table, _ = flags.GetString("table")
	if only, _ := flags.GetString("only-nodes"); only != "" {
		req.Nodes = strings.Split(only, ",")
	}

	inPlace, _ := flags.GetBool("in-place")
	repair, _ := flags.GetBool("repair")

	var res migrate.Result
	switch {
	case inPlace:
		res, err = pipeline.DistributeInPlace(cmd.Context(), req)
	case repair:
		res, err = pipeline.Repair(cmd.Context(), req)
	default:
		res, err = pipeline.Distribute(cmd.Context(), req)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "distributed %s by %s into %s in %s\n", req.Table, req.KeyName, res.DirectoryTable, res.Duration)
	for _, r := range res.Assignment.Ranges {
		lo, hi, ok := r.Bounds()
		if !ok {
			fmt.Fprintf(out, "  %-10s: no keys\n", r.Node)
			continue
		}
		rows, moved := res.Rows[r.Node]
		if !moved {
			fmt.Fprintf(out, "  %-10s: keys %d..%d (%d keys, not migrated)\n", r.Node, lo, hi, len(r.Keys))
			continue
		}
		fmt.Fprintf(out, "  %-10s: keys %d..%d (%d keys, %d rows)\n", r.Node, lo, hi, len(r.Keys), rows)
	}
	fmt.Fprintln(out, res.Stats.String())
	return nil
}
