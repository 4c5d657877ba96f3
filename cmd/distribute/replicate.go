package distribute

import (
	"fmt"

	"github.com/ValentinKolb/dShard/cmd/util"
	"github.com/spf13/cobra"
)

// ReplicateCmd copies whole tables of a dataset to every node
var ReplicateCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Copy whole tables to every node",
	Long: util.WrapString(`Copy tables that are not split by a key from the master to the same dataset on every node, replacing the rows the nodes hold. ` +
		`Tables registered in the key directory are refused.`),
	Args: cobra.NoArgs,
	RunE: runReplicate,
}

func init() {
	ReplicateCmd.Flags().String("dataset", "", util.WrapString("Dataset on the master holding the tables"))
	ReplicateCmd.Flags().StringSlice("tables", nil, util.WrapString("Comma-separated list of tables to copy"))
	_ = ReplicateCmd.MarkFlagRequired("dataset")
	_ = ReplicateCmd.MarkFlagRequired("tables")
}

func runReplicate(cmd *cobra.Command, _ []string) error {
	session, err := util.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	pipeline, err := session.Pipeline()
	if err != nil {
		return err
	}

	dataset, _ := cmd.Flags().GetString("dataset")
	tables, _ := cmd.Flags().GetStringSlice("tables")
	res, err := pipeline.Replicate(cmd.Context(), dataset, tables)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "replicated %d tables of %s in %s\n", len(res.Tables), dataset, res.Duration)
	for _, node := range session.Config.Nodes.IDs() {
		fmt.Fprintf(out, "  %-10s: %d rows\n", node, res.Rows[node])
	}
	return nil
}
