package nodes

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/ValentinKolb/dShard/cmd/util"
	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/router"
	"github.com/spf13/cobra"
)

var (
	// NodesCommands represents the node command group
	NodesCommands = &cobra.Command{
		Use:   "nodes",
		Short: "List the configured nodes and run statements on all of them",
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "Print the configured nodes in partition order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := util.GetConfig()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tADDR")
			for _, n := range conf.Nodes.Nodes() {
				fmt.Fprintf(w, "%s\t%s\n", n.ID, n.Addr)
			}
			return w.Flush()
		},
	}

	execCmd = &cobra.Command{
		Use:   "exec [statement] [args...]",
		Short: "Run a statement on the dataset of every node",
		Long: util.WrapString(`Run the statement on the dataset of every configured node without consulting the key directory, for example to create a table or an index everywhere. ` +
			`Statements use '?' placeholders, the remaining arguments are bound in order. ` +
			`Statements starting with SELECT or WITH print the result rows of each node, all others the number of affected rows.`),
		Args: cobra.MinimumNArgs(1),
		RunE: runExec,
	}
)

func init() {
	execCmd.Flags().String("dataset", "", util.WrapString("Dataset the statement runs on"))
	_ = execCmd.MarkFlagRequired("dataset")

	NodesCommands.AddCommand(listCmd)
	NodesCommands.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	dataset, _ := cmd.Flags().GetString("dataset")
	statement := args[0]
	params := make([]any, len(args)-1)
	for i, a := range args[1:] {
		params[i] = a
	}

	session, err := util.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	out := cmd.OutOrStdout()
	if !util.IsQuery(statement) {
		results, err := router.Broadcast(cmd.Context(), session.Pool, session.Config.Nodes, dataset, statement, params...)
		for _, r := range results {
			if r.Err != nil {
				fmt.Fprintf(out, "%s: failed\n", r.Node)
				continue
			}
			fmt.Fprintf(out, "%s: %d rows affected\n", r.Node, r.RowsAffected)
		}
		return err
	}

	// queries print node by node
	var errs []error
	for _, node := range session.Config.Nodes.Nodes() {
		fmt.Fprintf(out, "== %s ==\n", node.ID)
		conn, err := session.Pool.Get(cmd.Context(), backend.Address{Host: node.Addr, Dataset: dataset})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", node.ID, err))
			continue
		}
		rows, err := conn.QueryContext(cmd.Context(), statement, params...)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", node.ID, err))
			continue
		}
		err = util.PrintRows(out, rows)
		_ = rows.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", node.ID, err))
		}
	}
	return errors.Join(errs...)
}
