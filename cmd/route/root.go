package route

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/ValentinKolb/dShard/cmd/util"
	"github.com/ValentinKolb/dShard/lib/cluster"
	"github.com/ValentinKolb/dShard/lib/router"
	"github.com/spf13/cobra"
)

var (
	// RouteCommands represents the routing command group
	RouteCommands = &cobra.Command{
		Use:   "route",
		Short: "Resolve key values to nodes and run statements on the owner",
	}

	lookupCmd = &cobra.Command{
		Use:   "lookup [value...]",
		Short: "Print the node owning each key value",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runLookup,
	}

	execCmd = &cobra.Command{
		Use:   "exec [value] [statement] [args...]",
		Short: "Run a statement on the node owning a key value",
		Long: util.WrapString(`Resolve the node owning the key value and run the statement on the dataset of that node. ` +
			`Statements use '?' placeholders, the remaining arguments are bound in order. ` +
			`Statements starting with SELECT or WITH print the result rows, all others the number of affected rows.`),
		Args: cobra.MinimumNArgs(2),
		RunE: runExec,
	}
)

func init() {
	RouteCommands.PersistentFlags().String("dataset", "", util.WrapString("Dataset the key directory was registered for"))
	_ = RouteCommands.MarkPersistentFlagRequired("dataset")
	RouteCommands.PersistentFlags().String("key", "", util.WrapString("Key column registered in the key directory"))
	_ = RouteCommands.MarkPersistentFlagRequired("key")

	RouteCommands.AddCommand(lookupCmd)
	RouteCommands.AddCommand(execCmd)
}

func newRouter(cmd *cobra.Command) (*router.Router, *cluster.Registry, error) {
	session, err := util.NewSession()
	if err != nil {
		return nil, nil, err
	}
	// the router dials its own connections, the session pool stays unused
	_ = session.Close()

	dataset, _ := cmd.Flags().GetString("dataset")
	key, _ := cmd.Flags().GetString("key")

	r, err := router.New(cmd.Context(), session.Config.RouterConfig(dataset, session.Dial))
	if err != nil {
		return nil, nil, err
	}
	if err := r.SetKey(cmd.Context(), key); err != nil {
		_ = r.Close()
		return nil, nil, err
	}
	return r, session.Config.Nodes, nil
}

func runLookup(cmd *cobra.Command, args []string) error {
	values := make([]int64, len(args))
	for i, arg := range args {
		v, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid key value %q: %w", arg, err)
		}
		values[i] = v
	}

	r, nodes, err := newRouter(cmd)
	if err != nil {
		return err
	}
	defer r.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VALUE\tNODE\tADDR")
	for _, v := range values {
		node, err := r.ResolveNode(cmd.Context(), v)
		if err != nil {
			return err
		}
		addr := ""
		if n, ok := nodes.Lookup(node); ok {
			addr = n.Addr
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", v, node, addr)
	}
	return w.Flush()
}

func runExec(cmd *cobra.Command, args []string) error {
	value, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid key value %q: %w", args[0], err)
	}
	statement := args[1]
	params := make([]any, len(args)-2)
	for i, a := range args[2:] {
		params[i] = a
	}

	r, _, err := newRouter(cmd)
	if err != nil {
		return err
	}
	defer r.Close()

	key, _ := cmd.Flags().GetString("key")
	conn, err := r.Route(cmd.Context(), key, value)
	if err != nil {
		return err
	}

	if !util.IsQuery(statement) {
		res, err := conn.ExecContext(cmd.Context(), statement, params...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows affected\n", r.ActiveNode(), n)
		return nil
	}

	rows, err := conn.QueryContext(cmd.Context(), statement, params...)
	if err != nil {
		return err
	}
	defer rows.Close()
	return util.PrintRows(cmd.OutOrStdout(), rows)
}
