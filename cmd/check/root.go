package check

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dShard/cmd/util"
	"github.com/ValentinKolb/dShard/lib/consistency"
	"github.com/spf13/cobra"
)

// ErrInconsistent is returned when a check finds a mismatch, so the exit
// status reflects the result
var ErrInconsistent = errors.New("inconsistencies found")

var (
	// CheckCommands represents the consistency check command group
	CheckCommands = &cobra.Command{
		Use:   "check",
		Short: "Compare the nodes with the source and the key directory",
	}

	rowsCmd = &cobra.Command{
		Use:   "rows",
		Short: "Compare the row count of every table of a dataset",
		Long: util.WrapString(`Compare the row count of every table of the dataset on the master with the row count on each node. ` +
			`For sharded tables the expected count is the number of source rows in the key range the directory assigns to the node.`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset, _ := cmd.Flags().GetString("dataset")
			checker, session, err := newChecker()
			if err != nil {
				return err
			}
			defer session.Close()

			report, err := checker.CheckRowCounts(cmd.Context(), dataset, onlyNodes(cmd))
			if err != nil {
				return err
			}
			if err := util.PrintJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%w: %d table/node pairs differ", ErrInconsistent, report.Mismatches())
			}
			return nil
		},
	}

	keysCmd = &cobra.Command{
		Use:   "keys",
		Short: "Compare the keys on every node with the key directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset, _ := cmd.Flags().GetString("dataset")
			key, _ := cmd.Flags().GetString("key")
			checker, session, err := newChecker()
			if err != nil {
				return err
			}
			defer session.Close()

			report, err := checker.CheckKeyCounts(cmd.Context(), dataset, key, onlyNodes(cmd))
			if err != nil {
				return err
			}
			if err := util.PrintJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.OK() {
				return ErrInconsistent
			}
			return nil
		},
	}

	diffCmd = &cobra.Command{
		Use:   "diff [node]",
		Short: "List the keys that differ between a node and the key directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset, _ := cmd.Flags().GetString("dataset")
			key, _ := cmd.Flags().GetString("key")
			checker, session, err := newChecker()
			if err != nil {
				return err
			}
			defer session.Close()

			keys, err := checker.FindDivergentKeys(cmd.Context(), dataset, key, args[0])
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			if len(keys) > 0 {
				return fmt.Errorf("%w: %d keys differ on %s", ErrInconsistent, len(keys), args[0])
			}
			return nil
		},
	}
)

func init() {
	CheckCommands.PersistentFlags().String("dataset", "", util.WrapString("Dataset to check"))
	_ = CheckCommands.MarkPersistentFlagRequired("dataset")
	CheckCommands.PersistentFlags().String("only-nodes", "", util.WrapString("Comma-separated subset of the configured nodes to check"))

	keysCmd.Flags().String("key", "", util.WrapString("Key column registered in the key directory"))
	_ = keysCmd.MarkFlagRequired("key")
	diffCmd.Flags().String("key", "", util.WrapString("Key column registered in the key directory"))
	_ = diffCmd.MarkFlagRequired("key")

	CheckCommands.AddCommand(rowsCmd)
	CheckCommands.AddCommand(keysCmd)
	CheckCommands.AddCommand(diffCmd)
}

// newChecker creates the checker from the configuration
func newChecker() (*consistency.Checker, *util.Session, error) {
	session, err := util.NewSession()
	if err != nil {
		return nil, nil, err
	}
	checker, err := consistency.NewChecker(session.Config.CheckerConfig(session.Pool))
	if err != nil {
		_ = session.Close()
		return nil, nil, err
	}
	return checker, session, nil
}

func onlyNodes(cmd *cobra.Command) []string {
	only, _ := cmd.Flags().GetString("only-nodes")
	if only == "" {
		return nil
	}
	return strings.Split(only, ",")
}
