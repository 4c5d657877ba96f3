package registry

import (
	"fmt"

	"github.com/ValentinKolb/dShard/cmd/util"
	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/directory"
	"github.com/spf13/cobra"
)

var (
	// RegistryCommands represents the key registry command group
	RegistryCommands = &cobra.Command{
		Use:   "registry",
		Short: "Inspect the key registry of the key directory",
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List the registered keys of a dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset, _ := cmd.Flags().GetString("dataset")
			return withStore(cmd, func(store *directory.Store) error {
				entries, err := store.Entries(cmd.Context(), dataset)
				if err != nil {
					return err
				}
				return util.PrintJSON(cmd.OutOrStdout(), entries)
			})
		},
	}

	ownedCmd = &cobra.Command{
		Use:   "owned [node]",
		Short: "List the key values a node owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset, _ := cmd.Flags().GetString("dataset")
			key, _ := cmd.Flags().GetString("key")
			return withStore(cmd, func(store *directory.Store) error {
				entry, err := store.LookupDirectoryTable(cmd.Context(), dataset, key)
				if err != nil {
					return err
				}
				keys, err := store.OwnedKeys(cmd.Context(), entry.DirectoryTable, args[0])
				if err != nil {
					return err
				}
				return util.PrintJSON(cmd.OutOrStdout(), keys)
			})
		},
	}

	rebuildCmd = &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the key directory of a table from the nodes",
		Long: util.WrapString(`Read the distinct key values of the table from every node and seal them as the new contents of the key directory, no rows are moved. ` +
			`Fails if a key is present on more than one node, for example because the table was copied to every node.`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset, _ := cmd.Flags().GetString("dataset")
			key, _ := cmd.Flags().GetString("key")
			table, _ := cmd.Flags().GetString("table")

			session, err := util.NewSession()
			if err != nil {
				return err
			}
			defer session.Close()

			pipeline, err := session.Pipeline()
			if err != nil {
				return err
			}
			res, err := pipeline.Rebuild(cmd.Context(), dataset, key, table)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rebuilt %s from %d keys\n", res.DirectoryTable, res.Assignment.Len())
			for _, r := range res.Assignment.Ranges {
				fmt.Fprintf(out, "  %-10s: %d keys, %d rows\n", r.Node, len(r.Keys), res.Rows[r.Node])
			}
			return nil
		},
	}
)

func init() {
	RegistryCommands.PersistentFlags().String("dataset", "", util.WrapString("Dataset whose registry is read, empty lists all datasets"))

	ownedCmd.Flags().String("key", "", util.WrapString("Key column registered in the key directory"))
	_ = ownedCmd.MarkFlagRequired("key")

	rebuildCmd.Flags().String("key", "", util.WrapString("Key column the table is split by"))
	rebuildCmd.Flags().String("table", "", util.WrapString("Table whose keys are read from the nodes"))
	_ = rebuildCmd.MarkFlagRequired("key")
	_ = rebuildCmd.MarkFlagRequired("table")

	RegistryCommands.AddCommand(listCmd)
	RegistryCommands.AddCommand(ownedCmd)
	RegistryCommands.AddCommand(rebuildCmd)
}

// withStore opens the key directory on the master and passes it to fn
func withStore(cmd *cobra.Command, fn func(store *directory.Store) error) error {
	session, err := util.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	addr := backend.Address{Host: session.Config.MasterHost, Dataset: session.Config.DirectoryDataset}
	conn, err := session.Pool.Get(cmd.Context(), addr)
	if err != nil {
		return err
	}
	store, err := directory.NewStore(cmd.Context(), conn)
	if err != nil {
		return err
	}
	return fn(store)
}
