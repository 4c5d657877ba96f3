package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dShard/cmd/check"
	"github.com/ValentinKolb/dShard/cmd/distribute"
	"github.com/ValentinKolb/dShard/cmd/nodes"
	"github.com/ValentinKolb/dShard/cmd/registry"
	"github.com/ValentinKolb/dShard/cmd/route"
	"github.com/ValentinKolb/dShard/cmd/serve"
	"github.com/ValentinKolb/dShard/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dshard",
		Short: "key directory based data sharding",
		Long: fmt.Sprintf(`dShard (v%s)

Split database tables over a set of nodes by an integer key, keep a key
directory of which node owns which key value and route statements to the
owning node.`, Version),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return util.PersistentPreRun(cmd)
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dShard",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dShard v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(distribute.DistributeCmd)
	RootCmd.AddCommand(distribute.ReplicateCmd)
	RootCmd.AddCommand(nodes.NodesCommands)
	RootCmd.AddCommand(check.CheckCommands)
	RootCmd.AddCommand(route.RouteCommands)
	RootCmd.AddCommand(registry.RegistryCommands)
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupConfigFlags(RootCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
