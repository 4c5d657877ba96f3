package serve

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ValentinKolb/dShard/cmd/util"
	"github.com/ValentinKolb/dShard/lib/backend"
	"github.com/ValentinKolb/dShard/lib/consistency"
	"github.com/ValentinKolb/dShard/lib/directory"
	"github.com/ValentinKolb/dShard/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// ServeCmd starts the HTTP lookup service
	ServeCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP lookup service",
		Long: util.WrapString(`Start the HTTP lookup service with the specified configuration. ` +
			`The configuration can be set via command line flags or environment variables. ` +
			`The format of the environment variables is DSHARD_<flag> (e.g. DSHARD_MASTER_HOST=/var/lib/dshard)`),
		Args: cobra.NoArgs,
		RunE: run,
	}
)

func init() {
	key := "endpoint"
	ServeCmd.Flags().String(key, "0.0.0.0:8080", util.WrapString("The address on which the API will listen"))

	key = "disable-checks"
	ServeCmd.Flags().Bool(key, false, util.WrapString("Answer the consistency check routes with 501"))
}

func run(cmd *cobra.Command, _ []string) error {
	session, err := util.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	conf := session.Config

	fmt.Fprint(cmd.ErrOrStderr(), conf.String())

	master, err := session.Pool.Get(cmd.Context(), backend.Address{Host: conf.MasterHost, Dataset: conf.DirectoryDataset})
	if err != nil {
		return err
	}
	store, err := directory.NewStore(cmd.Context(), master)
	if err != nil {
		return err
	}

	var checker *consistency.Checker
	if !viper.GetBool("disable-checks") {
		if checker, err = consistency.NewChecker(conf.CheckerConfig(session.Pool)); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := conf.LogLevel == "debug"
	return server.NewServer(store, conf.Nodes, checker, debug).ListenAndServe(ctx, conf.Endpoint)
}
