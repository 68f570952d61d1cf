// Command enc-server is the server-side command set. Each remote call runs
// one subcommand, which prints a JSON result on stdout and exits.
package main

import (
	"errors"
	"os"

	"github.com/org/enc/pkg/models"
	"github.com/spf13/cobra"
)

func main() {
	a := &app{}
	err := newRootCmd(a).Execute()
	a.close()
	if err != nil {
		if !errors.Is(err, errReported) {
			writeResult(os.Stdout, models.Failure(err))
		}
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "enc-server",
		Short:         "enc server command set",
		Long:          "Server side of enc: sessions, policy-gated project vaults and user management.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "Config file (default $ENC_CONFIG or /etc/enc/server.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(
		loginCmd(a),
		logoutCmd(a),
		statusCmd(a),
		projectInitCmd(a),
		projectMountCmd(a),
		projectUnmountCmd(a),
		projectListCmd(a),
		projectRunCmd(a),
		projectRemoveCmd(a),
		userCreateCmd(a),
		userDeleteCmd(a),
		userListCmd(a),
		userRoleCmd(a),
		sweepCmd(a),
		auditCmd(a),
		migrateCmd(a),
		serveCmd(a),
	)
	return root
}
