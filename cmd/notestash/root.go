package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

const appName = "notestash"

// EnvConfig names the config file when --config is not given.
const EnvConfig = "NOTESTASH_CONFIG"

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Relay notes to your documents, offline first",
		Long:          "notestash queues notes locally and delivers them to documents through a script hub, retrying while offline.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(appName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", os.Getenv(EnvConfig), "path to the YAML config file")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewServeCmd(),
		NewSendCmd(),
		NewStatusCmd(),
		NewSessionCmd(),
		NewSyncCmd(),
		NewBindCmd(),
		NewHistoryCmd(),
		NewPurgeCmd(),
		NewMigrateCmd(),
		NewStatsCmd(),
		NewPingCmd(),
	)
	return cmd
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
