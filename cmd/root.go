package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "sdash",
		Short:         "sdash: live session and registration dashboard",
		Long:          "sdash polls the session, participant, room and activity endpoints of a registration API, detects what changed and keeps a terminal dashboard, a websocket relay or a one-shot snapshot up to date.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/sdash/config.toml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(opts),
		newSnapshotCmd(opts),
		newWatchCmd(opts),
		newServeCmd(opts),
	)

	return rootCmd
}
