package cmd

import (
	"fmt"

	"github.com/bnema/sdash/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the sdash config file",
	}

	configCmd.AddCommand(newConfigInitCmd(root), newConfigShowCmd(root))
	return configCmd
}

func newConfigInitCmd(root *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file populated with the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := root.configPath
			if path == "" {
				defaultPath, err := config.DefaultPath()
				if err != nil {
					return err
				}
				path = defaultPath
			}

			cfg, err := config.Default()
			if err != nil {
				return err
			}
			if err := config.WriteFile(path, cfg, force); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return err
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func newConfigShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config after file and environment overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}

			data, err := config.Encode(cfg)
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
