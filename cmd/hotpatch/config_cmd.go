package main

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/dorcha-inc/hotpatch/internal/config"
	"github.com/dorcha-inc/hotpatch/internal/core"
)

// newConfigCmd creates the config command
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and change hotpatch configuration",
		Long: `Inspect and change hotpatch configuration.

Values come from, in increasing precedence: defaults, ~/.hotpatch/config.yaml,
./hotpatch.yaml and HOTPATCH_* environment variables.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every configuration value and where it comes from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listConfig(os.Stdout)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get KEY",
		Short: "Print one configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getConfig(os.Stdout, args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Write a configuration value",
		Long: `Write a configuration value to ./hotpatch.yaml when it exists, otherwise
to ~/.hotpatch/config.yaml.

Examples:
  hotpatch config set poll_interval_ms 50
  hotpatch config set log_format pretty`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SetConfigValue(args[0], args[1]); err != nil {
				return err
			}
			core.MustFprintf(os.Stdout, "%s = %s\n", args[0], args[1])
			return nil
		},
	})

	return cmd
}

func listConfig(w io.Writer) error {
	values, err := config.ListConfig()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		value := values[key]
		core.MustFprintf(w, "%s = %v (%s)\n", key, value.Value, value.Source)
	}
	return nil
}

func getConfig(w io.Writer, key string) error {
	value, err := config.GetConfigValue(key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	core.MustFprintf(w, "%v\n", value.Value)
	return nil
}
