package config

import (
	"fmt"
	"sort"

	"github.com/fileferry/ferry/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all configuration",
		Long: `List every configuration key with its effective value.

Example:
  ferry config list`,
		Args: cobra.NoArgs,
		RunE: runList,
	}
}

func runList(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	if _, err := config.Load(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s\n", config.Path())

	for _, key := range config.GetUserFacingKeys() {
		value := config.Get(key)
		if value == nil {
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", key, formatValue(key, value))
	}

	destinations := viper.GetStringMapString("destinations")
	names := make([]string, 0, len(destinations))
	for name := range destinations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "destinations.%s: %s\n", name, destinations[name])
	}

	return nil
}
