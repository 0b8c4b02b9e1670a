package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/core"
)

// profileNames lists the profiles in the config directory by name.
func profileNames() ([]string, error) {
	configs, err := core.AvailableConfigs()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(configs))
	for _, path := range configs {
		names = append(names, profileName(path))
	}
	return names, nil
}

func profileCompletionFunc(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	// Completion runs without the root pre-run hook
	if core.Config == nil {
		configPath, _ := cmd.Flags().GetString("config-path")
		if _, err := core.InitializeConfig(configPath); err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
	}

	names, err := profileNames()
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	matches := names[:0]
	for _, name := range names {
		if strings.HasPrefix(name, toComplete) {
			matches = append(matches, name)
		}
	}
	// A path is also accepted, so let the shell complete files too
	return matches, cobra.ShellCompDirectiveDefault
}
