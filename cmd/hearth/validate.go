package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/hearth/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if missing := config.ResolveSecrets(cfg, os.LookupEnv); len(missing) > 0 {
				fmt.Fprintf(out, "warning: unset api key variables: %s\n", strings.Join(missing, ", "))
			}
			if _, err := config.DefaultRegistry().CreateGenerators(cfg.Providers.LLM); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: ok (%d characters, %d presets)\n", configPath(cmd), len(cfg.Characters), len(cfg.Presets))
			return nil
		},
	}
}
