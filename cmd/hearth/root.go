package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd builds the hearth command tree.
func newRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "hearth",
		Short: "Hearth - local AI companion runtime",
		Long: `Hearth runs the conversation engine behind a game's AI companions.
The game connects to a local socket and submits turns; Hearth answers with
the character's voice, memory and tools.

Examples:
  hearth serve --config hearth.yaml
  hearth validate --config hearth.yaml
  hearth chat --character mita "How was your day?"`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "hearth.yaml", "path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newChatCmd(),
	)
	return root
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}
