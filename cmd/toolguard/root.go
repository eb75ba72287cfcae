package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "toolguard",
		Short: "Secure tool invocation server",
		Long: `toolguard verifies tools before they run: every invocation carries an
OAuth token whose scopes cover the tool, the tool's implementation signature
is checked against its registered hash, nested calls are bounded and
audited, and tools that opt in receive signed requests.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "toolguard version %s\n" .Version}}`)

	root.AddCommand(newServeCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of toolguard",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "toolguard version %s\n", version)
		},
	}
}
