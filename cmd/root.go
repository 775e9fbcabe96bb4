// Package cmd defines the command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "loanproxy",
	Short: "Chat assistant front-end core for loan application intake",
	Long: `loanproxy serves the web front-end core of the loan application
assistant: the streaming chat channel, the artifact panel with version
history, and module field autosave against the banking backend.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
