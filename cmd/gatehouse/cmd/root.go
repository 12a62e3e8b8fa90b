package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "gatehouse",
	Short: "Gatehouse is a credential and session gateway",
	Long: `A session gateway that keeps provider tokens server-side, encrypted at
rest, and hands browsers opaque cookies. Supports linked accounts and
fast account switching.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
