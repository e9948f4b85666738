// Command callbridge bridges Twilio Media Streams phone calls to the OpenAI
// Realtime API.
//
//	callbridge serve
//	callbridge call --to +15550001111 --from +15550002222
//
// Configuration is read from the environment; see internal/config.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "callbridge",
		Short:        "Realtime audio bridge between Twilio calls and the OpenAI Realtime API",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildCallCmd(),
	)
	return rootCmd
}
