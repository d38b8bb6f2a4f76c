// Flowgate — AI request-routing gateway with response caching and
// sandboxed workflow testing.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flowgate",
	Short: "Flowgate — AI request-routing gateway with caching, fallback, and sandboxed workflow testing.",
	Long: `Flowgate is a multi-tenant gateway that routes chat requests to AI providers
with ordered fallback and BYOK support, caches responses per tenant, meters
token cost, and test-runs generated workflows in sanitized sandboxes on an
external workflow engine.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, chatCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
