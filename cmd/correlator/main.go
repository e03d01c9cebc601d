// correlator groups monitoring events into dwell windows per rule, asks each
// rule's script for a verdict and posts incidents to the rule's webhook.
//
// Usage:
//
//	correlator serve -c config.yaml
//	correlator validate -c config.yaml
//	correlator import -c config.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "correlator",
		Short: "Correlate monitoring events into incidents",
		Long: `correlator accepts events over REST, TCP, file tail or Kafka, buckets
them per rule for a dwell period and evaluates each bucket with the rule's
script. Incidents are posted to the rule's hook endpoint and every closed
window is recorded in the execution history.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML or JSON config file")

	root.AddCommand(serveCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(importCmd())
	return root
}
