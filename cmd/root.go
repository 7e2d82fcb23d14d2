// Package cmd implements captool's CLI commands using cobra.
package cmd

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:     "captool",
	Short:   "captool - passive traffic profiling and classification",
	Version: "0.1.0",
	Long: `captool walks captured packets through a configurable graph of protocol
decoders, performs IP reassembly, and tags flows against a signature catalog
with monotonic "final" classification semantics.`,
}

// Execute runs the root command. Called once by main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "captool.yaml", "config file path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
}
