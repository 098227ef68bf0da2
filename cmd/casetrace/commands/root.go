package commands

import (
	"github.com/spf13/cobra"

	"github.com/casetrace/casetrace/internal/logging"
)

const Version = "0.1.0"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "casetrace",
	Short: "Casetrace - investigative intelligence engine",
	Long: `Casetrace ingests unstructured text and graph data, extracts entities and
relationships through an LLM oracle, and runs graph analyses orchestrated
by a multi-phase investigation pipeline.`,
	Version: Version,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return logging.Initialize(logLevel)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(investigateCmd)
	rootCmd.AddCommand(analyzeCmd)
}
