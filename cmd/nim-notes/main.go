// Command nim-notes runs the semantic message memory service and its
// maintenance tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-notes/config"
	"github.com/becomeliminal/nim-notes/logging"
)

var (
	// configPath is the YAML config file. Empty uses env and defaults.
	configPath string

	// version information
	version = "dev"

	cfg    *config.Config
	logger *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nim-notes",
	Short: "Semantic memory for chat messages",
	Long: `nim-notes stores chat and voice messages with their embeddings and
answers semantic searches over each user's own messages.

Configuration is read from the --config YAML file and NIMNOTES_*
environment variables, e.g. NIMNOTES_STORE__REDIS__ADDR=localhost:6379.`,
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logging.Sync(logger)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file")
}
