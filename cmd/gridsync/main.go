// gridsync is the offline-first sync engine for gridwell task boards.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gridwell/gridsync/internal/config"
)

var (
	configPath string
	projectID  string
)

var rootCmd = &cobra.Command{
	Use:   "gridsync",
	Short: "Offline-first sync engine for gridwell task boards",
	Long: `gridsync keeps a local task board and the remote store converged.

Local edits queue durably while offline and replay in dependency order
when connectivity returns. Remote edits pull in through clock-skew-aware
delta sync. Deleted entities are protected from resurrection by a local
tombstone mirror.`,
	SilenceUsage: true,
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if projectID != "" {
		cfg.ProjectID = projectID
	}
	return cfg
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.gridsync/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&projectID, "project", "p", "", "project to operate on (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
