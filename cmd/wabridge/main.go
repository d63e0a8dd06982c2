// Command wabridge runs the WhatsApp messaging bridge.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sipeed/wabridge/pkg/config"
	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/storage"
)

var (
	version = "dev"
	commit  = "none"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "wabridge",
	Short: "WhatsApp messaging bridge",
	Long: `wabridge keeps a single linked WhatsApp session alive, streams its
lifecycle to dashboard subscribers, relays inbound messages to the CRM and
arbitrates outbound sends.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "wabridge %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.wabridge/config.json)")
	rootCmd.AddCommand(serveCmd, reclaimCmd, diagnosticsCmd, secretCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.JSON)
	return cfg, nil
}

// storageConfig translates the bridge config into a backend config.
func storageConfig(cfg *config.Config, storageType string) storage.Config {
	sc := storage.DefaultConfig(storageType)
	sc.DatabaseURL = cfg.Storage.DatabaseURL
	sc.SSLEnabled = cfg.Storage.SSLEnabled
	if cfg.Storage.MaxJournal > 0 {
		sc.MaxJournal = cfg.Storage.MaxJournal
	}
	if storageType == cfg.Storage.Type {
		sc.FilePath = cfg.StorageFilePath()
		return sc
	}
	// Another backend's default location, e.g. a migration target
	other := cfg.Clone()
	other.Storage.Type = storageType
	other.Storage.FilePath = ""
	sc.FilePath = other.StorageFilePath()
	return sc
}
