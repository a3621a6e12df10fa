// Package cli provides the flowsync command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systemflow/flowsync/internal/config"
	"github.com/systemflow/flowsync/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "flowsync",
	Short: "Realtime notification and chat synchronization client",
	Long: `flowsync keeps a local notification feed, per-conversation unread
counts, and chat message caches synchronized with the backend over its
push feed, reconciling with authoritative pulls on every reconnect.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader()
		if cfgFile != "" {
			loader.SetConfigFile(cfgFile)
		}
		loaded, err := loader.Load()
		if err != nil {
			return err
		}
		cfg = loaded

		logCfg := logging.Config{
			Level:        cfg.Logging.Level,
			Format:       cfg.Logging.Format,
			EnableCaller: cfg.Logging.EnableCaller,
		}
		if cfg.Logging.File != "" {
			f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			logCfg.Output = f
		}
		logging.Init(logCfg)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/flowsync/config.yaml)")
}

// Execute runs the root command.
func Execute(version string) error {
	rootCmd.Version = version
	return rootCmd.Execute()
}

// GetConfig returns the loaded configuration.
func GetConfig() *config.Config {
	return cfg
}

func requireSession() error {
	if cfg.Session.UserID == "" {
		return fmt.Errorf("session.user_id is not configured (set FLOWSYNC_SESSION_USER_ID or the config file)")
	}
	return nil
}
