package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session token in ~/.portalchat/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = args[0]
		if cfg.Default.Env == "" {
			cfg.Default.Env = "production"
		}
		if cfg.Cache.Backend == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cfg.Cache.Backend = "sqlite"
			cfg.Cache.SQLitePath = dir + "/cache.db"
		}
		if cfg.Realtime.Transport == "" {
			cfg.Realtime.Transport = "ws"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
