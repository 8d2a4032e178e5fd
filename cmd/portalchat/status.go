package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Env, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Cache.Backend, "memory"))
		fmt.Printf("  Realtime:    %s\n", valueOrDefault(cfg.Realtime.Transport, "ws"))

		if cfg.Default.Token == "" {
			return nil
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		me, err := client.CurrentUser(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  User ID:      %s\n", me.ID)
		fmt.Printf("  Display Name: %s\n", me.DisplayName)

		rooms, err := client.ListRooms(ctx)
		if err != nil {
			fmt.Printf("  Error fetching rooms: %v\n", err)
			return nil
		}
		unread := 0
		for _, r := range rooms {
			unread += r.UnreadCount
		}
		fmt.Printf("  Rooms:        %d\n", len(rooms))
		fmt.Printf("  Unread:       %d\n", unread)
		return nil
	},
}
