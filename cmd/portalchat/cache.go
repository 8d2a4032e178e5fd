package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the local message cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry count and size",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		st := s.engine.Cache().Stats()
		fmt.Printf("Backend: %s\n", valueOrDefault(s.cfg.Cache.Backend, "memory"))
		fmt.Printf("Rooms:   %d\n", st.Entries)
		fmt.Printf("Bytes:   %d\n", st.Bytes)
		for _, id := range s.engine.Cache().Rooms() {
			msgs, ok := s.engine.Cache().Get(id)
			if !ok {
				fmt.Printf("  %s (stale)\n", id)
				continue
			}
			fmt.Printf("  %s: %d messages\n", id, len(msgs))
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached room",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		s.engine.Cache().Clear()
		if s.sqlite != nil {
			if n, err := s.sqlite.PurgeExpired(ctx, time.Now()); err == nil && n > 0 {
				fmt.Printf("Purged %d expired rows\n", n)
			}
		}
		fmt.Println("Cache cleared.")
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
