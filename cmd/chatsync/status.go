package main

import (
	"context"
	"fmt"
	"time"

	"github.com/campusline/chatsync"
	"github.com/spf13/cobra"
)

var statusChat string

func init() {
	statusCmd.Flags().StringVar(&statusChat, "chat", "", "Chat id to join while probing the socket")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and probe the socket",
	Long:  "Display the current configuration and, when a socket URL and token are set, try one socket connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:   %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Socket URL: %s\n", valueOrDefault(cfg.Default.SocketURL, "(not set, REST only)"))
		fmt.Printf("  Cache:      %s %s\n", valueOrDefault(cfg.Cache.Backend, "bolt"), cfg.Cache.Path)

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:    %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:      %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:      (not set)")
		}

		if cfg.Default.SocketURL == "" || cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Socket probe:")
		conn := chatsync.NewConnection(chatsync.ConnectionConfig{
			URL:               cfg.Default.SocketURL,
			MaxFailures:       1,
			HeartbeatInterval: -1,
			DialTimeout:       10 * time.Second,
			Logger:            logger,
		})
		defer conn.Close()

		var lastErr error
		conn.OnLifecycle(func(ev chatsync.LifecycleEvent) {
			if ev.Err != nil {
				lastErr = ev.Err
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		start := time.Now()
		if err := conn.Open(ctx, statusChat, cfg.Auth.Token); err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		if conn.State() == chatsync.StateConnected {
			fmt.Printf("  Connected in %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		}
		fmt.Printf("  State: %s\n", conn.State())
		if lastErr != nil {
			fmt.Printf("  Error: %v\n", lastErr)
		}
		return nil
	},
}
