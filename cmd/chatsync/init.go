package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID    string
	initBaseURL   string
	initSocketURL string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Your user id on the chat server")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST base URL")
	initCmd.Flags().StringVar(&initSocketURL, "socket-url", "", "Socket URL (http(s) or ws(s))")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the auth token in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your bearer token and endpoints in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initSocketURL != "" {
			cfg.Default.SocketURL = initSocketURL
		}
		if cfg.Cache.Backend == "" {
			cfg.Cache.Backend = "bolt"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
