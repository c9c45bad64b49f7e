package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Println("Server:")
		fmt.Printf("  WebSocket URL:      %s\n", cfg.Server.WebSocketURL)
		fmt.Printf("  API base URL:       %s\n", cfg.Server.APIBaseURL)
		fmt.Printf("  Dial timeout:       %s\n", cfg.Server.DialTimeout.Std())
		fmt.Printf("  Heartbeat interval: %s\n", cfg.Server.HeartbeatInterval.Std())

		fmt.Println("Auth:")
		fmt.Printf("  User ID: %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:   %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:   (not set)")
		}

		fmt.Println("Reconnect:")
		fmt.Printf("  Max attempts: %d\n", cfg.Reconnect.MaxAttempts)
		fmt.Printf("  Base delay:   %s\n", cfg.Reconnect.BaseDelay.Std())
		fmt.Printf("  Max delay:    %s\n", cfg.Reconnect.MaxDelay.Std())

		fmt.Println("Outbox:")
		fmt.Printf("  TTL:            %s\n", cfg.Outbox.TTL.Std())
		fmt.Printf("  Sweep interval: %s\n", cfg.Outbox.SweepInterval.Std())
		return nil
	},
}

// maskToken shows only the edges of a token.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
