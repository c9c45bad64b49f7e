package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fluxline/wirelink/pkg/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "wirelink",
	Short: "Resilient messaging client",
	Long:  "Connects to the messaging service over websocket, streams typed events,\nand issues REST calls with offline buffering and automatic replay.",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "wirelink.toml", "path to the TOML config file")
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	}))
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
