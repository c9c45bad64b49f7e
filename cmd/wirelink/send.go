package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxline/wirelink"
	"github.com/fluxline/wirelink/pkg/rest"
	"github.com/spf13/cobra"
)

var (
	sendTimeout time.Duration
	sendQueue   bool
)

func init() {
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "how long to wait for the call to resolve")
	sendCmd.Flags().BoolVar(&sendQueue, "queue", true, "buffer the message for replay if the network is down")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a chat message, buffering it if offline",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		client, err := wirelink.NewClient(cfg, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		body := map[string]string{
			"conversation_id": args[0],
			"text":            args[1],
		}
		var opts []rest.CallOption
		if sendQueue {
			opts = append(opts, rest.WithQueue())
		}

		data, err := client.REST.Post(ctx, "/v1/messages", body, opts...)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		fmt.Printf("sent: %s\n", data)
		return nil
	},
}
