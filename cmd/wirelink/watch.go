package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fluxline/wirelink"
	"github.com/fluxline/wirelink/pkg/config"
	"github.com/fluxline/wirelink/pkg/events"
	"github.com/fluxline/wirelink/pkg/frame"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and stream incoming events until interrupted",
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

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		// Reload tunables when the config file changes on disk.
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next config.Config) {
				logger.Info("config changed, restart to apply connection settings",
					"log_level", next.Log.Level)
			})
			if err != nil && ctx.Err() == nil {
				logger.Warn("config watch stopped", "err", err)
			}
		}()

		notifications, unsubN := events.Listen[frame.Notification](client.Bus, events.TopicNotification)
		defer unsubN()
		messages, unsubM := events.Listen[frame.ChatMessage](client.Bus, events.TopicChatMessage)
		defer unsubM()
		presence, unsubP := events.Listen[frame.PresenceChanged](client.Bus, events.TopicPresenceChanged)
		defer unsubP()
		statuses, unsubS := events.Listen[events.StatusEvent](client.Bus, events.TopicStatus)
		defer unsubS()

		for {
			select {
			case <-ctx.Done():
				return nil
			case n := <-notifications:
				fmt.Printf("[notification] %s: %s\n", n.Title, n.Body)
			case m := <-messages:
				fmt.Printf("[message] %s -> %s: %s\n", m.SenderID, m.ConversationID, m.Content)
			case p := <-presence:
				fmt.Printf("[presence] %s is now %s\n", p.UserID, p.Status)
			case s := <-statuses:
				line := fmt.Sprintf("[conn] %s", s.Status)
				if s.Attempt > 0 {
					line += fmt.Sprintf(" (attempt %d, next in %s)", s.Attempt, s.Delay)
				}
				if s.Err != "" {
					line += ": " + s.Err
				}
				fmt.Println(line)
			}
		}
	},
}
