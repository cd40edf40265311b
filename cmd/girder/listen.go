package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	girder "github.com/girder/girder-go"
)

var (
	flagStreamTimeout time.Duration
	flagTransport     string
	flagPoll          bool
	flagPollInterval  time.Duration
	flagSince         time.Duration
)

func init() {
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(authCmd)

	listenCmd.Flags().DurationVar(&flagStreamTimeout, "timeout", 0, "server-side idle timeout to request (e.g. 30s)")
	listenCmd.Flags().StringVar(&flagTransport, "transport", "sse", "push transport: sse or websocket")
	listenCmd.Flags().BoolVar(&flagPoll, "poll", false, "poll the REST endpoint instead of streaming")
	listenCmd.Flags().DurationVar(&flagPollInterval, "poll-interval", 5*time.Second, "interval between polls with --poll")

	notificationsCmd.Flags().DurationVar(&flagSince, "since", time.Hour, "how far back to list notifications")
}

// printNotification writes one notification to stdout as a JSON line.
func printNotification(key string, n *girder.Notification) {
	if n.Raw != nil && n.Type == "" {
		fmt.Fprintf(os.Stderr, "unparseable notification: %s\n", n.Raw)
		return
	}
	line, err := json.Marshal(map[string]any{
		"key":  key,
		"type": n.Type,
		"data": n.Data,
	})
	if err != nil {
		return
	}
	fmt.Println(string(line))
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Follow the server's notification stream",
	Long: `Connect to the notification stream and print each notification as a JSON
line until interrupted. With --poll the REST endpoint is polled instead of
holding a push connection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := resolveClient()
		if err != nil {
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		if flagPoll {
			poller := client.Poll(&girder.PollConfig{Interval: flagPollInterval})
			poller.Hub().On("event.*", printNotification)
			poller.Start()
			defer poller.Stop()
			<-sig
			return nil
		}

		cfg := &girder.StreamConfig{Timeout: flagStreamTimeout}
		switch flagTransport {
		case "sse":
		case "websocket":
			cfg.Transport = girder.WebSocketTransport(nil)
		default:
			return fmt.Errorf("unknown transport %q (want sse or websocket)", flagTransport)
		}

		stream := client.Stream(cfg)
		stream.On("event.*", printNotification)
		stream.On("error", printNotification)
		stream.Open()
		defer stream.Close()

		<-sig
		return nil
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List outstanding notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := resolveClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		notifications, err := client.ListNotifications(ctx, time.Now().Add(-flagSince))
		if err != nil {
			return err
		}
		for i := range notifications {
			printNotification("event."+notifications[i].Type, &notifications[i])
		}
		if len(notifications) == 0 {
			fmt.Fprintln(os.Stderr, "no notifications")
		}
		return nil
	},
}

var authCmd = &cobra.Command{
	Use:   "auth <username>",
	Short: "Authenticate and store a session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := os.Getenv("GIRDER_PASSWORD")
		if password == "" {
			return fmt.Errorf("set GIRDER_PASSWORD in the environment")
		}

		client, err := resolveClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		result, err := client.Authenticate(ctx, args[0], password)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Auth.Token = result.AuthToken.Token
		cfg.Auth.TokenExpires = result.AuthToken.Expires
		cfg.Auth.Login = result.User.Login
		if err := saveConfig(cfg); err != nil {
			return err
		}

		fmt.Printf("Authenticated as %s\n", result.User.Login)
		return nil
	},
}
