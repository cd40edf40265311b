package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	girder "github.com/girder/girder-go"
)

var (
	flagAPIURL  string
	flagToken   string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "girder",
	Short: "Command-line client for a Girder server's notification system",
	Long: `girder is a command-line client for the Girder data-management platform,
focused on its real-time notification stream. It can follow the server-push
stream, poll the REST notification endpoint, and manage local configuration.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAPIURL, "api-url", "", "Girder API root (e.g. https://data.example.org/api/v1)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "Girder auth token")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}

// newLogger builds the CLI logger. Debug level with -v, warn otherwise so
// stream diagnostics do not pollute the notification output.
func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

// resolveClient builds a client from flags, environment, and the config
// file, in that order of precedence.
func resolveClient() (*girder.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	apiURL := flagAPIURL
	if apiURL == "" {
		apiURL = os.Getenv("GIRDER_API_URL")
	}
	if apiURL == "" {
		apiURL = cfg.Default.APIURL
	}

	token := flagToken
	if token == "" {
		token = os.Getenv("GIRDER_TOKEN")
	}
	if token == "" {
		token = cfg.Auth.Token
	}

	opts := []girder.ClientOption{girder.WithLogger(newLogger())}
	if token != "" {
		opts = append(opts, girder.WithToken(token))
	}
	return girder.NewClient(apiURL, opts...), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
