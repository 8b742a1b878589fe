package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/eventchain/indexer/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "eventchain-indexer",
	Short: "Chain event indexer for the event-management contract",
	Long: `Follows the finalized event stream of the event-management contract and
projects events, registrations, RSVPs and attendance into the store.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			log.Error().Err(err).Msg("Failed to display help")
		}
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml or ./app.env)")
}

// loadConfig reads and validates the configuration, then applies its
// logging settings
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(".", configFile)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	configureLogging(cfg)
	return cfg, nil
}

func configureLogging(cfg config.Config) {
	if cfg.Logging.Format == "json" && cfg.Environment != "development" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if os.Getenv("LOG_LEVEL") != "" {
		return
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
}
