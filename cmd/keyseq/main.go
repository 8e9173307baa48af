package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cbegin/keyseq-go/internal/config"
)

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "keyseq",
	Short:         "Keyboard-driven music sequencer",
	Long:          `keyseq plays, renders and converts sequencer projects and replays recorded input scripts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			var err error
			if path, err = config.Path(); err != nil {
				return err
			}
		}
		c, err := config.Load(path)
		if err != nil {
			return err
		}
		if logLevel != "" {
			c.LogLevel = logLevel
		}
		level, err := c.Level()
		if err != nil {
			return err
		}
		cfg = c
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default is the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("keyseq failed", "err", err)
		} else {
			slog.Error("keyseq failed", "err", err)
		}
		os.Exit(1)
	}
}
