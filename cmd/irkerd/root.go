package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/relaycore/irkerd/internal/config"
)

// flags mirrors bitcanon-ircpush/cmd's pattern of a package-level struct
// bound once in init() and read from every subcommand's RunE.
var flags struct {
	configPath string
	verbosity  int
}

var rootCmd = &cobra.Command{
	Use:   "irkerd",
	Short: "Relay JSON requests to IRC channels",
	Long:  "irkerd accepts JSON relay requests on a local socket and forwards them to IRC channels over long-lived sessions.",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to irkerd.toml")
	rootCmd.PersistentFlags().CountVarP(&flags.verbosity, "verbose", "v", "increase log verbosity (repeatable)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
}

func loadConfig() (config.Config, error) {
	return config.Load(flags.configPath)
}

// levelFor maps -v/-vv counts to zerolog levels, per SPEC_FULL.md's
// debug/verbosity mapping (0=info, 1=debug, 2=trace).
func levelFor(count int) zerolog.Level {
	switch {
	case count >= 2:
		return zerolog.TraceLevel
	case count == 1:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}
