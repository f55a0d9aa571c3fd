package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	appName = "signalcache"
	version = "v1.4.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Cache coordination core for the real-time signal service",
		Version: version,
		Long: `signalcache consumes market events, coordinates cache invalidation
across the greeks, indicator, moneyness, and market-data families, and
keeps this instance registered in the service cluster.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (defaults apply when empty)")
	// Accept snake_case flag spellings from older deploy scripts.
	rootCmd.PersistentFlags().SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination service",
		Long:  "Starts the event consumer, instance registry, and ops HTTP server, running until interrupted.",
		RunE:  runServe,
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check store connectivity and cluster health",
		RunE:  runHealth,
	}

	modeCmd := &cobra.Command{
		Use:   "mode [disabled|shadow|active]",
		Short: "Show or switch the integration mode of a running instance",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runMode,
	}
	modeCmd.Flags().String("addr", "http://localhost:8087", "Ops server base URL")

	rootCmd.AddCommand(serveCmd, healthCmd, modeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
