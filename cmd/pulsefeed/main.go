package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/pulsedash/pulsefeed/internal/config"
	"github.com/pulsedash/pulsefeed/internal/source"
)

const appName = "pulsefeed"

// version is overridden by the release build via -ldflags.
var version = "v0.9.0-dev"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	// A local .env is a development convenience; deployments set real
	// environment variables.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Crypto market aggregator with a websocket feed",
		Version: version,
		Long: `pulsefeed polls market data sources (Upbit composite indices, global
aggregates, top coins, USD/KRW), caches every reading and pushes assembled
snapshots to dashboard clients over websockets.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Flags written with underscores work too, matching the config keys.
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file (built-in defaults when omitted)")
	rootCmd.PersistentFlags().String("log-level", "", "Override log level (trace|debug|info|warn|error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collector, dispatcher and both listeners",
		Long:  "Starts the full service: source collectors, snapshot dispatcher, the websocket stream and the ops HTTP endpoints. Stops cleanly on SIGINT/SIGTERM.",
		RunE:  runServe,
	}

	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Fetch one source once and print the result",
		Long:  "Runs a single fetch against the named source adapter and prints the parsed snapshot as JSON. Store and listeners are not touched.",
		RunE:  runProbe,
	}
	probeCmd.Flags().String("source", source.SourceGlobal,
		fmt.Sprintf("Source to probe (%s)", strings.Join(probeSources, "|")))
	probeCmd.Flags().Int("timeout", 30, "Overall probe timeout in seconds")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired records from the cache store",
		Long:  "Connects to the configured store backend, removes every record past its TTL and reports the count. The serve cron does this on a schedule; this command is the manual equivalent.",
		RunE:  runSweep,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(serveCmd, probeCmd, sweepCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration for any subcommand:
// built-in defaults, then the optional file, then environment and flag
// overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
		cfg.ApplyEnv()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger builds the process logger: JSON to stderr, or the console
// writer when pretty is configured or stderr is a terminal.
func setupLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := cfg.Log.GetLevel()
	if err != nil {
		return zerolog.Nop(), err
	}

	var logger zerolog.Logger
	if cfg.Log.Pretty || term.IsTerminal(int(os.Stderr.Fd())) {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
		logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	logger = logger.Level(level)
	log.Logger = logger
	return logger, nil
}
