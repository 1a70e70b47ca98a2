// champion ingests, validates, and warehouses Indian exchange market data.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/champion-data/champion/internal/config"
	"github.com/champion-data/champion/internal/errs"
	"github.com/champion-data/champion/internal/flow"
	"github.com/champion-data/champion/internal/task"
)

const (
	appName = "champion"
	version = "v1.0.0"
)

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Market data ingestion and warehousing for NSE/BSE",
		Version: version,
		Long: `champion fetches exchange bulletins, validates them against typed
schemas and business rules, lands them in a partitioned parquet lake,
and loads the normalized layer into ClickHouse.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config YAML")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "trace|debug|info|warn|error")

	rootCmd.AddCommand(
		newIngestCmd(),
		newBackfillCmd(),
		newLoadCmd(),
		newValidateCmd(),
		newCoalesceCmd(),
		newCleanupCmd(),
		newReportCmd(),
		newScheduleCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg(appName + " failed")
		os.Exit(errs.ExitCode(err))
	}
}

// loadConfig resolves the layered configuration and applies logging flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig, func(c *config.Config) {
		if flagLogLevel != "" {
			c.Logging.Level = flagLogLevel
		}
	})
	if err != nil {
		return nil, err
	}
	applyLogLevel(cfg.Logging.Level)
	return cfg, nil
}

func applyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// newEngine wires the shared task runner and flow engine.
func newEngine(cfg *config.Config) *flow.Engine {
	sink := task.NewPromSink(prometheus.DefaultRegisterer)
	runner := task.NewRunner(sink, cfg.State.Dir)
	return flow.NewEngine(runner, cfg.Tasks.Parallelism, cfg.State.Dir)
}

// parseDate accepts the CLI date contract; empty means today.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, errs.Newf(errs.Config, "cli", "invalid date %q, want YYYY-MM-DD", s)
	}
	return d, nil
}
